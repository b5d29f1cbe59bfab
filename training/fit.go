package training

import (
	"fmt"
	"io"
	"math"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-voxnet/architecture"
	"github.com/tsawler/go-voxnet/tensor"
)

// FitConfig controls one call to Fit.
type FitConfig struct {
	Epochs    int
	BatchSize int
	// Shuffle reorders samples every epoch using Seed.
	Shuffle   bool
	Seed      int64
	Callbacks []Callback
	Logger    zerolog.Logger
	// Chunk is reported to callbacks for decimated training.
	Chunk int
	// Progress receives a progress bar per epoch when non-nil.
	Progress io.Writer
	// BaseLR seeds the learning rate schedule. Zero falls back to the
	// rate the network was compiled with.
	BaseLR float64
}

// History records the logs of every completed epoch.
type History struct {
	Epochs []int
	Logs   []Logs
}

// Metric returns the per-epoch series of one quantity.
func (h *History) Metric(name string) []float64 {
	out := make([]float64, 0, len(h.Logs))
	for _, l := range h.Logs {
		out = append(out, l[name])
	}
	return out
}

// Last returns the logs of the final epoch, or nil before any epoch.
func (h *History) Last() Logs {
	if len(h.Logs) == 0 {
		return nil
	}
	return h.Logs[len(h.Logs)-1]
}

// Fit trains net on (x, y), optionally reporting on (xv, yv) after every
// epoch. Samples must already be in the network's data format and targets
// in the shape of the network output.
func Fit(net *architecture.Network, x, y, xv, yv *tensor.Tensor, cfg FitConfig) (*History, error) {
	if !net.Trainable() {
		return nil, fmt.Errorf("network has no optimizer; load it for training")
	}
	if x == nil || y == nil || x.Shape[0] != y.Shape[0] {
		return nil, fmt.Errorf("training samples and targets must be present and aligned")
	}
	if (xv == nil) != (yv == nil) || (xv != nil && xv.Shape[0] != yv.Shape[0]) {
		return nil, fmt.Errorf("validation samples and targets must be present and aligned")
	}
	if cfg.Epochs < 1 || cfg.BatchSize < 1 {
		return nil, fmt.Errorf("epochs (%d) and batch size (%d) must be positive", cfg.Epochs, cfg.BatchSize)
	}

	loss, err := LossByName(net.Compile.Loss)
	if err != nil {
		return nil, err
	}
	metric, err := MetricByName(net.Compile.Metric)
	if err != nil {
		return nil, err
	}

	baseLR := cfg.BaseLR
	if baseLR <= 0 {
		baseLR = net.Compile.LearningRate
	}
	ctl := &FitControl{Optimizer: net.Optimizer, BaseLR: baseLR, Chunk: cfg.Chunk}
	for _, cb := range cfg.Callbacks {
		cb.OnTrainBegin(ctl)
	}

	history := &History{}
	n := x.Shape[0]
	steps := (n + cfg.BatchSize - 1) / cfg.BatchSize

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		for _, cb := range cfg.Callbacks {
			cb.OnEpochBegin(epoch, ctl)
		}

		order := identity(n)
		if cfg.Shuffle {
			order = rand.New(rand.NewSource(cfg.Seed + int64(epoch))).Perm(n)
		}

		var bar *ProgressBar
		if cfg.Progress != nil {
			bar = NewProgressBar(cfg.Progress, fmt.Sprintf("Epoch %d/%d", epoch+1, cfg.Epochs), steps)
		}

		var lossMean, metricMean runningMean
		for step := 0; step < steps; step++ {
			lo, hi := step*cfg.BatchSize, min((step+1)*cfg.BatchSize, n)
			xb, err := batch(x, order, lo, hi, cfg.Shuffle)
			if err != nil {
				return history, err
			}
			yb, err := batch(y, order, lo, hi, cfg.Shuffle)
			if err != nil {
				return history, err
			}

			l, m, err := trainStep(net, loss, metric, xb, yb)
			if err != nil {
				return history, fmt.Errorf("epoch %d step %d: %w", epoch+1, step+1, err)
			}
			lossMean.add(l, hi-lo)
			metricMean.add(m, hi-lo)

			if bar != nil {
				bar.Update(step+1, map[string]float64{"loss": lossMean.mean(), metric.Name(): metricMean.mean()})
			}
		}
		if bar != nil {
			bar.Finish()
		}

		logs := Logs{"loss": lossMean.mean(), metric.Name(): metricMean.mean()}
		if xv != nil {
			vl, vm, err := Evaluate(net, loss, metric, xv, yv, cfg.BatchSize)
			if err != nil {
				return history, fmt.Errorf("epoch %d validation: %w", epoch+1, err)
			}
			logs["val_loss"], logs["val_"+metric.Name()] = vl, vm
		}

		for _, cb := range cfg.Callbacks {
			cb.OnEpochEnd(epoch, logs, ctl)
		}
		history.Epochs = append(history.Epochs, epoch)
		history.Logs = append(history.Logs, logs)

		ev := cfg.Logger.Debug().Int("epoch", epoch+1).Int("chunk", cfg.Chunk)
		for k, v := range logs {
			ev = ev.Float64(k, v)
		}
		ev.Msg("Epoch finished")

		if ctl.StopTraining {
			break
		}
	}

	for _, cb := range cfg.Callbacks {
		cb.OnTrainEnd(history.Last(), ctl)
	}
	return history, nil
}

func trainStep(net *architecture.Network, loss Loss, metric Metric, x, y *tensor.Tensor) (float64, float64, error) {
	out, err := net.Model.Forward(x, true)
	if err != nil {
		return 0, 0, err
	}
	l, err := loss.Forward(out, y)
	if err != nil {
		return 0, 0, err
	}
	if math.IsNaN(l) || math.IsInf(l, 0) {
		return 0, 0, fmt.Errorf("loss is not finite")
	}
	grad, err := loss.Backward(out, y)
	if err != nil {
		return 0, 0, err
	}
	if err := net.Model.Backward(grad); err != nil {
		return 0, 0, err
	}
	if err := net.Optimizer.Step(net.Model.Parameters(), net.Model.Gradients()); err != nil {
		return 0, 0, err
	}
	m, err := metric.Compute(out, y)
	if err != nil {
		return 0, 0, err
	}
	return l, m, nil
}

// Evaluate computes the sample-weighted loss and metric of net on (x, y) in
// inference mode.
func Evaluate(net *architecture.Network, loss Loss, metric Metric, x, y *tensor.Tensor, batchSize int) (float64, float64, error) {
	var lossMean, metricMean runningMean
	n := x.Shape[0]
	for lo := 0; lo < n; lo += batchSize {
		hi := min(lo+batchSize, n)
		xb, err := x.SliceBatch(lo, hi)
		if err != nil {
			return 0, 0, err
		}
		yb, err := y.SliceBatch(lo, hi)
		if err != nil {
			return 0, 0, err
		}
		out, err := net.Model.Forward(xb, false)
		if err != nil {
			return 0, 0, err
		}
		l, err := loss.Forward(out, yb)
		if err != nil {
			return 0, 0, err
		}
		m, err := metric.Compute(out, yb)
		if err != nil {
			return 0, 0, err
		}
		lossMean.add(l, hi-lo)
		metricMean.add(m, hi-lo)
	}
	return lossMean.mean(), metricMean.mean(), nil
}

func identity(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// batch returns rows order[lo:hi] of t, as a view when they are contiguous.
func batch(t *tensor.Tensor, order []int, lo, hi int, shuffled bool) (*tensor.Tensor, error) {
	if !shuffled {
		return t.SliceBatch(lo, hi)
	}
	per := t.NumElems / t.Shape[0]
	data := make([]float32, 0, (hi-lo)*per)
	for _, r := range order[lo:hi] {
		data = append(data, t.Data[r*per:(r+1)*per]...)
	}
	return tensor.NewTensor(append([]int{hi - lo}, t.Shape[1:]...), data)
}
