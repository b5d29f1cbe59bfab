package training

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-voxnet/architecture"
	"github.com/tsawler/go-voxnet/optimizer"
	"github.com/tsawler/go-voxnet/progress"
)

// Logs holds the metric values of one epoch, e.g. "loss", "accuracy",
// "val_loss" and "lr".
type Logs map[string]float64

func (l Logs) clone() Logs {
	out := make(Logs, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// FitControl is shared between Fit and its callbacks.
type FitControl struct {
	Optimizer optimizer.Optimizer
	// BaseLR is the initial rate schedules are computed from.
	BaseLR float64
	// Chunk is the decimation pass being trained, 0 when not chunked.
	Chunk int
	// StopTraining ends Fit after the current epoch when set by a callback.
	StopTraining bool
}

// Callback hooks into the Fit loop.
type Callback interface {
	OnTrainBegin(ctl *FitControl)
	OnEpochBegin(epoch int, ctl *FitControl)
	OnEpochEnd(epoch int, logs Logs, ctl *FitControl)
	OnTrainEnd(logs Logs, ctl *FitControl)
}

// BaseCallback provides no-op hooks for embedding.
type BaseCallback struct{}

func (BaseCallback) OnTrainBegin(*FitControl)          {}
func (BaseCallback) OnEpochBegin(int, *FitControl)     {}
func (BaseCallback) OnEpochEnd(int, Logs, *FitControl) {}
func (BaseCallback) OnTrainEnd(Logs, *FitControl)      {}

// MonitorFor picks the quantity early stopping watches.
func MonitorFor(classification bool) string {
	if classification {
		return architecture.MetricAccuracy
	}
	return "loss"
}

// EarlyStopping stops training once the monitored quantity has not improved
// for Patience consecutive epochs. The best weights are not restored.
type EarlyStopping struct {
	BaseCallback

	Monitor  string
	Patience int
	// Mode is "max" for accuracy-like quantities and "min" otherwise.
	Mode string

	Logger zerolog.Logger

	best         float64
	wait         int
	StoppedEpoch int
}

// EarlyStoppingPolicy builds the callback with the mode implied by monitor.
func EarlyStoppingPolicy(patience int, monitor string) *EarlyStopping {
	mode := "min"
	if monitor == architecture.MetricAccuracy || monitor == "val_"+architecture.MetricAccuracy {
		mode = "max"
	}
	return &EarlyStopping{Monitor: monitor, Patience: patience, Mode: mode, Logger: zerolog.Nop()}
}

func (es *EarlyStopping) OnTrainBegin(*FitControl) {
	es.wait = 0
	es.StoppedEpoch = -1
	if es.Mode == "max" {
		es.best = math.Inf(-1)
	} else {
		es.best = math.Inf(1)
	}
}

func (es *EarlyStopping) improved(v float64) bool {
	if es.Mode == "max" {
		return v > es.best
	}
	return v < es.best
}

func (es *EarlyStopping) OnEpochEnd(epoch int, logs Logs, ctl *FitControl) {
	current, ok := logs[es.Monitor]
	if !ok || math.IsNaN(current) {
		es.Logger.Warn().Str("monitor", es.Monitor).Msg("Early stopping conditioned on an unavailable metric")
		return
	}
	if es.improved(current) {
		es.best = current
		es.wait = 0
		return
	}
	es.wait++
	if es.wait >= es.Patience {
		es.StoppedEpoch = epoch
		ctl.StopTraining = true
	}
}

func (es *EarlyStopping) OnTrainEnd(Logs, *FitControl) {
	if es.StoppedEpoch >= 0 {
		es.Logger.Info().Int("epoch", es.StoppedEpoch+1).Msg("Early stopping")
	}
}

// LearningRateScheduler sets the optimizer learning rate at the start of
// every epoch and reports it under "lr".
type LearningRateScheduler struct {
	BaseCallback
	Scheduler LRScheduler
	// Monitor feeds ReduceLROnPlateau; defaults to "loss".
	Monitor string

	current float64
}

// NewLearningRateScheduler wraps s as a callback.
func NewLearningRateScheduler(s LRScheduler) *LearningRateScheduler {
	return &LearningRateScheduler{Scheduler: s, Monitor: "loss"}
}

func (c *LearningRateScheduler) OnEpochBegin(epoch int, ctl *FitControl) {
	c.current = c.Scheduler.GetLR(epoch, 0, ctl.BaseLR)
	if ctl.Optimizer != nil {
		ctl.Optimizer.UpdateLearningRate(float32(c.current))
	}
}

func (c *LearningRateScheduler) OnEpochEnd(epoch int, logs Logs, ctl *FitControl) {
	logs["lr"] = c.current
	if plateau, ok := c.Scheduler.(*ReduceLROnPlateauScheduler); ok {
		if v, ok := logs[c.Monitor]; ok {
			plateau.Step(v, c.current)
		}
	}
}

// CurveLogger forwards every epoch's logs to a progress sink. Sink failures
// are logged and never stop training.
type CurveLogger struct {
	BaseCallback
	Sink   progress.Sink
	Logger zerolog.Logger
}

func (c *CurveLogger) OnEpochEnd(epoch int, logs Logs, ctl *FitControl) {
	if c.Sink == nil {
		return
	}
	err := c.Sink.Record(progress.Event{
		Chunk:   ctl.Chunk,
		Epoch:   epoch,
		Metrics: logs.clone(),
		At:      time.Now(),
	})
	if err != nil {
		c.Logger.Warn().Err(err).Int("epoch", epoch).Msg("Failed to record training curve")
	}
}
