package training

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-voxnet/architecture"
	"github.com/tsawler/go-voxnet/config"
	"github.com/tsawler/go-voxnet/dataset"
	"github.com/tsawler/go-voxnet/logging"
	"github.com/tsawler/go-voxnet/progress"
	"github.com/tsawler/go-voxnet/tensor"
)

// ErrNoTrainingData marks a bundle that cannot be trained on. Train logs it
// and moves on; it is never returned to the caller.
var ErrNoTrainingData = errors.New("no training data")

// TrainOptions carries the per-run collaborators of Train.
type TrainOptions struct {
	Logger zerolog.Logger
	// Progress receives every epoch's curve event, stamped with the run id
	// when a curve store is active.
	Progress progress.Sink
	// LogDir hosts the curve store when WithCurves is set.
	LogDir     string
	WithCurves bool
	// Scheduler overrides the adaptive halving schedule.
	Scheduler LRScheduler
	// ProgressBar receives per-batch progress bars when non-nil.
	ProgressBar io.Writer
	// OnChunkDone is called after every fitted chunk.
	OnChunkDone func(chunk int, history *History)
}

// Train fits net over every chunk the source provides and returns it. Missing
// data is logged and skipped; the network is then returned unchanged. Errors
// are returned only for failures of the source, the curve directory or the fit.
func Train(net *architecture.Network, info dataset.Info, hp config.HyperParameters, source dataset.ChunkSource, opts TrainOptions) (*architecture.Network, error) {
	logger := opts.Logger
	if !net.Trainable() {
		return net, fmt.Errorf("network cannot be trained: no optimizer attached")
	}
	if source == nil {
		logger.Warn().Msg("No data to train the model")
		return net, nil
	}

	nbChunks := source.NumChunks()
	if nbChunks == 0 {
		logger.Warn().Msg("No data to train the model")
		return net, nil
	}
	decimate := nbChunks > 1
	if decimate != hp.Decimate {
		logger.Debug().Bool("decimate", hp.Decimate).Int("chunks", nbChunks).Msg("Chunk count taken from the data source")
	}

	var resident *dataset.Bundle
	if !decimate {
		b, err := source.Resident()
		if err != nil {
			return net, fmt.Errorf("failed to read training data: %w", err)
		}
		if !b.HasTrainingData() {
			logger.Warn().Msg("No data to train the model")
			return net, nil
		}
		resident = b
	}

	callbacks, closeCurves, err := buildCallbacks(net, info, hp, opts)
	if err != nil {
		return net, err
	}
	defer closeCurves()

	for chunk := 0; chunk < nbChunks; chunk++ {
		bundle := resident
		if decimate {
			b, ok, err := source.Chunk(chunk)
			if err != nil {
				return net, fmt.Errorf("failed to read chunk %d: %w", chunk+1, err)
			}
			if !ok {
				logger.Info().Int("chunk", chunk+1).Int("of", nbChunks).Msg("No data for this chunk, skipping")
				continue
			}
			bundle = b
		}

		x, y, xv, yv, err := prepareBundle(net, bundle)
		if errors.Is(err, ErrNoTrainingData) {
			logger.Warn().Err(err).Int("chunk", chunk+1).Msg("Skipping chunk")
			continue
		}
		if err != nil {
			return net, fmt.Errorf("chunk %d: %w", chunk+1, err)
		}

		if decimate {
			logger.Info().Int("chunk", chunk+1).Int("of", nbChunks).Int("samples", x.Shape[0]).Msg("Starting training iteration")
		} else {
			logger.Info().Int("samples", x.Shape[0]).Msg("Starting training")
		}

		history, err := Fit(net, x, y, xv, yv, FitConfig{
			Epochs:    hp.Epochs,
			BatchSize: hp.BatchSize,
			Shuffle:   false,
			Callbacks: callbacks,
			Logger:    logger,
			Chunk:     chunk,
			Progress:  opts.ProgressBar,
			BaseLR:    hp.LearnRate,
		})
		if err != nil {
			return net, fmt.Errorf("training failed on chunk %d: %w", chunk+1, err)
		}
		if opts.OnChunkDone != nil {
			opts.OnChunkDone(chunk, history)
		}
	}

	lw := &logging.LineWriter{Logger: logger}
	if err := WriteSummary(lw, net); err != nil {
		logger.Warn().Err(err).Msg("Failed to write model summary")
	}
	lw.Flush()
	return net, nil
}

func buildCallbacks(net *architecture.Network, info dataset.Info, hp config.HyperParameters, opts TrainOptions) ([]Callback, func(), error) {
	logger := opts.Logger

	early := EarlyStoppingPolicy(hp.Patience, MonitorFor(info.Classification))
	early.Logger = logger

	sched := opts.Scheduler
	if sched == nil {
		sched = NewAdaptiveLRScheduler(hp.EpochDrop)
	}
	callbacks := []Callback{early, NewLearningRateScheduler(sched)}

	sink := opts.Progress
	closeFn := func() {}
	if opts.WithCurves && opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
			return nil, closeFn, fmt.Errorf("failed to create log directory: %w", err)
		}
		store, err := progress.OpenRunStore(opts.LogDir, logger)
		if err != nil {
			logger.Warn().Err(err).Str("dir", opts.LogDir).Msg("Training curves disabled")
		} else {
			run, err := store.StartRun(info.Survey, net.Metadata.Kind.String(), opts.LogDir)
			if err != nil {
				store.Close()
				return nil, closeFn, err
			}
			logger.Info().Str("run", run.Info.ID).Str("dir", opts.LogDir).Msg("Recording training curves")
			forward := progress.Multi(store, opts.Progress)
			sink = progress.SinkFunc(func(e progress.Event) error {
				e.RunID = run.Info.ID
				return forward.Record(e)
			})
			closeFn = func() {
				if err := store.Close(); err != nil {
					logger.Warn().Err(err).Msg("Failed to close curve store")
				}
			}
		}
	}
	if sink != nil {
		callbacks = append(callbacks, &CurveLogger{Sink: sink, Logger: logger})
	}
	return callbacks, closeFn, nil
}

// prepareBundle brings a bundle into the shapes Fit expects: rank-5 samples
// in the network layout and targets matching the network output.
func prepareBundle(net *architecture.Network, b *dataset.Bundle) (x, y, xv, yv *tensor.Tensor, err error) {
	if !b.HasTrainingData() {
		return nil, nil, nil, nil, ErrNoTrainingData
	}
	if err := b.Validate(); err != nil {
		return nil, nil, nil, nil, err
	}

	if x, err = prepareSamples(net, b.XTrain); err != nil {
		return nil, nil, nil, nil, err
	}
	if y, err = prepareTargets(net, b.YTrain); err != nil {
		return nil, nil, nil, nil, err
	}
	if b.HasValidation() {
		if xv, err = prepareSamples(net, b.XValidate); err != nil {
			return nil, nil, nil, nil, err
		}
		if yv, err = prepareTargets(net, b.YValidate); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	return x, y, xv, yv, nil
}

func prepareSamples(net *architecture.Network, x *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := tensor.ExpandToRank5(x)
	if err != nil {
		return nil, err
	}
	if net.Metadata.DataFormat == tensor.ChannelsLast {
		x = tensor.ToChannelsLast(x)
	}
	return x, nil
}

func prepareTargets(net *architecture.Network, y *tensor.Tensor) (*tensor.Tensor, error) {
	meta := net.Metadata
	n := y.Shape[0]

	if meta.Volumetric {
		if y.Rank() == 4 {
			r, err := y.Reshape(n, 1, y.Shape[1], y.Shape[2], y.Shape[3])
			if err != nil {
				return nil, err
			}
			y = r
		}
		y, err := tensor.ExpandToRank5(y)
		if err != nil {
			return nil, err
		}
		if meta.DataFormat == tensor.ChannelsLast {
			y = tensor.ToChannelsLast(y)
		}
		return y, nil
	}

	if meta.Classification && meta.NumOutputs > 1 {
		return tensor.OneHot(y, meta.NumOutputs)
	}
	if y.NumElems != n*meta.NumOutputs {
		return nil, fmt.Errorf("targets %v do not match %d output(s) per sample", y.Shape, meta.NumOutputs)
	}
	return y.Reshape(n, meta.NumOutputs)
}
