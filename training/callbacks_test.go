package training

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-voxnet/optimizer"
	"github.com/tsawler/go-voxnet/progress"
)

func TestMonitorFor(t *testing.T) {
	assert.Equal(t, "accuracy", MonitorFor(true))
	assert.Equal(t, "loss", MonitorFor(false))
	assert.Equal(t, "max", EarlyStoppingPolicy(3, MonitorFor(true)).Mode)
	assert.Equal(t, "min", EarlyStoppingPolicy(3, MonitorFor(false)).Mode)
}

func TestEarlyStoppingStopsAfterPatience(t *testing.T) {
	es := EarlyStoppingPolicy(2, "loss")
	ctl := &FitControl{}
	es.OnTrainBegin(ctl)

	losses := []float64{1.0, 0.8, 0.9, 0.85, 0.7}
	stopped := -1
	for epoch, l := range losses {
		es.OnEpochEnd(epoch, Logs{"loss": l}, ctl)
		if ctl.StopTraining {
			stopped = epoch
			break
		}
	}
	assert.Equal(t, 3, stopped, "two epochs without beating 0.8")
	assert.Equal(t, 3, es.StoppedEpoch)
}

func TestEarlyStoppingMaxModeResetsOnImprovement(t *testing.T) {
	es := EarlyStoppingPolicy(2, "accuracy")
	ctl := &FitControl{}
	es.OnTrainBegin(ctl)

	for epoch, acc := range []float64{0.5, 0.5, 0.6, 0.55, 0.7, 0.7} {
		es.OnEpochEnd(epoch, Logs{"accuracy": acc}, ctl)
		require.False(t, ctl.StopTraining, "epoch %d", epoch)
	}
	es.OnEpochEnd(6, Logs{"accuracy": 0.69}, ctl)
	assert.True(t, ctl.StopTraining)

	// A new fit starts from scratch.
	ctl = &FitControl{}
	es.OnTrainBegin(ctl)
	es.OnEpochEnd(0, Logs{"accuracy": 0.1}, ctl)
	assert.False(t, ctl.StopTraining)
	assert.Equal(t, -1, es.StoppedEpoch)
}

func TestEarlyStoppingIgnoresMissingMetric(t *testing.T) {
	es := EarlyStoppingPolicy(1, "accuracy")
	ctl := &FitControl{}
	es.OnTrainBegin(ctl)
	es.OnEpochEnd(0, Logs{"loss": 1}, ctl)
	es.OnEpochEnd(1, Logs{"loss": 2}, ctl)
	assert.False(t, ctl.StopTraining)
}

func TestLearningRateSchedulerCallback(t *testing.T) {
	opt, err := optimizer.New("adam", 0.01)
	require.NoError(t, err)
	ctl := &FitControl{Optimizer: opt, BaseLR: 0.01}
	cb := NewLearningRateScheduler(NewAdaptiveLRScheduler(2))

	want := []float64{0.01, 0.005, 0.005, 0.0025}
	for epoch, lr := range want {
		cb.OnEpochBegin(epoch, ctl)
		assert.InDelta(t, lr, float64(opt.GetLearningRate()), 1e-9, "epoch %d", epoch)
		logs := Logs{}
		cb.OnEpochEnd(epoch, logs, ctl)
		assert.InDelta(t, lr, logs["lr"], 1e-12)
	}
}

func TestCurveLoggerForwardsEvents(t *testing.T) {
	var got []progress.Event
	sink := progress.SinkFunc(func(e progress.Event) error {
		got = append(got, e)
		return nil
	})
	cb := &CurveLogger{Sink: sink}
	logs := Logs{"loss": 0.5}
	cb.OnEpochEnd(4, logs, &FitControl{Chunk: 2})
	logs["loss"] = 9

	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Chunk)
	assert.Equal(t, 4, got[0].Epoch)
	assert.Equal(t, 0.5, got[0].Metrics["loss"], "logs are copied")

	failing := &CurveLogger{Sink: progress.SinkFunc(func(progress.Event) error { return errors.New("disk full") })}
	failing.OnEpochEnd(0, Logs{}, &FitControl{})
}
