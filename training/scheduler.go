package training

import (
	"fmt"
	"math"
)

// LRScheduler computes the learning rate for an epoch.
// Implementations other than ReduceLROnPlateau are pure functions of their arguments.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// AdaptiveLRScheduler halves the learning rate every EpochsDrop epochs,
// counting the first epoch as 1: lr = base * 0.5^floor((epoch+1)/EpochsDrop).
type AdaptiveLRScheduler struct {
	EpochsDrop int
}

// NewAdaptiveLRScheduler creates the halving scheduler. A non-positive drop
// falls back to 5 epochs.
func NewAdaptiveLRScheduler(epochsDrop int) *AdaptiveLRScheduler {
	if epochsDrop <= 0 {
		epochsDrop = 5
	}
	return &AdaptiveLRScheduler{EpochsDrop: epochsDrop}
}

func (s *AdaptiveLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	drops := math.Floor(float64(1+epoch) / float64(s.EpochsDrop))
	return baseLR * math.Pow(0.5, drops)
}

func (s *AdaptiveLRScheduler) GetName() string {
	return "AdaptiveLR"
}

// AdaptiveLearningRate returns the schedule initial*0.5^floor((1+epoch)/epochsDrop).
func AdaptiveLearningRate(initial float64, epochsDrop int) func(epoch int) float64 {
	s := NewAdaptiveLRScheduler(epochsDrop)
	return func(epoch int) float64 {
		return s.GetLR(epoch, 0, initial)
	}
}

// fraction returns f when it lies in (0, 1), otherwise fallback.
func fraction(f, fallback float64) float64 {
	if f > 0 && f < 1 {
		return f
	}
	return fallback
}

// StepLRScheduler multiplies the rate by Factor after every Every epochs,
// counting from epoch 0.
type StepLRScheduler struct {
	Every  int
	Factor float64
}

// NewStepLRScheduler defaults to a tenfold drop every 30 epochs.
func NewStepLRScheduler(every int, factor float64) *StepLRScheduler {
	if every < 1 {
		every = 30
	}
	return &StepLRScheduler{Every: every, Factor: fraction(factor, 0.1)}
}

func (s *StepLRScheduler) GetLR(epoch, _ int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Factor, float64(epoch/s.Every))
}

func (s *StepLRScheduler) GetName() string { return "StepLR" }

// ExponentialLRScheduler gives base * Decay^epoch.
type ExponentialLRScheduler struct {
	Decay float64
}

// NewExponentialLRScheduler defaults Decay to 0.95.
func NewExponentialLRScheduler(decay float64) *ExponentialLRScheduler {
	return &ExponentialLRScheduler{Decay: fraction(decay, 0.95)}
}

func (s *ExponentialLRScheduler) GetLR(epoch, _ int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Decay, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string { return "ExponentialLR" }

// ReduceLROnPlateauScheduler cuts the rate by Factor once the monitored
// quantity has gone Patience epochs without beating its best by MinDelta.
// It is stateful: the LearningRateScheduler callback feeds it through Step.
type ReduceLROnPlateauScheduler struct {
	Factor   float64
	Patience int
	MinDelta float64
	Maximize bool

	best  float64
	stale int
	lr    float64
	seen  bool
}

// NewReduceLROnPlateauScheduler accepts mode "min" or "max"; anything else
// is treated as "min".
func NewReduceLROnPlateauScheduler(factor float64, patience int, minDelta float64, mode string) *ReduceLROnPlateauScheduler {
	if patience < 1 {
		patience = 10
	}
	if minDelta < 0 {
		minDelta = 1e-4
	}
	return &ReduceLROnPlateauScheduler{
		Factor:   fraction(factor, 0.1),
		Patience: patience,
		MinDelta: minDelta,
		Maximize: mode == "max",
	}
}

func (s *ReduceLROnPlateauScheduler) better(v float64) bool {
	if s.Maximize {
		return v > s.best+s.MinDelta
	}
	return v < s.best-s.MinDelta
}

// Step records one epoch's value and returns the rate for the next epoch.
// The first call only sets the reference point.
func (s *ReduceLROnPlateauScheduler) Step(value, lr float64) float64 {
	switch {
	case !s.seen:
		s.best, s.lr, s.seen = value, lr, true
	case s.better(value):
		s.best, s.stale = value, 0
	default:
		s.stale++
		if s.stale >= s.Patience {
			s.lr *= s.Factor
			s.stale = 0
		}
	}
	return s.lr
}

func (s *ReduceLROnPlateauScheduler) GetLR(_, _ int, baseLR float64) float64 {
	if !s.seen {
		return baseLR
	}
	return s.lr
}

func (s *ReduceLROnPlateauScheduler) GetName() string { return "ReduceLROnPlateau" }

// ConstantLRScheduler never changes the rate.
type ConstantLRScheduler struct{}

func (ConstantLRScheduler) GetLR(_, _ int, baseLR float64) float64 { return baseLR }

func (ConstantLRScheduler) GetName() string { return "ConstantLR" }

// SchedulerByName selects a scheduler for the CLI and run configuration.
// "" and "adaptive" give the halving schedule driven by epochDrop.
func SchedulerByName(name string, epochDrop int) (LRScheduler, error) {
	switch name {
	case "", "adaptive", "AdaptiveLR":
		return NewAdaptiveLRScheduler(epochDrop), nil
	case "step", "StepLR":
		return NewStepLRScheduler(epochDrop, 0.5), nil
	case "exponential", "ExponentialLR":
		return NewExponentialLRScheduler(0), nil
	case "plateau", "ReduceLROnPlateau":
		return NewReduceLROnPlateauScheduler(0.5, epochDrop, 0, "min"), nil
	case "constant", "ConstantLR":
		return ConstantLRScheduler{}, nil
	default:
		return nil, fmt.Errorf("unknown learning rate scheduler %q", name)
	}
}
