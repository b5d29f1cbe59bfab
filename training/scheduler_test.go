package training

import (
	"math"
	"testing"
)

func TestAdaptiveLearningRate(t *testing.T) {
	schedule := AdaptiveLearningRate(0.01, 5)

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.01},
		{3, 0.01},
		{4, 0.005}, // (1+4)/5 = 1
		{8, 0.005},
		{9, 0.0025},
		{14, 0.00125},
	}

	for _, tt := range tests {
		lr := schedule(tt.epoch)
		if math.Abs(lr-tt.expectedLR) > 1e-12 {
			t.Errorf("Epoch %d: expected LR %g, got %g", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestAdaptiveLRSchedulerDefaultDrop(t *testing.T) {
	s := NewAdaptiveLRScheduler(0)
	if s.EpochsDrop != 5 {
		t.Fatalf("expected default drop 5, got %d", s.EpochsDrop)
	}
	if lr := s.GetLR(4, 0, 1); lr != 0.5 {
		t.Errorf("expected 0.5, got %g", lr)
	}
}

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(2, 0.1)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.1},
		{2, 0.01},
		{3, 0.01},
		{4, 0.001},
		{6, 0.0001},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestExponentialLRScheduler(t *testing.T) {
	scheduler := NewExponentialLRScheduler(0.9)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.09},
		{2, 0.081},
		{5, 0.059049},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestReduceLROnPlateauScheduler(t *testing.T) {
	scheduler := NewReduceLROnPlateauScheduler(0.5, 2, 0.01, "min")

	currentLR := scheduler.Step(1.0, 0.1)
	if currentLR != 0.1 {
		t.Errorf("Initial: expected LR %f, got %f", 0.1, currentLR)
	}

	currentLR = scheduler.Step(0.98, currentLR) // improvement
	if currentLR != 0.1 {
		t.Errorf("After improvement: expected LR %f, got %f", 0.1, currentLR)
	}

	currentLR = scheduler.Step(0.99, currentLR)
	if currentLR != 0.1 {
		t.Errorf("No improvement 1: expected LR %f, got %f", 0.1, currentLR)
	}

	currentLR = scheduler.Step(0.99, currentLR)
	if currentLR != 0.05 {
		t.Errorf("No improvement 2: expected LR %f, got %f", 0.05, currentLR)
	}
	if lr := scheduler.GetLR(10, 0, 0.1); lr != 0.05 {
		t.Errorf("GetLR after reduction: expected %f, got %f", 0.05, lr)
	}
}

func TestSchedulerByName(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"", "AdaptiveLR"},
		{"adaptive", "AdaptiveLR"},
		{"step", "StepLR"},
		{"exponential", "ExponentialLR"},
		{"plateau", "ReduceLROnPlateau"},
		{"constant", "ConstantLR"},
	}

	for _, tt := range tests {
		s, err := SchedulerByName(tt.name, 5)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tt.name, err)
		}
		if s.GetName() != tt.expected {
			t.Errorf("%q: expected %s, got %s", tt.name, tt.expected, s.GetName())
		}
	}

	if _, err := SchedulerByName("cyclic", 5); err == nil {
		t.Error("expected error for unknown scheduler")
	}
}

func TestSchedulerDefaults(t *testing.T) {
	step := NewStepLRScheduler(0, 2)
	if step.Every != 30 || step.Factor != 0.1 {
		t.Errorf("step defaults: got every=%d factor=%g", step.Every, step.Factor)
	}
	if exp := NewExponentialLRScheduler(-1); exp.Decay != 0.95 {
		t.Errorf("exponential default: got %g", exp.Decay)
	}
	plateau := NewReduceLROnPlateauScheduler(0.5, 1, 0, "max")
	plateau.Step(0.5, 1)
	if lr := plateau.Step(0.4, 1); lr != 0.5 {
		t.Errorf("max mode: expected a cut after a drop, got %g", lr)
	}
	if lr := (ConstantLRScheduler{}).GetLR(100, 0, 0.3); lr != 0.3 {
		t.Errorf("constant: got %g", lr)
	}
}
