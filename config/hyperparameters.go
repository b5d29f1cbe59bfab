package config

import "fmt"

// Defaults used when a run does not set a value.
const (
	DefaultDecimate  = false
	DefaultNumChunks = 10
	DefaultEpochs    = 15
	DefaultBatchSize = 32
	DefaultPatience  = 5
	DefaultLearnRate = 0.01
	DefaultEpochDrop = 5
	DefaultType      = "lenet"
)

// HyperParameters drive one training run.
type HyperParameters struct {
	Decimate  bool    `mapstructure:"decimate" json:"decimate"`
	NumChunks int     `mapstructure:"nbchunk" json:"nbchunk"`
	Epochs    int     `mapstructure:"epochs" json:"epochs"`
	BatchSize int     `mapstructure:"batch" json:"batch"`
	Patience  int     `mapstructure:"patience" json:"patience"`
	LearnRate float64 `mapstructure:"learnrate" json:"learnrate"`
	EpochDrop int     `mapstructure:"epochdrop" json:"epochdrop"`
	Type      string  `mapstructure:"type" json:"type"`
}

// DefaultHyperParameters returns the stock settings.
func DefaultHyperParameters() HyperParameters {
	return NewHyperParameters(DefaultDecimate, DefaultNumChunks, DefaultEpochs, DefaultBatchSize,
		DefaultPatience, DefaultLearnRate, DefaultEpochDrop, DefaultType)
}

// NewHyperParameters builds a normalised parameter set. Without decimation the
// chunk count is always 1.
func NewHyperParameters(decimate bool, numChunks, epochs, batch, patience int, learnRate float64, epochDrop int, archType string) HyperParameters {
	hp := HyperParameters{
		Decimate:  decimate,
		NumChunks: numChunks,
		Epochs:    epochs,
		BatchSize: batch,
		Patience:  patience,
		LearnRate: learnRate,
		EpochDrop: epochDrop,
		Type:      archType,
	}
	hp.Normalize()
	return hp
}

// Normalize forces NumChunks to 1 when decimation is off.
func (hp *HyperParameters) Normalize() {
	if !hp.Decimate {
		hp.NumChunks = 1
	}
}

// Validate checks ranges after normalisation.
func (hp HyperParameters) Validate() error {
	if hp.NumChunks < 1 {
		return fmt.Errorf("nbchunk must be at least 1, got %d", hp.NumChunks)
	}
	if hp.NumChunks > 1 && !hp.Decimate {
		return fmt.Errorf("nbchunk %d requires decimation", hp.NumChunks)
	}
	if hp.Epochs < 1 {
		return fmt.Errorf("epochs must be at least 1, got %d", hp.Epochs)
	}
	if hp.BatchSize < 1 {
		return fmt.Errorf("batch must be at least 1, got %d", hp.BatchSize)
	}
	if hp.Patience < 0 {
		return fmt.Errorf("patience must not be negative, got %d", hp.Patience)
	}
	if hp.LearnRate <= 0 {
		return fmt.Errorf("learnrate must be positive, got %g", hp.LearnRate)
	}
	if hp.EpochDrop < 1 {
		return fmt.Errorf("epochdrop must be at least 1, got %d", hp.EpochDrop)
	}
	if hp.Type == "" {
		return fmt.Errorf("architecture type is required")
	}
	return nil
}
