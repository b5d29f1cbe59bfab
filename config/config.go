package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. VOXNET_TRAINING_EPOCHS.
const EnvPrefix = "VOXNET"

// Logging configures the process logger.
type Logging struct {
	AppName string `mapstructure:"app_name"`
	Level   string `mapstructure:"level"`
	// console or json
	Format string `mapstructure:"format"`
}

// Dashboard configures the training-curve server.
type Dashboard struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Attempts int    `mapstructure:"attempts"`
}

// Checkpoint selects the artifact encoding written after training.
type Checkpoint struct {
	// json or binary
	Format string `mapstructure:"format"`
	// none, zstd or xz
	Compression   string `mapstructure:"compression"`
	HalfPrecision bool   `mapstructure:"half_precision"`
}

// RunConfig is everything a CLI run needs besides its positional inputs.
type RunConfig struct {
	Training   HyperParameters `mapstructure:"training"`
	Logging    Logging         `mapstructure:"logging"`
	Dashboard  Dashboard       `mapstructure:"dashboard"`
	Checkpoint Checkpoint      `mapstructure:"checkpoint"`
	// Root under which per-run curve directories are created. Empty disables curves.
	LogDir     string `mapstructure:"log_dir"`
	WithCurves bool   `mapstructure:"with_curves"`
	// Learning rate schedule: adaptive, step, exponential, plateau or constant.
	Scheduler string `mapstructure:"scheduler"`
	// Samples per forward pass at inference
	InferenceBatch int   `mapstructure:"inference_batch"`
	Seed           int64 `mapstructure:"seed"`
}

func setDefaults(v *viper.Viper) {
	hp := DefaultHyperParameters()
	v.SetDefault("training.decimate", hp.Decimate)
	v.SetDefault("training.nbchunk", DefaultNumChunks)
	v.SetDefault("training.epochs", hp.Epochs)
	v.SetDefault("training.batch", hp.BatchSize)
	v.SetDefault("training.patience", hp.Patience)
	v.SetDefault("training.learnrate", hp.LearnRate)
	v.SetDefault("training.epochdrop", hp.EpochDrop)
	v.SetDefault("training.type", hp.Type)

	v.SetDefault("logging.app_name", "voxnet")
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "console")

	v.SetDefault("dashboard.host", "localhost")
	v.SetDefault("dashboard.port", 5006)
	v.SetDefault("dashboard.attempts", 20)

	v.SetDefault("checkpoint.format", "binary")
	v.SetDefault("checkpoint.compression", "zstd")
	v.SetDefault("checkpoint.half_precision", false)

	v.SetDefault("log_dir", "")
	v.SetDefault("with_curves", false)
	v.SetDefault("scheduler", "adaptive")
	v.SetDefault("inference_batch", DefaultBatchSize)
	v.SetDefault("seed", 1)
}

// Load reads an optional config file (yaml, json or toml by extension) and
// applies VOXNET_* environment overrides.
func Load(path string) (*RunConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("failed to read the configuration file: %w", err)
		}
	}

	var cfg RunConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	cfg.Training.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *RunConfig) Validate() error {
	if err := c.Training.Validate(); err != nil {
		return fmt.Errorf("training: %w", err)
	}
	switch strings.ToLower(c.Checkpoint.Format) {
	case "json", "binary":
	default:
		return fmt.Errorf("checkpoint.format must be json or binary, got %q", c.Checkpoint.Format)
	}
	switch strings.ToLower(c.Checkpoint.Compression) {
	case "none", "", "zstd", "xz":
	default:
		return fmt.Errorf("checkpoint.compression must be none, zstd or xz, got %q", c.Checkpoint.Compression)
	}
	if c.Dashboard.Attempts < 1 {
		return fmt.Errorf("dashboard.attempts must be at least 1")
	}
	if c.InferenceBatch < 1 {
		return fmt.Errorf("inference_batch must be at least 1")
	}
	return nil
}
