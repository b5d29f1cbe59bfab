// Command voxnet trains and applies 3D CNNs over seismic attribute cubes.
//
//	voxnet train     -data DIR -model FILE [-config FILE] [-plot FILE] [-curves FILE] [-scheduler NAME]
//	voxnet apply     -model FILE -input FILE -output FILE [-probabilities] [-confidence] [-classes 0,2]
//	voxnet summary   -model FILE
//	voxnet devices   [-gpu]
//	voxnet dashboard -logdir DIR [-config FILE]
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/tsawler/go-voxnet/config"
	"github.com/tsawler/go-voxnet/logging"
)

type command struct {
	name  string
	usage string
	run   func(env *environment, args []string) error
}

var commands = []command{
	{"train", "train a network on a dataset directory", runTrain},
	{"apply", "apply a trained network to samples", runApply},
	{"summary", "print the layer table of a trained network", runSummary},
	{"devices", "list compute devices", runDevices},
	{"dashboard", "serve training curves of a run directory", runDashboard},
}

// environment is what every command shares.
type environment struct {
	stdout io.Writer
	stderr io.Writer
	logger zerolog.Logger
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "voxnet:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return fmt.Errorf("missing command")
	}
	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		env := &environment{stdout: stdout, stderr: stderr, logger: zerolog.Nop()}
		return c.run(env, args[1:])
	}
	printUsage(stderr)
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: voxnet <command> [flags]")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.usage)
	}
}

// setup loads the run configuration and installs the logger.
func (env *environment) setup(configPath, level string) (*config.RunConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if level != "" {
		cfg.Logging.Level = level
	}
	logger, err := logging.Init(logging.Options{
		AppName: cfg.Logging.AppName,
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Out:     env.stderr,
	})
	if err != nil {
		return nil, err
	}
	env.logger = logger

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, v ...interface{}) {
		logger.Debug().Msgf(format, v...)
	})); err != nil {
		logger.Warn().Err(err).Msg("Failed to set GOMAXPROCS")
	}
	return cfg, nil
}
