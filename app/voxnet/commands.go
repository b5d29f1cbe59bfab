package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-voxnet/architecture"
	"github.com/tsawler/go-voxnet/checkpoints"
	"github.com/tsawler/go-voxnet/dashboard"
	"github.com/tsawler/go-voxnet/dataset"
	"github.com/tsawler/go-voxnet/device"
	"github.com/tsawler/go-voxnet/engine"
	"github.com/tsawler/go-voxnet/plotting"
	"github.com/tsawler/go-voxnet/progress"
	"github.com/tsawler/go-voxnet/training"
)

func newFlagSet(env *environment, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	return fs
}

func runTrain(env *environment, args []string) error {
	fs := newFlagSet(env, "train")
	configPath := fs.String("config", "", "run configuration file (yaml, json or toml)")
	dataDir := fs.String("data", "", "dataset directory holding manifest.json")
	modelPath := fs.String("model", "", "output model file")
	plotPath := fs.String("plot", "", "optional model diagram image")
	curvesPath := fs.String("curves", "", "optional training curve image (requires curves to be recorded)")
	level := fs.String("level", "", "log level override")
	quiet := fs.Bool("quiet", false, "disable progress bars")
	schedule := fs.String("scheduler", "", "learning rate schedule, overrides the configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataDir == "" || *modelPath == "" {
		return fmt.Errorf("train: -data and -model are required")
	}

	cfg, err := env.setup(*configPath, *level)
	if err != nil {
		return err
	}
	logger := env.logger

	format, err := checkpoints.ParseFormat(cfg.Checkpoint.Format)
	if err != nil {
		return err
	}
	compression, err := checkpoints.ParseCompression(cfg.Checkpoint.Compression)
	if err != nil {
		return err
	}

	if *schedule != "" {
		cfg.Scheduler = *schedule
	}
	scheduler, err := training.SchedulerByName(cfg.Scheduler, cfg.Training.EpochDrop)
	if err != nil {
		return err
	}

	source, err := dataset.OpenDirectory(*dataDir)
	if err != nil {
		return err
	}
	info := source.Info()
	hp := cfg.Training

	net, err := architecture.Build(info, hp, architecture.WithSeed(cfg.Seed))
	if err != nil {
		return err
	}
	logger.Info().Str("model", net.Metadata.Kind.UIName()).Int("attributes", info.NumAttributes).
		Str("stepout", info.Stepout.String()).Int("classes", info.NumClasses()).Msg("Network built")

	logDir := ""
	if cfg.WithCurves {
		if logDir, err = progress.NewRunDir(cfg.LogDir, info.Survey, time.Now()); err != nil {
			return err
		}
		if logDir == "" {
			logger.Warn().Str("log_dir", cfg.LogDir).Msg("Log directory missing, training curves disabled")
		}
	}

	opts := training.TrainOptions{
		Logger:     logger,
		LogDir:     logDir,
		WithCurves: logDir != "",
		Scheduler:  scheduler,
	}
	if !*quiet {
		opts.ProgressBar = env.stderr
	}
	if _, err := training.Train(net, info, hp, source, opts); err != nil {
		return err
	}

	if err := checkpoints.Save(net, *modelPath, checkpoints.SaveOptions{
		Format:        format,
		Compression:   compression,
		HalfPrecision: cfg.Checkpoint.HalfPrecision,
		Description:   fmt.Sprintf("%s trained on %s", net.Metadata.Kind.UIName(), info.Survey),
	}); err != nil {
		return err
	}
	logger.Info().Str("path", *modelPath).Stringer("format", format).Stringer("compression", compression).Msg("Model saved")

	if *plotPath != "" {
		if err := architecture.Plot(net, plotting.NewPlotter(), *plotPath, architecture.DefaultPlotOptions(), logger); err != nil {
			return err
		}
	}
	if *curvesPath != "" && opts.WithCurves {
		if err := writeCurves(logDir, *curvesPath, info.Survey, logger); err != nil {
			logger.Warn().Err(err).Msg("Failed to plot training curves")
		}
	}
	return nil
}

func writeCurves(logDir, path, survey string, logger zerolog.Logger) error {
	store, err := progress.OpenRunStore(logDir, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	runs, err := store.Runs()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return fmt.Errorf("no run recorded in %s", logDir)
	}
	events, err := store.Events(runs[len(runs)-1].ID)
	if err != nil {
		return err
	}
	return plotting.PlotCurves(events, survey, path)
}

type outputTensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

func runApply(env *environment, args []string) error {
	fs := newFlagSet(env, "apply")
	configPath := fs.String("config", "", "run configuration file")
	modelPath := fs.String("model", "", "trained model file")
	inputPath := fs.String("input", "", "samples tensor (.json or .json.zst)")
	outputPath := fs.String("output", "", "output JSON file")
	withPrediction := fs.Bool("prediction", true, "write predicted classes or values")
	withProbabilities := fs.Bool("probabilities", false, "write class probabilities")
	withConfidence := fs.Bool("confidence", false, "write the top-two probability margin")
	classList := fs.String("classes", "", "comma separated probability columns, default all")
	level := fs.String("level", "", "log level override")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *modelPath == "" || *inputPath == "" || *outputPath == "" {
		return fmt.Errorf("apply: -model, -input and -output are required")
	}
	classes, err := parseIndices(*classList)
	if err != nil {
		return err
	}

	cfg, err := env.setup(*configPath, *level)
	if err != nil {
		return err
	}

	net, err := checkpoints.LoadForInference(*modelPath)
	if err != nil {
		return err
	}
	samples, err := dataset.ReadTensor(*inputPath)
	if err != nil {
		return err
	}
	ie, err := engine.NewInferenceEngine(net.Model, engine.InferenceConfig{BatchSize: cfg.InferenceBatch})
	if err != nil {
		return err
	}
	result, err := ie.Apply(samples, engine.ApplyRequest{
		Classification:    net.Metadata.Classification,
		WithPrediction:    *withPrediction,
		WithProbabilities: *withProbabilities && net.Metadata.Classification,
		ClassIndices:      classes,
		WithConfidence:    *withConfidence && net.Metadata.Classification,
	})
	if err != nil {
		return err
	}

	out := make(map[string]outputTensor, len(result))
	for kind, t := range result {
		out[kind.String()] = outputTensor{Shape: t.Shape, Data: t.Data}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*outputPath, raw, 0o644); err != nil {
		return err
	}
	env.logger.Info().Int("samples", samples.Shape[0]).Str("path", *outputPath).Msg("Predictions written")
	return nil
}

func parseIndices(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		i, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid class index %q", part)
		}
		out = append(out, i)
	}
	return out, nil
}

func runSummary(env *environment, args []string) error {
	fs := newFlagSet(env, "summary")
	modelPath := fs.String("model", "", "trained model file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *modelPath == "" {
		return fmt.Errorf("summary: -model is required")
	}
	net, err := checkpoints.LoadForInference(*modelPath)
	if err != nil {
		return err
	}
	return training.WriteSummary(env.stdout, net)
}

func runDevices(env *environment, args []string) error {
	fs := newFlagSet(env, "devices")
	gpuOnly := fs.Bool("gpu", false, "list GPUs only")
	level := fs.String("level", "", "log level override")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := env.setup("", *level); err != nil {
		return err
	}

	probe := device.NewProbe(device.NewSystemLister(env.logger), env.logger)
	devices, err := probe.ListDevices(*gpuOnly)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tMEMORY\tDESCRIPTION")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", d.Name, d.Type, d.MemoryLimit, d.Description)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "GPU ready: %t\n", probe.IsGPUReady())
	return nil
}

func runDashboard(env *environment, args []string) error {
	fs := newFlagSet(env, "dashboard")
	configPath := fs.String("config", "", "run configuration file")
	logDir := fs.String("logdir", "", "run directory holding "+progress.StoreFileName)
	port := fs.Int("port", 0, "first port to try, overrides the configuration")
	level := fs.String("level", "", "log level override")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *logDir == "" {
		return fmt.Errorf("dashboard: -logdir is required")
	}
	cfg, err := env.setup(*configPath, *level)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Dashboard.Port = *port
	}

	store, err := progress.OpenRunStore(*logDir, env.logger)
	if err != nil {
		return err
	}
	defer store.Close()

	srv, err := dashboard.Start(cfg.Dashboard, store, env.logger)
	if err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, srv.URL())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
