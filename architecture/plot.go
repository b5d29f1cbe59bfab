package architecture

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-voxnet/layers"
)

// PlotOptions controls model diagram rendering.
type PlotOptions struct {
	ShowShapes     bool
	ShowLayerNames bool
	// Top-to-bottom when true, left-to-right otherwise.
	Vertical bool
}

// DefaultPlotOptions shows shapes, hides names and stacks vertically.
func DefaultPlotOptions() PlotOptions {
	return PlotOptions{ShowShapes: true, Vertical: true}
}

// ModelPlotter is an optional rendering backend.
type ModelPlotter interface {
	// Available reports whether the backend can render in this process.
	Available() bool
	PlotModel(spec *layers.ModelSpec, path string, opts PlotOptions) error
}

// Plot renders net's topology to path. An absent or unavailable plotter is
// logged and is not an error.
func Plot(net *Network, plotter ModelPlotter, path string, opts PlotOptions, logger zerolog.Logger) error {
	if net == nil || net.Model == nil {
		return fmt.Errorf("cannot plot a nil network")
	}
	if plotter == nil || !plotter.Available() {
		logger.Warn().Msg("Cannot plot the model without a plotting backend")
		return nil
	}
	if err := plotter.PlotModel(net.Model.Spec, path, opts); err != nil {
		return fmt.Errorf("failed to plot model: %w", err)
	}
	logger.Info().Str("path", path).Msg("Model diagram written")
	return nil
}
