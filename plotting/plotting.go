// Package plotting renders model diagrams and training curves with gonum/plot.
package plotting

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/tsawler/go-voxnet/architecture"
	"github.com/tsawler/go-voxnet/layers"
	"github.com/tsawler/go-voxnet/progress"
)

// Plotter draws model topologies. The image format follows the file
// extension (png, svg, pdf, ...).
type Plotter struct {
	// Size of one layer cell in the diagram.
	Cell vg.Length
}

var _ architecture.ModelPlotter = (*Plotter)(nil)

// NewPlotter creates a plotter with default cell size.
func NewPlotter() *Plotter {
	return &Plotter{Cell: vg.Inch}
}

// Available reports true: rendering is pure Go.
func (p *Plotter) Available() bool { return true }

type node struct {
	pos    plotter.XY
	label  string
	inputs []string
}

// PlotModel draws one labelled node per layer with edges to its inputs.
// Skip connections branch into a second column.
func (p *Plotter) PlotModel(spec *layers.ModelSpec, path string, opts architecture.PlotOptions) error {
	if spec == nil || len(spec.Layers) == 0 {
		return fmt.Errorf("model spec has no layers")
	}

	nodes := map[string]node{}
	order := []string{"input"}
	nodes["input"] = node{label: nodeLabel("input", "Input", spec.InputShape, opts)}
	prev := "input"
	for _, l := range spec.Layers {
		inputs := l.Inputs
		if len(inputs) == 0 {
			inputs = []string{prev}
		}
		nodes[l.Name] = node{label: nodeLabel(l.Name, l.Type.String(), l.OutputShape, opts), inputs: inputs}
		order = append(order, l.Name)
		prev = l.Name
	}

	for i, name := range order {
		n := nodes[name]
		col := 0.0
		if len(n.inputs) > 1 {
			col = 1
		}
		if opts.Vertical {
			n.pos = plotter.XY{X: col, Y: -float64(i)}
		} else {
			n.pos = plotter.XY{X: float64(i), Y: -col}
		}
		nodes[name] = n
	}

	plt := plot.New()
	plt.HideAxes()
	plt.Title.Text = fmt.Sprintf("%d layers, %d parameters", len(spec.Layers), spec.TotalParameters)
	if opts.Vertical {
		plt.X.Min, plt.X.Max = -0.5, 1.5
	} else {
		plt.Y.Min, plt.Y.Max = -1.5, 0.5
	}

	for _, name := range order[1:] {
		to := nodes[name]
		for _, in := range to.inputs {
			from, ok := nodes[in]
			if !ok {
				return fmt.Errorf("layer %s: unknown input %q", name, in)
			}
			edge, err := plotter.NewLine(plotter.XYs{from.pos, to.pos})
			if err != nil {
				return err
			}
			edge.Width = vg.Points(1)
			edge.Color = plotutil.Color(0)
			plt.Add(edge)
		}
	}

	xys := make(plotter.XYs, len(order))
	labels := make([]string, len(order))
	for i, name := range order {
		xys[i] = nodes[name].pos
		labels[i] = nodes[name].label
	}
	text, err := plotter.NewLabels(plotter.XYLabels{XYs: xys, Labels: labels})
	if err != nil {
		return err
	}
	plt.Add(text)

	cell := p.Cell
	if cell <= 0 {
		cell = vg.Inch
	}
	width, height := 3*cell, cell*vg.Length(len(order))/2
	if !opts.Vertical {
		width, height = 2*cell*vg.Length(len(order)), 2*cell
	}
	if err := plt.Save(width, height, path); err != nil {
		return fmt.Errorf("failed to save diagram: %w", err)
	}
	return nil
}

func nodeLabel(name, typ string, shape []int, opts architecture.PlotOptions) string {
	label := typ
	if opts.ShowLayerNames {
		label = fmt.Sprintf("%s (%s)", name, typ)
	}
	if opts.ShowShapes && len(shape) > 0 {
		dims := make([]string, len(shape))
		for i, d := range shape {
			dims[i] = fmt.Sprint(d)
		}
		label += " [" + strings.Join(dims, "x") + "]"
	}
	return label
}

// PlotCurves saves one line per metric of events, on a shared axis of
// chunk-major epoch index. The learning rate is left out.
func PlotCurves(events []progress.Event, title, path string) error {
	curves := progress.Pivot(events)
	if len(curves.Labels) == 0 {
		return fmt.Errorf("no events to plot")
	}

	plt := plot.New()
	plt.Title.Text = title
	plt.X.Label.Text = "Epoch"
	plt.Y.Label.Text = "Value"
	plt.Legend.Top = true
	plt.Legend.Left = false

	i := 0
	for _, name := range curves.Names {
		if name == "lr" {
			continue
		}
		pts := make(plotter.XYs, 0, len(curves.Labels))
		for x, v := range curves.Values[name] {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			pts = append(pts, plotter.XY{X: float64(x + 1), Y: v})
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		if strings.HasPrefix(name, "val_") {
			line.Dashes = plotutil.Dashes(1)
		}
		plt.Add(line)
		plt.Legend.Add(name, line)
		i++
	}

	if err := plt.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save curves: %w", err)
	}
	return nil
}
