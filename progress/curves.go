package progress

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Curves is a run's events pivoted into one series per metric. Every series
// has one value per event, NaN where the event lacks the metric.
type Curves struct {
	// "chunk.epoch", 1-based, aligned with the series values.
	Labels []string
	Names  []string
	Values map[string][]float64
}

// Pivot turns events, ordered as Store.Events returns them, into curves.
func Pivot(events []Event) Curves {
	c := Curves{Values: map[string][]float64{}}
	seen := map[string]bool{}
	for _, e := range events {
		for name := range e.Metrics {
			if !seen[name] {
				seen[name] = true
				c.Names = append(c.Names, name)
			}
		}
	}
	sort.Strings(c.Names)

	for _, name := range c.Names {
		c.Values[name] = make([]float64, len(events))
	}
	for i, e := range events {
		c.Labels = append(c.Labels, fmt.Sprintf("%d.%d", e.Chunk+1, e.Epoch+1))
		for _, name := range c.Names {
			v, ok := e.Metrics[name]
			if !ok {
				v = math.NaN()
			}
			c.Values[name][i] = v
		}
	}
	return c
}

// Groups pairs every metric with its validation counterpart, e.g. "loss"
// with "val_loss". Metrics without a counterpart form their own group.
func (c Curves) Groups() [][]string {
	var groups [][]string
	for _, name := range c.Names {
		if base, ok := strings.CutPrefix(name, "val_"); ok {
			if _, ok := c.Values[base]; ok {
				continue
			}
		}
		group := []string{name}
		if _, ok := c.Values["val_"+name]; ok {
			group = append(group, "val_"+name)
		}
		groups = append(groups, group)
	}
	return groups
}
