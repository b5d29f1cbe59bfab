package progress

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPivot(t *testing.T) {
	events := []Event{
		{Chunk: 0, Epoch: 0, Metrics: map[string]float64{"loss": 1, "val_loss": 1.2, "lr": 0.01}},
		{Chunk: 0, Epoch: 1, Metrics: map[string]float64{"loss": 0.8, "lr": 0.01}},
		{Chunk: 1, Epoch: 0, Metrics: map[string]float64{"loss": 0.7, "val_loss": 0.9, "lr": 0.005}},
	}
	c := Pivot(events)
	assert.Equal(t, []string{"1.1", "1.2", "2.1"}, c.Labels)
	assert.Equal(t, []string{"loss", "lr", "val_loss"}, c.Names)
	assert.Equal(t, []float64{1, 0.8, 0.7}, c.Values["loss"])
	require.Len(t, c.Values["val_loss"], 3)
	assert.True(t, math.IsNaN(c.Values["val_loss"][1]))
	assert.Equal(t, [][]string{{"loss", "val_loss"}, {"lr"}}, c.Groups())
}

func TestPivotEmpty(t *testing.T) {
	c := Pivot(nil)
	assert.Empty(t, c.Labels)
	assert.Empty(t, c.Groups())
}

func TestGroupsKeepsOrphanValidationMetric(t *testing.T) {
	c := Pivot([]Event{{Metrics: map[string]float64{"val_rmse": 2}}})
	assert.Equal(t, [][]string{{"val_rmse"}}, c.Groups())
}
