package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"WARN", zerolog.WarnLevel},
		{"DISABLED", zerolog.Disabled},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseLevel("LOUD")
	assert.Error(t, err)
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{AppName: "voxnet-test", Level: "INFO", Out: &buf})
	require.NoError(t, err)

	logger.Info().Msg("training started")
	logger.Debug().Msg("hidden")

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "voxnet-test "), out)
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "logger_test.go:")
	assert.Contains(t, out, "training started")
	assert.NotContains(t, out, "hidden")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{AppName: "svc", Level: "DEBUG", Format: "json", Out: &buf})
	require.NoError(t, err)
	logger.Debug().Int("epoch", 3).Msg("epoch done")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "svc", rec[appNameField])
	assert.Equal(t, "epoch done", rec["message"])
	assert.Equal(t, float64(3), rec["epoch"])
}

func TestLineWriter(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "INFO", Format: "json", Out: &buf})
	require.NoError(t, err)

	w := &LineWriter{Logger: logger}
	fmt.Fprint(w, "first\nsec")
	fmt.Fprint(w, "ond\nthird")
	w.Flush()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	var msgs []string
	for _, l := range lines {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(l), &rec))
		msgs = append(msgs, rec["message"].(string))
	}
	assert.Equal(t, []string{"first", "second", "third"}, msgs)
}
