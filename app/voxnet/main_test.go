package main

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-voxnet/dataset"
	"github.com/tsawler/go-voxnet/tensor"
)

const testConfig = `
training:
  epochs: 1
  batch: 8
  type: lenet
logging:
  level: error
checkpoint:
  format: binary
  compression: zstd
seed: 3
`

func writeDataset(t *testing.T, dir string) dataset.Info {
	t.Helper()
	info := dataset.Info{NumAttributes: 1, Stepout: dataset.CubeStepout(1, 1, 1), Classification: true, Classes: []int{0, 1, 2}, Survey: "F3"}
	rng := rand.New(rand.NewSource(11))
	x, err := tensor.RandomNormal([]int{24, 1, 3, 3, 3}, 0, 1, rng)
	require.NoError(t, err)
	y := tensor.MustNew([]int{24}, nil)
	for i := range y.Data {
		y.Data[i] = float32(i % 3)
	}
	require.NoError(t, dataset.WriteDirectory(dir, info, &dataset.Bundle{XTrain: x, YTrain: y}, nil, false))
	return info
}

func TestTrainApplySummary(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfig), 0o644))
	dataDir := filepath.Join(dir, "data")
	writeDataset(t, dataDir)
	modelPath := filepath.Join(dir, "model.vxnt")
	plotPath := filepath.Join(dir, "model.png")

	var stdout, stderr bytes.Buffer
	err := run([]string{"train", "-config", cfgPath, "-data", dataDir, "-model", modelPath, "-plot", plotPath, "-quiet"}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())
	assert.FileExists(t, modelPath)
	assert.FileExists(t, plotPath)

	rng := rand.New(rand.NewSource(5))
	samples, err := tensor.RandomNormal([]int{4, 1, 3, 3, 3}, 0, 1, rng)
	require.NoError(t, err)
	inputPath := filepath.Join(dir, "samples.json.zst")
	require.NoError(t, dataset.WriteTensor(inputPath, samples))

	outputPath := filepath.Join(dir, "out.json")
	err = run([]string{"apply", "-model", modelPath, "-input", inputPath, "-output", outputPath,
		"-probabilities", "-confidence", "-classes", "0,2"}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())

	raw, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	var out map[string]outputTensor
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out, 3)
	for _, v := range out {
		assert.Equal(t, 4, v.Shape[0])
	}

	stdout.Reset()
	require.NoError(t, run([]string{"summary", "-model", modelPath}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "Total params")
}

func TestApplyRequiresFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Error(t, run([]string{"apply", "-model", "x"}, &stdout, &stderr))
	assert.Error(t, run([]string{"train"}, &stdout, &stderr))
	assert.Error(t, run([]string{"summary"}, &stdout, &stderr))

	err := run([]string{"train", "-data", "x", "-model", "y", "-scheduler", "cyclic", "-level", "error"}, &stdout, &stderr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cyclic")
}

func TestUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run([]string{"evaluate"}, &stdout, &stderr)
	require.Error(t, err)
	assert.Contains(t, stderr.String(), "usage: voxnet")

	require.Error(t, run(nil, &stdout, &stderr))
}

func TestDevicesAlwaysListsCPU(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"devices", "-level", "error"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "/device:CPU:0")
	assert.Contains(t, stdout.String(), "GPU ready:")
}

func TestParseIndices(t *testing.T) {
	got, err := parseIndices(" 2, 0 ")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, got)

	got, err = parseIndices("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseIndices("a,1")
	assert.Error(t, err)
}
