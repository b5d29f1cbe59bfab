package checkpoints

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/x448/float16"

	"github.com/tsawler/go-voxnet/architecture"
	"github.com/tsawler/go-voxnet/layers"
	"github.com/tsawler/go-voxnet/optimizer"
	"github.com/tsawler/go-voxnet/tensor"
)

// Version is written into every artifact.
const Version = "1.0"

var (
	// ErrOutputDirMissing is returned by Save when the artifact's directory
	// does not exist. Directories are never created on save.
	ErrOutputDirMissing = errors.New("output directory does not exist")
	// ErrUnknownFormat is returned for artifacts that are neither JSON nor
	// binary checkpoints.
	ErrUnknownFormat = errors.New("unknown checkpoint format")
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// ParseFormat accepts "json" or "binary" in any case.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "json", "":
		return FormatJSON, nil
	case "binary", "bin":
		return FormatBinary, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Checkpoint is a complete trained network: everything needed to rebuild it
// for inference, plus optimizer state to resume training.
type Checkpoint struct {
	Metadata  architecture.Metadata      `json:"metadata"`
	Compile   architecture.CompileConfig `json:"compile"`
	ModelSpec *layers.ModelSpec          `json:"model_spec"`
	Weights   []WeightTensor             `json:"weights"`

	// Optimizer state (if available)
	OptimizerState *optimizer.OptimizerState `json:"optimizer_state,omitempty"`

	Info CheckpointInfo `json:"info"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "gamma", "beta"
}

// CheckpointInfo contains descriptive information about the artifact
type CheckpointInfo struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	// Weights were rounded to IEEE half precision.
	HalfPrecision bool `json:"half_precision,omitempty"`
}

// SaveOptions controls the on-disk encoding.
type SaveOptions struct {
	Format        CheckpointFormat
	Compression   Compression
	HalfPrecision bool
	Description   string
	Tags          []string
}

// FromNetwork snapshots net. The optimizer state is included when the
// network is trainable.
func FromNetwork(net *architecture.Network) (*Checkpoint, error) {
	if net == nil || net.Model == nil {
		return nil, fmt.Errorf("cannot checkpoint a nil network")
	}
	weights, err := ExtractWeights(net.Model.ParameterNames(), net.Model.Parameters())
	if err != nil {
		return nil, err
	}
	cp := &Checkpoint{
		Metadata:  net.Metadata,
		Compile:   net.Compile,
		ModelSpec: net.Model.Spec,
		Weights:   weights,
		Info: CheckpointInfo{
			Version:   Version,
			Framework: architecture.PlatformName,
			CreatedAt: time.Now().UTC(),
		},
	}
	if net.Optimizer != nil {
		state, err := net.Optimizer.GetState()
		if err != nil {
			return nil, fmt.Errorf("failed to extract optimizer state: %w", err)
		}
		cp.OptimizerState = state
	}
	return cp, nil
}

// Save writes net to path. The directory of path must already exist.
func Save(net *architecture.Network, path string, opts SaveOptions) error {
	cp, err := FromNetwork(net)
	if err != nil {
		return err
	}
	cp.Info.Description = opts.Description
	cp.Info.Tags = opts.Tags
	return SaveCheckpoint(cp, path, opts)
}

// SaveCheckpoint encodes cp according to opts and writes it to path.
func SaveCheckpoint(cp *Checkpoint, path string, opts SaveOptions) error {
	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrOutputDirMissing, dir)
	}

	if opts.HalfPrecision {
		cp = halfPrecisionCopy(cp)
	}

	var (
		raw []byte
		err error
	)
	switch opts.Format {
	case FormatJSON:
		raw, err = encodeJSON(cp)
	case FormatBinary:
		raw, err = encodeBinary(cp)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, opts.Format)
	}
	if err != nil {
		return err
	}

	data, err := compress(raw, opts.Compression)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return nil
}

// halfPrecisionCopy returns a shallow copy of cp whose weights are rounded
// to float16. cp itself is left untouched.
func halfPrecisionCopy(cp *Checkpoint) *Checkpoint {
	out := *cp
	out.Info.HalfPrecision = true
	out.Weights = make([]WeightTensor, len(cp.Weights))
	for i, w := range cp.Weights {
		w.Data = roundHalf(w.Data)
		out.Weights[i] = w
	}
	return &out
}

// LoadCheckpoint reads an artifact written by SaveCheckpoint. Compression and
// format are detected from the content.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	raw, err := decompress(data)
	if err != nil {
		return nil, err
	}

	var cp *Checkpoint
	switch {
	case bytes.HasPrefix(raw, binaryMagic):
		cp, err = decodeBinary(raw)
	case bytes.HasPrefix(bytes.TrimLeft(raw, " \t\r\n"), []byte("{")):
		cp, err = decodeJSON(raw)
	default:
		return nil, ErrUnknownFormat
	}
	if err != nil {
		return nil, err
	}
	if cp.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint has no model spec")
	}
	return cp, nil
}

// LoadForInference rebuilds the network without an optimizer. The loss named
// in the artifact is not resolved, so artifacts trained with custom losses
// load as well.
func LoadForInference(path string) (*architecture.Network, error) {
	cp, err := LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	return cp.Network(nil)
}

// LoadForTraining rebuilds the network together with its optimizer. Saved
// optimizer state is restored; otherwise a fresh optimizer is created from
// the compile configuration.
func LoadForTraining(path string) (*architecture.Network, error) {
	cp, err := LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}

	var opt optimizer.Optimizer
	if cp.OptimizerState != nil {
		opt, err = optimizer.FromState(cp.OptimizerState)
	} else {
		opt, err = optimizer.New(cp.Compile.Optimizer, float32(cp.Compile.LearningRate))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to restore optimizer: %w", err)
	}
	return cp.Network(opt)
}

// Network rebuilds an executable network from cp and loads its weights.
func (cp *Checkpoint) Network(opt optimizer.Optimizer) (*architecture.Network, error) {
	if err := cp.ModelSpec.Recompile(); err != nil {
		return nil, fmt.Errorf("failed to compile stored model spec: %w", err)
	}
	net, err := architecture.Restore(cp.Metadata, cp.ModelSpec, cp.Compile, opt)
	if err != nil {
		return nil, err
	}
	if err := LoadWeights(cp.Weights, net); err != nil {
		return nil, err
	}
	return net, nil
}

// ExtractWeights copies named parameters into weight tensors. Names have the
// form "<layer>.<type>".
func ExtractWeights(names []string, params []*tensor.Tensor) ([]WeightTensor, error) {
	if len(names) != len(params) {
		return nil, fmt.Errorf("%d parameter names for %d tensors", len(names), len(params))
	}
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		layer, kind, ok := strings.Cut(names[i], ".")
		if !ok {
			return nil, fmt.Errorf("malformed parameter name %q", names[i])
		}
		weights[i] = WeightTensor{
			Name:  names[i],
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float32(nil), p.Data...),
			Layer: layer,
			Type:  kind,
		}
	}
	return weights, nil
}

// LoadWeights copies weights into the parameters of net. Every parameter of
// the network must be present.
func LoadWeights(weights []WeightTensor, net *architecture.Network) error {
	names := net.Model.ParameterNames()
	if len(weights) != len(names) {
		return fmt.Errorf("checkpoint has %d weight tensors, model expects %d", len(weights), len(names))
	}
	for _, w := range weights {
		if err := net.Model.SetParameter(w.Name, w.Shape, w.Data); err != nil {
			return fmt.Errorf("failed to load weight %s: %w", w.Name, err)
		}
	}
	return nil
}

func encodeJSON(cp *Checkpoint) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(cp); err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeJSON(raw []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &cp, nil
}

// roundHalf returns data rounded to the nearest float16 value.
func roundHalf(data []float32) []float32 {
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float16.Fromfloat32(v).Float32()
	}
	return out
}
