// Package device reports the compute devices visible to the process and
// whether GPU execution is usable.
package device

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Type is the device class.
type Type string

const (
	CPU Type = "CPU"
	GPU Type = "GPU"
)

// Device describes one compute device. Description is free text and, for
// capability-bearing devices, contains "compute capability: X.Y".
type Device struct {
	Name        string `json:"name"`
	Type        Type   `json:"device_type"`
	MemoryLimit int64  `json:"memory_limit"`
	Description string `json:"physical_device_desc"`
}

// Lister enumerates devices.
type Lister interface {
	Devices() ([]Device, error)
}

// StaticLister returns a fixed device list.
type StaticLister []Device

// Devices implements Lister.
func (s StaticLister) Devices() ([]Device, error) { return s, nil }

// CommandRunner executes a command and returns its standard output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// SystemLister reports the host CPU and any NVIDIA GPUs known to nvidia-smi.
// A missing or failing nvidia-smi means no GPUs.
type SystemLister struct {
	Run     CommandRunner
	Timeout time.Duration
	Logger  zerolog.Logger
}

// NewSystemLister creates a lister that shells out to nvidia-smi.
func NewSystemLister(logger zerolog.Logger) *SystemLister {
	return &SystemLister{Run: execRunner, Timeout: 10 * time.Second, Logger: logger}
}

var nvidiaQuery = []string{
	"--query-gpu=index,name,memory.total,compute_cap",
	"--format=csv,noheader,nounits",
}

// Devices implements Lister.
func (s *SystemLister) Devices() ([]Device, error) {
	devices := []Device{{
		Name:        "/device:CPU:0",
		Type:        CPU,
		Description: fmt.Sprintf("%s/%s, %d logical cores", runtime.GOOS, runtime.GOARCH, runtime.NumCPU()),
	}}

	run := s.Run
	if run == nil {
		run = execRunner
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out, err := run(ctx, "nvidia-smi", nvidiaQuery...)
	switch {
	case errors.Is(err, exec.ErrNotFound):
		s.Logger.Debug().Msg("nvidia-smi not found, no GPU devices")
		return devices, nil
	case err != nil:
		s.Logger.Warn().Err(err).Msg("GPU query failed, reporting CPU only")
		return devices, nil
	}

	gpus, err := parseNvidiaSMI(out)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("Unreadable GPU query output, reporting CPU only")
		return devices, nil
	}
	return append(devices, gpus...), nil
}

// parseNvidiaSMI reads "index, name, memory MiB, compute cap" records.
func parseNvidiaSMI(out []byte) ([]Device, error) {
	r := csv.NewReader(strings.NewReader(string(out)))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = 4
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}

	var gpus []Device
	for _, rec := range records {
		index, name, memory, cc := rec[0], rec[1], rec[2], rec[3]
		mib, err := strconv.ParseInt(strings.TrimSpace(memory), 10, 64)
		if err != nil {
			mib = 0
		}
		desc := fmt.Sprintf("device: %s, name: %s", index, name)
		if _, err := strconv.ParseFloat(cc, 64); err == nil {
			desc += ", compute capability: " + cc
		}
		gpus = append(gpus, Device{
			Name:        "/device:GPU:" + index,
			Type:        GPU,
			MemoryLimit: mib << 20,
			Description: desc,
		})
	}
	return gpus, nil
}

var capabilityPattern = regexp.MustCompile(`compute capability: (\d+)\.(\d+)`)

// Capability is a major/minor compute capability.
type Capability struct {
	Major, Minor int
}

func (c Capability) String() string { return fmt.Sprintf("%d.%d", c.Major, c.Minor) }

// AtLeast reports whether c is want or newer.
func (c Capability) AtLeast(want Capability) bool {
	if c.Major != want.Major {
		return c.Major > want.Major
	}
	return c.Minor >= want.Minor
}

// ComputeCapability extracts the capability embedded in a device
// description, or (0,0) when there is none.
func ComputeCapability(desc string) Capability {
	m := capabilityPattern.FindStringSubmatch(desc)
	if m == nil {
		return Capability{}
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	return Capability{Major: major, Minor: minor}
}

// DefaultMinCapability is the oldest GPU generation accepted for training.
var DefaultMinCapability = Capability{Major: 3, Minor: 5}

// Probe answers device questions through a Lister.
type Probe struct {
	Lister        Lister
	MinCapability Capability
	Logger        zerolog.Logger
}

// NewProbe creates a probe with the default minimum capability.
func NewProbe(lister Lister, logger zerolog.Logger) *Probe {
	return &Probe{Lister: lister, MinCapability: DefaultMinCapability, Logger: logger}
}

// ListDevices returns every device, or only GPUs when gpuOnly is set.
func (p *Probe) ListDevices(gpuOnly bool) ([]Device, error) {
	devices, err := p.Lister.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	if !gpuOnly {
		return devices, nil
	}
	var gpus []Device
	for _, d := range devices {
		if d.Type == GPU {
			gpus = append(gpus, d)
		}
	}
	return gpus, nil
}

// IsGPUReady reports whether the first GPU meets MinCapability. Listing
// failures and missing GPUs yield false.
func (p *Probe) IsGPUReady() bool {
	gpus, err := p.ListDevices(true)
	if err != nil {
		p.Logger.Warn().Err(err).Msg("Device listing failed")
		return false
	}
	if len(gpus) == 0 {
		return false
	}
	cc := ComputeCapability(gpus[0].Description)
	ready := cc.AtLeast(p.MinCapability)
	p.Logger.Debug().Str("device", gpus[0].Name).Stringer("capability", cc).Bool("ready", ready).Msg("GPU probed")
	return ready
}
