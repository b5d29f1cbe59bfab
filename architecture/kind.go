package architecture

import (
	"errors"
	"fmt"
	"strings"
)

// Platform identifiers reported to callers that list available backends.
const (
	PlatformName   = "voxnet"
	PlatformUIName = "VoxNet (Go CPU)"
)

var (
	// ErrUnsupportedArchitecture is returned for an unknown architecture tag.
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")
	// ErrInvalidConfiguration is returned when dataset metadata cannot drive
	// the requested architecture.
	ErrInvalidConfiguration = errors.New("invalid architecture configuration")
)

// Kind is the closed set of network families the factory can build.
type Kind int

const (
	LeNet Kind = iota
	UNet
)

var kindNames = []struct {
	tag string
	ui  string
}{
	LeNet: {"lenet", "LeNet - Malenov"},
	UNet:  {"unet", "U-Net"},
}

// Kinds lists every buildable family in catalogue order.
func Kinds() []Kind {
	return []Kind{LeNet, UNet}
}

// UINames lists the display names in catalogue order.
func UINames() []string {
	names := make([]string, 0, len(kindNames))
	for _, k := range Kinds() {
		names = append(names, k.UIName())
	}
	return names
}

func (k Kind) valid() bool { return k >= 0 && int(k) < len(kindNames) }

func (k Kind) String() string {
	if !k.valid() {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k].tag
}

// UIName is the label shown to users.
func (k Kind) UIName() string {
	if !k.valid() {
		return k.String()
	}
	return kindNames[k].ui
}

// ParseKind accepts either the short tag or the display name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if s == kindNames[k].tag || s == kindNames[k].ui || strings.EqualFold(s, kindNames[k].tag) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedArchitecture, s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedArchitecture, int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
