package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidInfo marks dataset metadata that cannot drive model construction.
var ErrInvalidInfo = errors.New("invalid dataset info")

// Stepout is the half-width of the sample window, either one value applied to
// the last spatial axis only or one value per spatial axis.
type Stepout struct {
	values [3]int
	scalar bool
}

// ScalarStepout describes a 1-D window of 2n+1 samples along the last axis.
func ScalarStepout(n int) Stepout {
	return Stepout{values: [3]int{0, 0, n}, scalar: true}
}

// CubeStepout describes a (2i+1, 2j+1, 2k+1) window.
func CubeStepout(i, j, k int) Stepout {
	return Stepout{values: [3]int{i, j, k}}
}

// IsScalar reports whether the stepout was given as a single value.
func (s Stepout) IsScalar() bool { return s.scalar }

// Values returns the per-axis half-widths. A scalar stepout reports 0 on the
// first two axes.
func (s Stepout) Values() [3]int { return s.values }

// Window returns the full window extent per spatial axis.
func (s Stepout) Window() [3]int {
	if s.scalar {
		return [3]int{1, 1, 2*s.values[2] + 1}
	}
	return [3]int{2*s.values[0] + 1, 2*s.values[1] + 1, 2*s.values[2] + 1}
}

func (s Stepout) Validate() error {
	for i, v := range s.values {
		if v < 0 {
			return fmt.Errorf("%w: stepout axis %d is negative (%d)", ErrInvalidInfo, i, v)
		}
	}
	return nil
}

func (s Stepout) String() string {
	if s.scalar {
		return fmt.Sprintf("%d", s.values[2])
	}
	return fmt.Sprintf("(%d,%d,%d)", s.values[0], s.values[1], s.values[2])
}

// MarshalJSON writes a scalar as a number and a cube as a 3-element array.
func (s Stepout) MarshalJSON() ([]byte, error) {
	if s.scalar {
		return json.Marshal(s.values[2])
	}
	return json.Marshal(s.values[:])
}

func (s *Stepout) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*s = ScalarStepout(n)
		return nil
	}
	var v []int
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("stepout must be a number or an array of 3 numbers: %w", err)
	}
	if len(v) != 3 {
		return fmt.Errorf("%w: stepout array has %d values, want 3", ErrInvalidInfo, len(v))
	}
	*s = CubeStepout(v[0], v[1], v[2])
	return nil
}

// Info describes a training set.
type Info struct {
	NumAttributes  int     `json:"nr_attributes"`
	Stepout        Stepout `json:"stepout"`
	Classification bool    `json:"classification"`
	// Ordered class labels; empty for regression.
	Classes []int  `json:"classes,omitempty"`
	Survey  string `json:"survey"`
}

// NumClasses returns the number of class labels.
func (i Info) NumClasses() int { return len(i.Classes) }

func (i Info) Validate() error {
	if i.NumAttributes < 1 {
		return fmt.Errorf("%w: attribute count %d, need at least 1", ErrInvalidInfo, i.NumAttributes)
	}
	if err := i.Stepout.Validate(); err != nil {
		return err
	}
	if i.Classification && len(i.Classes) == 0 {
		return fmt.Errorf("%w: classification requires class labels", ErrInvalidInfo)
	}
	if !i.Classification && len(i.Classes) > 0 {
		return fmt.Errorf("%w: regression data must not list classes", ErrInvalidInfo)
	}
	return nil
}
