package tensor

import "fmt"

// DataFormat tags the axis order of a 5-D sample batch.
type DataFormat int

const (
	// ChannelsFirst is (N, C, D0, D1, D2).
	ChannelsFirst DataFormat = iota
	// ChannelsLast is (N, D0, D1, D2, C).
	ChannelsLast
)

func (f DataFormat) String() string {
	switch f {
	case ChannelsFirst:
		return "channels_first"
	case ChannelsLast:
		return "channels_last"
	default:
		return "unknown"
	}
}

// ParseDataFormat accepts the names produced by String.
func ParseDataFormat(s string) (DataFormat, error) {
	switch s {
	case "channels_first", "":
		return ChannelsFirst, nil
	case "channels_last":
		return ChannelsLast, nil
	default:
		return ChannelsFirst, fmt.Errorf("unknown data format %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f DataFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *DataFormat) UnmarshalText(b []byte) error {
	v, err := ParseDataFormat(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// ToChannelsLast moves axis 1 to the end: (N,A,d0,d1,d2) -> (N,d0,d1,d2,A).
// It panics if t is not rank 5.
func ToChannelsLast(t *Tensor) *Tensor {
	mustRank5(t, "ToChannelsLast")
	n, c, d0, d1, d2 := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], t.Shape[4]
	vol := d0 * d1 * d2
	out := make([]float32, t.NumElems)
	for b := 0; b < n; b++ {
		src := t.Data[b*c*vol : (b+1)*c*vol]
		dst := out[b*c*vol : (b+1)*c*vol]
		for ch := 0; ch < c; ch++ {
			plane := src[ch*vol : (ch+1)*vol]
			for v, x := range plane {
				dst[v*c+ch] = x
			}
		}
	}
	return MustNew([]int{n, d0, d1, d2, c}, out)
}

// ToChannelsFirst is the inverse of ToChannelsLast: (N,d0,d1,d2,A) -> (N,A,d0,d1,d2).
// It panics if t is not rank 5.
func ToChannelsFirst(t *Tensor) *Tensor {
	mustRank5(t, "ToChannelsFirst")
	n, d0, d1, d2, c := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], t.Shape[4]
	vol := d0 * d1 * d2
	out := make([]float32, t.NumElems)
	for b := 0; b < n; b++ {
		src := t.Data[b*c*vol : (b+1)*c*vol]
		dst := out[b*c*vol : (b+1)*c*vol]
		for v := 0; v < vol; v++ {
			for ch := 0; ch < c; ch++ {
				dst[ch*vol+v] = src[v*c+ch]
			}
		}
	}
	return MustNew([]int{n, c, d0, d1, d2}, out)
}

// ConvertLayout converts between formats; equal formats return t unchanged.
func ConvertLayout(t *Tensor, from, to DataFormat) *Tensor {
	if from == to {
		return t
	}
	if to == ChannelsLast {
		return ToChannelsLast(t)
	}
	return ToChannelsFirst(t)
}

func mustRank5(t *Tensor, op string) {
	if t == nil || len(t.Shape) != 5 {
		var shape []int
		if t != nil {
			shape = t.Shape
		}
		panic(fmt.Sprintf("tensor.%s: rank-5 tensor required, got shape %v", op, shape))
	}
}
