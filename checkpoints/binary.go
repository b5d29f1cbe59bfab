package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/x448/float16"
	"google.golang.org/protobuf/encoding/protowire"
)

// Binary artifacts start with binaryMagic followed by protobuf wire fields:
//
//	1: header   bytes   JSON checkpoint without weights
//	2: weight   bytes   repeated, one weight message per tensor
//
// A weight message holds:
//
//	1: name       string
//	2: shape      packed varints
//	3: layer      string
//	4: type       string
//	5: precision  varint  bits per element (32 or 16)
//	6: data       bytes   little-endian elements
var binaryMagic = []byte("VXNT")

const (
	fieldHeader protowire.Number = 1
	fieldWeight protowire.Number = 2

	fieldWeightName      protowire.Number = 1
	fieldWeightShape     protowire.Number = 2
	fieldWeightLayer     protowire.Number = 3
	fieldWeightType      protowire.Number = 4
	fieldWeightPrecision protowire.Number = 5
	fieldWeightData      protowire.Number = 6
)

func encodeBinary(cp *Checkpoint) ([]byte, error) {
	header := *cp
	header.Weights = nil
	hdr, err := json.Marshal(&header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint header: %w", err)
	}

	b := append([]byte(nil), binaryMagic...)
	b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
	b = protowire.AppendBytes(b, hdr)
	for _, w := range cp.Weights {
		b = protowire.AppendTag(b, fieldWeight, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeWeight(w, cp.Info.HalfPrecision))
	}
	return b, nil
}

func encodeWeight(w WeightTensor, half bool) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldWeightName, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)

	var shape []byte
	for _, d := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, fieldWeightShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	b = protowire.AppendTag(b, fieldWeightLayer, protowire.BytesType)
	b = protowire.AppendString(b, w.Layer)
	b = protowire.AppendTag(b, fieldWeightType, protowire.BytesType)
	b = protowire.AppendString(b, w.Type)

	var data []byte
	if half {
		data = make([]byte, 2*len(w.Data))
		for i, v := range w.Data {
			binary.LittleEndian.PutUint16(data[2*i:], float16.Fromfloat32(v).Bits())
		}
		b = protowire.AppendTag(b, fieldWeightPrecision, protowire.VarintType)
		b = protowire.AppendVarint(b, 16)
	} else {
		data = make([]byte, 4*len(w.Data))
		for i, v := range w.Data {
			binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
		}
		b = protowire.AppendTag(b, fieldWeightPrecision, protowire.VarintType)
		b = protowire.AppendVarint(b, 32)
	}
	b = protowire.AppendTag(b, fieldWeightData, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

func decodeBinary(raw []byte) (*Checkpoint, error) {
	b := raw[len(binaryMagic):]
	var (
		cp        Checkpoint
		hasHeader bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("corrupt checkpoint: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldHeader && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("corrupt checkpoint header: %w", protowire.ParseError(n))
			}
			weights := cp.Weights
			if err := json.Unmarshal(v, &cp); err != nil {
				return nil, fmt.Errorf("failed to decode checkpoint header: %w", err)
			}
			cp.Weights = weights
			hasHeader = true
			b = b[n:]
		case num == fieldWeight && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("corrupt weight record: %w", protowire.ParseError(n))
			}
			w, err := decodeWeight(v)
			if err != nil {
				return nil, err
			}
			cp.Weights = append(cp.Weights, w)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("corrupt checkpoint: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !hasHeader {
		return nil, fmt.Errorf("corrupt checkpoint: missing header")
	}
	return &cp, nil
}

func decodeWeight(b []byte) (WeightTensor, error) {
	var (
		w         WeightTensor
		data      []byte
		precision uint64 = 32
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return w, fmt.Errorf("corrupt weight record: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && num != fieldWeightPrecision:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return w, fmt.Errorf("corrupt weight record: %w", protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldWeightName:
				w.Name = string(v)
			case fieldWeightLayer:
				w.Layer = string(v)
			case fieldWeightType:
				w.Type = string(v)
			case fieldWeightData:
				data = v
			case fieldWeightShape:
				for len(v) > 0 {
					d, m := protowire.ConsumeVarint(v)
					if m < 0 {
						return w, fmt.Errorf("corrupt shape of %s: %w", w.Name, protowire.ParseError(m))
					}
					w.Shape = append(w.Shape, int(d))
					v = v[m:]
				}
			}
		case num == fieldWeightPrecision && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return w, fmt.Errorf("corrupt weight record: %w", protowire.ParseError(n))
			}
			precision = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return w, fmt.Errorf("corrupt weight record: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	switch precision {
	case 16:
		if len(data)%2 != 0 {
			return w, fmt.Errorf("weight %s: odd half-precision payload", w.Name)
		}
		w.Data = make([]float32, len(data)/2)
		for i := range w.Data {
			w.Data[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
		}
	case 32:
		if len(data)%4 != 0 {
			return w, fmt.Errorf("weight %s: truncated payload", w.Name)
		}
		w.Data = make([]float32, len(data)/4)
		for i := range w.Data {
			w.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
	default:
		return w, fmt.Errorf("weight %s: unsupported precision %d", w.Name, precision)
	}
	return w, nil
}
