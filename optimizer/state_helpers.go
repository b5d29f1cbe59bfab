package optimizer

import "fmt"

// snapshotBuffers copies slot buffers into state tensors named "<prefix>_<i>".
func snapshotBuffers(buffers [][]float32, shapes [][]int, prefix, stateType string) []StateTensor {
	out := make([]StateTensor, 0, len(buffers))
	for i, buf := range buffers {
		data := make([]float32, len(buf))
		copy(data, buf)
		shape := []int{len(buf)}
		if i < len(shapes) {
			shape = append([]int(nil), shapes[i]...)
		}
		out = append(out, StateTensor{
			Name:      fmt.Sprintf("%s_%d", prefix, i),
			Shape:     shape,
			Data:      data,
			StateType: stateType,
		})
	}
	return out
}

// restoreBuffers collects state tensors of one type back into index order.
func restoreBuffers(state *OptimizerState, stateType string) ([][]float32, [][]int, error) {
	var buffers [][]float32
	var shapes [][]int
	for _, st := range state.StateData {
		if st.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(st.Name)
		if idx < 0 {
			return nil, nil, fmt.Errorf("malformed state tensor name %q", st.Name)
		}
		for len(buffers) <= idx {
			buffers = append(buffers, nil)
			shapes = append(shapes, nil)
		}
		buffers[idx] = append([]float32(nil), st.Data...)
		shapes[idx] = append([]int(nil), st.Shape...)
	}
	for i, b := range buffers {
		if b == nil {
			return nil, nil, fmt.Errorf("missing %s buffer %d", stateType, i)
		}
	}
	return buffers, shapes, nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float64:
		return float32(v)
	case float32:
		return v
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch v := params[key].(type) {
	case float64:
		return uint64(v)
	case uint64:
		return v
	case int:
		return uint64(v)
	}
	return defaultValue
}
