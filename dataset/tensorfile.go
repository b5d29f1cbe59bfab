package dataset

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/tsawler/go-voxnet/tensor"
)

// ReadTensor loads a {"shape", "data"} JSON file, zstd-compressed when the
// name ends in .zst.
func ReadTensor(path string) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer dec.Close()
		r = dec
	}
	var tf tensorFile
	if err := json.NewDecoder(r).Decode(&tf); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return tensor.NewTensor(tf.Shape, tf.Data)
}

// WriteTensor is the inverse of ReadTensor.
func WriteTensor(path string, t *tensor.Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var w io.Writer = f
	var enc *zstd.Encoder
	if strings.HasSuffix(path, ".zst") {
		if enc, err = zstd.NewWriter(f); err != nil {
			return err
		}
		w = enc
	}
	if err := json.NewEncoder(w).Encode(toFile(t)); err != nil {
		return err
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return err
		}
	}
	return f.Close()
}
