package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/tsawler/go-voxnet/tensor"
)

const manifestName = "manifest.json"

// Manifest is the index file of a dataset directory.
type Manifest struct {
	Info      Info `json:"info"`
	NumChunks int  `json:"nr_chunks"`
}

type tensorFile struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

type bundleFile struct {
	XTrain    *tensorFile `json:"x_train,omitempty"`
	YTrain    *tensorFile `json:"y_train,omitempty"`
	XValidate *tensorFile `json:"x_validate,omitempty"`
	YValidate *tensorFile `json:"y_validate,omitempty"`
}

// DirectorySource reads bundles from a directory holding manifest.json,
// resident.json and chunk_<i>.json. Any of the bundle files may carry a .zst
// suffix. A missing chunk file means the chunk has no data.
type DirectorySource struct {
	dir      string
	manifest Manifest
}

// OpenDirectory reads the manifest in dir.
func OpenDirectory(dir string) (*DirectorySource, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode dataset manifest: %w", err)
	}
	if err := m.Info.Validate(); err != nil {
		return nil, err
	}
	return &DirectorySource{dir: dir, manifest: m}, nil
}

// Info returns the dataset metadata.
func (d *DirectorySource) Info() Info { return d.manifest.Info }

func (d *DirectorySource) NumChunks() int { return d.manifest.NumChunks }

func (d *DirectorySource) Resident() (*Bundle, error) {
	b, ok, err := d.readBundle("resident")
	if err != nil || !ok {
		return nil, err
	}
	return b, nil
}

func (d *DirectorySource) Chunk(i int) (*Bundle, bool, error) {
	if i < 0 || i >= d.manifest.NumChunks {
		return nil, false, fmt.Errorf("chunk index %d out of range [0, %d)", i, d.manifest.NumChunks)
	}
	b, ok, err := d.readBundle(chunkBase(i))
	if err != nil || !ok {
		return nil, false, err
	}
	return b, b.HasTrainingData(), nil
}

func chunkBase(i int) string { return fmt.Sprintf("chunk_%03d", i) }

func (d *DirectorySource) readBundle(base string) (*Bundle, bool, error) {
	for _, name := range []string{base + ".json", base + ".json.zst"} {
		f, err := os.Open(filepath.Join(d.dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		defer f.Close()

		var r io.Reader = f
		if strings.HasSuffix(name, ".zst") {
			dec, err := zstd.NewReader(f)
			if err != nil {
				return nil, false, fmt.Errorf("failed to open %s: %w", name, err)
			}
			defer dec.Close()
			r = dec
		}
		var bf bundleFile
		if err := json.NewDecoder(r).Decode(&bf); err != nil {
			return nil, false, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		b, err := bf.toBundle()
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", name, err)
		}
		return b, true, nil
	}
	return nil, false, nil
}

func (bf *bundleFile) toBundle() (*Bundle, error) {
	conv := func(tf *tensorFile) (*tensor.Tensor, error) {
		if tf == nil {
			return nil, nil
		}
		return tensor.NewTensor(tf.Shape, tf.Data)
	}
	var b Bundle
	var err error
	if b.XTrain, err = conv(bf.XTrain); err != nil {
		return nil, err
	}
	if b.YTrain, err = conv(bf.YTrain); err != nil {
		return nil, err
	}
	if b.XValidate, err = conv(bf.XValidate); err != nil {
		return nil, err
	}
	if b.YValidate, err = conv(bf.YValidate); err != nil {
		return nil, err
	}
	return &b, nil
}

func toFile(t *tensor.Tensor) *tensorFile {
	if t == nil {
		return nil
	}
	return &tensorFile{Shape: t.Shape, Data: t.Data}
}

// WriteDirectory lays out a dataset directory. resident may be nil; nil
// entries in chunks are skipped so the reader reports them as empty. Bundle
// files are zstd-compressed when compress is set.
func WriteDirectory(dir string, info Info, resident *Bundle, chunks []*Bundle, compress bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(Manifest{Info: info, NumChunks: max(len(chunks), 1)}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), raw, 0o644); err != nil {
		return err
	}
	if resident != nil {
		if err := writeBundle(filepath.Join(dir, "resident"), resident, compress); err != nil {
			return err
		}
	}
	for i, c := range chunks {
		if c == nil {
			continue
		}
		if err := writeBundle(filepath.Join(dir, chunkBase(i)), c, compress); err != nil {
			return err
		}
	}
	return nil
}

func writeBundle(base string, b *Bundle, compress bool) error {
	name := base + ".json"
	if compress {
		name += ".zst"
	}
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()

	var w io.Writer = f
	var enc *zstd.Encoder
	if compress {
		enc, err = zstd.NewWriter(f)
		if err != nil {
			return err
		}
		w = enc
	}
	bf := bundleFile{
		XTrain:    toFile(b.XTrain),
		YTrain:    toFile(b.YTrain),
		XValidate: toFile(b.XValidate),
		YValidate: toFile(b.YValidate),
	}
	if err := json.NewEncoder(w).Encode(&bf); err != nil {
		return err
	}
	if enc != nil {
		return enc.Close()
	}
	return nil
}
