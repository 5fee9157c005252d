package content

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// maxBlob bounds the decompressed size of a stored object.
const maxBlob = 64 << 20

// blobDir keeps zstd-compressed objects in one directory, one file per
// address.
type blobDir struct {
	dir string
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func openBlobDir(dir string) (*blobDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBlob))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &blobDir{dir: dir, enc: enc, dec: dec}, nil
}

func (b *blobDir) path(address string) string {
	return filepath.Join(b.dir, address+".zst")
}

func (b *blobDir) has(address string) bool {
	_, err := os.Stat(b.path(address))
	return err == nil
}

// get returns the object at address, or ErrNotFound.
func (b *blobDir) get(address string) ([]byte, error) {
	raw, err := os.ReadFile(b.path(address))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", address, err)
	}
	data, err := b.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s does not decompress: %v", ErrIntegrity, address, err)
	}
	return data, nil
}

// put writes the object through a temporary file so readers never see a
// partial blob.
func (b *blobDir) put(address string, data []byte) error {
	tmp, err := os.CreateTemp(b.dir, ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b.enc.EncodeAll(data, nil)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", address, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", address, err)
	}
	if err := os.Rename(tmp.Name(), b.path(address)); err != nil {
		return fmt.Errorf("failed to store %s: %w", address, err)
	}
	return nil
}

func (b *blobDir) close() error {
	b.dec.Close()
	return b.enc.Close()
}
