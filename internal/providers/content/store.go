package content

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Store is a local content-addressed store. Objects are named by Address
// and checked against it on every read.
type Store struct {
	blobs  *blobDir
	logger *zap.Logger
}

// OpenStore opens or creates a store in dir
func OpenStore(dir string, logger *zap.Logger) (*Store, error) {
	blobs, err := openBlobDir(dir)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{blobs: blobs, logger: logger.Named("store")}, nil
}

// Add stores data and returns its address. Adding the same data twice is a
// no-op.
func (s *Store) Add(_ context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("refusing to store empty object")
	}
	address := Address(data)
	if s.blobs.has(address) {
		return address, nil
	}
	if err := s.blobs.put(address, data); err != nil {
		return "", err
	}
	s.logger.Info("Stored object", zap.String("address", address), zap.Int("bytes", len(data)))
	return address, nil
}

// Download returns the object at address after checking its digest.
func (s *Store) Download(ctx context.Context, address string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := decodeAddress(address); err != nil {
		return nil, err
	}
	data, err := s.blobs.get(address)
	if err != nil {
		return nil, err
	}
	if err := Verify(address, data); err != nil {
		s.logger.Error("Stored object is corrupt", zap.String("address", address), zap.Error(err))
		return nil, fmt.Errorf("store: %w", err)
	}
	return data, nil
}

// Close releases the codec resources
func (s *Store) Close() error {
	return s.blobs.close()
}
