package content

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

var (
	ErrNotFound  = errors.New("content not found")
	ErrTransport = errors.New("content transport failed")
	ErrIntegrity = errors.New("content failed integrity check")
	ErrAddress   = errors.New("invalid content address")
)

// Downloader fetches the bytes stored at a content address.
type Downloader interface {
	Download(ctx context.Context, address string) ([]byte, error)
}

// RegistryClient reads and writes signed registry entries.
type RegistryClient interface {
	// RegistryRead returns the entry and whether it exists. A missing
	// entry is not an error.
	RegistryRead(ctx context.Context, pub ed25519.PublicKey, datakey []byte) (Entry, bool, error)
	RegistryWrite(ctx context.Context, key ed25519.PrivateKey, datakey, data []byte, revision uint64) error
}

// addressSize is the decoded length of an address: two header bytes and a
// 32-byte digest.
const addressSize = 34

// localHeader marks addresses minted by Address.
var localHeader = [2]byte{0x01, 0x00}

// Address returns the content address of data: the header followed by the
// BLAKE3 digest, unpadded base64url.
func Address(data []byte) string {
	sum := blake3.Sum256(data)
	raw := make([]byte, 0, addressSize)
	raw = append(raw, localHeader[:]...)
	raw = append(raw, sum[:]...)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// decodeAddress checks the shape of address and returns its raw bytes.
func decodeAddress(address string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(address)
	if err != nil || len(raw) != addressSize {
		return nil, fmt.Errorf("%w: %q", ErrAddress, address)
	}
	return raw, nil
}

// Verify reports whether data hashes to address. Addresses not minted by
// Address cannot be checked locally and fail.
func Verify(address string, data []byte) error {
	raw, err := decodeAddress(address)
	if err != nil {
		return err
	}
	if raw[0] != localHeader[0] || raw[1] != localHeader[1] {
		return fmt.Errorf("%w: %s is not a local address", ErrIntegrity, address)
	}
	if Address(data) != address {
		return fmt.Errorf("%w: digest mismatch for %s", ErrIntegrity, address)
	}
	return nil
}
