package content

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// MaxEntryData is the largest payload a registry entry can carry.
const MaxEntryData = 86

var ErrEntryTooLarge = errors.New("registry entry data too large")

// Entry is one revision of a registry entry.
type Entry struct {
	Data      []byte
	Revision  uint64
	Signature []byte
}

// DataKey hashes a human readable tag into a registry data key.
func DataKey(tag string) []byte {
	sum := blake2b.Sum256([]byte(tag))
	return sum[:]
}

// entryHash is the digest an entry's signature covers:
// datakey ‖ u64le(len(data)) ‖ data ‖ u64le(revision).
func entryHash(datakey, data []byte, revision uint64) [32]byte {
	buf := make([]byte, 0, len(datakey)+8+len(data)+8)
	buf = append(buf, datakey...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(data)))
	buf = append(buf, data...)
	buf = binary.LittleEndian.AppendUint64(buf, revision)
	return blake2b.Sum256(buf)
}

// SignEntry signs a registry entry with key.
func SignEntry(key ed25519.PrivateKey, datakey, data []byte, revision uint64) (Entry, error) {
	if len(data) > MaxEntryData {
		return Entry{}, fmt.Errorf("%w: %d bytes, limit %d", ErrEntryTooLarge, len(data), MaxEntryData)
	}
	if len(key) != ed25519.PrivateKeySize {
		return Entry{}, errors.New("registry key has invalid length")
	}
	sum := entryHash(datakey, data, revision)
	return Entry{
		Data:      append([]byte(nil), data...),
		Revision:  revision,
		Signature: ed25519.Sign(key, sum[:]),
	}, nil
}

// VerifyEntry checks that e was signed by pub for datakey.
func VerifyEntry(pub ed25519.PublicKey, datakey []byte, e Entry) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key has invalid length", ErrIntegrity)
	}
	if len(e.Data) > MaxEntryData {
		return fmt.Errorf("%w: entry data exceeds %d bytes", ErrIntegrity, MaxEntryData)
	}
	sum := entryHash(datakey, e.Data, e.Revision)
	if !ed25519.Verify(pub, sum[:], e.Signature) {
		return fmt.Errorf("%w: bad registry signature", ErrIntegrity)
	}
	return nil
}

// EntryID derives the network-wide id of the entry owned by pub under
// datakey.
func EntryID(pub ed25519.PublicKey, datakey []byte) [32]byte {
	buf := make([]byte, 16, 16+8+len(pub)+len(datakey))
	copy(buf, "ed25519")
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(pub)))
	buf = append(buf, pub...)
	buf = append(buf, datakey...)
	return blake2b.Sum256(buf)
}

// ResolverLink returns the address that resolves through the entry.
func ResolverLink(pub ed25519.PublicKey, datakey []byte) string {
	id := EntryID(pub, datakey)
	raw := make([]byte, 2, addressSize)
	raw[0] = 1
	raw = append(raw, id[:]...)
	return base64.RawURLEncoding.EncodeToString(raw)
}
