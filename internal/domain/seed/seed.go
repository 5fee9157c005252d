// Package seed derives every secret the kernel hands out from the user seed.
//
// Derivations are BLAKE2b-512 over parent ‖ label, truncated to the
// requested size. The label namespaces the output so that material derived
// for one purpose is useless for another, and the parent is never exposed.
// The root keypair keeps the established SHA-512 layout so that users keep
// the same root identity across kernels.
package seed

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Size is the length of user seeds, active seeds and module seeds.
const Size = 16

// NonceSize is the number of digest bytes encoded into a query nonce.
const NonceSize = 32

// Derivation labels. Changing any of them changes every derived identity.
const (
	activeSeedLabel = "defaultUserActiveSeed"
	moduleSeedLabel = "moduleSeedDerivation"
	nonceLabel      = "kernelNonceSalt"
	rootKeyLabel    = "root discoverable key"
)

var (
	ErrInvalidLength = errors.New("seed has invalid length")
	ErrInvalidSize   = errors.New("requested derivation size out of range")
)

// Validate checks the fixed-length precondition on parent secrets.
func Validate(parent []byte) error {
	if len(parent) != Size {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidLength, len(parent), Size)
	}
	return nil
}

// DeriveBytes hashes parent ‖ label and returns the first size bytes.
func DeriveBytes(parent, label []byte, size int) ([]byte, error) {
	if err := Validate(parent); err != nil {
		return nil, err
	}
	if size <= 0 || size > blake2b.Size {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	preimage := make([]byte, 0, len(parent)+len(label))
	preimage = append(preimage, parent...)
	preimage = append(preimage, label...)
	sum := blake2b.Sum512(preimage)
	Zero(preimage)

	out := make([]byte, size)
	copy(out, sum[:size])
	return out, nil
}

// Derive returns a Size-byte child secret of parent for the given label.
func Derive(parent []byte, label string) ([]byte, error) {
	return DeriveBytes(parent, []byte(label), Size)
}

// ActiveSeed derives the per-session base secret from the user seed.
func ActiveSeed(userSeed []byte) ([]byte, error) {
	return Derive(userSeed, activeSeedLabel)
}

// ModuleSeed derives the private seed handed to the module with the given
// identity. Distinct identities yield unrelated seeds, and no module can
// compute another's seed without the active seed.
func ModuleSeed(activeSeed []byte, identity string) ([]byte, error) {
	return Derive(activeSeed, moduleSeedLabel+identity)
}

// NonceMaterial mixes the query counter with the active seed so correlation
// nonces are unpredictable to anyone who does not hold the active seed.
func NonceMaterial(activeSeed []byte, counter uint64) ([]byte, error) {
	label := make([]byte, len(nonceLabel)+8)
	copy(label, nonceLabel)
	binary.LittleEndian.PutUint64(label[len(nonceLabel):], counter)
	return DeriveBytes(activeSeed, label, NonceSize)
}

// Nonce returns NonceMaterial as an unpadded base64url token.
func Nonce(activeSeed []byte, counter uint64) (string, error) {
	material, err := NonceMaterial(activeSeed, counter)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(material), nil
}

// RootKeypair derives the user's root ed25519 keypair from the user seed.
// It is elevated material and only reaches allow-listed modules. The key
// seed is SHA-512(SHA-512(label) ‖ SHA-512(userSeed)) truncated to 32
// bytes; this layout must not change.
func RootKeypair(userSeed []byte) (ed25519.PrivateKey, error) {
	if err := Validate(userSeed); err != nil {
		return nil, err
	}
	salt := sha512.Sum512([]byte(rootKeyLabel))
	seedHash := sha512.Sum512(userSeed)
	merged := make([]byte, 0, 2*sha512.Size)
	merged = append(merged, salt[:]...)
	merged = append(merged, seedHash[:]...)
	entropy := sha512.Sum512(merged)
	Zero(merged)
	Zero(seedHash[:])
	defer Zero(entropy[:])
	return ed25519.NewKeyFromSeed(entropy[:ed25519.SeedSize]), nil
}

// Generate returns a fresh random user seed.
func Generate() ([]byte, error) {
	s := make([]byte, Size)
	if _, err := rand.Read(s); err != nil {
		return nil, fmt.Errorf("failed to read entropy: %w", err)
	}
	return s, nil
}

// Encode renders a seed as lowercase hex, the form seed files and the login
// endpoint use.
func Encode(s []byte) string {
	return hex.EncodeToString(s)
}

// Parse decodes a hex seed, ignoring surrounding whitespace.
func Parse(text string) ([]byte, error) {
	s, err := hex.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLength, err)
	}
	if err := Validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
