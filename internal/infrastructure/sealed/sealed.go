// Package sealed reads and writes user seed files, optionally encrypted
// with an age passphrase.
//
// A plain seed file holds the hex seed on one line. A sealed file is an
// age scrypt envelope around the same line. ReadSeed tells them apart by
// the age header, so SEED_FILE works for both.
package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/GriffinCanCode/skykernel/internal/domain/seed"
)

var (
	ErrPassphraseRequired = errors.New("seed file is sealed, a passphrase is required")
	ErrWrongPassphrase    = errors.New("seed file could not be unsealed")
)

// workFactor is the scrypt cost for new files. Tests lower it.
var workFactor = 18

const ageHeader = "age-encryption.org/v1"

// Sealed reports whether raw is an age file, binary or armored.
func Sealed(raw []byte) bool {
	return bytes.HasPrefix(raw, []byte(ageHeader)) || bytes.HasPrefix(raw, []byte(armor.Header))
}

// ReadSeed loads a seed file. passphrase is only used for sealed files.
// The caller should seed.Zero the result when done.
func ReadSeed(path, passphrase string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	if !Sealed(raw) {
		return seed.Parse(string(raw))
	}
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}

	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("invalid passphrase: %w", err)
	}
	var src io.Reader = bytes.NewReader(raw)
	if bytes.HasPrefix(raw, []byte(armor.Header)) {
		src = armor.NewReader(src)
	}
	reader, err := age.Decrypt(src, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongPassphrase, err)
	}
	plain, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongPassphrase, err)
	}
	defer seed.Zero(plain)
	return seed.Parse(string(plain))
}

// WriteSeed writes userSeed to path with mode 0600. A non-empty passphrase
// seals the file as armored age.
func WriteSeed(path string, userSeed []byte, passphrase string) error {
	if err := seed.Validate(userSeed); err != nil {
		return err
	}
	line := []byte(seed.Encode(userSeed) + "\n")
	if passphrase == "" {
		return writeFile(path, line)
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("invalid passphrase: %w", err)
	}
	recipient.SetWorkFactor(workFactor)

	var out bytes.Buffer
	armored := armor.NewWriter(&out)
	w, err := age.Encrypt(armored, recipient)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("writing seed to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return fmt.Errorf("finalizing armor: %w", err)
	}
	return writeFile(path, out.Bytes())
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write seed file: %w", err)
	}
	return nil
}
