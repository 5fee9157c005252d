package sealed

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/GriffinCanCode/skykernel/internal/domain/seed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	workFactor = 10
}

func TestPlainRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed")
	want := bytes.Repeat([]byte{7}, seed.Size)

	require.NoError(t, WriteSeed(path, want, ""))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, Sealed(raw))

	got, err := ReadSeed(path, "ignored")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSealedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.age")
	want := bytes.Repeat([]byte{9}, seed.Size)

	require.NoError(t, WriteSeed(path, want, "correct horse"))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, Sealed(raw))
	assert.NotContains(t, string(raw), seed.Encode(want))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := ReadSeed(path, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = ReadSeed(path, "")
	assert.ErrorIs(t, err, ErrPassphraseRequired)

	_, err = ReadSeed(path, "battery staple")
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestWriteSeedValidates(t *testing.T) {
	err := WriteSeed(filepath.Join(t.TempDir(), "seed"), []byte{1, 2}, "")
	assert.ErrorIs(t, err, seed.ErrInvalidLength)
}

func TestReadSeedMissingFile(t *testing.T) {
	_, err := ReadSeed(filepath.Join(t.TempDir(), "absent"), "")
	assert.Error(t, err)
}
