package main

import (
	"bytes"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/GriffinCanCode/skykernel/internal/domain/kernel"
	"github.com/GriffinCanCode/skykernel/internal/domain/seed"
	"github.com/GriffinCanCode/skykernel/internal/infrastructure/sealed"
	"github.com/GriffinCanCode/skykernel/internal/providers/content"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeSeed(t *testing.T, b byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed")
	require.NoError(t, os.WriteFile(path, []byte(seed.Encode(bytes.Repeat([]byte{b}, seed.Size))), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "version: "+kernel.Version)

	out, err = run(t, "version", "--format", "json")
	require.NoError(t, err)
	var v map[string]string
	require.NoError(t, sonic.Unmarshal([]byte(out), &v))
	assert.Equal(t, kernel.Distribution, v["distribution"])

	_, err = run(t, "version", "--format", "yaml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestSeedNew(t *testing.T) {
	out, err := run(t, "seed", "new")
	require.NoError(t, err)
	_, err = seed.Parse(out)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "seed")
	_, err = run(t, "seed", "new", "-o", path)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSeedNewSealed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.age")

	t.Setenv("SEED_PASSPHRASE", "")
	_, err := run(t, "seed", "new", "-o", path, "--seal")
	assert.ErrorContains(t, err, "SEED_PASSPHRASE")

	t.Setenv("SEED_PASSPHRASE", "hunter2")
	_, err = run(t, "seed", "new", "--seal")
	assert.ErrorContains(t, err, "--out")

	_, err = run(t, "seed", "new", "-o", path, "--seal")
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, sealed.Sealed(raw))

	identity := content.Address([]byte("module code"))
	_, err = run(t, "seed", "module", identity, "--seed-file", path)
	require.NoError(t, err)

	t.Setenv("SEED_PASSPHRASE", "wrong")
	_, err = run(t, "seed", "module", identity, "--seed-file", path)
	assert.ErrorIs(t, err, sealed.ErrWrongPassphrase)
}

func TestSeedModule(t *testing.T) {
	identity := content.Address([]byte("module code"))
	seedFile := writeSeed(t, 7)

	out, err := run(t, "seed", "module", identity, "--seed-file", seedFile, "--format", "json")
	require.NoError(t, err)
	var v map[string]string
	require.NoError(t, sonic.Unmarshal([]byte(out), &v))

	active, err := seed.ActiveSeed(bytes.Repeat([]byte{7}, seed.Size))
	require.NoError(t, err)
	want, err := seed.ModuleSeed(active, identity)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(want), v["seed"])

	_, err = run(t, "seed", "module", "short", "--seed-file", seedFile)
	assert.ErrorContains(t, err, "invalid module identity")

	_, err = run(t, "seed", "module", identity, "--seed-file", "")
	assert.Error(t, err)
}

func TestStoreAddGet(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(t.TempDir(), "module.js")
	code := []byte("onmessage = function() {};\n")
	require.NoError(t, os.WriteFile(file, code, 0o644))

	out, err := run(t, "store", "add", file, "--dir", dir)
	require.NoError(t, err)
	address := strings.TrimSpace(out)
	assert.Equal(t, content.Address(code), address)

	out, err = run(t, "store", "get", address, "--dir", dir)
	require.NoError(t, err)
	assert.Equal(t, string(code), out)

	_, err = run(t, "store", "add", file, "--dir", "")
	assert.ErrorContains(t, err, "no store directory")
}

// registryPortal keeps the last entry written to it.
type registryPortal struct {
	mu    sync.Mutex
	entry map[string]any
}

func (p *registryPortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.URL.Path != "/skynet/registry" {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var body struct {
			Revision  uint64 `json:"revision"`
			Data      []int  `json:"data"`
			Signature []int  `json:"signature"`
		}
		raw := new(bytes.Buffer)
		raw.ReadFrom(r.Body)
		if err := sonic.Unmarshal(raw.Bytes(), &body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.entry = map[string]any{
			"data":      hex.EncodeToString(ints(body.Data)),
			"revision":  body.Revision,
			"signature": hex.EncodeToString(ints(body.Signature)),
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		if p.entry == nil {
			http.NotFound(w, r)
			return
		}
		raw, _ := sonic.Marshal(p.entry)
		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
	}
}

func ints(in []int) []byte {
	out := make([]byte, len(in))
	for i, v := range in {
		out[i] = byte(v)
	}
	return out
}

func TestRegistryWriteThenRead(t *testing.T) {
	portal := httptest.NewServer(&registryPortal{})
	defer portal.Close()
	seedFile := writeSeed(t, 9)

	out, err := run(t, "registry", "write", "hello registry",
		"--portal", portal.URL, "--tag", "profile", "--seed-file", seedFile, "--revision", "3", "--format", "json")
	require.NoError(t, err)
	var written map[string]any
	require.NoError(t, sonic.Unmarshal([]byte(out), &written))
	pub := written["public_key"].(string)
	assert.NotEmpty(t, written["resolver"])

	out, err = run(t, "registry", "read", pub, "--portal", portal.URL, "--tag", "profile", "--format", "json")
	require.NoError(t, err)
	var read map[string]any
	require.NoError(t, sonic.Unmarshal([]byte(out), &read))
	assert.Equal(t, "hello registry", read["data"])
	assert.Equal(t, float64(3), read["revision"])

	_, err = run(t, "registry", "read", pub, "--portal", portal.URL, "--tag", "other")
	assert.Error(t, err, "signature does not cover a different data key")
}

func TestRegistryReadMissing(t *testing.T) {
	portal := httptest.NewServer(&registryPortal{})
	defer portal.Close()

	pub := strings.Repeat("ab", 32)
	_, err := run(t, "registry", "read", pub, "--portal", portal.URL, "--tag", "profile")
	assert.ErrorContains(t, err, "no entry")

	_, err = run(t, "registry", "read", "zz", "--portal", portal.URL, "--tag", "profile")
	assert.ErrorContains(t, err, "public key")
}
