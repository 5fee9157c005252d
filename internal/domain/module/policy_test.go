package module

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())

	assert.True(t, p.IsPersistent("AQCBPFvXNvdtnLbWCRhC5WKhLxxXlel-EDwNM7-GQ-XV3Q"))
	assert.True(t, p.GetsPortals("AQCBPFvXNvdtnLbWCRhC5WKhLxxXlel-EDwNM7-GQ-XV3Q"))
	assert.True(t, p.GetsRootKey("IABOv7_dkJwtuaFBeB6eTR32mSvtLsBRVffEY9yYL0v0rA"))
	assert.False(t, p.IsPersistent("IABOv7_dkJwtuaFBeB6eTR32mSvtLsBRVffEY9yYL0v0rA"))
	assert.False(t, p.GetsRootKey("AQCBPFvXNvdtnLbWCRhC5WKhLxxXlel-EDwNM7-GQ-XV3Q"))

	portals := p.PortalData()
	require.Len(t, portals, 2)
	assert.Equal(t, map[string]any{"url": "https://skynetfree.net", "name": "skynetfree.net"}, portals[0])
}

func TestParsePolicyOverridesLists(t *testing.T) {
	p, err := ParsePolicy([]byte(`
persistent = ["IABOv7_dkJwtuaFBeB6eTR32mSvtLsBRVffEY9yYL0v0rA"]

[[bootstrap_portals]]
url = "https://portal.example"
name = "example"
`))
	require.NoError(t, err)

	assert.True(t, p.IsPersistent("IABOv7_dkJwtuaFBeB6eTR32mSvtLsBRVffEY9yYL0v0rA"))
	assert.False(t, p.IsPersistent("AQCoaLP6JexdZshDDZRQaIwN3B7DqFjlY7byMikR7u1IEA"))
	assert.True(t, p.GetsRootKey("AQBmFdF14nfEQrERIknEBvZoTXxyxG8nejSjH6ebCqcFkQ"), "absent lists keep defaults")
	assert.Equal(t, []Portal{{URL: "https://portal.example", Name: "example"}}, p.BootstrapPortals)
}

func TestParsePolicyRejectsBadIdentity(t *testing.T) {
	_, err := ParsePolicy([]byte(`root_key = ["not-an-identity"]`))
	assert.ErrorContains(t, err, "invalid module identity")

	_, err = ParsePolicy([]byte(`persistent = [`))
	assert.Error(t, err)
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`portal = []`), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.False(t, p.GetsPortals("AQCBPFvXNvdtnLbWCRhC5WKhLxxXlel-EDwNM7-GQ-XV3Q"))

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidateCode(t *testing.T) {
	assert.NoError(t, ValidateCode([]byte(`onmessage = function(e) {};`)))
	assert.NoError(t, ValidateCode([]byte("#!/usr/bin/env node\nconsole.log(1)")))
	assert.ErrorIs(t, ValidateCode(nil), ErrNotScript)
	assert.ErrorIs(t, ValidateCode([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0}), ErrNotScript)
}
