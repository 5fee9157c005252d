package module

import (
	"fmt"
	"os"

	"github.com/GriffinCanCode/skykernel/internal/domain/protocol"
	"github.com/pelletier/go-toml/v2"
)

// Portal is a storage portal handed to portal modules at bootstrap.
type Portal struct {
	URL  string `toml:"url" json:"url"`
	Name string `toml:"name" json:"name"`
}

// Policy holds the allow-lists that decide how each module is treated.
type Policy struct {
	// Persistent modules share one context across all queries.
	Persistent []string
	// RootKey modules receive the user's root keypair with presentSeed.
	RootKey []string
	// Portal modules receive BootstrapPortals with presentSeed.
	Portal           []string
	BootstrapPortals []Portal

	persistent map[string]bool
	rootKey    map[string]bool
	portal     map[string]bool
}

// NewPolicy builds a policy from explicit allow-lists
func NewPolicy(persistent, rootKey, portal []string, portals []Portal) *Policy {
	p := &Policy{
		Persistent:       persistent,
		RootKey:          rootKey,
		Portal:           portal,
		BootstrapPortals: portals,
	}
	p.index()
	return p
}

// DefaultPolicy returns the built-in allow-lists
func DefaultPolicy() *Policy {
	return NewPolicy(
		[]string{
			"AQCoaLP6JexdZshDDZRQaIwN3B7DqFjlY7byMikR7u1IEA", // kernel-test-helper
			"AQCPJ9WRzMpKQHIsPo8no3XJpUydcDCjw7VJy8lG1MCZ3g", // kernel-test-suite
			"AQCBPFvXNvdtnLbWCRhC5WKhLxxXlel-EDwNM7-GQ-XV3Q", // portal module
			"AQBmFdF14nfEQrERIknEBvZoTXxyxG8nejSjH6ebCqcFkQ", // identity
			"AQAXZpiIGQFT3lKGVwb8TAX3WymVsrM_LZ-A9cZzYNHWCw", // profile
			"AQAPFg2Wdtld0HoVP0sIAQjQlVnXC-KY34WWDxXBLtzfbw", // query
			"AQDETEWOzNYZu5YeOIPhvwpqIn3aL6ghf-ccLpbj3O1EIw", // social
			"AQCSRGL0vey8Nccy_Pqk3fYTMm0y2nE_dK0I8ro8bZyZ3Q", // feed
			"AQAKn33Pm9WPcm872JuxnRhowH5UA3Mm_hCb6CMT79nQdw", // bridge
			"AQDgPeyl2j30aY7tLnYI5aEvbrptQuz90bfSgwjKlmpOvw", // permissions
		},
		[]string{
			"AQBmFdF14nfEQrERIknEBvZoTXxyxG8nejSjH6ebCqcFkQ",
			"IABOv7_dkJwtuaFBeB6eTR32mSvtLsBRVffEY9yYL0v0rA",
		},
		[]string{
			"AQCBPFvXNvdtnLbWCRhC5WKhLxxXlel-EDwNM7-GQ-XV3Q",
		},
		[]Portal{
			{URL: "https://skynetfree.net", Name: "skynetfree.net"},
			{URL: "https://web3portal.com", Name: "web3portal.com"},
		},
	)
}

// LoadPolicy reads a TOML policy file. Lists present in the file replace the
// defaults; absent lists keep them.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return ParsePolicy(raw)
}

// policyFile distinguishes absent lists from empty ones.
type policyFile struct {
	Persistent       *[]string `toml:"persistent"`
	RootKey          *[]string `toml:"root_key"`
	Portal           *[]string `toml:"portal"`
	BootstrapPortals *[]Portal `toml:"bootstrap_portals"`
}

// ParsePolicy decodes a TOML policy document on top of the defaults.
func ParsePolicy(raw []byte) (*Policy, error) {
	var file policyFile
	if err := toml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to decode policy: %w", err)
	}

	p := DefaultPolicy()
	if file.Persistent != nil {
		p.Persistent = *file.Persistent
	}
	if file.RootKey != nil {
		p.RootKey = *file.RootKey
	}
	if file.Portal != nil {
		p.Portal = *file.Portal
	}
	if file.BootstrapPortals != nil {
		p.BootstrapPortals = *file.BootstrapPortals
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.index()
	return p, nil
}

// Validate checks that every listed identity is well formed.
func (p *Policy) Validate() error {
	lists := map[string][]string{
		"persistent": p.Persistent,
		"root_key":   p.RootKey,
		"portal":     p.Portal,
	}
	for name, list := range lists {
		for _, identity := range list {
			if !protocol.ValidIdentity(identity) {
				return fmt.Errorf("policy list %s: invalid module identity %q", name, identity)
			}
		}
	}
	for _, portal := range p.BootstrapPortals {
		if portal.URL == "" {
			return fmt.Errorf("bootstrap portal %q has no url", portal.Name)
		}
	}
	return nil
}

func (p *Policy) index() {
	p.persistent = toSet(p.Persistent)
	p.rootKey = toSet(p.RootKey)
	p.portal = toSet(p.Portal)
}

// IsPersistent reports whether identity keeps one context for all queries
func (p *Policy) IsPersistent(identity string) bool { return p.persistent[identity] }

// GetsRootKey reports whether identity receives the root keypair
func (p *Policy) GetsRootKey(identity string) bool { return p.rootKey[identity] }

// GetsPortals reports whether identity receives the bootstrap portals
func (p *Policy) GetsPortals(identity string) bool { return p.portal[identity] }

// PortalData renders BootstrapPortals the way modules receive them
func (p *Policy) PortalData() []any {
	out := make([]any, len(p.BootstrapPortals))
	for i, portal := range p.BootstrapPortals {
		out[i] = map[string]any{"url": portal.URL, "name": portal.Name}
	}
	return out
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, s := range list {
		set[s] = true
	}
	return set
}
