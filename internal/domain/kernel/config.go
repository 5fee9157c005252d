package kernel

import (
	"time"

	"github.com/GriffinCanCode/skykernel/internal/domain/module"
	"github.com/GriffinCanCode/skykernel/internal/runtime/sandbox"
	"golang.org/x/time/rate"
)

// Distribution and Version are what the version method reports
const (
	Distribution = "SkynetLabs"
	Version      = "0.9.0"
)

// Config holds kernel behaviour settings
type Config struct {
	Distribution string
	Version      string

	// DashboardOrigins may read and change module overrides.
	DashboardOrigins []string

	Sandbox      sandbox.Config
	Policy       *module.Policy
	FetchTimeout time.Duration

	// StatsInterval is the first delay of the periodic state log. Each
	// later delay is StatsBackoff times the previous one. Zero disables it.
	StatsInterval time.Duration
	StatsBackoff  float64

	// ModuleLogRate bounds log messages per module.
	ModuleLogRate  rate.Limit
	ModuleLogBurst int
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig() Config {
	return Config{
		Distribution: Distribution,
		Version:      Version,
		DashboardOrigins: []string{
			"http://kernel.skynet",
			"https://skt.us",
		},
		Sandbox:        sandbox.DefaultConfig(),
		Policy:         module.DefaultPolicy(),
		FetchTimeout:   30 * time.Second,
		StatsInterval:  30 * time.Second,
		StatsBackoff:   1.25,
		ModuleLogRate:  rate.Limit(20),
		ModuleLogBurst: 50,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Distribution == "" {
		c.Distribution = d.Distribution
	}
	if c.Version == "" {
		c.Version = d.Version
	}
	if c.Sandbox.HandlerTimeout <= 0 {
		c.Sandbox = d.Sandbox
	}
	if c.Policy == nil {
		c.Policy = d.Policy
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.StatsBackoff < 1 {
		c.StatsBackoff = d.StatsBackoff
	}
	if c.ModuleLogRate <= 0 {
		c.ModuleLogRate = d.ModuleLogRate
	}
	if c.ModuleLogBurst <= 0 {
		c.ModuleLogBurst = d.ModuleLogBurst
	}
}
