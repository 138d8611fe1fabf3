// Package config holds the coordinator's policy knobs (spec §9: only
// suspicionThreshold, unreachableThreshold and startupGracePeriod — plus the
// other non-timing policy values spec §4.1/§4.4/§4.6 name as configurable —
// are tunable; all interval timing is RTT-adaptive per ADR-013). Config can
// be loaded from TOML, or built in code with Default() and overridden via a
// loosely-typed map (e.g. from environment variables) coerced with
// github.com/cstockton/go-conv.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cstockton/go-conv"
)

// CoordinatorConfig is the full set of tunable policy knobs. Every duration
// field is stored in milliseconds in the TOML form for readability and
// converted to time.Duration for in-process use.
type CoordinatorConfig struct {
	// SWIM (spec §4.5)
	SuspicionThreshold       int           `toml:"suspicion_threshold"`
	UnreachableThreshold     int           `toml:"unreachable_threshold"`
	UnreachableProbeInterval int           `toml:"unreachable_probe_interval"` // in probe rounds
	StartupGracePeriod       time.Duration `toml:"-"`
	StartupGracePeriodMs     int64         `toml:"startup_grace_period_ms"`
	IndirectProbeFanout      int           `toml:"indirect_probe_fanout"`

	// Entry repository / channel aggregate (spec §4.1)
	MaxBufferSizePerAuthor int `toml:"max_buffer_size_per_author"`
	MaxTotalBufferEntries  int `toml:"max_total_buffer_entries"`
	MaxPayloadBytes        int `toml:"max_payload_bytes"`

	// Gossip engine (spec §4.4)
	CongestionThreshold int           `toml:"congestion_threshold"`
	PendingRequestTTL   time.Duration `toml:"-"`
	PendingRequestTTLMs int64         `toml:"pending_request_ttl_ms"`
}

// Default returns the spec's default CoordinatorConfig (§4.1, §4.4, §4.5).
func Default() CoordinatorConfig {
	c := CoordinatorConfig{
		SuspicionThreshold:       5,
		UnreachableThreshold:     15,
		UnreachableProbeInterval: 5,
		StartupGracePeriodMs:     10_000,
		IndirectProbeFanout:      3,
		MaxBufferSizePerAuthor:   100,
		MaxTotalBufferEntries:    10_000,
		MaxPayloadBytes:          32 * 1024,
		CongestionThreshold:      10,
		PendingRequestTTLMs:      5_000,
	}
	c.resolveDurations()
	return c
}

func (c *CoordinatorConfig) resolveDurations() {
	c.StartupGracePeriod = time.Duration(c.StartupGracePeriodMs) * time.Millisecond
	c.PendingRequestTTL = time.Duration(c.PendingRequestTTLMs) * time.Millisecond
}

// Load reads a CoordinatorConfig from a TOML file, starting from Default()
// so unspecified fields keep the spec's defaults.
func Load(path string) (CoordinatorConfig, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return CoordinatorConfig{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	c.resolveDurations()
	return c, nil
}

// ApplyOverrides coerces a loosely-typed override map (as would come from
// environment variables or a host's own config layer) onto c, using go-conv
// so numeric strings, floats and ints are all accepted interchangeably.
// Unknown keys are ignored.
func (c *CoordinatorConfig) ApplyOverrides(overrides map[string]any) error {
	intField := func(dst *int, key string) error {
		v, ok := overrides[key]
		if !ok {
			return nil
		}
		n, err := conv.Int(v)
		if err != nil {
			return fmt.Errorf("config: override %s: %w", key, err)
		}
		*dst = n
		return nil
	}
	int64Field := func(dst *int64, key string) error {
		v, ok := overrides[key]
		if !ok {
			return nil
		}
		n, err := conv.Int64(v)
		if err != nil {
			return fmt.Errorf("config: override %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	for _, f := range []struct {
		dst *int
		key string
	}{
		{&c.SuspicionThreshold, "suspicion_threshold"},
		{&c.UnreachableThreshold, "unreachable_threshold"},
		{&c.UnreachableProbeInterval, "unreachable_probe_interval"},
		{&c.IndirectProbeFanout, "indirect_probe_fanout"},
		{&c.MaxBufferSizePerAuthor, "max_buffer_size_per_author"},
		{&c.MaxTotalBufferEntries, "max_total_buffer_entries"},
		{&c.MaxPayloadBytes, "max_payload_bytes"},
		{&c.CongestionThreshold, "congestion_threshold"},
	} {
		if err := intField(f.dst, f.key); err != nil {
			return err
		}
	}
	for _, f := range []struct {
		dst *int64
		key string
	}{
		{&c.StartupGracePeriodMs, "startup_grace_period_ms"},
		{&c.PendingRequestTTLMs, "pending_request_ttl_ms"},
	} {
		if err := int64Field(f.dst, f.key); err != nil {
			return err
		}
	}

	c.resolveDurations()
	return nil
}
