package config

import (
	"fmt"
	"time"

	"github.com/openkickstartai/nbcheck/diff"
	"github.com/openkickstartai/nbcheck/gateway"
)

// Config represents an nbcheck.yaml configuration file.
// All values are optional and act as defaults for nbcheck run flags.
// CLI flags always override config values.
type Config struct {
	Workers         int           `yaml:"workers"`
	CellTimeout     Duration      `yaml:"cell_timeout"`
	NotebookTimeout Duration      `yaml:"notebook_timeout"`
	StopOnError     bool          `yaml:"stop_on_error"`
	Kernel          string        `yaml:"kernel"`
	TranscriptDir   string        `yaml:"transcript_dir"`
	Report          string        `yaml:"report"`
	Gateway         GatewayConfig `yaml:"gateway"`
	Diff            DiffConfig    `yaml:"diff"`
	Storage         StorageConfig `yaml:"storage"`
	Adapter         AdapterConfig `yaml:"adapter"`
}

// GatewayConfig holds kernel gateway defaults from the config file.
// When URL is empty and no pool is defined, run starts an ephemeral
// Docker gateway.
type GatewayConfig struct {
	URL       string       `yaml:"url"`
	AuthToken string       `yaml:"auth_token"`
	Timeout   Duration     `yaml:"timeout,omitempty"`
	Retries   *int         `yaml:"retries,omitempty"`
	Docker    DockerConfig `yaml:"docker"`
	Pool      PoolConfig   `yaml:"pool"`
}

// DockerConfig holds ephemeral gateway container defaults.
type DockerConfig struct {
	Image        string   `yaml:"image"`
	HostPort     int      `yaml:"host_port"`
	StartTimeout Duration `yaml:"start_timeout,omitempty"`
	NoReuse      bool     `yaml:"no_reuse"`
}

// PoolConfig defines a pool of interchangeable gateways.
type PoolConfig struct {
	Strategy  string           `yaml:"strategy"`
	StickyTTL Duration         `yaml:"sticky_ttl,omitempty"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// EndpointConfig is one gateway endpoint within a pool.
type EndpointConfig struct {
	URL       string `yaml:"url"`
	AuthToken string `yaml:"auth_token,omitempty"`
}

// DiffConfig holds output comparison defaults from the config file.
type DiffConfig struct {
	IgnoreExecutionCount *bool           `yaml:"ignore_execution_count,omitempty"`
	IgnoreStderr         bool            `yaml:"ignore_stderr"`
	IgnoreBinary         bool            `yaml:"ignore_binary"`
	FloatTolerance       float64         `yaml:"float_tolerance"`
	IgnoreMetadataKeys   []string        `yaml:"ignore_metadata_keys"`
	ExtraPatterns        []PatternConfig `yaml:"extra_patterns"`
}

// PatternConfig is one user-supplied volatile-token rewrite.
type PatternConfig struct {
	Regexp      string `yaml:"regexp"`
	Placeholder string `yaml:"placeholder"`
}

// StorageConfig holds artifact storage defaults from the config file.
type StorageConfig struct {
	Backend     string `yaml:"backend"` // "fs" or "s3"
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// AdapterConfig holds notification adapter defaults from the config file.
type AdapterConfig struct {
	Type    string            `yaml:"type"` // "webhook" or "redis"
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Policy converts the diff section to a compiled comparison policy,
// starting from DefaultPolicy so unset keys keep their defaults.
func (c *DiffConfig) Policy() (diff.Policy, error) {
	policy := diff.DefaultPolicy()
	if c.IgnoreExecutionCount != nil {
		policy.IgnoreExecutionCount = *c.IgnoreExecutionCount
	}
	policy.IgnoreStderr = c.IgnoreStderr
	policy.IgnoreBinary = c.IgnoreBinary
	policy.FloatTolerance = c.FloatTolerance
	policy.IgnoreMetadataKeys = c.IgnoreMetadataKeys
	for _, pc := range c.ExtraPatterns {
		if pc.Placeholder == "" {
			return diff.Policy{}, fmt.Errorf("extra pattern %q has no placeholder", pc.Regexp)
		}
		p, err := diff.CompilePattern(pc.Regexp, pc.Placeholder)
		if err != nil {
			return diff.Policy{}, err
		}
		policy.ExtraPatterns = append(policy.ExtraPatterns, p)
	}
	return policy, nil
}

// EndpointPool converts the pool section to a gateway pool. Returns a
// zero pool when no endpoints are configured.
func (c *PoolConfig) EndpointPool() gateway.EndpointPool {
	pool := gateway.EndpointPool{
		Strategy:  gateway.Strategy(c.Strategy),
		StickyTTL: c.StickyTTL.Duration,
	}
	for _, ep := range c.Endpoints {
		pool.Endpoints = append(pool.Endpoints, gateway.Endpoint{
			URL:       ep.URL,
			AuthToken: ep.AuthToken,
		})
	}
	return pool
}
