// Package config loads the feedbridge YAML configuration: feed endpoint and
// tokens, rate limits, and the per-resource replication settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration wraps time.Duration so YAML values like "2s" parse naturally.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Feed holds upstream connection settings. Token values support ${ENV}
// expansion so secrets stay out of the file.
type Feed struct {
	BaseURL           string   `yaml:"base_url"`
	OpenToken         string   `yaml:"open_token"`
	RestrictedToken   string   `yaml:"restricted_token"`
	Timeout           Duration `yaml:"timeout"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	RequestsPerHour   int      `yaml:"requests_per_hour"`
}

// Child describes a dependent resource replicated alongside its parent.
type Child struct {
	Name           string   `yaml:"name"`
	Table          string   `yaml:"table"`
	KeyField       string   `yaml:"key_field"`
	TimestampField string   `yaml:"timestamp_field"`
	ConflictKey    string   `yaml:"conflict_key"`
	ForeignKey     string   `yaml:"foreign_key"`
	Columns        []string `yaml:"columns"`
}

// Resource describes one parent resource pipeline.
type Resource struct {
	Name           string   `yaml:"name"`
	Scope          string   `yaml:"scope"`
	Table          string   `yaml:"table"`
	KeyField       string   `yaml:"key_field"`
	TimestampField string   `yaml:"timestamp_field"`
	ConflictKey    string   `yaml:"conflict_key"`
	Columns        []string `yaml:"columns"`
	PageSize       int      `yaml:"page_size"`
	ChunkSize      int      `yaml:"chunk_size"`
	Throttle       Duration `yaml:"throttle"`
	KeyPageSize    int      `yaml:"key_page_size"`
	Children       []Child  `yaml:"children"`
}

// Config is the root of the YAML file.
type Config struct {
	Feed       Feed       `yaml:"feed"`
	EpochStart time.Time  `yaml:"epoch_start"`
	Resources  []Resource `yaml:"resources"`
}

// Defaults applied to zero-valued resource settings.
const (
	DefaultPageSize    = 1000
	DefaultChunkSize   = 200
	DefaultKeyPageSize = 5000
	DefaultThrottle    = time.Second
)

// Load reads, env-expands and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a config document. Split from Load for tests.
func Parse(raw []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := yaml.UnmarshalStrict([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.EpochStart.IsZero() {
		c.EpochStart = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	for i := range c.Resources {
		r := &c.Resources[i]
		if r.Scope == "" {
			r.Scope = "open"
		}
		if r.Table == "" {
			r.Table = r.Name
		}
		if r.ConflictKey == "" {
			r.ConflictKey = r.KeyField
		}
		if r.PageSize <= 0 {
			r.PageSize = DefaultPageSize
		}
		if r.ChunkSize <= 0 {
			r.ChunkSize = DefaultChunkSize
		}
		if r.KeyPageSize <= 0 {
			r.KeyPageSize = DefaultKeyPageSize
		}
		if r.Throttle <= 0 {
			r.Throttle = Duration(DefaultThrottle)
		}
		for j := range r.Children {
			ch := &r.Children[j]
			if ch.Table == "" {
				ch.Table = ch.Name
			}
			if ch.ConflictKey == "" {
				ch.ConflictKey = ch.KeyField
			}
			if ch.TimestampField == "" {
				ch.TimestampField = r.TimestampField
			}
		}
	}
}

func (c *Config) validate() error {
	if c.Feed.BaseURL == "" {
		return fmt.Errorf("feed.base_url is required")
	}
	if len(c.Resources) == 0 {
		return fmt.Errorf("at least one resource must be configured")
	}
	for _, r := range c.Resources {
		if r.Name == "" {
			return fmt.Errorf("resource name is required")
		}
		if r.KeyField == "" || r.TimestampField == "" {
			return fmt.Errorf("resource %q: key_field and timestamp_field are required", r.Name)
		}
		if len(r.Columns) == 0 {
			return fmt.Errorf("resource %q: columns allow-list is required", r.Name)
		}
		if r.Scope != "open" && r.Scope != "restricted" {
			return fmt.Errorf("resource %q: scope must be open or restricted, got %q", r.Name, r.Scope)
		}
		for _, ch := range r.Children {
			if ch.Name == "" || ch.KeyField == "" || ch.ForeignKey == "" {
				return fmt.Errorf("resource %q: children need name, key_field and foreign_key", r.Name)
			}
			if len(ch.Columns) == 0 {
				return fmt.Errorf("resource %q child %q: columns allow-list is required", r.Name, ch.Name)
			}
		}
	}
	return nil
}

// ResourceByName returns the named resource config, or nil.
func (c *Config) ResourceByName(name string) *Resource {
	for i := range c.Resources {
		if c.Resources[i].Name == name {
			return &c.Resources[i]
		}
	}
	return nil
}
