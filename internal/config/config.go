// Package config loads the YAML run configuration and fills in defaults so
// every component receives one complete, immutable view of the run.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts either a Go duration string ("10s", "250ms") or a bare
// integer number of seconds in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		if secs, err := strconv.Atoi(s); err == nil {
			*d = Duration(time.Duration(secs) * time.Second)
			return nil
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the full run configuration.
type Config struct {
	Target     Target     `yaml:"target" json:"target"`
	Auth       Auth       `yaml:"auth" json:"auth"`
	Generation Generation `yaml:"generation" json:"generation"`
	Checks     Checks     `yaml:"checks" json:"checks"`
	Stateful   Stateful   `yaml:"stateful" json:"stateful"`
	Shrink     Shrink     `yaml:"shrink" json:"shrink"`
	Workers    int        `yaml:"workers" json:"workers"`
	Reporting  Reporting  `yaml:"reporting" json:"reporting"`
}

// Target names the API under test.
type Target struct {
	BaseURL string   `yaml:"base_url" json:"base_url"`
	Timeout Duration `yaml:"timeout" json:"timeout"` // per request
}

// Auth configures credentials injected into every request. The token never
// appears in reports.
type Auth struct {
	Type   string `yaml:"type" json:"type"` // none|bearer|basic|header
	Token  string `yaml:"token" json:"-"`   // AUTH_TOKEN env overrides
	Header string `yaml:"header" json:"header,omitempty"`
}

// Generation tunes the example engine.
type Generation struct {
	MaxExamples int `yaml:"max_examples" json:"max_examples"`
	// Seed 0 means "derive from the clock at startup"; the derived value is
	// recorded in the report so the run stays replayable.
	Seed         int64   `yaml:"seed" json:"seed"`
	Negative     bool    `yaml:"negative" json:"negative"`
	MaxErrorRate float64 `yaml:"max_error_rate" json:"max_error_rate"`
}

// Checks selects which response checks run. Empty Enabled means the built-in
// defaults; Disabled is subtracted afterwards.
type Checks struct {
	Enabled  []string `yaml:"enabled" json:"enabled,omitempty"`
	Disabled []string `yaml:"disabled" json:"disabled,omitempty"`
}

// Stateful configures link-chained sequences.
type Stateful struct {
	Enabled  bool `yaml:"enabled" json:"enabled"`
	MaxDepth int  `yaml:"max_depth" json:"max_depth"`
}

// Shrink configures failure minimization. Enabled left unset means on.
type Shrink struct {
	Enabled     *bool `yaml:"enabled" json:"enabled"`
	MaxAttempts int   `yaml:"max_attempts" json:"max_attempts"`
}

// Reporting configures where run reports land.
type Reporting struct {
	OutputDir string `yaml:"output_dir" json:"output_dir"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads the YAML configuration at path. A missing file yields the
// defaults; a present but unparsable file is an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if token := os.Getenv("AUTH_TOKEN"); token != "" {
		c.Auth.Token = token
	}

	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Target.Timeout == 0 {
		c.Target.Timeout = Duration(10 * time.Second)
	}
	if c.Auth.Type == "" {
		c.Auth.Type = "none"
	}
	if c.Generation.MaxExamples == 0 {
		c.Generation.MaxExamples = 100
	}
	if c.Generation.MaxErrorRate == 0 {
		c.Generation.MaxErrorRate = 0.25
	}
	if c.Stateful.MaxDepth == 0 {
		c.Stateful.MaxDepth = 5
	}
	if c.Shrink.Enabled == nil {
		on := true
		c.Shrink.Enabled = &on
	}
	if c.Shrink.MaxAttempts == 0 {
		c.Shrink.MaxAttempts = 256
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.Reporting.OutputDir == "" {
		c.Reporting.OutputDir = "reports"
	}
}

// ShrinkEnabled reports whether failure minimization is on.
func (c *Config) ShrinkEnabled() bool {
	return c.Shrink.Enabled == nil || *c.Shrink.Enabled
}

// Validate rejects configurations no component could act on. Called after
// flag overrides are applied.
func (c *Config) Validate() error {
	if c.Target.BaseURL == "" {
		return fmt.Errorf("target.base_url is required")
	}
	switch c.Auth.Type {
	case "none", "bearer", "basic":
	case "header":
		if c.Auth.Header == "" {
			return fmt.Errorf("auth.type \"header\" needs auth.header")
		}
	default:
		return fmt.Errorf("unknown auth.type %q", c.Auth.Type)
	}
	if c.Generation.MaxExamples < 1 {
		return fmt.Errorf("generation.max_examples must be at least 1")
	}
	if c.Generation.MaxErrorRate < 0 || c.Generation.MaxErrorRate > 1 {
		return fmt.Errorf("generation.max_error_rate must be within [0, 1]")
	}
	if c.Stateful.MaxDepth < 1 {
		return fmt.Errorf("stateful.max_depth must be at least 1")
	}
	if c.Shrink.MaxAttempts < 1 {
		return fmt.Errorf("shrink.max_attempts must be at least 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	return nil
}

// AuthHeaders renders the auth section as request headers. Basic credentials
// are given as "user:password" and encoded here.
func (c *Config) AuthHeaders() map[string]string {
	if c.Auth.Token == "" {
		return nil
	}
	switch c.Auth.Type {
	case "bearer":
		return map[string]string{"Authorization": "Bearer " + c.Auth.Token}
	case "basic":
		enc := base64.StdEncoding.EncodeToString([]byte(c.Auth.Token))
		return map[string]string{"Authorization": "Basic " + enc}
	case "header":
		return map[string]string{c.Auth.Header: c.Auth.Token}
	}
	return nil
}
