// Package config loads psiwatch configuration from a YAML file,
// environment variables and defaults, and builds the process logger.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/psiwatch/internal/engine"
	"github.com/zsiec/psiwatch/internal/source"
)

// Defaults filled in after decoding.
const (
	DefaultStatusAddr     = ":8090"
	DefaultSectionTimeout = 2 * time.Second
	DefaultLogMaxSizeMB   = 50
	DefaultLogMaxAgeDays  = 14
	DefaultLogMaxBackups  = 5
)

// Logs configures the optional rotating log file.
type Logs struct {
	Directory  string `yaml:"directory"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

// Config is the daemon configuration.
type Config struct {
	// Source is a file path, "-" for standard input, or an srt:// URL.
	Source         string        `yaml:"source"`
	Program        uint16        `yaml:"program"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	AcquireTimeout time.Duration `yaml:"acquireTimeout"`
	SectionTimeout time.Duration `yaml:"sectionTimeout"`
	StatusAddr     string        `yaml:"statusAddr"`
	// TablesOut, if set, receives the recording PAT and PMT as TS
	// packets each time the program map changes.
	TablesOut  string        `yaml:"tablesOut"`
	SRTLatency time.Duration `yaml:"srtLatency"`
	Logs       Logs          `yaml:"logs"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = engine.DefaultMaxAttempts
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = engine.DefaultAcquireTimeout
	}
	if c.SectionTimeout <= 0 {
		c.SectionTimeout = DefaultSectionTimeout
	}
	if c.StatusAddr == "" {
		c.StatusAddr = DefaultStatusAddr
	}
	if c.SRTLatency <= 0 {
		c.SRTLatency = source.DefaultSRTLatency
	}
	if c.Logs.MaxSizeMB <= 0 {
		c.Logs.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Logs.MaxAgeDays <= 0 {
		c.Logs.MaxAgeDays = DefaultLogMaxAgeDays
	}
	if c.Logs.MaxBackups <= 0 {
		c.Logs.MaxBackups = DefaultLogMaxBackups
	}
	c.Source = strings.TrimSpace(c.Source)
	c.Logs.Directory = strings.TrimSpace(c.Logs.Directory)
}

// Load reads path, fills defaults, and applies environment overrides.
// An empty path yields the defaults plus environment.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Source = envOr("PSIWATCH_SOURCE", c.Source)
	c.StatusAddr = envOr("STATUS_ADDR", c.StatusAddr)
	c.TablesOut = envOr("TABLES_OUT", c.TablesOut)
	c.Logs.Directory = envOr("LOG_DIR", c.Logs.Directory)
	if v := os.Getenv("PSIWATCH_PROGRAM"); v != "" {
		n, err := ParseProgram(v)
		if err != nil {
			return fmt.Errorf("config: PSIWATCH_PROGRAM: %w", err)
		}
		c.Program = n
	}
	return nil
}

// ParseProgram parses a program number in decimal or 0x-prefixed hex.
func ParseProgram(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("program number %q: %w", s, err)
	}
	return uint16(n), nil
}

// Validate reports settings the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Source == "" {
		errs = append(errs, errors.New("source is required"))
	}
	if c.Program == 0 {
		errs = append(errs, errors.New("program number must be non-zero"))
	}
	return errors.Join(errs...)
}

// EngineOptions returns the engine settings.
func (c Config) EngineOptions() engine.Options {
	return engine.Options{
		MaxAttempts:    c.MaxAttempts,
		AcquireTimeout: c.AcquireTimeout,
	}
}

// SourceOptions returns the source settings.
func (c Config) SourceOptions() source.Options {
	return source.Options{SRTLatency: c.SRTLatency}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
