// Package config loads the daemon settings. The file mirrors the device's
// config.json, which YAML reads as-is.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yuya-takeyama/datalog-sync/internal/checksum"
)

// ErrInvalid is returned by Validate
var ErrInvalid = errors.New("invalid config")

// EndpointTypes are the accepted ENDPOINT_TYPE values
var EndpointTypes = []string{"s3", "gcs", "minio", "dir", "smb"}

// Config holds every setting of the daemon
type Config struct {
	Schedule            string `yaml:"SCHEDULE"`
	Endpoint            string `yaml:"ENDPOINT"`
	EndpointType        string `yaml:"ENDPOINT_TYPE"`
	EndpointUser        string `yaml:"ENDPOINT_USER"`
	EndpointPass        string `yaml:"ENDPOINT_PASS"`
	EndpointRegion      string `yaml:"ENDPOINT_REGION"`
	EndpointCredentials string `yaml:"ENDPOINT_CREDENTIALS"`

	CardRoot           string        `yaml:"card_root"`
	DatalogDir         string        `yaml:"datalog_dir"`
	StateFile          string        `yaml:"state_file"`
	Checksum           string        `yaml:"checksum"`
	Exclude            []string      `yaml:"exclude"`
	RootFiles          []string      `yaml:"root_files"`
	Interval           time.Duration `yaml:"interval"`
	RetryWarnThreshold int           `yaml:"retry_warn_threshold"`
	LogLevel           string        `yaml:"log_level"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		CardRoot:           "/mnt/sd",
		DatalogDir:         "/DATALOG",
		StateFile:          "/.upload_state.json",
		Checksum:           string(checksum.XXHash),
		RootFiles:          []string{"identification.json", "identification.crc", "STR.edf", "SRT.edf"},
		Interval:           10 * time.Second,
		RetryWarnThreshold: 5,
		LogLevel:           "info",
	}
}

// Load reads path on top of the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.EndpointType = strings.ToLower(strings.TrimSpace(cfg.EndpointType))

	return cfg, nil
}

// Validate checks the settings a sync pass depends on
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: ENDPOINT is required", ErrInvalid)
	}
	if !knownEndpointType(c.EndpointType) {
		return fmt.Errorf("%w: unknown ENDPOINT_TYPE %q (supported: %s)",
			ErrInvalid, c.EndpointType, strings.Join(EndpointTypes, ", "))
	}
	if c.CardRoot == "" {
		return fmt.Errorf("%w: card_root is required", ErrInvalid)
	}
	if !strings.HasPrefix(c.DatalogDir, "/") {
		return fmt.Errorf("%w: datalog_dir must be absolute within the card: %q", ErrInvalid, c.DatalogDir)
	}
	if !strings.HasPrefix(c.StateFile, "/") {
		return fmt.Errorf("%w: state_file must be absolute within the card: %q", ErrInvalid, c.StateFile)
	}
	if _, err := checksum.New(checksum.Algorithm(c.Checksum)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.RetryWarnThreshold < 0 {
		return fmt.Errorf("%w: retry_warn_threshold must not be negative", ErrInvalid)
	}
	if _, err := c.schedule(); err != nil {
		return err
	}
	return nil
}

// EffectiveInterval is SCHEDULE when it parses as a duration, otherwise interval
func (c *Config) EffectiveInterval() time.Duration {
	if d, err := c.schedule(); err == nil && d > 0 {
		return d
	}
	if c.Interval > 0 {
		return c.Interval
	}
	return Default().Interval
}

func (c *Config) schedule() (time.Duration, error) {
	if c.Schedule == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Schedule)
	if err != nil {
		return 0, fmt.Errorf("%w: SCHEDULE %q is not a duration: %w", ErrInvalid, c.Schedule, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: SCHEDULE must be positive", ErrInvalid)
	}
	return d, nil
}

func knownEndpointType(t string) bool {
	for _, known := range EndpointTypes {
		if t == known {
			return true
		}
	}
	return false
}
