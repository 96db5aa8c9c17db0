// Package config loads the shipper configuration from defaults, an optional
// YAML file and environment variables, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/sofatutor/logshipper/internal/region"
	"github.com/sofatutor/logshipper/internal/sender"
	"github.com/sofatutor/logshipper/pkg/shipper"
)

// Environment variables read by ApplyEnv.
const (
	EnvPrivateKey    = "CORALOGIX_PRIVATE_KEY"
	EnvAppName       = "CORALOGIX_APP_NAME"
	EnvSubsystemName = "CORALOGIX_SUBSYSTEM_NAME"
	EnvRegion        = region.EnvVar
	EnvIngressURL    = "CORALOGIX_INGRESS_URL"
	EnvSyncTime      = "CORALOGIX_SYNC_TIME"
	EnvHTTPTimeout   = "CORALOGIX_HTTP_TIMEOUT"
	EnvSendRetries   = "CORALOGIX_SEND_RETRIES"
	EnvCompress      = "CORALOGIX_COMPRESS"
	EnvDebug         = "CORALOGIX_DEBUG"
	EnvLogLevel      = "LOG_LEVEL"
	EnvLogFormat     = "LOG_FORMAT"
	EnvLogFile       = "LOG_FILE"
)

// ErrPrivateKeyRequired is reported by Validate when no key is configured.
var ErrPrivateKeyRequired = errors.New("private key is required")

// Config holds everything needed to build and run a shipper.
type Config struct {
	// Identity and destination
	PrivateKey      string `yaml:"private_key"`
	ApplicationName string `yaml:"application_name"`
	SubsystemName   string `yaml:"subsystem_name"`
	Region          string `yaml:"region"`
	IngressURL      string `yaml:"ingress_url"`

	// Delivery
	SyncTime    bool          `yaml:"sync_time"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	SendRetries int           `yaml:"send_retries"`
	Compress    bool          `yaml:"compress"`

	// Internal diagnostics
	Debug     bool   `yaml:"debug"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		HTTPTimeout: sender.DefaultTimeout,
		SendRetries: sender.DefaultRetries,
		LogLevel:    "info",
		LogFormat:   "json",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile reads a YAML file over the defaults without consulting the
// environment or validating.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields with the environment variables that are set.
func (c *Config) ApplyEnv() {
	c.PrivateKey = EnvOrDefault(EnvPrivateKey, c.PrivateKey)
	c.ApplicationName = EnvOrDefault(EnvAppName, c.ApplicationName)
	c.SubsystemName = EnvOrDefault(EnvSubsystemName, c.SubsystemName)
	c.Region = EnvOrDefault(EnvRegion, c.Region)
	c.IngressURL = EnvOrDefault(EnvIngressURL, c.IngressURL)
	c.SyncTime = EnvBoolOrDefault(EnvSyncTime, c.SyncTime)
	c.HTTPTimeout = EnvDurationOrDefault(EnvHTTPTimeout, c.HTTPTimeout)
	c.SendRetries = EnvIntOrDefault(EnvSendRetries, c.SendRetries)
	c.Compress = EnvBoolOrDefault(EnvCompress, c.Compress)
	c.Debug = EnvBoolOrDefault(EnvDebug, c.Debug)
	c.LogLevel = EnvOrDefault(EnvLogLevel, c.LogLevel)
	c.LogFormat = EnvOrDefault(EnvLogFormat, c.LogFormat)
	c.LogFile = EnvOrDefault(EnvLogFile, c.LogFile)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if strings.TrimSpace(c.PrivateKey) == "" {
		result = multierror.Append(result, ErrPrivateKeyRequired)
	}
	if strings.TrimSpace(c.IngressURL) == "" {
		if _, err := region.Normalize(c.Region); err != nil {
			result = multierror.Append(result, err)
		}
	} else if u, err := url.Parse(c.IngressURL); err != nil || u.Scheme == "" || u.Host == "" {
		result = multierror.Append(result, fmt.Errorf("invalid ingress URL %q", c.IngressURL))
	}
	if c.HTTPTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("http timeout must not be negative, got %s", c.HTTPTimeout))
	}
	if c.SendRetries < 0 {
		result = multierror.Append(result, fmt.Errorf("send retries must not be negative, got %d", c.SendRetries))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		result = multierror.Append(result, fmt.Errorf("unsupported log format %q", c.LogFormat))
	}

	return result.ErrorOrNil()
}

// Shipper returns the Configure argument for a shipper.Manager.
func (c *Config) Shipper() shipper.Config {
	return shipper.Config{
		PrivateKey:      c.PrivateKey,
		ApplicationName: c.ApplicationName,
		SubsystemName:   c.SubsystemName,
		Region:          c.Region,
		IngressURL:      c.IngressURL,
		SyncTime:        c.SyncTime,
	}
}

// ShipperOptions returns the delivery options derived from c.
func (c *Config) ShipperOptions() []shipper.Option {
	return []shipper.Option{
		shipper.WithHTTPTimeout(c.HTTPTimeout),
		shipper.WithRetryPolicy(c.SendRetries, sender.DefaultRetryDelay),
		shipper.WithCompression(c.Compress),
	}
}
