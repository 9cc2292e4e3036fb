// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for carmailer runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names.
const (
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
	ProviderStdout = "stdout"
)

// Defaults applied before the YAML file and the environment.
const (
	defaultProvider   = ProviderSMTP
	defaultTLSPolicy  = "opportunistic"
	defaultTimeout    = 30 * time.Second
	defaultBatchSize  = 100
	defaultBatchDelay = 3600 * time.Second
	defaultBodyType   = "auto"
	defaultUserAgent  = "carmailer"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete application configuration.
type Config struct {
	Provider string        `yaml:"provider"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	SES      SESConfig     `yaml:"ses"`
	Graph    GraphConfig   `yaml:"graph"`
	Batch    BatchConfig   `yaml:"batch"`
	Message  MessageConfig `yaml:"message"`
	Archive  ArchiveConfig `yaml:"archive"`
	Logging  LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds the relay address and credentials.
type SMTPConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	TLSPolicy     string        `yaml:"tls_policy"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify"`
	TLSCAFile     string        `yaml:"tls_ca_file"`
	Timeout       time.Duration `yaml:"timeout"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// BatchConfig holds the throttling settings.
type BatchConfig struct {
	Size  int           `yaml:"size"`
	Delay time.Duration `yaml:"delay"`
}

// MessageConfig holds header and content defaults shared by every message.
type MessageConfig struct {
	From      string `yaml:"from"`
	IDDomain  string `yaml:"id_domain"`
	UserAgent string `yaml:"user_agent"`
	Charset   string `yaml:"charset"`
	BodyType  string `yaml:"body_type"`
}

// ArchiveConfig holds the .eml output target.
type ArchiveConfig struct {
	// OutputFolder is a local directory or an s3://bucket/prefix URL.
	OutputFolder string `yaml:"output_folder"`
	S3Region     string `yaml:"s3_region"`
	S3Endpoint   string `yaml:"s3_endpoint"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// AuthEnabled returns true if an SMTP username is set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != ""
}

// Validate checks the settings that cannot be corrected later. It is called
// after command-line overrides have been applied.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderSMTP:
		if c.SMTP.Host == "" {
			return fmt.Errorf("%w: smtp host is required", ErrInvalidConfig)
		}
		if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
			return fmt.Errorf("%w: invalid smtp port %d", ErrInvalidConfig, c.SMTP.Port)
		}
		switch c.SMTP.TLSPolicy {
		case "mandatory", "opportunistic", "none":
		default:
			return fmt.Errorf("%w: unknown TLS policy %q", ErrInvalidConfig, c.SMTP.TLSPolicy)
		}
	case ProviderSES:
		if c.SES.Region == "" {
			return fmt.Errorf("%w: ses region is required", ErrInvalidConfig)
		}
	case ProviderGraph:
		if !c.GraphConfigured() {
			return fmt.Errorf("%w: graph requires tenant_id, client_id, client_secret and sender", ErrInvalidConfig)
		}
	case ProviderStdout:
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, c.Provider)
	}

	if c.Batch.Size <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, c.Batch.Size)
	}
	if c.Batch.Delay < 0 {
		return fmt.Errorf("%w: batch delay must not be negative", ErrInvalidConfig)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Provider = defaultProvider
	c.SMTP.TLSPolicy = defaultTLSPolicy
	c.SMTP.Timeout = defaultTimeout
	c.Batch.Size = defaultBatchSize
	c.Batch.Delay = defaultBatchDelay
	c.Message.UserAgent = defaultUserAgent
	c.Message.BodyType = defaultBodyType
	c.Logging.Level = "info"
	c.Logging.Format = "json"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; values that
// fail to parse are ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = port
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_TLS_POLICY"); v != "" {
		c.SMTP.TLSPolicy = strings.ToLower(v)
	}
	if v := os.Getenv("SMTP_TLS_SKIP_VERIFY"); v != "" {
		if skip, err := strconv.ParseBool(v); err == nil {
			c.SMTP.TLSSkipVerify = skip
		}
	}
	if v := os.Getenv("SMTP_TLS_CA_FILE"); v != "" {
		c.SMTP.TLSCAFile = v
	}
	if v := os.Getenv("SMTP_TIMEOUT"); v != "" {
		if d, ok := parseDuration(v); ok {
			c.SMTP.Timeout = d
		}
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_CONFIGURATION_SET"); v != "" {
		c.SES.ConfigurationSet = v
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Graph.Sender = v
	}

	if v := os.Getenv("BATCH_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			c.Batch.Size = size
		}
	}
	if v := os.Getenv("BATCH_DELAY"); v != "" {
		if d, ok := parseDuration(v); ok {
			c.Batch.Delay = d
		}
	}

	if v := os.Getenv("MESSAGE_FROM"); v != "" {
		c.Message.From = v
	}
	if v := os.Getenv("MESSAGE_ID_DOMAIN"); v != "" {
		c.Message.IDDomain = v
	}
	if v := os.Getenv("MESSAGE_USER_AGENT"); v != "" {
		c.Message.UserAgent = v
	}
	if v := os.Getenv("MESSAGE_CHARSET"); v != "" {
		c.Message.Charset = v
	}
	if v := os.Getenv("MESSAGE_BODY_TYPE"); v != "" {
		c.Message.BodyType = strings.ToLower(v)
	}

	if v := os.Getenv("OUTPUT_FOLDER"); v != "" {
		c.Archive.OutputFolder = v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		c.Archive.S3Region = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		c.Archive.S3Endpoint = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
}

// parseDuration accepts a Go duration ("90s", "1h") or a bare number of
// seconds.
func parseDuration(v string) (time.Duration, bool) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	return 0, false
}
