// Package config loads the deployment configuration from a YAML file with
// environment overrides for secrets and per-environment settings.
package config

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/keychest/keychest/internal/audit"
	"github.com/keychest/keychest/kmswrap"
	"github.com/keychest/keychest/s3store"
)

// Config is the root of the configuration file.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Store    StoreConfig   `yaml:"store"`
	KMS      KMSConfig     `yaml:"kms"`
	Audit    AuditConfig   `yaml:"audit"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// StoreConfig configures the object store connection and repository.
type StoreConfig struct {
	Provider     string `yaml:"provider"`
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`

	Bucket                string           `yaml:"bucket"`
	KeyPrefix             string           `yaml:"key_prefix"`
	MaxFetchConcurrency   int              `yaml:"max_fetch_concurrency"`
	StorageClass          string           `yaml:"storage_class"`
	DisableCompression    bool             `yaml:"disable_compression"`
	DisableIntegrityCheck bool             `yaml:"disable_integrity_check"`
	ValidateETag          bool             `yaml:"validate_etag"`
	Encryption            EncryptionConfig `yaml:"encryption"`
}

// EncryptionConfig selects the at-rest encryption mode for stored key
// documents. Exactly one mode applies; key material for a mode other than
// the selected one is rejected.
type EncryptionConfig struct {
	// Mode is one of none, sse-s3, sse-kms or sse-c. Empty means none.
	Mode string `yaml:"mode"`

	KMSKeyID       string `yaml:"kms_key_id"`
	CustomerKey    string `yaml:"customer_key"`
	CustomerKeyMD5 string `yaml:"customer_key_md5"`
}

// KMSConfig configures the envelope encryption engine. An empty key id
// disables envelope encryption entirely.
type KMSConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`

	KeyID             string            `yaml:"key_id"`
	EncryptionContext map[string]string `yaml:"encryption_context"`
	GrantTokens       []string          `yaml:"grant_tokens"`

	DisableDiscriminatorBinding bool `yaml:"disable_discriminator_binding"`
	DisableDiscriminatorHashing bool `yaml:"disable_discriminator_hashing"`
}

// AuditConfig mirrors audit.Config with file-friendly duration strings.
type AuditConfig struct {
	Enabled            bool       `yaml:"enabled"`
	MaxEvents          int        `yaml:"max_events"`
	RedactMetadataKeys []string   `yaml:"redact_metadata_keys"`
	Sink               SinkConfig `yaml:"sink"`
}

// SinkConfig configures the audit event sink.
type SinkConfig struct {
	Type          string            `yaml:"type"`
	Endpoint      string            `yaml:"endpoint"`
	Headers       map[string]string `yaml:"headers"`
	FilePath      string            `yaml:"file_path"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"`
	RetryCount    int               `yaml:"retry_count"`
	RetryBackoff  string            `yaml:"retry_backoff"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Listen            string `yaml:"listen"`
	EnableBucketLabel bool   `yaml:"enable_bucket_label"`
}

// Default returns the configuration used when the file omits a setting.
func Default() Config {
	return Config{
		LogLevel: "info",
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9090",
		},
	}
}

// Load reads, decodes and validates the configuration file. Unknown fields
// are rejected so typos fail fast instead of silently using defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides file values with KEYCHEST_* environment variables, so
// secrets stay out of the config file.
func (c *Config) applyEnv() {
	envOverride(&c.LogLevel, "KEYCHEST_LOG_LEVEL")
	envOverride(&c.Store.Provider, "KEYCHEST_STORE_PROVIDER")
	envOverride(&c.Store.Endpoint, "KEYCHEST_STORE_ENDPOINT")
	envOverride(&c.Store.Region, "KEYCHEST_STORE_REGION")
	envOverride(&c.Store.AccessKey, "KEYCHEST_STORE_ACCESS_KEY")
	envOverride(&c.Store.SecretKey, "KEYCHEST_STORE_SECRET_KEY")
	envOverride(&c.Store.Bucket, "KEYCHEST_STORE_BUCKET")
	envOverride(&c.KMS.KeyID, "KEYCHEST_KMS_KEY_ID")
}

func envOverride(target *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*target = v
	}
}

// Validate checks the whole configuration, including the engine configs
// derived from it.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if _, err := c.Store.RepositoryConfig(); err != nil {
		return err
	}
	if c.KMS.KeyID != "" {
		if err := c.KMS.EngineConfig().Validate(); err != nil {
			return err
		}
	}
	if _, err := c.Audit.LoggerConfig(); err != nil {
		return err
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	return nil
}

// ApplyLogLevel sets the configured level on logger.
func (c *Config) ApplyLogLevel(logger *logrus.Logger) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

// ClientConfig builds the object store connection settings.
func (s StoreConfig) ClientConfig() s3store.ClientConfig {
	return s3store.ClientConfig{
		Provider:     s.Provider,
		Endpoint:     s.Endpoint,
		Region:       s.Region,
		AccessKey:    s.AccessKey,
		SecretKey:    s.SecretKey,
		UsePathStyle: s.UsePathStyle,
	}
}

// RepositoryConfig builds and validates the repository configuration.
func (s StoreConfig) RepositoryConfig() (s3store.Config, error) {
	enc, err := s.Encryption.mode()
	if err != nil {
		return s3store.Config{}, err
	}
	if s.StorageClass != "" && !validStorageClass(s.StorageClass) {
		return s3store.Config{}, fmt.Errorf("unknown storage class %q", s.StorageClass)
	}

	cfg := s3store.Config{
		Bucket:                s.Bucket,
		KeyPrefix:             s.KeyPrefix,
		MaxFetchConcurrency:   s.MaxFetchConcurrency,
		StorageClass:          types.StorageClass(s.StorageClass),
		Encryption:            enc,
		DisableCompression:    s.DisableCompression,
		DisableIntegrityCheck: s.DisableIntegrityCheck,
		ValidateETag:          s.ValidateETag,
	}
	if err := cfg.Validate(); err != nil {
		return s3store.Config{}, err
	}
	return cfg, nil
}

func validStorageClass(class string) bool {
	for _, known := range types.StorageClassStandard.Values() {
		if string(known) == class {
			return true
		}
	}
	return false
}

func (e EncryptionConfig) mode() (s3store.Encryption, error) {
	mode := strings.ToLower(e.Mode)
	switch mode {
	case "", "none":
		if e.KMSKeyID != "" || e.CustomerKey != "" {
			return nil, fmt.Errorf("encryption mode %q does not take key material", mode)
		}
		return s3store.NoEncryption{}, nil
	case "sse-s3":
		if e.KMSKeyID != "" || e.CustomerKey != "" {
			return nil, fmt.Errorf("encryption mode sse-s3 does not take key material")
		}
		return s3store.ServerSideEncryption{}, nil
	case "sse-kms":
		if e.CustomerKey != "" || e.CustomerKeyMD5 != "" {
			return nil, fmt.Errorf("encryption mode sse-kms does not take a customer key")
		}
		return s3store.KMSEncryption{KeyID: e.KMSKeyID}, nil
	case "sse-c":
		if e.KMSKeyID != "" {
			return nil, fmt.Errorf("encryption mode sse-c does not take a KMS key")
		}
		if e.CustomerKeyMD5 == "" {
			raw, err := base64.StdEncoding.DecodeString(e.CustomerKey)
			if err != nil {
				return nil, fmt.Errorf("customer key is not valid base64")
			}
			return s3store.NewCustomerKeyEncryption(raw), nil
		}
		return s3store.CustomerKeyEncryption{Key: e.CustomerKey, KeyMD5: e.CustomerKeyMD5}, nil
	default:
		return nil, fmt.Errorf("unknown encryption mode %q", e.Mode)
	}
}

// ClientConfig builds the KMS connection settings.
func (k KMSConfig) ClientConfig() kmswrap.ClientConfig {
	return kmswrap.ClientConfig{
		Endpoint:  k.Endpoint,
		Region:    k.Region,
		AccessKey: k.AccessKey,
		SecretKey: k.SecretKey,
	}
}

// EngineConfig builds the envelope encryption engine configuration.
func (k KMSConfig) EngineConfig() kmswrap.Config {
	cfg := kmswrap.NewConfig(k.KeyID)
	for key, value := range k.EncryptionContext {
		cfg.EncryptionContext[key] = value
	}
	cfg.GrantTokens = k.GrantTokens
	cfg.BindDiscriminator = !k.DisableDiscriminatorBinding
	cfg.HashDiscriminator = !k.DisableDiscriminatorHashing
	return cfg
}

// LoggerConfig builds the audit configuration, parsing duration strings.
func (a AuditConfig) LoggerConfig() (audit.Config, error) {
	cfg := audit.Config{
		Enabled:            a.Enabled,
		MaxEvents:          a.MaxEvents,
		RedactMetadataKeys: a.RedactMetadataKeys,
		Sink: audit.SinkConfig{
			Type:       a.Sink.Type,
			Endpoint:   a.Sink.Endpoint,
			Headers:    a.Sink.Headers,
			FilePath:   a.Sink.FilePath,
			BatchSize:  a.Sink.BatchSize,
			RetryCount: a.Sink.RetryCount,
		},
	}

	var err error
	cfg.Sink.FlushInterval, err = parseDuration(a.Sink.FlushInterval, "audit flush interval")
	if err != nil {
		return audit.Config{}, err
	}
	cfg.Sink.RetryBackoff, err = parseDuration(a.Sink.RetryBackoff, "audit retry backoff")
	if err != nil {
		return audit.Config{}, err
	}
	return cfg, nil
}

func parseDuration(s, what string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return d, nil
}
