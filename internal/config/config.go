package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend types.
const (
	BackendAzure = "azure"
	BackendS3    = "s3"
)

// Key provider types.
const (
	KeyProviderSymmetric = "symmetric"
	KeyProviderPassword  = "password"
	KeyProviderRSA       = "rsa"
	KeyProviderKMS       = "kms"
	KeyProviderVault     = "vault"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string           `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string           `yaml:"log_level" env:"LOG_LEVEL"`
	Logging    LoggingConfig    `yaml:"logging"`
	Backend    BackendConfig    `yaml:"backend"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Audit      AuditConfig      `yaml:"audit"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	TLS        TLSConfig        `yaml:"tls"`
	Server     ServerConfig     `yaml:"server"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// LoggingConfig holds access log settings.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// BackendConfig selects and configures the blob store.
type BackendConfig struct {
	Type  string      `yaml:"type" env:"BACKEND_TYPE"` // azure or s3
	Azure AzureConfig `yaml:"azure"`
	S3    S3Config    `yaml:"s3"`
}

// AzureConfig holds Azure Blob Storage settings. Either an account key or a
// SAS token authenticates requests.
type AzureConfig struct {
	AccountName  string        `yaml:"account_name" env:"AZURE_STORAGE_ACCOUNT"`
	AccountKey   string        `yaml:"account_key" env:"AZURE_STORAGE_KEY"`
	SASToken     string        `yaml:"sas_token" env:"AZURE_STORAGE_SAS_TOKEN"`
	ServiceURL   string        `yaml:"service_url" env:"AZURE_STORAGE_SERVICE_URL"` // defaults to https://<account>.blob.core.windows.net/
	MaxRetries   int           `yaml:"max_retries" env:"AZURE_MAX_RETRIES"`
	RetryWaitMin time.Duration `yaml:"retry_wait_min" env:"AZURE_RETRY_WAIT_MIN"`
	RetryWaitMax time.Duration `yaml:"retry_wait_max" env:"AZURE_RETRY_WAIT_MAX"`
	BlockSize    int64         `yaml:"block_size" env:"AZURE_BLOCK_SIZE"`
	Concurrency  int           `yaml:"concurrency" env:"AZURE_CONCURRENCY"`
}

// S3Config holds S3 backend configuration.
type S3Config struct {
	Endpoint     string `yaml:"endpoint" env:"S3_ENDPOINT"`
	Region       string `yaml:"region" env:"S3_REGION"`
	AccessKey    string `yaml:"access_key" env:"S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"use_path_style" env:"S3_USE_PATH_STYLE"`
}

// EncryptionConfig holds encryption-related configuration.
type EncryptionConfig struct {
	// RequireEncryption rejects downloads of blobs without encryption metadata.
	RequireEncryption bool `yaml:"require_encryption" env:"ENCRYPTION_REQUIRE"`
	// KeyWrapAlgorithm overrides the key provider's default wrap algorithm.
	KeyWrapAlgorithm string `yaml:"key_wrap_algorithm" env:"ENCRYPTION_KEY_WRAP_ALGORITHM"`
	ChunkSize        int    `yaml:"chunk_size" env:"ENCRYPTION_CHUNK_SIZE"`
	// KeyProvider wraps the content keys of new uploads.
	KeyProvider KeyProviderConfig `yaml:"key_provider"`
	// AdditionalKeys can unwrap existing blobs, e.g. keys retired by rotation.
	AdditionalKeys []KeyProviderConfig `yaml:"additional_keys"`
	ResolverCache  ResolverCacheConfig `yaml:"resolver_cache"`
}

// KeyProviderConfig describes one key encryption key.
type KeyProviderConfig struct {
	Type  string `yaml:"type" env:"KEY_PROVIDER_TYPE"`
	KeyID string `yaml:"key_id" env:"KEY_PROVIDER_KEY_ID"`

	// symmetric: base64 key material inline or in a file.
	Key     string `yaml:"key" env:"KEY_PROVIDER_KEY"`
	KeyFile string `yaml:"key_file" env:"KEY_PROVIDER_KEY_FILE"`

	// password
	Password string `yaml:"password" env:"KEY_PROVIDER_PASSWORD"`

	// rsa: PEM private or public key.
	PEMFile string `yaml:"pem_file" env:"KEY_PROVIDER_PEM_FILE"`

	KMS   KMSConfig   `yaml:"kms"`
	Vault VaultConfig `yaml:"vault"`
}

// KMSConfig holds AWS KMS settings.
type KMSConfig struct {
	Region          string        `yaml:"region" env:"KMS_REGION"`
	Endpoint        string        `yaml:"endpoint" env:"KMS_ENDPOINT"`
	AccessKeyID     string        `yaml:"access_key_id" env:"KMS_ACCESS_KEY_ID"`
	SecretAccessKey string        `yaml:"secret_access_key" env:"KMS_SECRET_ACCESS_KEY"`
	Timeout         time.Duration `yaml:"timeout" env:"KMS_TIMEOUT"`
}

// VaultConfig holds Vault transit settings. The key id is the transit key name.
type VaultConfig struct {
	Address   string        `yaml:"address" env:"VAULT_ADDR"`
	Token     string        `yaml:"token" env:"VAULT_TOKEN"`
	Namespace string        `yaml:"namespace" env:"VAULT_NAMESPACE"`
	MountPath string        `yaml:"mount_path" env:"VAULT_TRANSIT_MOUNT"`
	Timeout   time.Duration `yaml:"timeout" env:"VAULT_TIMEOUT"`
}

// ResolverCacheConfig configures caching of resolved key providers.
type ResolverCacheConfig struct {
	Enabled  bool          `yaml:"enabled" env:"RESOLVER_CACHE_ENABLED"`
	TTL      time.Duration `yaml:"ttl" env:"RESOLVER_CACHE_TTL"`
	MaxItems int           `yaml:"max_items" env:"RESOLVER_CACHE_MAX_ITEMS"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	// AllowedContainers limits the containers reachable through the gateway; empty allows all.
	AllowedContainers []string `yaml:"allowed_containers" env:"SERVER_ALLOWED_CONTAINERS"`
	// MaxUploadBytes bounds request bodies; zero means unlimited.
	MaxUploadBytes int64 `yaml:"max_upload_bytes" env:"SERVER_MAX_UPLOAD_BYTES"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Path    string `yaml:"path" env:"METRICS_PATH"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, otlp
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	OtlpInsecure    bool    `yaml:"otlp_insecure" env:"TRACING_OTLP_INSECURE"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// Default returns the configuration used before the file and environment are applied.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "x-ms-copy-source-authorization", "x-amz-security-token"},
		},
		Backend: BackendConfig{
			Type: BackendAzure,
			Azure: AzureConfig{
				MaxRetries:   3,
				RetryWaitMin: 500 * time.Millisecond,
				RetryWaitMax: 10 * time.Second,
				BlockSize:    4 * 1024 * 1024,
				Concurrency:  4,
			},
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Encryption: EncryptionConfig{
			ChunkSize: 64 * 1024,
			ResolverCache: ResolverCacheConfig{
				Enabled:  true,
				TTL:      5 * time.Minute,
				MaxItems: 100,
			},
		},
		Server: ServerConfig{
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
			ShutdownTimeout:   30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "blob-encryption-gateway",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envList(name string, dst *[]string) {
	if v := os.Getenv(name); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	envString("LISTEN_ADDR", &config.ListenAddr)
	envString("LOG_LEVEL", &config.LogLevel)
	envString("LOGGING_ACCESS_LOG_FORMAT", &config.Logging.AccessLogFormat)
	envList("LOGGING_REDACT_HEADERS", &config.Logging.RedactHeaders)

	envString("BACKEND_TYPE", &config.Backend.Type)
	az := &config.Backend.Azure
	envString("AZURE_STORAGE_ACCOUNT", &az.AccountName)
	envString("AZURE_STORAGE_KEY", &az.AccountKey)
	envString("AZURE_STORAGE_SAS_TOKEN", &az.SASToken)
	envString("AZURE_STORAGE_SERVICE_URL", &az.ServiceURL)
	envInt("AZURE_MAX_RETRIES", &az.MaxRetries)
	envDuration("AZURE_RETRY_WAIT_MIN", &az.RetryWaitMin)
	envDuration("AZURE_RETRY_WAIT_MAX", &az.RetryWaitMax)
	if v := os.Getenv("AZURE_BLOCK_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			az.BlockSize = n
		}
	}
	envInt("AZURE_CONCURRENCY", &az.Concurrency)

	s3 := &config.Backend.S3
	envString("S3_ENDPOINT", &s3.Endpoint)
	envString("S3_REGION", &s3.Region)
	envString("S3_ACCESS_KEY", &s3.AccessKey)
	envString("S3_SECRET_KEY", &s3.SecretKey)
	envBool("S3_USE_PATH_STYLE", &s3.UsePathStyle)

	enc := &config.Encryption
	envBool("ENCRYPTION_REQUIRE", &enc.RequireEncryption)
	envString("ENCRYPTION_KEY_WRAP_ALGORITHM", &enc.KeyWrapAlgorithm)
	envInt("ENCRYPTION_CHUNK_SIZE", &enc.ChunkSize)

	kp := &enc.KeyProvider
	envString("KEY_PROVIDER_TYPE", &kp.Type)
	envString("KEY_PROVIDER_KEY_ID", &kp.KeyID)
	envString("KEY_PROVIDER_KEY", &kp.Key)
	envString("KEY_PROVIDER_KEY_FILE", &kp.KeyFile)
	envString("KEY_PROVIDER_PASSWORD", &kp.Password)
	envString("KEY_PROVIDER_PEM_FILE", &kp.PEMFile)
	envString("KMS_REGION", &kp.KMS.Region)
	envString("KMS_ENDPOINT", &kp.KMS.Endpoint)
	envString("KMS_ACCESS_KEY_ID", &kp.KMS.AccessKeyID)
	envString("KMS_SECRET_ACCESS_KEY", &kp.KMS.SecretAccessKey)
	envDuration("KMS_TIMEOUT", &kp.KMS.Timeout)
	envString("VAULT_ADDR", &kp.Vault.Address)
	envString("VAULT_TOKEN", &kp.Vault.Token)
	envString("VAULT_NAMESPACE", &kp.Vault.Namespace)
	envString("VAULT_TRANSIT_MOUNT", &kp.Vault.MountPath)
	envDuration("VAULT_TIMEOUT", &kp.Vault.Timeout)

	envBool("RESOLVER_CACHE_ENABLED", &enc.ResolverCache.Enabled)
	envDuration("RESOLVER_CACHE_TTL", &enc.ResolverCache.TTL)
	envInt("RESOLVER_CACHE_MAX_ITEMS", &enc.ResolverCache.MaxItems)

	envBool("TLS_ENABLED", &config.TLS.Enabled)
	envString("TLS_CERT_FILE", &config.TLS.CertFile)
	envString("TLS_KEY_FILE", &config.TLS.KeyFile)

	envDuration("SERVER_READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envDuration("SERVER_READ_HEADER_TIMEOUT", &config.Server.ReadHeaderTimeout)
	envInt("SERVER_MAX_HEADER_BYTES", &config.Server.MaxHeaderBytes)
	envDuration("SERVER_SHUTDOWN_TIMEOUT", &config.Server.ShutdownTimeout)
	envList("SERVER_ALLOWED_CONTAINERS", &config.Server.AllowedContainers)
	if v := os.Getenv("SERVER_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			config.Server.MaxUploadBytes = n
		}
	}

	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	envInt("RATE_LIMIT_REQUESTS", &config.RateLimit.Limit)
	envDuration("RATE_LIMIT_WINDOW", &config.RateLimit.Window)

	envBool("AUDIT_ENABLED", &config.Audit.Enabled)
	envInt("AUDIT_MAX_EVENTS", &config.Audit.MaxEvents)

	envBool("METRICS_ENABLED", &config.Metrics.Enabled)
	envString("METRICS_PATH", &config.Metrics.Path)

	envBool("TRACING_ENABLED", &config.Tracing.Enabled)
	envString("TRACING_SERVICE_NAME", &config.Tracing.ServiceName)
	envString("TRACING_SERVICE_VERSION", &config.Tracing.ServiceVersion)
	envString("TRACING_EXPORTER", &config.Tracing.Exporter)
	envString("TRACING_OTLP_ENDPOINT", &config.Tracing.OtlpEndpoint)
	envBool("TRACING_OTLP_INSECURE", &config.Tracing.OtlpInsecure)
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	envBool("TRACING_REDACT_SENSITIVE", &config.Tracing.RedactSensitive)
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	if err := c.Backend.Validate(); err != nil {
		return err
	}
	if err := c.Encryption.Validate(); err != nil {
		return err
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive when rate limiting is enabled")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		switch c.Tracing.Exporter {
		case "stdout":
		case "otlp":
			if c.Tracing.OtlpEndpoint == "" {
				return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
			}
		default:
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Validate checks the backend section.
func (b *BackendConfig) Validate() error {
	switch b.Type {
	case BackendAzure:
		if b.Azure.AccountName == "" && b.Azure.ServiceURL == "" {
			return fmt.Errorf("backend.azure.account_name or backend.azure.service_url is required")
		}
		if b.Azure.AccountKey != "" && b.Azure.SASToken != "" {
			return fmt.Errorf("backend.azure.account_key and backend.azure.sas_token are mutually exclusive")
		}
		if b.Azure.AccountKey != "" && b.Azure.AccountName == "" {
			return fmt.Errorf("backend.azure.account_name is required with backend.azure.account_key")
		}
		if b.Azure.RetryWaitMax < b.Azure.RetryWaitMin {
			return fmt.Errorf("backend.azure.retry_wait_max must not be less than retry_wait_min")
		}
	case BackendS3:
		if b.S3.AccessKey == "" {
			return fmt.Errorf("backend.s3.access_key is required")
		}
		if b.S3.SecretKey == "" {
			return fmt.Errorf("backend.s3.secret_key is required")
		}
	default:
		return fmt.Errorf("invalid backend.type: %q (must be azure or s3)", b.Type)
	}
	return nil
}

// Validate checks the encryption section.
func (e *EncryptionConfig) Validate() error {
	if err := e.KeyProvider.Validate("encryption.key_provider"); err != nil {
		return err
	}
	seen := map[string]bool{e.KeyProvider.KeyID: true}
	for i := range e.AdditionalKeys {
		field := fmt.Sprintf("encryption.additional_keys[%d]", i)
		if err := e.AdditionalKeys[i].Validate(field); err != nil {
			return err
		}
		if seen[e.AdditionalKeys[i].KeyID] {
			return fmt.Errorf("%s.key_id %q is not unique", field, e.AdditionalKeys[i].KeyID)
		}
		seen[e.AdditionalKeys[i].KeyID] = true
	}
	if e.ChunkSize < 0 {
		return fmt.Errorf("encryption.chunk_size must not be negative")
	}
	if e.ResolverCache.Enabled && e.ResolverCache.TTL <= 0 {
		return fmt.Errorf("encryption.resolver_cache.ttl must be positive when the cache is enabled")
	}
	return nil
}

// Validate checks a key provider entry; field names the entry in errors.
func (k *KeyProviderConfig) Validate(field string) error {
	if k.KeyID == "" {
		return fmt.Errorf("%s.key_id is required", field)
	}
	switch k.Type {
	case KeyProviderSymmetric:
		if (k.Key == "") == (k.KeyFile == "") {
			return fmt.Errorf("%s requires exactly one of key or key_file", field)
		}
	case KeyProviderPassword:
		if len(k.Password) < 12 {
			return fmt.Errorf("%s.password must be at least 12 characters", field)
		}
	case KeyProviderRSA:
		if k.PEMFile == "" {
			return fmt.Errorf("%s.pem_file is required for rsa keys", field)
		}
	case KeyProviderKMS:
		// The key id is the KMS key id or alias; region may come from the AWS environment.
	case KeyProviderVault:
		if k.Vault.Address == "" {
			return fmt.Errorf("%s.vault.address is required for vault keys", field)
		}
	case "":
		return fmt.Errorf("%s.type is required", field)
	default:
		return fmt.Errorf("invalid %s.type: %q (must be symmetric, password, rsa, kms, or vault)", field, k.Type)
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := *c
	if c.Logging.RedactHeaders != nil {
		out.Logging.RedactHeaders = make([]string, len(c.Logging.RedactHeaders))
		copy(out.Logging.RedactHeaders, c.Logging.RedactHeaders)
	}
	if c.Server.AllowedContainers != nil {
		out.Server.AllowedContainers = make([]string, len(c.Server.AllowedContainers))
		copy(out.Server.AllowedContainers, c.Server.AllowedContainers)
	}
	if c.Encryption.AdditionalKeys != nil {
		out.Encryption.AdditionalKeys = make([]KeyProviderConfig, len(c.Encryption.AdditionalKeys))
		copy(out.Encryption.AdditionalKeys, c.Encryption.AdditionalKeys)
	}
	return &out
}
