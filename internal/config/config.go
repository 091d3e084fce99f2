package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// defaultSecret is the product signing secret baked into release builds.
// Licensing accepts that a party holding the binary can extract it; the
// offline activation channel is a convenience, not a security boundary.
const defaultSecret = "SM-UT-FORGE-2019-B7E4A1C9D2F8"

// Config is the complete configuration for the licensing binaries. It is
// constructed once at startup and injected into every component; nothing
// in this module reads configuration from package-level state.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Licensing LicensingConfig `yaml:"licensing" envconfig:"LICENSING"`
	Registry  RegistryConfig  `yaml:"registry" envconfig:"REGISTRY"`
	Paths     PathsConfig     `yaml:"paths" envconfig:"PATHS"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration shared by the local
// license daemon and the vendor verification server.
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST" default:"127.0.0.1"`
	Port            int           `yaml:"port" envconfig:"PORT" default:"8180"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS" default:"20"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST" default:"10"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8180"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/licensing.log"`
}

// LicensingConfig carries everything the license manager needs: the shared
// signing secret, key format knobs, store file locations, and the online
// verification endpoint.
type LicensingConfig struct {
	// Secret keys every HMAC in the subsystem: key signatures, offline
	// request codes, and offline verification prefixes.
	Secret string `yaml:"secret" envconfig:"SECRET"`

	// KeyPrefix is the two-letter product prefix license keys start with.
	KeyPrefix string `yaml:"key_prefix" envconfig:"KEY_PREFIX" default:"SM"`

	// LicenseFile and BackupFile are resolved against Paths.DataDir when
	// relative.
	LicenseFile string `yaml:"license_file" envconfig:"LICENSE_FILE" default:"license.dat"`
	BackupFile  string `yaml:"backup_file" envconfig:"BACKUP_FILE" default:"license.dat.bak"`

	VerificationURL     string        `yaml:"verification_url" envconfig:"VERIFICATION_URL" default:"https://license.scanmaster-ndt.com/api/v1/verify"`
	VerificationTimeout time.Duration `yaml:"verification_timeout" envconfig:"VERIFICATION_TIMEOUT" default:"10s"`

	CacheTTL time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL" default:"5m"`

	// OfflineRequestValidity is the stated validity window attached to
	// generated offline activation requests. Informational only.
	OfflineRequestValidity time.Duration `yaml:"offline_request_validity" envconfig:"OFFLINE_REQUEST_VALIDITY" default:"720h"`

	// AppVersion is reported to the verification server. Set from build
	// info by main, not from the environment.
	AppVersion string `yaml:"-" envconfig:"-"`
}

// RegistryConfig configures the vendor-side activation registry used by
// the verification server.
type RegistryConfig struct {
	DatabasePath string `yaml:"database_path" envconfig:"DATABASE_PATH" default:"activations.db"`

	// MaxMachinesPerKey caps distinct machines per license key; 0 means
	// unlimited. Exceeding the cap produces an explicit rejection.
	MaxMachinesPerKey int `yaml:"max_machines_per_key" envconfig:"MAX_MACHINES_PER_KEY" default:"3"`
}

// PathsConfig contains filesystem locations.
type PathsConfig struct {
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR"`
	LogsDir string `yaml:"logs_dir" envconfig:"LOGS_DIR" default:"logs"`
}

// WebSocketConfig tunes the status event hub.
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE" default:"1024"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE" default:"1024"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD" default:"30s"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT" default:"60s"`
	SendBuffer      int           `yaml:"send_buffer" envconfig:"SEND_BUFFER" default:"16"`
}

// Load builds the configuration from an optional YAML file overlaid with
// SM_-prefixed environment variables, resolves relative paths, and
// validates the result.
func Load() (*Config, error) {
	return LoadFromFile(configFilePath())
}

// LoadFromFile is Load with an explicit config file location. A missing
// file is not an error; the defaults plus environment apply.
func LoadFromFile(configFile string) (*Config, error) {
	var cfg Config

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			data, err := os.ReadFile(configFile)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", configFile, err)
			}
		}
	}

	// Environment takes precedence over the file; envconfig fills any
	// zero-valued field from its default tag.
	if err := envconfig.Process("SM", &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if cfg.Licensing.Secret == "" {
		cfg.Licensing.Secret = defaultSecret
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// configFilePath returns the default config file location next to the
// executable, falling back to the working directory.
func configFilePath() string {
	if env := os.Getenv("SM_CONFIG_FILE"); env != "" {
		return env
	}
	exe, err := os.Executable()
	if err != nil {
		return "licensing.yaml"
	}
	return filepath.Join(filepath.Dir(exe), "licensing.yaml")
}

// resolvePaths makes every file location absolute. Relative licensing
// paths land under the data directory, relative log paths under LogsDir.
func (c *Config) resolvePaths() error {
	if c.Paths.DataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = "."
		}
		c.Paths.DataDir = filepath.Join(base, "ScanMaster")
	}
	if !filepath.IsAbs(c.Paths.LogsDir) {
		c.Paths.LogsDir = filepath.Join(c.Paths.DataDir, c.Paths.LogsDir)
	}
	if !filepath.IsAbs(c.Licensing.LicenseFile) {
		c.Licensing.LicenseFile = filepath.Join(c.Paths.DataDir, c.Licensing.LicenseFile)
	}
	if !filepath.IsAbs(c.Licensing.BackupFile) {
		c.Licensing.BackupFile = filepath.Join(c.Paths.DataDir, c.Licensing.BackupFile)
	}
	if !filepath.IsAbs(c.Registry.DatabasePath) {
		c.Registry.DatabasePath = filepath.Join(c.Paths.DataDir, c.Registry.DatabasePath)
	}
	if !filepath.IsAbs(c.Logging.FilePath) {
		c.Logging.FilePath = filepath.Join(c.Paths.DataDir, c.Logging.FilePath)
	}
	return nil
}

// EnsureDirectories creates the directories the resolved paths live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Paths.DataDir,
		c.Paths.LogsDir,
		filepath.Dir(c.Licensing.LicenseFile),
		filepath.Dir(c.Registry.DatabasePath),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Licensing.Secret == "" {
		return fmt.Errorf("licensing secret must not be empty")
	}
	if len(c.Licensing.KeyPrefix) != 2 {
		return fmt.Errorf("key prefix %q must be exactly two characters", c.Licensing.KeyPrefix)
	}
	if c.Licensing.VerificationTimeout <= 0 {
		return fmt.Errorf("verification timeout must be positive")
	}
	if c.Licensing.LicenseFile == c.Licensing.BackupFile {
		return fmt.Errorf("license file and backup file must differ")
	}
	switch c.Logging.Output {
	case "stdout", "file", "both":
	default:
		return fmt.Errorf("logging output %q must be stdout, file, or both", c.Logging.Output)
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
