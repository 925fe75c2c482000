package server

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds daemon configuration. LoadConfig reads it from environment
// variables with defaults; a YAML file and flags may override it.
type Config struct {
	Port     string
	GRPCPort string

	// BackendURL selects the object store: memory://, nats://host:port,
	// sqlite:///path/to/file or badger:///path/to/dir.
	BackendURL string
	// Namespace names the NATS buckets of the object store.
	Namespace string
	// NatsURL is used for tape state events. Empty disables them unless the
	// backend itself is NATS.
	NatsURL string
	// CatalogueURL selects the tape catalogue: memory:// or
	// sqlite:///path/to/file.
	CatalogueURL string

	AgentName    string
	AgentTimeout time.Duration

	GCSchedule       string
	CleanupSchedule  string
	PassTimeout      time.Duration
	MaxWatchedAgents int
	CleanupBatchSize int
	CleanupTimeout   time.Duration
	RepackSchedule   string
	RepackBatchSize  int

	LogLevel string

	// APIKey is the bearer key the admin API requires. The daemon refuses
	// to start without one unless AllowInsecureNoAuth is set.
	APIKey              string
	AllowInsecureNoAuth bool

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// LoadConfig reads configuration from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		Port:                getEnv("CTA_PORT", "8080"),
		GRPCPort:            getEnv("CTA_GRPC_PORT", "9090"),
		BackendURL:          getEnv("CTA_BACKEND_URL", "memory://"),
		Namespace:           getEnv("CTA_NAMESPACE", "cta"),
		NatsURL:             getEnv("NATS_URL", ""),
		CatalogueURL:        getEnv("CTA_CATALOGUE_URL", "memory://"),
		AgentName:           getEnv("CTA_AGENT_NAME", "cta-maintd"),
		AgentTimeout:        getEnvDuration("CTA_AGENT_TIMEOUT", 5*time.Minute),
		GCSchedule:          getEnv("CTA_GC_SCHEDULE", "@every 5s"),
		CleanupSchedule:     getEnv("CTA_CLEANUP_SCHEDULE", "@every 10s"),
		PassTimeout:         getEnvDuration("CTA_PASS_TIMEOUT", 10*time.Minute),
		MaxWatchedAgents:    getEnvInt("CTA_GC_MAX_WATCHED_AGENTS", 2),
		CleanupBatchSize:    getEnvInt("CTA_CLEANUP_BATCH_SIZE", 500),
		CleanupTimeout:      getEnvDuration("CTA_CLEANUP_TIMEOUT", 120*time.Second),
		RepackSchedule:      getEnv("CTA_REPACK_SCHEDULE", "@every 30s"),
		RepackBatchSize:     getEnvInt("CTA_REPACK_BATCH_SIZE", 2),
		LogLevel:            getEnv("CTA_LOG_LEVEL", "info"),
		APIKey:              getEnv("CTA_API_KEY", ""),
		AllowInsecureNoAuth: getEnv("CTA_ALLOW_INSECURE_NO_AUTH", "") == "true",
		ReadTimeout:         getEnvDuration("CTA_HTTP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        getEnvDuration("CTA_HTTP_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:         getEnvDuration("CTA_HTTP_IDLE_TIMEOUT", 120*time.Second),
		ShutdownTimeout:     getEnvDuration("CTA_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// fileConfig is the YAML layout. Empty fields leave the current value.
type fileConfig struct {
	Server struct {
		Port            string `yaml:"port"`
		GRPCPort        string `yaml:"grpc_port"`
		ReadTimeout     string `yaml:"read_timeout"`
		WriteTimeout    string `yaml:"write_timeout"`
		IdleTimeout     string `yaml:"idle_timeout"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Backend struct {
		URL       string `yaml:"url"`
		Namespace string `yaml:"namespace"`
	} `yaml:"backend"`
	Nats struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`
	Catalogue struct {
		URL string `yaml:"url"`
	} `yaml:"catalogue"`
	Agent struct {
		Name    string `yaml:"name"`
		Timeout string `yaml:"timeout"`
	} `yaml:"agent"`
	GC struct {
		Schedule         string `yaml:"schedule"`
		MaxWatchedAgents int    `yaml:"max_watched_agents"`
	} `yaml:"gc"`
	Cleanup struct {
		Schedule  string `yaml:"schedule"`
		BatchSize int    `yaml:"batch_size"`
		Timeout   string `yaml:"timeout"`
	} `yaml:"cleanup"`
	Repack struct {
		Schedule  string `yaml:"schedule"`
		BatchSize int    `yaml:"batch_size"`
	} `yaml:"repack"`
	PassTimeout string `yaml:"pass_timeout"`
	Logging     struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Auth struct {
		APIKey              string `yaml:"api_key"`
		AllowInsecureNoAuth bool   `yaml:"allow_insecure_no_auth"`
	} `yaml:"auth"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the value of the environment
// variable, or the empty string when it is unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// LoadFile overlays the YAML file at path on cfg.
func LoadFile(path string, cfg Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &fc); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	setString(&cfg.Port, fc.Server.Port)
	setString(&cfg.GRPCPort, fc.Server.GRPCPort)
	setString(&cfg.BackendURL, fc.Backend.URL)
	setString(&cfg.Namespace, fc.Backend.Namespace)
	setString(&cfg.NatsURL, fc.Nats.URL)
	setString(&cfg.CatalogueURL, fc.Catalogue.URL)
	setString(&cfg.AgentName, fc.Agent.Name)
	setString(&cfg.GCSchedule, fc.GC.Schedule)
	setString(&cfg.CleanupSchedule, fc.Cleanup.Schedule)
	setString(&cfg.RepackSchedule, fc.Repack.Schedule)
	setString(&cfg.LogLevel, fc.Logging.Level)
	setString(&cfg.APIKey, fc.Auth.APIKey)
	if fc.Auth.AllowInsecureNoAuth {
		cfg.AllowInsecureNoAuth = true
	}
	if fc.GC.MaxWatchedAgents > 0 {
		cfg.MaxWatchedAgents = fc.GC.MaxWatchedAgents
	}
	if fc.Cleanup.BatchSize > 0 {
		cfg.CleanupBatchSize = fc.Cleanup.BatchSize
	}
	if fc.Repack.BatchSize > 0 {
		cfg.RepackBatchSize = fc.Repack.BatchSize
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.read_timeout", fc.Server.ReadTimeout, &cfg.ReadTimeout},
		{"server.write_timeout", fc.Server.WriteTimeout, &cfg.WriteTimeout},
		{"server.idle_timeout", fc.Server.IdleTimeout, &cfg.IdleTimeout},
		{"server.shutdown_timeout", fc.Server.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"agent.timeout", fc.Agent.Timeout, &cfg.AgentTimeout},
		{"cleanup.timeout", fc.Cleanup.Timeout, &cfg.CleanupTimeout},
		{"pass_timeout", fc.PassTimeout, &cfg.PassTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return cfg, fmt.Errorf("parsing %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = v
	}
	return cfg, cfg.Validate()
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate checks the fields that have no usable zero value.
func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.BackendURL == "" {
		return fmt.Errorf("backend url is required")
	}
	if c.AgentName == "" {
		return fmt.Errorf("agent name is required")
	}
	if c.CleanupBatchSize <= 0 {
		return fmt.Errorf("cleanup batch size must be positive, got %d", c.CleanupBatchSize)
	}
	if c.CleanupTimeout < 0 {
		return fmt.Errorf("cleanup timeout must not be negative, got %s", c.CleanupTimeout)
	}
	return nil
}

// CheckAuth fails when the admin API would be served without a key and
// insecure mode was not asked for.
func (c Config) CheckAuth() error {
	if c.APIKey == "" && !c.AllowInsecureNoAuth {
		return fmt.Errorf("no API key configured, set CTA_API_KEY or CTA_ALLOW_INSECURE_NO_AUTH=true for local development")
	}
	return nil
}

// ParseFlags loads the environment configuration, then the file named by
// --config, then the remaining flags, which take precedence.
func ParseFlags(name string, args []string) (Config, error) {
	cfg := LoadConfig()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML configuration file")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	port := fs.String("port", "", "admin HTTP port")
	backendURL := fs.String("backend", "", "object store URL (memory://, nats://, sqlite:///, badger:///)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if *configPath != "" {
		var err error
		if cfg, err = LoadFile(*configPath, cfg); err != nil {
			return cfg, err
		}
	}
	setString(&cfg.LogLevel, *logLevel)
	setString(&cfg.Port, *port)
	setString(&cfg.BackendURL, *backendURL)
	return cfg, cfg.Validate()
}

// SlogLevel parses LogLevel, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
