package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/flowbaker/flowguard/internal/auth"
	"github.com/flowbaker/flowguard/pkg/cipher"
	"github.com/flowbaker/flowguard/pkg/oauth/providers"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	StoreBackendMemory   = "memory"
	StoreBackendFile     = "file"
	StoreBackendRedis    = "redis"
	StoreBackendMongoDB  = "mongodb"
	StoreBackendPostgres = "postgres"

	DispatchBackendLog   = "log"
	DispatchBackendRedis = "redis"
)

// Config holds all flowguard configuration
type Config struct {
	HTTPAddress    string `mapstructure:"http_address"`
	// AdminToken guards the management routes. Webhook ingestion is authenticated per trigger.
	AdminToken     string `mapstructure:"admin_token"`
	// AdminJWTSecret enables signed admin tokens whose subject is recorded as the actor.
	AdminJWTSecret string `mapstructure:"admin_jwt_secret"`

	// Cryptographic settings. EncryptionKey is base64; EncryptionPassphrase is stretched
	// with HKDF when no key is given.
	CipherAlgorithm      string             `mapstructure:"cipher_algorithm"`
	EncryptionKey        string             `mapstructure:"encryption_key"`
	EncryptionPassphrase string             `mapstructure:"encryption_passphrase"`
	KeyID                string             `mapstructure:"key_id"`
	RetiredKeys          []RetiredKeyConfig `mapstructure:"retired_keys"`

	Store      StoreConfig      `mapstructure:"store"`
	OAuth      OAuthConfig      `mapstructure:"oauth"`
	Governance GovernanceConfig `mapstructure:"governance"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`

	TriggersFile string `mapstructure:"triggers_file"`
}

type RetiredKeyConfig struct {
	KeyID string `mapstructure:"key_id"`
	Key   string `mapstructure:"key"`
}

type StoreConfig struct {
	Backend       string `mapstructure:"backend"`
	Path          string `mapstructure:"path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	TablePrefix   string `mapstructure:"table_prefix"`
}

type OAuthConfig struct {
	TokenTTL        time.Duration                      `mapstructure:"token_ttl"`
	ProviderTimeout time.Duration                      `mapstructure:"provider_timeout"`
	Concurrency     int                                `mapstructure:"concurrency"`
	ReportMaxAge    time.Duration                      `mapstructure:"report_max_age"`
	Providers       map[string]providers.OAuth2Config `mapstructure:"providers"`
}

type GovernanceConfig struct {
	WarningWindow  time.Duration `mapstructure:"warning_window"`
	CriticalWindow time.Duration `mapstructure:"critical_window"`
}

type SchedulerConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// DispatchConfig selects where admitted runs go. The redis backend reuses the
// store's redis connection settings.
type DispatchConfig struct {
	Backend     string `mapstructure:"backend"`
	RedisStream string `mapstructure:"redis_stream"`
	MaxLen      int64  `mapstructure:"max_len"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoadConfig loads configuration from defaults, an optional config file and
// FLOWGUARD_ environment variables. configFile overrides the search paths.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FLOWGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without a default are invisible to Unmarshal unless bound explicitly
	envMappings := map[string]string{
		"admin_token":           "FLOWGUARD_ADMIN_TOKEN",
		"admin_jwt_secret":      "FLOWGUARD_ADMIN_JWT_SECRET",
		"encryption_key":        "FLOWGUARD_ENCRYPTION_KEY",
		"encryption_passphrase": "FLOWGUARD_ENCRYPTION_PASSPHRASE",
		"store.redis_password":  "FLOWGUARD_STORE_REDIS_PASSWORD",
		"store.mongo_uri":       "FLOWGUARD_STORE_MONGO_URI",
		"store.postgres_dsn":    "FLOWGUARD_STORE_POSTGRES_DSN",
		"triggers_file":         "FLOWGUARD_TRIGGERS_FILE",
	}

	for configKey, envVar := range envMappings {
		if err := v.BindEnv(configKey, envVar); err != nil {
			log.Warn().Err(err).Msgf("Failed to bind environment variable %s for %s", envVar, configKey)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("flowguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.flowguard")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}

		log.Debug().Msg("Config file not found, using environment variables and defaults")
	} else {
		log.Info().Msgf("Using config file: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	config.CipherAlgorithm = cipher.NormalizeAlgorithm(config.CipherAlgorithm)
	config.Store.Backend = strings.ToLower(strings.TrimSpace(config.Store.Backend))
	config.Dispatch.Backend = strings.ToLower(strings.TrimSpace(config.Dispatch.Backend))

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	log.Debug().
		Str("cipher_algorithm", config.CipherAlgorithm).
		Str("key_id", config.KeyID).
		Str("store_backend", config.Store.Backend).
		Int("oauth_providers", len(config.OAuth.Providers)).
		Msg("Config loaded")

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_address", ":8090")
	v.SetDefault("cipher_algorithm", cipher.AlgorithmAESGCM)
	v.SetDefault("key_id", "primary")

	v.SetDefault("store.backend", StoreBackendMemory)
	v.SetDefault("store.path", "./credentials")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.redis_prefix", "flowguard:")
	v.SetDefault("store.mongo_database", "flowguard")
	v.SetDefault("store.table_prefix", "")

	v.SetDefault("oauth.token_ttl", 5*time.Minute)
	v.SetDefault("oauth.provider_timeout", 10*time.Second)
	v.SetDefault("oauth.concurrency", 4)
	v.SetDefault("oauth.report_max_age", 15*time.Minute)

	v.SetDefault("governance.warning_window", 72*time.Hour)
	v.SetDefault("governance.critical_window", 24*time.Hour)

	v.SetDefault("scheduler.tick_interval", 15*time.Second)
	v.SetDefault("scheduler.health_interval", 5*time.Minute)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("dispatch.backend", DispatchBackendLog)
	v.SetDefault("dispatch.redis_stream", "flowguard:tasks")
	v.SetDefault("dispatch.max_len", 10000)
}

func validateConfig(config *Config) error {
	var problems []string

	if config.EncryptionKey == "" && config.EncryptionPassphrase == "" {
		problems = append(problems, "FLOWGUARD_ENCRYPTION_KEY (or FLOWGUARD_ENCRYPTION_PASSPHRASE) is required")
	}

	if config.EncryptionKey != "" {
		if _, err := cipher.DecodeKey(config.EncryptionKey); err != nil {
			problems = append(problems, fmt.Sprintf("encryption_key: %v", err))
		}
	}

	if _, err := cipher.New(config.CipherAlgorithm, make([]byte, cipher.KeySize), config.KeyID); err != nil {
		problems = append(problems, fmt.Sprintf("cipher_algorithm: %v", err))
	}

	if config.KeyID == "" {
		problems = append(problems, "key_id cannot be empty")
	}

	if config.AdminJWTSecret != "" && len(config.AdminJWTSecret) < auth.MinSecretLength {
		problems = append(problems, fmt.Sprintf("admin_jwt_secret must be at least %d bytes", auth.MinSecretLength))
	}

	for _, retired := range config.RetiredKeys {
		if retired.KeyID == "" || retired.KeyID == config.KeyID {
			problems = append(problems, fmt.Sprintf("retired key id %q must be set and differ from the current key id", retired.KeyID))
		}
		if _, err := cipher.DecodeKey(retired.Key); err != nil {
			problems = append(problems, fmt.Sprintf("retired key %s: %v", retired.KeyID, err))
		}
	}

	switch config.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendFile:
		if config.Store.Path == "" {
			problems = append(problems, "store.path is required for the file backend")
		}
	case StoreBackendRedis:
		if config.Store.RedisAddr == "" {
			problems = append(problems, "store.redis_addr is required for the redis backend")
		}
	case StoreBackendMongoDB:
		if config.Store.MongoURI == "" {
			problems = append(problems, "FLOWGUARD_STORE_MONGO_URI is required for the mongodb backend")
		}
	case StoreBackendPostgres:
		if config.Store.PostgresDSN == "" {
			problems = append(problems, "FLOWGUARD_STORE_POSTGRES_DSN is required for the postgres backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported store backend %q", config.Store.Backend))
	}

	if config.Governance.WarningWindow <= 0 || config.Governance.CriticalWindow <= 0 {
		problems = append(problems, "governance windows must be positive")
	} else if config.Governance.CriticalWindow > config.Governance.WarningWindow {
		problems = append(problems, "governance.critical_window cannot exceed governance.warning_window")
	}

	if config.Scheduler.TickInterval <= 0 {
		problems = append(problems, "scheduler.tick_interval must be positive")
	}

	switch config.Dispatch.Backend {
	case DispatchBackendLog:
	case DispatchBackendRedis:
		if config.Store.RedisAddr == "" || config.Dispatch.RedisStream == "" {
			problems = append(problems, "store.redis_addr and dispatch.redis_stream are required for the redis dispatcher")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported dispatch backend %q", config.Dispatch.Backend))
	}

	for name, provider := range config.OAuth.Providers {
		if provider.TokenURL == "" {
			problems = append(problems, fmt.Sprintf("oauth provider %s: token_url is required", name))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s\n\nGenerate a key with: %s generate-key",
			strings.Join(problems, "\n  - "),
			os.Args[0])
	}

	return nil
}
