package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "CURRICULLM"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `mapstructure:"basic_config"`
	Databases   map[string]DatabaseConfig `mapstructure:"databases"`
	Redis       RedisConfig               `mapstructure:"redis"`
	Storage     StorageConfig             `mapstructure:"storage"`
	OAuth       OAuthConfig               `mapstructure:"oauth"`
	Chat        ChatConfig                `mapstructure:"chat"`
	Ingest      IngestConfig              `mapstructure:"ingest"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
}

type BasicConfig struct {
	ServerAddress         string `mapstructure:"server_address"`
	PublicBaseURL         string `mapstructure:"public_base_url"`
	Debug                 bool   `mapstructure:"debug"`
	MinWorkers            int    `mapstructure:"min_workers"`
	MaxWorkers            int    `mapstructure:"max_workers"`
	QueueSize             int    `mapstructure:"queue_size"`
	WorkerIdleTimeout     int    `mapstructure:"worker_idle_timeout"` // minutes
	TokenTTLHours         int    `mapstructure:"token_ttl_hours"`
	CleanInterval         int    `mapstructure:"clean_interval"`          // minutes
	FailedUploadRetention int    `mapstructure:"failed_upload_retention"` // minutes
	MaxUploadBytes        int64  `mapstructure:"max_upload_bytes"`
	UserStorageLimit      int64  `mapstructure:"user_storage_limit"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig selects the object storage backend holding uploaded CVs.
type StorageConfig struct {
	Driver          string `mapstructure:"driver"` // local | s3 | minio
	BaseDir         string `mapstructure:"base_dir"`
	Bucket          string `mapstructure:"bucket"`
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

type OAuthConfig struct {
	Google OAuthProviderConfig `mapstructure:"google"`
}

type OAuthProviderConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
}

type ChatConfig struct {
	ReplyDelayMS int    `mapstructure:"reply_delay_ms"`
	Provider     string `mapstructure:"provider"`
	Model        string `mapstructure:"model"`
}

type IngestConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MaxChunkRunes int    `mapstructure:"max_chunk_runes"`
	NameModel     string `mapstructure:"name_model"`
	GeminiAPIKey  string `mapstructure:"gemini_api_key"`
}

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file is tolerated so the service can run on defaults and
// CURRICULLM_* environment variables alone.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, statErr := os.Stat(absPath); statErr == nil {
		v.SetConfigFile(absPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("open config %s: %w", absPath, statErr)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", ":8090")
	v.SetDefault("basic_config.public_base_url", "http://localhost:8090")
	v.SetDefault("basic_config.debug", false)
	v.SetDefault("basic_config.min_workers", 1)
	v.SetDefault("basic_config.max_workers", 8)
	v.SetDefault("basic_config.queue_size", 64)
	v.SetDefault("basic_config.worker_idle_timeout", 5)
	v.SetDefault("basic_config.token_ttl_hours", 24)
	v.SetDefault("basic_config.clean_interval", 60)
	v.SetDefault("basic_config.failed_upload_retention", 24*60)
	v.SetDefault("basic_config.max_upload_bytes", 10<<20)
	v.SetDefault("basic_config.user_storage_limit", 50<<20)

	v.SetDefault("databases.sqlite3.dsn", "data/curricullm.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.base_dir", "data/objects")
	v.SetDefault("storage.bucket", "curricullm")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.access_key_id", "")
	v.SetDefault("storage.secret_access_key", "")
	v.SetDefault("storage.use_ssl", false)

	v.SetDefault("oauth.google.client_id", "")
	v.SetDefault("oauth.google.client_secret", "")
	v.SetDefault("oauth.google.redirect_url", "")

	v.SetDefault("chat.reply_delay_ms", 1000)
	v.SetDefault("chat.provider", "")
	v.SetDefault("chat.model", "")

	v.SetDefault("ingest.enabled", true)
	v.SetDefault("ingest.max_chunk_runes", 1000)
	v.SetDefault("ingest.name_model", "gemini-1.5-flash-8b")
	v.SetDefault("ingest.gemini_api_key", "")
}

func (c *Config) normalize(baseDir string) error {
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		c.BasicConfig.MaxWorkers = c.BasicConfig.MinWorkers
	}
	if c.BasicConfig.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive")
	}

	if sqlite, ok := c.Databases["sqlite3"]; ok {
		dsn := sqlite.DSN
		if dsn != "" && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") && !filepath.IsAbs(dsn) {
			sqlite.DSN = filepath.Join(baseDir, dsn)
			c.Databases["sqlite3"] = sqlite
		}
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch c.Storage.Driver {
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be configured for the local driver")
		}
		if !filepath.IsAbs(c.Storage.BaseDir) {
			c.Storage.BaseDir = filepath.Join(baseDir, c.Storage.BaseDir)
		}
	case "s3", "minio":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be configured for the %s driver", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver)
	}

	if c.Ingest.GeminiAPIKey == "" {
		if p, ok := c.Providers["gemini"]; ok {
			c.Ingest.GeminiAPIKey = p.APIKey
		}
	}
	return nil
}

// TokenTTL reports the session token lifetime.
func (c *Config) TokenTTL() time.Duration {
	if c.BasicConfig.TokenTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.BasicConfig.TokenTTLHours) * time.Hour
}

// ReplyDelay reports how long the chat waits before answering.
func (c *Config) ReplyDelay() time.Duration {
	if c.Chat.ReplyDelayMS < 0 {
		return 0
	}
	return time.Duration(c.Chat.ReplyDelayMS) * time.Millisecond
}

// GoogleOAuthEnabled reports whether Google sign-in is configured.
func (c *Config) GoogleOAuthEnabled() bool {
	g := c.OAuth.Google
	return g.ClientID != "" && g.ClientSecret != ""
}
