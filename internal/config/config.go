package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "CHATRELAY"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `mapstructure:"basic_config"`
	Redis       RedisConfig               `mapstructure:"redis"`
	Databases   map[string]DatabaseConfig `mapstructure:"databases"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Relay       RelayConfig               `mapstructure:"relay"`
	Auth        AuthConfig                `mapstructure:"auth"`
	Log         LogConfig                 `mapstructure:"log"`
}

type ProviderConfig struct {
	Kind      string `mapstructure:"kind"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	WebSearch bool   `mapstructure:"web_search"`
}

type BasicConfig struct {
	ServerAddress     string `mapstructure:"server_address"`
	Database          string `mapstructure:"database"`
	MinWorkers        int    `mapstructure:"min_workers"`
	MaxWorkers        int    `mapstructure:"max_workers"`
	QueueSize         int    `mapstructure:"queue_size"`
	WorkerIdleTimeout int    `mapstructure:"worker_idle_timeout"` // minutes
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
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

// RelayConfig tunes the streaming relay. Durations are parsed by viper ("3s", "1h").
type RelayConfig struct {
	LogMaxLen         int64         `mapstructure:"log_max_len"`
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
	LogTTL            time.Duration `mapstructure:"log_ttl"`
	IdleLogTTL        time.Duration `mapstructure:"idle_log_ttl"`
	PollBlock         time.Duration `mapstructure:"poll_block"`
	PollBatch         int64         `mapstructure:"poll_batch"`
	MaxIdle           time.Duration `mapstructure:"max_idle"`
	GenerationTimeout time.Duration `mapstructure:"generation_timeout"`
}

// AuthConfig names the credentials carriers. Tokens are read from the bearer header or,
// for browsers, from CookieName; cookie requests must echo CSRFCookieName in CSRFHeaderName.
type AuthConfig struct {
	CookieName     string `mapstructure:"cookie_name"`
	CSRFCookieName string `mapstructure:"csrf_cookie_name"`
	CSRFHeaderName string `mapstructure:"csrf_header_name"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Load reads configuration from the provided path (defaults to config.json).
// Any key can be overridden from the environment, e.g. CHATRELAY_REDIS_HOST.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(absPath)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", absPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", ":8090")
	v.SetDefault("basic_config.database", "sqlite3")
	v.SetDefault("basic_config.min_workers", 2)
	v.SetDefault("basic_config.max_workers", 16)
	v.SetDefault("basic_config.queue_size", 128)
	v.SetDefault("basic_config.worker_idle_timeout", 1)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("relay.log_max_len", 1000)
	v.SetDefault("relay.session_ttl", time.Hour)
	v.SetDefault("relay.log_ttl", time.Hour)
	v.SetDefault("relay.idle_log_ttl", time.Hour)
	v.SetDefault("relay.poll_block", 3*time.Second)
	v.SetDefault("relay.poll_batch", 10)
	v.SetDefault("relay.max_idle", 5*time.Minute)
	v.SetDefault("relay.generation_timeout", 5*time.Minute)
	v.SetDefault("auth.cookie_name", "auth_token")
	v.SetDefault("auth.csrf_cookie_name", "csrf_token")
	v.SetDefault("auth.csrf_header_name", "X-CSRF-Token")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)
}

func (c *Config) validate(baseDir string) error {
	if len(c.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}
	for name, p := range c.Providers {
		if p.Kind == "" {
			p.Kind = name
			c.Providers[name] = p
		}
	}
	db := strings.ToLower(c.BasicConfig.Database)
	dbCfg, ok := c.Databases[db]
	if !ok {
		return fmt.Errorf("database config for %s not found", db)
	}
	if (db == "sqlite" || db == "sqlite3") && dbCfg.DSN == "" {
		return errors.New("sqlite dsn must be configured")
	}
	if (db == "sqlite" || db == "sqlite3") && !strings.HasPrefix(dbCfg.DSN, "file:") && !filepath.IsAbs(dbCfg.DSN) {
		dbCfg.DSN = filepath.Join(baseDir, dbCfg.DSN)
		c.Databases[db] = dbCfg
	}
	if c.Relay.PollBlock <= 0 {
		return errors.New("relay.poll_block must be positive")
	}
	return nil
}
