package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Relay     RelayConfig     `mapstructure:"relay"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Log       LogConfig       `mapstructure:"log"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Session   SessionConfig   `mapstructure:"session"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

type UpstreamConfig struct {
	// Protocol 上游协议："native" 使用自有SSE协议，"openai" 走OpenAI兼容接口
	Protocol string        `mapstructure:"protocol"`
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type RelayConfig struct {
	// 单次HTTP尝试的超时，区别于整个会话的墙钟上限
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`
	// 会话级别的最长时间，生成可能持续数分钟
	SessionMaxDuration time.Duration `mapstructure:"session_max_duration"`
	// 相同key的重复提交在该窗口内只执行最后一次
	DebounceDelay time.Duration `mapstructure:"debounce_delay"`
	// 排队请求超过该时长仍未能重放则放弃
	QueueMaxWait time.Duration `mapstructure:"queue_max_wait"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
}

type SessionConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type StorageConfig struct {
	Type    string `mapstructure:"type"`
	DataDir string `mapstructure:"data_dir"`
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CHAT")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// 配置文件优先，如果配置文件中没有设置，则使用环境变量
	if cfg.Upstream.APIKey == "" {
		if apiKey := os.Getenv("UPSTREAM_API_KEY"); apiKey != "" {
			cfg.Upstream.APIKey = apiKey
		}
	}

	applyDefaults(cfg)

	return cfg, nil
}

// applyDefaults 对未配置的关键项填充默认值
func applyDefaults(c *Config) {
	if c.Relay.AttemptTimeout <= 0 {
		c.Relay.AttemptTimeout = 30 * time.Second
	}
	if c.Relay.MaxRetries <= 0 {
		c.Relay.MaxRetries = 3
	}
	if c.Relay.BackoffBase <= 0 {
		c.Relay.BackoffBase = 500 * time.Millisecond
	}
	if c.Relay.BackoffCap <= 0 {
		c.Relay.BackoffCap = 30 * time.Second
	}
	if c.Relay.SessionMaxDuration <= 0 {
		c.Relay.SessionMaxDuration = 25 * time.Minute
	}
	if c.Relay.DebounceDelay <= 0 {
		c.Relay.DebounceDelay = 300 * time.Millisecond
	}
	if c.Relay.QueueMaxWait <= 0 {
		c.Relay.QueueMaxWait = 5 * time.Minute
	}
	if c.RateLimit.Limit <= 0 {
		c.RateLimit.Limit = 30
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.Upstream.Timeout <= 0 {
		c.Upstream.Timeout = 60 * time.Second
	}
}

func Get() *Config {
	return cfg
}
