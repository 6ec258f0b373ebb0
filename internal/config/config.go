// Package config loads runtime settings for the chat relay from an optional
// YAML file, a .env file and environment variables, and sanitizes them to
// safe defaults.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the server configuration settings including security controls.
type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Store     StoreConfig
	Redis     RedisConfig
	AMQP      AMQPConfig
	Chat      ChatConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port            string
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type WebSocketConfig struct {
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst int
	// RefillInterval is read separately so whole seconds stay valid.
	RefillInterval time.Duration `mapstructure:"-"`
}

// StoreConfig selects and configures the message store backend.
// Driver is one of memory, sqlite, postgres, mysql or mongo.
type StoreConfig struct {
	Driver          string
	DSN             string
	Database        string // mongo only
	Collection      string // mongo only
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig enables the history cache when Address is set.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// AMQPConfig enables record publishing when URL is set.
type AMQPConfig struct {
	URL      string
	Exchange string
}

type ChatConfig struct {
	MaxUsernameLength   int  `mapstructure:"max_username_length"`
	NotifyUndeliverable bool `mapstructure:"notify_undeliverable"`
}

type LogConfig struct {
	Level  string
	Pretty bool
}

const (
	defaultPort           = ":8080"
	defaultMaxMessageSize = 512
	defaultBurst          = 5
	defaultRefill         = time.Second
	defaultUsernameLength = 32
)

// Default returns a Config populated with default values for all settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            defaultPort,
			AllowedOrigins:  []string{"http://localhost:8080"},
			ShutdownTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: defaultMaxMessageSize,
			PingInterval:   54 * time.Second,
			PongWait:       60 * time.Second,
			WriteWait:      10 * time.Second,
			SendBuffer:     256,
		},
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: defaultRefill,
		},
		Store: StoreConfig{
			Driver:     "memory",
			Database:   "chat",
			Collection: "messages",
		},
		Redis: RedisConfig{
			Prefix: "chat:history",
			TTL:    5 * time.Minute,
		},
		AMQP: AMQPConfig{
			Exchange: "chat.records",
		},
		Chat: ChatConfig{
			MaxUsernameLength: defaultUsernameLength,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads .env (if present), then config.yaml from configPath, ".", or
// "./config" (if present), then the environment, and returns the sanitized
// result.
func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	bindLegacyEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Both of these accept the formats the env vars have always used.
	cfg.Server.AllowedOrigins = readOrigins(v)
	cfg.RateLimit.RefillInterval = parseRefillInterval(v.GetString("rate_limit.refill_interval"), defaultRefill)

	return Sanitize(&cfg), nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("websocket.max_message_size", d.WebSocket.MaxMessageSize)
	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.pong_wait", d.WebSocket.PongWait)
	v.SetDefault("websocket.write_wait", d.WebSocket.WriteWait)
	v.SetDefault("websocket.send_buffer", d.WebSocket.SendBuffer)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("rate_limit.refill_interval", d.RateLimit.RefillInterval.String())
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.database", d.Store.Database)
	v.SetDefault("store.collection", d.Store.Collection)
	v.SetDefault("store.max_open_conns", 0)
	v.SetDefault("store.max_idle_conns", 0)
	v.SetDefault("store.conn_max_lifetime", time.Duration(0))
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", d.Redis.Prefix)
	v.SetDefault("redis.ttl", d.Redis.TTL)
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", d.AMQP.Exchange)
	v.SetDefault("chat.max_username_length", d.Chat.MaxUsernameLength)
	v.SetDefault("chat.notify_undeliverable", false)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", false)
}

// bindLegacyEnv keeps the variable names deployments already use.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.allowed_origins", "ALLOWED_ORIGINS")
	_ = v.BindEnv("websocket.max_message_size", "MAX_MESSAGE_SIZE")
	_ = v.BindEnv("rate_limit.burst", "RATE_LIMIT_BURST")
	_ = v.BindEnv("rate_limit.refill_interval", "RATE_LIMIT_REFILL_INTERVAL")
	_ = v.BindEnv("store.dsn", "STORE_DSN", "MONGO_URI")
	_ = v.BindEnv("redis.address", "REDIS_ADDRESS")
	_ = v.BindEnv("amqp.url", "AMQP_URL")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
}

func readOrigins(v *viper.Viper) []string {
	switch raw := v.Get("server.allowed_origins").(type) {
	case string:
		return parseOrigins(raw)
	default:
		return v.GetStringSlice("server.allowed_origins")
	}
}

// Sanitize replaces invalid or missing values with defaults and returns cfg.
func Sanitize(cfg *Config) *Config {
	d := Default()

	if cfg.Server.Port == "" {
		cfg.Server.Port = d.Server.Port
	} else if _, err := strconv.Atoi(cfg.Server.Port); err == nil {
		cfg.Server.Port = ":" + cfg.Server.Port
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}

	if cfg.WebSocket.MaxMessageSize <= 0 {
		cfg.WebSocket.MaxMessageSize = d.WebSocket.MaxMessageSize
	}
	if cfg.WebSocket.PingInterval <= 0 {
		cfg.WebSocket.PingInterval = d.WebSocket.PingInterval
	}
	if cfg.WebSocket.PongWait <= 0 {
		cfg.WebSocket.PongWait = d.WebSocket.PongWait
	}
	// Pings must go out before the peer's read deadline passes.
	if cfg.WebSocket.PingInterval >= cfg.WebSocket.PongWait {
		cfg.WebSocket.PingInterval = cfg.WebSocket.PongWait * 9 / 10
	}
	if cfg.WebSocket.WriteWait <= 0 {
		cfg.WebSocket.WriteWait = d.WebSocket.WriteWait
	}
	if cfg.WebSocket.SendBuffer <= 0 {
		cfg.WebSocket.SendBuffer = d.WebSocket.SendBuffer
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = d.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = d.RateLimit.RefillInterval
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = d.Store.Driver
	}
	if cfg.Store.Database == "" {
		cfg.Store.Database = d.Store.Database
	}
	if cfg.Store.Collection == "" {
		cfg.Store.Collection = d.Store.Collection
	}

	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = d.Redis.Prefix
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = d.Redis.TTL
	}
	if cfg.AMQP.Exchange == "" {
		cfg.AMQP.Exchange = d.AMQP.Exchange
	}

	if cfg.Chat.MaxUsernameLength <= 0 {
		cfg.Chat.MaxUsernameLength = d.Chat.MaxUsernameLength
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}

	return cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// parseRefillInterval accepts either whole seconds ("2") or a Go duration ("500ms").
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
