package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Port        string
	DatabaseURL string
	// Storage selects the storage backend: "postgres" or "memory".
	Storage  string
	RedisURL string

	JWTSecret  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	Chat      ChatConfig
	WebSocket WebSocketConfig
	Log       LogConfig
}

type ChatConfig struct {
	MaxMessageLength int
	TypingTTL        time.Duration
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	BrokerQueueSize  int
}

type WebSocketConfig struct {
	RateLimit  float64
	RateBurst  int
	SendBuffer int
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads .env (when present), an optional config.yaml and the process
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	// Ignore error if .env file doesn't exist (e.g. in production)
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	setDefaults(v)
	bindEnv(v)

	cfg := &Config{
		Port:        v.GetString("port"),
		DatabaseURL: v.GetString("database_url"),
		Storage:     strings.ToLower(v.GetString("chat.storage")),
		RedisURL:    v.GetString("redis_url"),
		JWTSecret:   v.GetString("jwt.secret"),
		AccessTTL:   v.GetDuration("jwt.access_ttl"),
		RefreshTTL:  v.GetDuration("jwt.refresh_ttl"),
		Chat: ChatConfig{
			MaxMessageLength: v.GetInt("chat.max_message_length"),
			TypingTTL:        v.GetDuration("chat.typing_ttl"),
			RetryAttempts:    v.GetInt("chat.retry_attempts"),
			RetryBaseDelay:   v.GetDuration("chat.retry_base_delay"),
			BrokerQueueSize:  v.GetInt("broker.queue_size"),
		},
		WebSocket: WebSocketConfig{
			RateLimit:  v.GetFloat64("ws.rate_limit"),
			RateBurst:  v.GetInt("ws.rate_burst"),
			SendBuffer: v.GetInt("ws.send_buffer"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Pretty: v.GetBool("log.pretty"),
		},
	}

	if cfg.DatabaseURL == "" {
		// Fallback to individual vars
		cfg.DatabaseURL = "postgres://" + v.GetString("postgres.user") + ":" +
			v.GetString("postgres.password") + "@" +
			v.GetString("postgres.host") + ":" +
			v.GetString("postgres.port") + "/" +
			v.GetString("postgres.db") + "?sslmode=disable"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "3001")
	v.SetDefault("database_url", "")
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "postgres")
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.db", "chatdb")
	v.SetDefault("redis_url", "")
	v.SetDefault("jwt.secret", "secret")
	v.SetDefault("jwt.access_ttl", "72h")
	v.SetDefault("jwt.refresh_ttl", "720h")
	v.SetDefault("chat.storage", "postgres")
	v.SetDefault("chat.max_message_length", 4000)
	v.SetDefault("chat.typing_ttl", "5s")
	v.SetDefault("chat.retry_attempts", 3)
	v.SetDefault("chat.retry_base_delay", "50ms")
	v.SetDefault("broker.queue_size", 1024)
	v.SetDefault("ws.rate_limit", 10.0)
	v.SetDefault("ws.rate_burst", 20)
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("postgres.user", "POSTGRES_USER")
	_ = v.BindEnv("postgres.password", "POSTGRES_PASSWORD")
	_ = v.BindEnv("postgres.host", "POSTGRES_HOST")
	_ = v.BindEnv("postgres.port", "POSTGRES_PORT")
	_ = v.BindEnv("postgres.db", "POSTGRES_DB")
	_ = v.BindEnv("redis_url", "REDIS_URL")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.access_ttl", "JWT_ACCESS_TTL")
	_ = v.BindEnv("jwt.refresh_ttl", "JWT_REFRESH_TTL")
	_ = v.BindEnv("chat.storage", "CHAT_STORAGE")
	_ = v.BindEnv("chat.max_message_length", "CHAT_MAX_MESSAGE_LENGTH")
	_ = v.BindEnv("chat.typing_ttl", "CHAT_TYPING_TTL")
	_ = v.BindEnv("chat.retry_attempts", "CHAT_RETRY_ATTEMPTS")
	_ = v.BindEnv("chat.retry_base_delay", "CHAT_RETRY_BASE_DELAY")
	_ = v.BindEnv("broker.queue_size", "BROKER_QUEUE_SIZE")
	_ = v.BindEnv("ws.rate_limit", "WS_RATE_LIMIT")
	_ = v.BindEnv("ws.rate_burst", "WS_RATE_BURST")
	_ = v.BindEnv("ws.send_buffer", "WS_SEND_BUFFER")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	_ = v.BindEnv("log.pretty", "LOG_PRETTY")
}

func (c *Config) validate() error {
	switch c.Storage {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("unknown CHAT_STORAGE %q", c.Storage)
	}
	if c.Chat.MaxMessageLength <= 0 {
		return fmt.Errorf("CHAT_MAX_MESSAGE_LENGTH must be positive")
	}
	if c.Chat.RetryAttempts < 1 {
		c.Chat.RetryAttempts = 1
	}
	if c.Chat.TypingTTL <= 0 {
		c.Chat.TypingTTL = 5 * time.Second
	}
	return nil
}
