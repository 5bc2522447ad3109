// Package config loads the server configuration from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// SenderEcho decides whether the author of a message also receives it.
type SenderEcho string

const (
	// EchoAll delivers to every connection of the sender, including the one that sent it.
	EchoAll SenderEcho = "all"
	// EchoOthers skips every connection of the sender.
	EchoOthers SenderEcho = "others"
	// EchoOtherConnections skips only the connection the message came from.
	EchoOtherConnections SenderEcho = "other-connections"
)

type Config struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	DSN             string        `env:"DB_DSN,required,notEmpty"`
	JWTSecret       string        `env:"JWT_SECRET,required,notEmpty"`
	TokenTTL        time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	RedisAddr       string        `env:"REDIS_ADDR"`
	RedisChannel    string        `env:"REDIS_CHANNEL" envDefault:"chat-events"`
	SenderEcho      SenderEcho    `env:"SENDER_ECHO" envDefault:"all"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	SendBuffer      int           `env:"SEND_BUFFER" envDefault:"256"`
	PersistTimeout  time.Duration `env:"PERSIST_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads an optional .env file and parses the environment into a Config.
func Load() (*Config, error) {
	// Missing .env is normal outside development.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.SenderEcho {
	case EchoAll, EchoOthers, EchoOtherConnections:
	default:
		return fmt.Errorf("SENDER_ECHO must be one of all, others, other-connections, got %q", c.SenderEcho)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be positive, got %d", c.SendBuffer)
	}
	if c.PersistTimeout <= 0 {
		return fmt.Errorf("PERSIST_TIMEOUT must be positive, got %s", c.PersistTimeout)
	}
	return nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
