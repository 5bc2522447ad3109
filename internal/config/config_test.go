package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("DB_DSN", "postgres://chat@localhost/chat")
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()

	req.NoError(err)
	req.Equal(":8080", cfg.Addr)
	req.Equal(EchoAll, cfg.SenderEcho)
	req.Equal("chat-events", cfg.RedisChannel)
	req.Equal(256, cfg.SendBuffer)
	req.Equal(5*time.Second, cfg.PersistTimeout)
	req.Equal(24*time.Hour, cfg.TokenTTL)
	req.Empty(cfg.RedisAddr)
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DB_DSN", "")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()

	require.Error(t, err)
}

func TestLoad_OriginsAndEcho(t *testing.T) {
	req := require.New(t)
	t.Setenv("DB_DSN", "postgres://chat@localhost/chat")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("ALLOWED_ORIGINS", "http://localhost:5173,https://chat.example.com")
	t.Setenv("SENDER_ECHO", "other-connections")

	cfg, err := Load()

	req.NoError(err)
	req.Equal([]string{"http://localhost:5173", "https://chat.example.com"}, cfg.AllowedOrigins)
	req.Equal(EchoOtherConnections, cfg.SenderEcho)
}

func TestValidate_RejectsUnknownEcho(t *testing.T) {
	cfg := Config{SenderEcho: "sometimes", SendBuffer: 1, PersistTimeout: time.Second}

	require.ErrorContains(t, cfg.Validate(), "SENDER_ECHO")
}

func TestNewLogger_TextFormat(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer
	cfg := Config{LogLevel: "debug", LogFormat: "text"}

	log := cfg.NewLogger(&buf)
	log.Debug("hello", "user", 7)

	req.Contains(buf.String(), "msg=hello")
	req.Contains(buf.String(), "user=7")
}
