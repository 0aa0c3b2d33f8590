package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var validate = validator.New()

// Config carries the client-side knobs of the sync core. Everything has a
// usable default; a config file or environment variables override.
type Config struct {
	// ServerURL is the base URL of the REST collaborator.
	ServerURL string `mapstructure:"server_url" validate:"required,url"`
	// SocketURL is the websocket endpoint of the event surface.
	SocketURL string `mapstructure:"socket_url" validate:"required"`
	// HandshakeTimeout bounds connect plus the auth handshake.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" validate:"required"`
	// ReconnectBase and ReconnectCap shape the reconnection backoff.
	ReconnectBase time.Duration `mapstructure:"reconnect_base" validate:"required"`
	ReconnectCap  time.Duration `mapstructure:"reconnect_cap" validate:"required"`
	// MaxReconnectAttempts bounds automatic reconnection before the
	// connection is reported as failed.
	MaxReconnectAttempts uint64 `mapstructure:"max_reconnect_attempts" validate:"gte=1"`
	// TypingWindow is the typing emit throttle and expiry window.
	TypingWindow time.Duration `mapstructure:"typing_window" validate:"required"`
	// HistoryPageSize is the REST backfill page size.
	HistoryPageSize int `mapstructure:"history_page_size" validate:"gte=1,lte=100"`
	// CacheFile is the sqlite message cache path. Empty disables the cache.
	CacheFile string `mapstructure:"cache_file"`
}

// Load reads roomsync.yaml from the working directory (when present) and the
// environment, e.g. ROOMSYNC_SERVER_URL.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("roomsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("roomsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server_url", "http://localhost:8080/api")
	v.SetDefault("socket_url", "ws://localhost:8080/sync")
	v.SetDefault("handshake_timeout", "10s")
	v.SetDefault("reconnect_base", "1s")
	v.SetDefault("reconnect_cap", "30s")
	v.SetDefault("max_reconnect_attempts", 5)
	v.SetDefault("typing_window", "3s")
	v.SetDefault("history_page_size", 50)
	v.SetDefault("cache_file", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
		)),
	); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}
