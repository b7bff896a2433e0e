package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"tg-forward-bot/internal/domain"
)

const (
	StorageFile     = "file"
	StoragePostgres = "postgres"
)

// AppConfig описывает конфигурацию сервиса.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" required:"true"`
	Token  string `envconfig:"TOKEN" required:"true"`

	Bot struct {
		PollTimeout int `envconfig:"BOT_POLL_TIMEOUT" default:"60"`
	} `envconfig:""`

	Storage struct {
		Backend string `envconfig:"STORAGE_BACKEND" default:"file"`
		DataDir string `envconfig:"DATA_DIR" default:"data"`
		PGDSN   string `envconfig:"PG_DSN"`
	} `envconfig:""`

	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RelayGuardTTL time.Duration `envconfig:"RELAY_GUARD_TTL" default:"10m"`
}

// Addr возвращает адрес HTTP сервера.
func (c AppConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Load загружает конфиг из окружения, предварительно подхватывая .env, если он есть.
func Load() (AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("чтение .env: %w", err)
	}
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("%w: %v", domain.ErrConfigurationMissing, err)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return AppConfig{}, fmt.Errorf("%w: TOKEN пустой", domain.ErrConfigurationMissing)
	}
	if cfg.Port <= 0 {
		return AppConfig{}, fmt.Errorf("%w: PORT должен быть положительным", domain.ErrConfigurationMissing)
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	switch cfg.Storage.Backend {
	case StorageFile:
	case StoragePostgres:
		if cfg.Storage.PGDSN == "" {
			return AppConfig{}, fmt.Errorf("%w: PG_DSN обязателен для STORAGE_BACKEND=postgres", domain.ErrConfigurationMissing)
		}
	default:
		return AppConfig{}, fmt.Errorf("неизвестный STORAGE_BACKEND %q", cfg.Storage.Backend)
	}
	return cfg, nil
}
