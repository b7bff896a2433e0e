package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"tg-forward-bot/internal/adapters/bot"
	"tg-forward-bot/internal/adapters/mtproto"
	"tg-forward-bot/internal/adapters/repo"
	"tg-forward-bot/internal/domain"
	"tg-forward-bot/internal/infra/cache"
	"tg-forward-bot/internal/infra/config"
	"tg-forward-bot/internal/infra/db"
	apphttp "tg-forward-bot/internal/infra/http"
	"tg-forward-bot/internal/infra/log"
	"tg-forward-bot/internal/infra/metrics"
	"tg-forward-bot/internal/usecase/forwarding"
	"tg-forward-bot/internal/usecase/rules"
	"tg-forward-bot/internal/usecase/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := log.NewLogger("")
		bootLogger.Fatal().Err(err).Msg("не удалось загрузить конфигурацию")
	}
	logger := log.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("не удалось открыть хранилище")
	}
	defer closeStore()

	guard, closeGuard, err := openGuard(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к Redis")
	}
	defer closeGuard()

	botAPI, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать бота")
	}
	logger.Info().Str("bot", botAPI.Self.UserName).Msg("бот авторизован")

	rulesService := rules.NewService(store)
	sessions := session.NewManager(mtproto.NewFactory(component(logger, "mtproto")), component(logger, "session"))
	defer sessions.Close()

	dispatcher := forwarding.NewDispatcher(rulesService, sessions, bot.NewRelay(botAPI), guard, cfg.RelayGuardTTL, component(logger, "dispatcher"))
	forwarder := forwarding.NewService(rulesService, sessions, dispatcher, component(logger, "forwarding"))
	sessions.OnAuthenticated(forwarder.Authenticated)

	handler := bot.NewHandler(botAPI, rulesService, forwarder, sessions, component(logger, "bot"))

	srv := apphttp.NewServer(logger)
	go func() {
		if err := srv.Start(cfg.Addr()); err != nil {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
			stop()
		}
	}()

	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = cfg.Bot.PollTimeout
	updates := botAPI.GetUpdatesChan(updateCfg)

	logger.Info().Msg("бот запущен")
	handler.Run(ctx, updates)

	logger.Info().Msg("остановка бота")
	botAPI.StopReceivingUpdates()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ошибка остановки HTTP сервера")
	}
}

func component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func openStore(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) (domain.ConfigRepo, func(), error) {
	if cfg.Storage.Backend == config.StoragePostgres {
		pool, err := db.Connect(ctx, cfg.Storage.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		store := repo.NewPostgres(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info().Msg("правила хранятся в Postgres")
		return store, pool.Close, nil
	}
	store, err := repo.NewFileStore(cfg.Storage.DataDir)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Str("dir", cfg.Storage.DataDir).Msg("правила хранятся в файлах")
	return store, func() {}, nil
}

func openGuard(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) (domain.RelayGuard, func(), error) {
	if cfg.RedisAddr == "" {
		return cache.NewMemory(), func() {}, nil
	}
	client, err := cache.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("защита от дублей пересылки в Redis")
	return cache.NewRedis(client), func() { _ = client.Close() }, nil
}
