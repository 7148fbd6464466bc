package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"possync/internal/cache"
	"possync/internal/config"
	"possync/internal/events"
	"possync/internal/httpapi"
	"possync/internal/logging"
	"possync/internal/service"
	"possync/internal/store"
	pgstore "possync/internal/store/postgres"
	"possync/internal/store/redisstore"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogPretty)
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 3)

	remote, closeRemote, err := openRemote(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid remote store configuration")
	}
	if closeRemote != nil {
		closers = append(closers, closeRemote)
	}

	local, closeCache, err := openCache(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open local cache")
	}
	if closeCache != nil {
		closers = append(closers, closeCache)
	}

	publisher, err := openPublisher(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("event broker unavailable, order events disabled")
		publisher = events.NoopPublisher{}
	}
	closers = append(closers, publisher.Close)

	terminal := service.New(remote, local, publisher, service.Settings{
		StoreID:        cfg.StoreID,
		TerminalID:     cfg.TerminalID,
		RemoteTimeout:  cfg.RemoteTimeout,
		PurgeBatchSize: cfg.PurgeBatchSize,
	})
	source, err := terminal.Hydrate(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("hydrate terminal state")
	}
	log.Info().Str("source", string(source)).Int("orders", len(terminal.Orders())).Msg("terminal state loaded")

	if len(terminal.State().AdminPins) == 0 {
		if err := terminal.SetAdminPIN(context.Background(), "manager", cfg.ManagerPIN); err != nil {
			log.Warn().Err(err).Msg("seed manager pin")
		}
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		if err := terminal.Watch(watchCtx); err != nil && !errors.Is(err, store.ErrNotConfigured) {
			log.Error().Err(err).Msg("order feed stopped")
		}
	}()

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN)
	api := httpapi.New(terminal, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Address()).Str("store", cfg.StoreID).Str("terminal", cfg.TerminalID).Msg("possync listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown error")
	}
	stopWatch()
	<-watchDone

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Warn().Err(err).Msg("close error")
		}
	}

	log.Info().Msg("server stopped")
}

// openRemote picks postgres, then redis. With neither configured the
// terminal runs local-only and the returned store is nil. A configured store
// that cannot be reached yet is still returned: the terminal serves from its
// local cache and the store reconnects on its own.
func openRemote(ctx context.Context, cfg config.Config) (store.Remote, func() error, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := pgstore.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if err := pg.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("remote store: postgres unreachable, serving from local cache until it returns")
		} else {
			log.Info().Msg("remote store: postgres")
		}
		return pg, pg.Close, nil
	case cfg.RedisAddr != "":
		rs := redisstore.Open(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err := rs.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("remote store: redis unreachable, serving from local cache until it returns")
		} else {
			log.Info().Msg("remote store: redis")
		}
		return rs, rs.Close, nil
	default:
		log.Info().Msg("remote store: none, running local-only")
		return nil, nil, nil
	}
}

func openCache(cfg config.Config) (cache.LocalCache, func() error, error) {
	if cfg.LocalCachePath == "" {
		log.Info().Msg("local cache: memory")
		return cache.NewMemoryCache(), nil, nil
	}
	sqlite, err := cache.NewSQLiteCache(cfg.LocalCachePath)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("path", cfg.LocalCachePath).Msg("local cache: sqlite")
	return sqlite, sqlite.Close, nil
}

func openPublisher(cfg config.Config) (events.Publisher, error) {
	switch {
	case cfg.AMQPURL != "":
		log.Info().Str("exchange", cfg.AMQPExchange).Msg("order events: amqp")
		return events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	case len(cfg.KafkaBrokers) > 0:
		log.Info().Str("topic", cfg.KafkaTopic).Msg("order events: kafka")
		return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	default:
		return events.NoopPublisher{}, nil
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit, sequential
// or on the known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "147258": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
