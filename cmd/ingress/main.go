package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"net/http"

	"github.com/fechatter/realtime-core/internal/auth"
	"github.com/fechatter/realtime-core/internal/eventbus"
	"github.com/fechatter/realtime-core/internal/ingress"
	"github.com/fechatter/realtime-core/internal/outbox"
	"github.com/fechatter/realtime-core/internal/ratelimit"
	"github.com/fechatter/realtime-core/internal/storage/cache"
	"github.com/fechatter/realtime-core/internal/storage/postgres"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "fechatter-ingress").Logger()
	if env("ENV", "") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	pgURL := env("DATABASE_URL", "")
	if pgURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
		os.Exit(1)
	}

	pool, err := postgres.Open(ctx, pgURL)
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to postgres")
		os.Exit(2)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		log.Error().Err(err).Msg("failed to apply schema")
		os.Exit(2)
	}

	natsURL := env("NATS_URL", "")
	bus, err := eventbus.NewJetStreamBus(eventbus.JetStreamConfig{URL: natsURL})
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to event bus")
		os.Exit(2)
	}
	defer bus.Close()

	rdb := redis.NewClient(&redis.Options{Addr: env("REDIS_ADDR", "localhost:6379")})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Msg("failed to connect to redis")
		os.Exit(2)
	}
	defer rdb.Close()
	membershipCache := cache.NewMembershipCache(rdb, env("CACHE_PREFIX", "fechatter"))

	jwtCfg := auth.JWTCfg{
		HS256Secret: env("JWT_HS256_SECRET", "dev-secret-change-in-production"),
		DevMode:     env("ENV", "") == "dev",
		Issuer:      env("JWT_ISSUER", ""),
		JWKSURL:     env("JWT_JWKS_URL", ""),
		Audience:    env("JWT_AUDIENCE", ""),
	}
	if (jwtCfg.JWKSURL != "") != (jwtCfg.Issuer != "") {
		log.Error().Msg("JWT_ISSUER and JWT_JWKS_URL must both be set or both be empty")
		os.Exit(1)
	}
	if !jwtCfg.DevMode && (jwtCfg.HS256Secret == "" || jwtCfg.HS256Secret == "dev-secret-change-in-production") {
		log.Error().Msg("JWT_HS256_SECRET must be set to a strong secret outside dev mode")
		os.Exit(1)
	}

	messages := postgres.NewMessageRepo(pool)
	chats := postgres.NewChatRepo(pool)
	members := postgres.NewMemberRepo(pool)
	outboxRepo := postgres.NewOutboxRepo(pool)

	limiter := ratelimit.NewPerChatLimiter(
		envInt("RATE_LIMIT_BURST", ratelimit.DefaultBurst),
		time.Duration(envInt("RATE_LIMIT_WINDOW_SECONDS", ratelimit.DefaultWindowSeconds))*time.Second,
	)
	defer limiter.Stop()

	dispatcher := outbox.NewDispatcher(outboxRepo, messages, members, bus)
	sweeper := outbox.NewSweeper(dispatcher, 5*time.Minute)

	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	go func() {
		if err := dispatcher.Run(dispatchCtx); err != nil && dispatchCtx.Err() == nil {
			log.Error().Err(err).Msg("outbox dispatcher stopped unexpectedly")
		}
	}()
	go func() {
		if err := sweeper.Run(dispatchCtx); err != nil && dispatchCtx.Err() == nil {
			log.Error().Err(err).Msg("outbox sweeper stopped unexpectedly")
		}
	}()

	srv := &ingress.Server{
		Messages: messages,
		Chats:    chats,
		Members:  members,
		Cache:    membershipCache,
		Limiter:  limiter,
		JWTCfg:   jwtCfg,
	}

	httpAddr := env("HTTP_ADDR", ":8080")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting ingress HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("ingress HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully")
	cancelDispatch()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ingress HTTP server shutdown error")
		os.Exit(64)
	}

	log.Info().Msg("ingress stopped")
}
