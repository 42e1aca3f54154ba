package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fechatter/realtime-core/internal/auth"
	"github.com/fechatter/realtime-core/internal/eventbus"
	"github.com/fechatter/realtime-core/internal/fanout"
	"github.com/fechatter/realtime-core/internal/storage/cache"
	"github.com/fechatter/realtime-core/internal/storage/postgres"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "fechatter-fanout").Logger()
	if env("ENV", "") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	pgURL := env("DATABASE_URL", "")
	if pgURL == "" {
		log.Error().Msg("DATABASE_URL is required")
		os.Exit(1)
	}
	pool, err := postgres.Open(ctx, pgURL)
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to postgres")
		os.Exit(2)
	}
	defer pool.Close()

	natsURL := env("NATS_URL", "")
	durableBus, err := eventbus.NewJetStreamBus(eventbus.JetStreamConfig{URL: natsURL})
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to durable event bus")
		os.Exit(2)
	}
	defer durableBus.Close()

	rawNatsURL := natsURL
	if rawNatsURL == "" {
		rawNatsURL = nats.DefaultURL
	}
	natsConn, err := nats.Connect(rawNatsURL, nats.Name("fechatter-fanout-ephemeral"))
	if err != nil {
		log.Error().Err(err).Msg("failed to connect ephemeral nats lane")
		os.Exit(2)
	}
	defer natsConn.Close()
	ephemeralBus := eventbus.NewEphemeralBus(natsConn)

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
	_ = auth.InitJWKSCache(jwtCfg)

	chats := postgres.NewChatRepo(pool)
	members := postgres.NewMemberRepo(pool)
	hub := fanout.NewHub()

	consumerName := env("FANOUT_CONSUMER_NAME", "fanout")
	consumer := fanout.NewConsumer(hub, durableBus, members, membershipCache.Get, membershipCache.Invalidate)
	if err := consumer.Start(ctx, consumerName); err != nil {
		log.Error().Err(err).Msg("failed to subscribe to durable event bus")
		os.Exit(2)
	}

	srv := &fanout.Server{
		Hub:          hub,
		Chats:        chats,
		Members:      members,
		Cache:        membershipCache,
		JWTCfg:       jwtCfg,
		Consumer:     consumer,
		Ephemeral:    ephemeralBus,
		ConsumerName: consumerName,
	}

	httpAddr := env("HTTP_ADDR", ":8081")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections stream indefinitely
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting fan-out HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("fan-out HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("fan-out HTTP server shutdown error")
		os.Exit(64)
	}

	log.Info().Int("remaining_connections", hub.ConnectionCount()).Msg("fan-out stopped")
}
