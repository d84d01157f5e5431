package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	gatherly "github.com/gatherly-app/gatherly/sdk/golang"
)

func newLogger(cfg *Config) zerolog.Logger {
	level := cfg.Default.LogLevel
	if verbose {
		level = "debug"
	}
	return gatherly.NewLogger(level, true)
}

func requireSession(cfg *Config) error {
	if cfg.Auth.Token == "" || cfg.Auth.TenantID == "" {
		return fmt.Errorf("no credentials; run 'gatherly init <token> <tenant>' first")
	}
	if cfg.Default.BaseURL == "" {
		return fmt.Errorf("no base URL; run 'gatherly config set default.base_url <url>'")
	}
	return nil
}

func credentials(cfg *Config) gatherly.Credentials {
	return gatherly.Credentials{Token: cfg.Auth.Token, TenantID: cfg.Auth.TenantID}
}

// openQueue opens the on-disk queue with an HTTP replayer for the configured
// server.
func openQueue(ctx context.Context, cfg *Config, log zerolog.Logger) (*gatherly.MutationQueue, error) {
	store, err := gatherly.NewSQLiteQueueStore(ctx, cfg.Default.QueuePath)
	if err != nil {
		return nil, err
	}
	return gatherly.NewMutationQueue(gatherly.QueueConfig{
		Store:    store,
		Replayer: gatherly.NewClient(cfg.Default.BaseURL),
		Logger:   log,
	}), nil
}

func newTransport(cfg *Config) (gatherly.Transport, error) {
	switch cfg.Default.Transport {
	case "", "websocket":
		return gatherly.NewWebSocketTransport(cfg.Default.BaseURL), nil
	case "redis":
		if cfg.Default.RedisAddr == "" {
			return nil, fmt.Errorf("transport is redis but default.redis_addr is not set")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.Default.RedisAddr})
		return gatherly.NewRedisTransport(client, cfg.Default.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Default.Transport)
	}
}

// newSyncClient builds the full client over the on-disk queue.
func newSyncClient(ctx context.Context, cfg *Config, log zerolog.Logger) (*gatherly.SyncClient, error) {
	if err := requireSession(cfg); err != nil {
		return nil, err
	}
	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	store, err := gatherly.NewSQLiteQueueStore(ctx, cfg.Default.QueuePath)
	if err != nil {
		return nil, err
	}
	return gatherly.NewSyncClient(gatherly.SyncConfig{
		BaseURL:     cfg.Default.BaseURL,
		Credentials: credentials(cfg),
		SelfID:      cfg.Auth.MemberID,
		SelfName:    cfg.Auth.MemberName,
		Transport:   transport,
		Store:       store,
		Logger:      log,
	}), nil
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
