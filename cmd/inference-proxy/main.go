package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Sternrassler/inference-client/pkg/cache"
	"github.com/Sternrassler/inference-client/pkg/client"
	"github.com/Sternrassler/inference-client/pkg/config"
	"github.com/Sternrassler/inference-client/pkg/logging"
	"github.com/Sternrassler/inference-client/pkg/metrics"
	"github.com/Sternrassler/inference-client/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "inference-proxy",
		Short:         "Resilient caching proxy for OpenAI-compatible inference servers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newCheckCmd(),
		newBatchCmd(),
	)
	return root
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(path, listen, baseURL string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if baseURL != "" {
		cfg.Client.BaseURL = baseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newRedisClient connects to the configured Redis. It returns nil when Redis
// is not configured.
func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	var opts *redis.Options
	if strings.Contains(cfg.URL, "://") {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: cfg.URL}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// buildClient assembles the inference client with its cache backend,
// observers and upstream quota tracker. reg may be nil to skip metrics.
func buildClient(cfg *config.Config, rdb *redis.Client, reg prometheus.Registerer, logger zerolog.Logger, extra ...client.Option) (*client.Client, *ratelimit.Tracker, error) {
	observers := []client.Observer{logging.NewObserver(logger)}
	trackerReg := reg
	if reg != nil {
		observers = append(observers, metrics.NewObserver(reg))
	} else {
		trackerReg = prometheus.NewRegistry()
	}

	trackerOpts := []ratelimit.Option{
		ratelimit.WithLogger(logger.With().Str("component", "ratelimit").Logger()),
	}
	if rdb != nil {
		prefix := ""
		if cfg.Redis.Prefix != "" {
			prefix = cfg.Redis.Prefix + "ratelimit:"
		}
		trackerOpts = append(trackerOpts, ratelimit.WithRedis(rdb, prefix))
	}
	tracker := ratelimit.NewTracker(trackerReg, trackerOpts...)

	opts := []client.Option{
		client.WithLogger(logger.With().Str("component", "inference-client").Logger()),
		client.WithObserver(client.MultiObserver(observers...)),
		client.WithHeaderHook(tracker.Observe),
	}
	if rdb != nil {
		opts = append(opts, client.WithStore(newCacheStore(cfg, rdb, logger)))
	}
	opts = append(opts, extra...)

	c, err := client.New(cfg.Client, opts...)
	if err != nil {
		return nil, nil, err
	}
	return c, tracker, nil
}

// newCacheStore builds the shared response cache. An unset prefix keeps
// cache.DefaultRedisPrefix.
func newCacheStore(cfg *config.Config, rdb *redis.Client, logger zerolog.Logger) *cache.RedisStore {
	return cache.NewRedisStore(rdb, cfg.Client.Cache,
		cache.WithPrefix(cfg.Redis.Prefix),
		cache.WithLogger(logger.With().Str("component", "redis-cache").Logger()),
	)
}
