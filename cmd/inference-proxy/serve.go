package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/inference-client/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var configPath, listen, baseURL string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the inference proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, listen, baseURL)
			if err != nil {
				return err
			}
			logger := logging.Setup(cfg.Logging)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rdb, err := newRedisClient(ctx, cfg.Redis)
			if err != nil {
				return err
			}
			if rdb != nil {
				defer func() { _ = rdb.Close() }()
				logger.Info().Str("prefix", cfg.Redis.Prefix).Msg("Using Redis response cache")
			}

			var reg *prometheus.Registry
			if cfg.Metrics.Enabled {
				reg = prometheus.NewRegistry()
				reg.MustRegister(
					collectors.NewGoCollector(),
					collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
				)
			}

			c, tracker, err := buildClient(cfg, rdb, registerer(reg), logger)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			logger.Info().
				Str("base_url", cfg.Client.BaseURL).
				Str("listen", cfg.Listen).
				Bool("metrics", cfg.Metrics.Enabled).
				Msg("Inference proxy configured")

			srv := NewServer(cfg.Listen, c, tracker, rdb, gatherer(reg), cfg.Metrics.Path, logger)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "inference server base URL (overrides config)")
	return cmd
}

// registerer and gatherer avoid typed-nil interfaces when metrics are off.
func registerer(reg *prometheus.Registry) prometheus.Registerer {
	if reg == nil {
		return nil
	}
	return reg
}

func gatherer(reg *prometheus.Registry) prometheus.Gatherer {
	if reg == nil {
		return nil
	}
	return reg
}
