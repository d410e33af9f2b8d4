package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/storage"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	load := func() (config.ServerConfig, error) {
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return config.ServerConfig{}, fmt.Errorf("read config %s: %w", cfgFile, err)
			}
		}
		v.AutomaticEnv()
		return config.LoadServerConfig(v)
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch API, feed relay and driver sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logging.NewLogger(cfg.LogLevel))
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations to PG_DSN",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.PGDSN == "" {
				return fmt.Errorf("PG_DSN is required")
			}
			if err := storage.Migrate(cfg.PGDSN); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "migrations applied")
			return nil
		},
	}

	root := &cobra.Command{
		Use:           "ride-dispatch",
		Short:         "Ride dispatch and driver coordination service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("http-addr", "", "HTTP listen address")
	flags.String("pg-dsn", "", "Postgres DSN; in-memory store when empty")
	flags.String("redis-addr", "", "Redis address for the driver geo index")
	flags.String("kafka-brokers", "", "comma separated Kafka brokers")
	flags.String("feed-transport", "", "ride feed transport: memory, kafka or postgres")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.Bool("migrate", false, "apply migrations before serving")

	for key, flag := range map[string]string{
		"HTTP_ADDR":      "http-addr",
		"PG_DSN":         "pg-dsn",
		"REDIS_ADDR":     "redis-addr",
		"KAFKA_BROKERS":  "kafka-brokers",
		"FEED_TRANSPORT": "feed-transport",
		"LOG_LEVEL":      "log-level",
		"MIGRATE":        "migrate",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(serve, migrateCmd)
	return root
}
