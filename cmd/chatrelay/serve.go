package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/chatrelay/internal/config"
	"github.com/zulandar/chatrelay/internal/db"
	"github.com/zulandar/chatrelay/internal/dify"
	"github.com/zulandar/chatrelay/internal/relay"
	"github.com/zulandar/chatrelay/internal/retention"
	"github.com/zulandar/chatrelay/internal/server"
	"github.com/zulandar/chatrelay/internal/store"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat relay HTTP server",
		Long: `Starts the HTTP server: the streaming chat endpoint, the conversation
history API, /healthz and /metrics. The schema is migrated and the configured
apps are seeded on startup. Stops gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chatrelay config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.Init(gormDB, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "Database ready (%s), %d apps configured\n", cfg.Database.Driver, len(cfg.Apps))

	st, err := store.New(gormDB)
	if err != nil {
		return err
	}
	client, err := dify.NewClient(dify.ClientOpts{
		BaseURL:           cfg.Upstream.BaseURL,
		Timeout:           cfg.Upstream.Timeout,
		RequestsPerMinute: cfg.Upstream.RequestsPerMinute,
	})
	if err != nil {
		return err
	}
	rl, err := relay.New(relay.Opts{
		Store:            st,
		Upstream:         relay.ClientUpstream{Client: client},
		User:             cfg.Upstream.User,
		CompleteAttempts: cfg.Upstream.CompleteAttempts,
		RetryBackoff:     250 * time.Millisecond,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Retention.Enabled() {
		sweeper, err := retention.New(retention.Opts{
			Store:    st,
			Schedule: cfg.Retention.Schedule,
			MaxAge:   time.Duration(cfg.Retention.MaxAgeDays) * 24 * time.Hour,
		})
		if err != nil {
			return err
		}
		go sweeper.Run(ctx)
		fmt.Fprintf(out, "Retention: purging conversations older than %d days (%s)\n", cfg.Retention.MaxAgeDays, cfg.Retention.Schedule)
	}

	return server.Start(ctx, server.StartOpts{
		Store: st,
		Relay: rl,
		Addr:  cfg.Addr(),
		Out:   out,
	})
}

// loadConfig reads the config file (defaults when absent) and loads the env
// file it names.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.LoadEnvFile(); err != nil {
		return nil, err
	}
	return cfg, nil
}

