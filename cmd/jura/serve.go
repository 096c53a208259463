package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"jura/internal/config"
	"jura/internal/conversation"
	"jura/internal/logging"
	"jura/internal/metrics"
	"jura/internal/orchestrator"
	"jura/internal/persistence"
	"jura/internal/reconcile"
	"jura/internal/server"
	"jura/internal/transport"
)

func newServeCommand(cli *CLI) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cli.cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			level := logging.ParseLevel(cfg.Logging.Level)
			if cli.debug {
				level = logging.DEBUG
			}
			logging.SetLevel(level)
			logger := logging.NewComponentLogger("Server")

			store := conversation.NewStore(cfg.StoreSettings(), logger)
			defer store.Close()

			var saver persistence.TurnSaver = persistence.NopSaver{}
			var history server.HistoryReader
			if cfg.Persistence.Enabled {
				fs, err := persistence.NewFileStore(cfg.Persistence.Dir, logger)
				if err != nil {
					return fmt.Errorf("open turn log: %w", err)
				}
				saver = fs
				history = fs
			}

			registry := prometheus.NewRegistry()
			streamMetrics := metrics.New(registry)

			client := transport.NewClient(cfg.TransportConfig(), logger)
			orch := orchestrator.New(
				orchestrator.NewTransportOpener(client),
				store,
				reconcile.New(logger),
				saver,
				logger,
				streamMetrics,
			)

			srv := server.New(orch, server.Options{
				Addr:         cfg.Server.Addr,
				AllowOrigins: cfg.Server.AllowOrigins,
				Agents:       []server.AgentInfo{{Name: cfg.Agent.Name}},
				History:      history,
				Registry:     registry,
			}, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Printf("%s listening on %s, relaying to %s\n",
				bold("jura"), green(cfg.Server.Addr), cyan(cfg.Agent.BaseURL))

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx) })
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}
