package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"illustpub/internal/handlers"
	"illustpub/internal/logging"
	"illustpub/internal/services"
	"illustpub/internal/ws"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the curation API and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}
			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return err
			}

			runCtx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// WebSocket Hub
			hub := ws.NewHub(logger)
			go hub.Run()
			defer hub.Shutdown()

			a, err := buildApp(runCtx, cfg, logger, func(item services.MaterializeItem) {
				if item.Status != services.ItemCompleted {
					return
				}
				hub.Broadcast(ws.Message{
					Type:       ws.TypeImageReady,
					PID:        item.PID,
					MediaURL:   item.MediaURL,
					PreviewURL: item.PreviewURL,
				})
			})
			if err != nil {
				return err
			}
			defer a.Close()

			go a.tracker.Run(runCtx)
			go a.sessions.Run(runCtx)
			updates, unsubscribe := a.tracker.Subscribe(64)
			defer unsubscribe()
			go hub.Forward(runCtx, updates)

			api := handlers.NewAPI(handlers.Deps{
				Selector:  a.selector,
				Fetcher:   a.fetcher,
				Processor: a.processor,
				Publisher: a.publisher,
				Curator:   a.curator,
				Tracker:   a.tracker,
				Accounts:  a.accounts,
				Logger:    logger,
			})

			srv := &http.Server{
				Addr:              cfg.Server.Bind,
				Handler:           handlers.NewRouter(cfg, api, hub),
				ReadHeaderTimeout: 5 * time.Second,
			}

			serverErr := make(chan error, 1)
			go func() {
				logger.Info("server starting", "addr", cfg.Server.Bind)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			select {
			case <-runCtx.Done():
				logger.Info("shutting down")
				shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
				defer stop()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Error("server shutdown failed", "error", err)
					return err
				}
				return nil
			case err := <-serverErr:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "Listen address (overrides server.bind)")
	return cmd
}
