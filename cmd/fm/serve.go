package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"foreman/internal/logutils"
	"foreman/internal/notify"
	"foreman/internal/server"
	"foreman/internal/sweep"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noSweep, allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the sweeper and notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer ws.Close()
			cfg := ws.Config
			if !cmd.Flags().Changed("addr") {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:        jwtSecret(cfg),
				AllowActorHeader: allowActorHeader || cfg.Server.AllowActorHeader,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
				return errors.New("server.jwt_secret or FOREMAN_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   ws.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Log:      logutils.Component(ws.Log, "http"),
			})
			if err != nil {
				return err
			}

			sinks, closeSinks, err := notify.FromConfig(cfg)
			if err != nil {
				return fmt.Errorf("notify sinks: %w", err)
			}
			defer closeSinks()
			dispatcher := &notify.Dispatcher{
				Repo:      ws.Engine.Repo,
				Sinks:     sinks,
				Interval:  cfg.Notify.PollInterval,
				BatchSize: cfg.Notify.BatchSize,
				Metrics:   ws.Engine.Metrics,
				Log:       logutils.Component(ws.Log, "notify"),
				Now:       ws.Engine.Now,
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				ws.Log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving foreman api")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if !noSweep {
				sweeper := sweep.New(ws.Engine, cfg, logutils.Component(ws.Log, "sweep"))
				g.Go(func() error { return sweeper.Run(ctx) })
			}
			g.Go(func() error { return dispatcher.Run(ctx) })
			if !viper.GetBool("json") {
				fmt.Printf("Serving Foreman API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path (overrides server.base_path)")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not run the background sweeper")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id/X-Actor-Type without credentials (development only)")
	return cmd
}
