package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"foreman/internal/app"
	"foreman/internal/model"
	"foreman/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long:  "Serves the gate, session and backlog API. Runs started over HTTP belong to this process and stop with it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace, logger *slog.Logger) error {
				authCfg := server.AuthConfig{
					JWTSecret:        os.Getenv("FOREMAN_JWT_SECRET"),
					AllowActorHeader: allowActorHeader,
				}
				registry := app.NewRegistry()
				defer registry.Shutdown()

				var runner server.Runner
				o, err := newOrchestrator(ws, registry, logger)
				switch {
				case err == nil:
					runner = o
				case errors.Is(err, model.ErrAPIKeyRequired):
					logger.Warn("model provider not configured; POST /sessions is disabled", "err", err)
				default:
					return err
				}

				handler, err := server.New(server.Config{
					Repo:     ws.Repo,
					Registry: registry,
					Runner:   runner,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					server.NewWebhookDispatcher(ws.Repo, ws.Config.Webhooks, logger).Run(gctx)
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					registry.Shutdown()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					fmt.Printf("Serving foreman API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (local use only)")
	return cmd
}
