package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"jobline/internal/app"
	"jobline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, devLogin, noWebhooks bool
	var corsOrigins []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long: `Serves the REST API, Swagger UI at /docs and Prometheus metrics at /metrics.
Bearer tokens are verified with JOBLINE_JWT_SECRET; shop terminals can use API keys (jl apikey create).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			e, closeFn, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: log, Registry: reg})
			if err != nil {
				return err
			}
			defer closeFn()

			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				AllowActorHeader: allowActorHeader,
				DevLogin:         devLogin,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("JOBLINE_JWT_SECRET is required unless --allow-actor-header is set")
			}
			if devLogin && authCfg.JWTSecret == "" {
				return fmt.Errorf("--dev-login needs JOBLINE_JWT_SECRET to sign tokens")
			}
			if allowActorHeader {
				log.Warn("X-Actor-Id header auth enabled; do not expose this server")
			}
			handler, err := server.New(server.Config{
				Engine:      e,
				BasePath:    basePath,
				Auth:        authCfg,
				CORSOrigins: corsOrigins,
				Logger:      log.Named("http"),
			})
			if err != nil {
				return err
			}

			if !noWebhooks {
				go server.NewWebhookDispatcher(e, log).Run(ctx)
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Warn("shutdown", zap.Error(err))
				}
			}()
			log.Info("serving jobline API",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.Strings("cors_origins", corsOrigins),
			)
			fmt.Printf("Serving Jobline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				addr, basePath, strings.TrimSuffix(basePath, "/"))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (local use only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	cmd.Flags().BoolVar(&noWebhooks, "no-webhooks", false, "do not deliver webhooks")
	cmd.Flags().StringSliceVar(&corsOrigins, "cors-origin", nil, "allowed CORS origin (repeatable)")
	return cmd
}
