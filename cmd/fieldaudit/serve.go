package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fieldaudit/internal/platform/httpserver"
	"fieldaudit/pkg/audit/api"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the audit event query API and Prometheus metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Server.JWTSigningKey == "" {
				return fmt.Errorf("server.jwt_signing_key is required for serve")
			}

			db, st, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			promReg := prometheus.NewRegistry()
			promReg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			registry, err := a.buildRegistry()
			if err != nil {
				return err
			}

			tokens := api.NewTokenService(a.cfg.Server.JWTSigningKey, a.cfg.Server.JWTIssuer)
			handler := api.NewHandler(st, registry, a.log)
			router := api.NewRouter(handler, tokens, promReg, a.log)
			srv := httpserver.New(a.cfg.Server.Addr, router)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.log.Info("listening", "addr", a.cfg.Server.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				a.log.Info("shutting down")
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}
