package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/forgemirror/pkg/observability"
	"github.com/Sumatoshi-tech/forgemirror/pkg/trigger"
)

const (
	serverShutdownTimeout = 10 * time.Second
	readHeaderTimeout     = 5 * time.Second
	webhookOp             = "webhook"
)

func newServeCommand(opts *globalOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve webhooks, health and metrics, and keep repositories in sync",
		Long: `Start the HTTP server and the background sync triggers.

Endpoints:
  POST /repos/{name}/refresh   schedule a sync of one repository
  POST /hooks/refresh          same, with {"repository": "<name>"}
  GET  /healthz                liveness
  GET  /readyz                 readiness (store reachable)
  GET  /metrics                Prometheus metrics

Repositories left mid-sync by a previous process are resumed on start.
sync.refresh_interval and sync.watch enable periodic and on-change syncs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, observability.ModeServe, func(a *app) error {
				return runServe(cmd.Context(), a, addr)
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.host:server.port)")

	return cmd
}

func (a *app) handler() (http.Handler, error) {
	webhook, err := trigger.NewWebhook(a.manager, a.logger)
	if err != nil {
		return nil, err
	}

	hooks := observability.HTTPMiddleware(a.providers.Tracer, a.red, webhookOp, webhook)

	mux := http.NewServeMux()
	mux.Handle("/repos/", hooks)
	mux.Handle("/hooks/", hooks)
	mux.Handle("GET /healthz", observability.HealthHandler())
	mux.Handle("GET /readyz", observability.ReadyHandler(func(ctx context.Context) error {
		_, err := a.store.Repositories(ctx)

		return err
	}))

	if a.providers.MetricsHandler != nil {
		mux.Handle("GET /metrics", a.providers.MetricsHandler)
	}

	return mux, nil
}

func runServe(ctx context.Context, a *app, addr string) error {
	cfg := a.cfg
	if addr == "" {
		addr = cfg.Server.Addr()
	}

	handler, err := a.handler()
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	var watcher *trigger.Watcher

	if cfg.Sync.Watch {
		if watcher, err = a.watcher(ctx); err != nil {
			return err
		}
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	if err := a.manager.Recover(ctx); err != nil {
		a.logger.WarnContext(ctx, "serve: could not resume interrupted syncs", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.InfoContext(gctx, "serve: listening", "addr", listener.Addr().String())

		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return trigger.NewScheduler(a.manager, a.manager, cfg.Sync.RefreshInterval, a.logger).Run(gctx)
	})

	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	return g.Wait()
}

// watcher watches every repository known at startup.
func (a *app) watcher(ctx context.Context) (*trigger.Watcher, error) {
	watcher, err := trigger.NewWatcher(a.manager, a.cfg.Sync.Debounce, a.logger)
	if err != nil {
		return nil, err
	}

	repos, err := a.manager.Repositories(ctx)
	if err != nil {
		return nil, err
	}

	for _, repo := range repos {
		if err := watcher.Add(repo.Name, repo.Path); err != nil {
			a.logger.WarnContext(ctx, "serve: repository not watched", "repository", repo.Name, "error", err)
		}
	}

	return watcher, nil
}
