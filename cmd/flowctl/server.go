package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/flowctl/internal/engine"
	"github.com/rendis/flowctl/internal/scheduler"
	"github.com/rendis/flowctl/internal/streaming"
	flowmcp "github.com/rendis/flowctl/pkg/mcp"
)

func newServerCmd(a *app) *cobra.Command {
	var withMCP bool
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run a dispatcher with the scheduler, metrics endpoint and MCP tools",
		Long: "server runs one dispatcher. Several servers may share a PostgreSQL database; " +
			"each claims tasks under its own worker id and recovers the tasks of dead workers.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx); err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			hub := streaming.NewMemoryHub()
			d, err := a.newDispatcher(reg, engine.WithHub(hub))
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return d.Run(gctx) })

			if a.cfg.Scheduler.Enabled {
				sch := scheduler.NewScheduler(a.store, a.ctrl, a.logger, a.cfg.Scheduler.Tick)
				if err := sch.Start(gctx); err != nil {
					return err
				}
				g.Go(func() error {
					<-gctx.Done()
					return sch.Stop()
				})
			}

			if addr := a.cfg.Metrics.Addr; addr != "" {
				srv := &http.Server{Addr: addr, Handler: metricsHandler(reg), ReadHeaderTimeout: 5 * time.Second}
				g.Go(func() error {
					a.logger.Info("metrics listening", "addr", addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}

			if withMCP || a.cfg.MCP.Enabled {
				ms := flowmcp.NewServer(flowmcp.ServerDeps{
					Controller:    a.ctrl,
					Hub:           hub,
					Project:       a.cfg.Project,
					Logger:        a.logger,
					WatchInterval: a.cfg.MCP.WatchInterval,
				})
				g.Go(func() error { return ms.Serve(gctx) })
			}

			a.logger.Info("flowctl server started", "worker_id", d.WorkerID(), "project", a.cfg.Project)
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&withMCP, "mcp", false, "Serve MCP tools over stdio")
	return cmd
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
