package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabian4/edgeproxy/internal/admin"
	"github.com/fabian4/edgeproxy/internal/config"
	fwd "github.com/fabian4/edgeproxy/internal/forward"
	"github.com/fabian4/edgeproxy/internal/janitor"
	"github.com/fabian4/edgeproxy/internal/kvstore"
	"github.com/fabian4/edgeproxy/internal/logging"
	"github.com/fabian4/edgeproxy/internal/proxy"
	"github.com/fabian4/edgeproxy/internal/tracing"
	"github.com/fabian4/edgeproxy/internal/version"
)

const shutdownTimeout = 5 * time.Second

var runFlags struct {
	noWatch bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the proxy",
	Long: `Start the proxy listener and, when admin.listen is set, the admin listener.

The config file is watched and valid edits are applied without a restart.
Listener addresses, logging, tracing and the store are read once at startup.`,
	Args: cobra.NoArgs,
	RunE: runProxy,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runFlags.noWatch, "no-watch", false, "disable config hot reload")
}

func runProxy(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(c.Logging, os.Stdout)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := kvstore.Open(ctx, c.Store)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer func() { _ = store.Close() }()

	tracer, err := tracing.New(ctx, c.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	transports := fwd.NewDefaultRegistry()
	gw, err := proxy.New(c,
		proxy.WithStore(store),
		proxy.WithTransports(transports),
		proxy.WithTracer(tracer),
		proxy.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	if !runFlags.noWatch {
		err := config.Watch(ctx, cfgFile, logger, func(next *config.Config) {
			if next.Listen != c.Listen || next.Admin.Listen != c.Admin.Listen {
				logger.Warn("listener address changes need a restart",
					"listen", next.Listen, "admin_listen", next.Admin.Listen)
			}
			gw.UpdateState(next)
			logger.Info("config reloaded", "routes", len(next.Routes))
		})
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
	}

	jan, err := janitor.New(c.Maintenance.SweepSchedule, logger)
	if err != nil {
		return err
	}
	jan.Add("gateway", gw.Sweep)
	if sw, ok := store.(kvstore.Sweeper); ok {
		jan.Add("store", sw.Sweep)
	}
	if err := jan.Start(ctx); err != nil {
		return err
	}

	servers := []*http.Server{{
		Addr:              c.Listen,
		Handler:           gw,
		ReadTimeout:       c.Timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      c.Timeouts.Write,
		IdleTimeout:       60 * time.Second,
	}}
	if c.Admin.Listen != "" {
		servers = append(servers, &http.Server{
			Addr:              c.Admin.Listen,
			Handler:           admin.New(gw, logger),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	logger.Info("edgeproxy starting",
		"version", version.String(),
		"listen", c.Listen,
		"admin_listen", c.Admin.Listen,
		"routes", len(c.Routes),
		"store", c.Store.Type,
		"tracing", tracer.Enabled(),
	)

	errc := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errc:
		logger.Error("listener failed", "error", runErr)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", "addr", srv.Addr, "error", err)
		}
	}
	jan.Stop()
	gw.Wait()
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", "error", err)
	}
	transports.CloseIdle()
	return runErr
}
