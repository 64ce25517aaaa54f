package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tddf-cli/internal/api"
	"github.com/sells-group/tddf-cli/internal/config"
	"github.com/sells-group/tddf-cli/internal/monitoring"
	"github.com/sells-group/tddf-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for uploads and run history",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		srv, err := newAPIServer(cfg, st)
		if err != nil {
			return err
		}

		alerter := monitoring.NewAlerter(cfg.Monitoring)
		collector := monitoring.NewCollector(st)
		collector.StaleAfter = time.Duration(cfg.Monitoring.StaleRunMinutes) * time.Minute
		checker := monitoring.NewChecker(collector, alerter, cfg.Monitoring)
		go checker.Run(ctx)

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newAPIServer wires the API handler for st from config.
func newAPIServer(c *config.Config, st store.Store) (*http.Server, error) {
	proc, err := newProcessor(c)
	if err != nil {
		return nil, err
	}
	handler := api.NewServer(api.Options{
		Store:          st,
		Processor:      proc,
		Alerter:        monitoring.NewAlerter(c.Monitoring),
		FlushSize:      c.Ingest.FlushSize,
		MaxUploadBytes: int64(c.Server.MaxUploadMB) << 20,
		AllowedOrigins: c.Server.AllowedOrigins,
	}).Handler()

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", c.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
