package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/neura-orchestra/internal/relay"
	"github.com/ILLUVRSE/neura-orchestra/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API.

With NEURA_MIRROR_MODE=outbox, tracking calls are queued in the store and
forwarded by the relay. Run the relay in this process with --run-relay or
NEURA_RUN_RELAY=true.

Examples:
  neura-orchestra serve
  neura-orchestra serve --run-relay`,
	RunE: runServe,
}

var serveRunRelay bool

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveRunRelay, "run-relay", false, "forward outbox events to the tracking server")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if shouldRunRelay(serveRunRelay) {
		if a.service.Mode() != service.MirrorOutbox {
			logger.Warn().Str("mirror_mode", string(a.service.Mode())).Msg("relay started outside outbox mode; it will find no events")
		}
		go relay.RunWorker(ctx, a.store, a.mirror, a.relayConfig())
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.router().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("mirror_mode", cfg.MirrorMode).Msg("neura-orchestra listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}

func shouldRunRelay(flagValue bool) bool {
	if flagValue {
		return true
	}
	if v := os.Getenv("NEURA_RUN_RELAY"); v != "" {
		enabled, err := strconv.ParseBool(v)
		return err == nil && enabled
	}
	return false
}
