// Command mock-ingress runs a local collector that accepts log batches and
// answers time sync requests, for trying the shipper without an account.
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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sofatutor/logshipper/internal/ingress"
	"github.com/sofatutor/logshipper/internal/logging"
)

// For testing
var osExit = os.Exit

type serveOptions struct {
	listenAddr string
	privateKey string
	timeOffset time.Duration
	logLevel   string
	logFormat  string
}

func newRootCmd(signals <-chan os.Signal) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:          "mock-ingress",
		Short:        "Run a local log collector",
		Long:         `Accept log batches on ` + ingress.LogPath + ` and answer ` + ingress.TimePath + `, logging what arrives.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(opts, signals)
		},
	}
	cmd.Flags().StringVar(&opts.listenAddr, "listen", ":8090", "Listen address")
	cmd.Flags().StringVar(&opts.privateKey, "private-key", "", "Reject batches without this bearer key")
	cmd.Flags().DurationVar(&opts.timeOffset, "time-offset", 0, "Offset added to the reported collector time")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "debug", "Log level")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "console", "Log format (json or console)")
	return cmd
}

func serve(opts *serveOptions, signals <-chan os.Signal) error {
	logger, err := logging.NewLogger(opts.logLevel, opts.logFormat, "")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gin.SetMode(gin.ReleaseMode)
	srv := ingress.NewServer(ingress.Config{
		ListenAddr: opts.listenAddr,
		PrivateKey: opts.privateKey,
		TimeOffset: opts.timeOffset,
		Logger:     logger,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Mock ingress starting", zap.String("addr", opts.listenAddr))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("mock ingress failed: %w", err)
		}
		return nil
	case <-signals:
	}
	logger.Info("Mock ingress shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("mock ingress forced to shutdown: %w", err)
	}
	logger.Info("Mock ingress exited gracefully", zap.Int("batches", len(srv.Requests())))
	return nil
}

func main() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	if err := newRootCmd(signals).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		osExit(1)
	}
}
