package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sofatutor/logshipper/internal/logging"
	"github.com/sofatutor/logshipper/internal/severity"
	"github.com/sofatutor/logshipper/pkg/shipper"
)

const (
	maxLineBytes    = 2 * 1024 * 1024
	shutdownTimeout = 30 * time.Second
)

type shipOptions struct {
	conn        connectionFlags
	severity    string
	category    string
	jsonLines   bool
	metricsAddr string
}

func newShipCmd() *cobra.Command {
	opts := &shipOptions{}
	cmd := &cobra.Command{
		Use:   "ship",
		Short: "Ship stdin lines until EOF or interrupt",
		Long: `Read log lines from stdin and ship them in batches. With --json every line
is an object; "text" (or "message"), "severity" (a name or a numeric level
such as 20 or 40) and "category" are taken from it and the remaining keys
are sent as extra fields.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShip(cmd, opts)
		},
	}
	opts.conn.register(cmd.Flags())
	cmd.Flags().StringVar(&opts.severity, "severity", "info", "Severity name for plain lines")
	cmd.Flags().StringVar(&opts.category, "category", "", "Category for lines without one")
	cmd.Flags().BoolVar(&opts.jsonLines, "json", false, "Parse every line as a JSON object")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func runShip(cmd *cobra.Command, opts *shipOptions) error {
	defaultSev, err := severity.Parse(opts.severity)
	if err != nil {
		return err
	}
	cfg, err := opts.conn.load(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	debugLogger, err := logging.NewDebugLogger(cfg.Debug, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize debug logger: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := shipper.New(append(cfg.ShipperOptions(),
		shipper.WithLogger(debugLogger),
		shipper.WithRegisterer(reg),
		shipper.WithCategory(opts.category),
	)...)
	if err := m.Configure(cfg.Shipper()); err != nil {
		return err
	}

	if opts.metricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Close() }()
		logger.Info("Serving metrics", zap.String("addr", opts.metricsAddr))
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ep := m.Endpoints()
	logger.Info("Shipping stdin", zap.String("log_url", ep.LogURL))
	lines, readErr := shipLines(ctx, cmd.InOrStdin(), m, opts, defaultSev)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := m.Stop(stopCtx); err != nil {
		logger.Warn("Shutdown did not finish draining", zap.Error(err))
	}
	logger.Info("Finished shipping", zap.Int("lines", lines))
	fmt.Fprintf(cmd.OutOrStdout(), "shipped %d lines to %s\n", lines, ep.LogURL)
	return readErr
}

// shipLines reads r line by line until EOF or ctx is done and returns the
// number of lines handed to m.
func shipLines(ctx context.Context, r io.Reader, m *shipper.Manager, opts *shipOptions, sev severity.Severity) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	done := make(chan struct{})
	defer close(done)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return n, nil
		case line, ok := <-lines:
			if !ok {
				if err := scanner.Err(); err != nil {
					return n, fmt.Errorf("failed to read input: %w", err)
				}
				return n, nil
			}
			if err := shipLine(m, line, opts, sev); err != nil {
				return n, err
			}
			n++
		}
	}
}

func shipLine(m *shipper.Manager, line string, opts *shipOptions, sev severity.Severity) error {
	if !opts.jsonLines {
		m.Log(sev, line, opts.category, nil)
		return nil
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil || obj == nil {
		m.Log(sev, line, opts.category, nil)
		return nil
	}

	text := popString(obj, "text")
	if text == "" {
		text = popString(obj, "message")
	}
	category := popString(obj, "category")
	if category == "" {
		category = opts.category
	}

	raw, hasSev := obj["severity"]
	delete(obj, "severity")
	if !hasSev {
		m.Log(sev, text, category, obj)
		return nil
	}
	switch v := raw.(type) {
	case string:
		return m.LogByName(v, text, category, obj)
	case float64:
		m.LogLevel(int(v), text, category, obj)
	default:
		m.Log(sev, text, category, obj)
	}
	return nil
}

func popString(obj map[string]any, key string) string {
	v, ok := obj[key].(string)
	if ok {
		delete(obj, key)
	}
	return v
}
