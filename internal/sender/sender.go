// Package sender delivers cut batches to the ingestion endpoint and queries
// the collector clock. All network calls are serialized by one mutex, so at
// most one request is in flight per sender.
package sender

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/sofatutor/logshipper/internal/logentry"
	"github.com/sofatutor/logshipper/internal/metrics"
)

const (
	// DefaultTimeout bounds every HTTP call.
	DefaultTimeout = 30 * time.Second
	// MinTimeout and MaxTimeout clamp a configured timeout.
	MinTimeout = 1 * time.Second
	MaxTimeout = 30 * time.Second
	// DefaultRetries is the number of retries after the first attempt.
	DefaultRetries = 5
	// DefaultRetryDelay is the fixed pause between attempts.
	DefaultRetryDelay = 2 * time.Second

	// timeUnitsPerMilli converts the time endpoint's 100ns ticks to ms.
	timeUnitsPerMilli = 1e4
	maxTimeBody       = 64
)

// Options configures an HTTPSender.
type Options struct {
	LogURL     string
	TimeURL    string
	PrivateKey string
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	Compress   bool
	Client     *http.Client
	Clock      clock.PassiveClock
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// HTTPSender posts batches and performs time sync over HTTP.
type HTTPSender struct {
	logURL     string
	timeURL    string
	privateKey string
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	compress   bool
	client     *http.Client
	clock      clock.PassiveClock
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu sync.Mutex
}

// ClampTimeout limits d to [MinTimeout, MaxTimeout]; zero or negative
// values yield DefaultTimeout.
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTimeout
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	default:
		return d
	}
}

// New creates an HTTPSender. LogURL is required; without TimeURL time sync
// always reports failure.
func New(opts Options) (*HTTPSender, error) {
	if strings.TrimSpace(opts.LogURL) == "" {
		return nil, fmt.Errorf("sender: log URL is required")
	}
	timeout := ClampTimeout(opts.Timeout)
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: timeout}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &HTTPSender{
		logURL:     opts.LogURL,
		timeURL:    opts.TimeURL,
		privateKey: opts.PrivateKey,
		timeout:    timeout,
		retries:    opts.Retries,
		retryDelay: opts.RetryDelay,
		compress:   opts.Compress,
		client:     opts.Client,
		clock:      opts.Clock,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}, nil
}

// SendBatch delivers bulk. Transport errors are retried with a fixed delay;
// any HTTP response ends the attempts. Failures are logged and the batch is
// dropped; nothing is returned to the caller.
func (s *HTTPSender) SendBatch(ctx context.Context, bulk *logentry.Bulk) {
	if bulk.Len() == 0 {
		return
	}
	body, err := s.encode(bulk)
	if err != nil {
		s.logger.Error("Failed to encode batch", zap.Error(err), zap.Int("batch_size", bulk.Len()))
		s.metrics.Failed(bulk.Len())
		return
	}
	requestID := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	attempt := 0
	err = retry.Do(
		func() error {
			attempt++
			s.metrics.Attempt()
			s.logger.Debug("Sending batch",
				zap.String("request_id", requestID),
				zap.Int("attempt", attempt),
				zap.Int("batch_size", bulk.Len()))
			status, err := s.post(ctx, body, requestID)
			if err != nil {
				return err
			}
			if status < 200 || status >= 300 {
				s.logger.Warn("Collector rejected batch",
					zap.String("request_id", requestID),
					zap.Int("status", status))
			}
			return nil
		},
		retry.Attempts(uint(s.retries+1)),
		retry.Delay(s.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("Failed to send batch, retrying",
				zap.Error(err),
				zap.Uint("attempt", n+1),
				zap.Duration("delay", s.retryDelay))
		}),
	)
	if err != nil {
		s.logger.Error("Failed to send batch after all retries",
			zap.Error(err),
			zap.Int("attempts", attempt),
			zap.Int("batch_size", bulk.Len()))
		s.metrics.Failed(bulk.Len())
		return
	}
	s.metrics.Sent()
}

func (s *HTTPSender) encode(bulk *logentry.Bulk) ([]byte, error) {
	data, err := bulk.MarshalWire()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}
	if !s.compress {
		return data, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress batch: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *HTTPSender) post(ctx context.Context, body []byte, requestID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.logURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.privateKey)
	req.Header.Set("X-Request-ID", requestID)
	if s.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.logger.Debug("Failed to close response body", zap.Error(err))
		}
	}()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// SyncTime asks the collector for its current time and returns the offset
// to add to local millisecond timestamps. ok is false on any failure; the
// zero delta returned then must not be applied.
func (s *HTTPSender) SyncTime(ctx context.Context) (ok bool, deltaMillis float64) {
	if s.timeURL == "" {
		return false, 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.logger.Debug("Syncing time with collector", zap.String("url", s.timeURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.timeURL, nil)
	if err != nil {
		s.logger.Warn("Failed to create time sync request", zap.Error(err))
		return false, 0
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("Time sync request failed", zap.Error(err))
		return false, 0
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.logger.Debug("Failed to close response body", zap.Error(err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("Time sync returned non-200 status", zap.Int("status", resp.StatusCode))
		return false, 0
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTimeBody))
	if err != nil {
		s.logger.Warn("Failed to read time sync response", zap.Error(err))
		return false, 0
	}
	ticks, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		s.logger.Warn("Invalid time sync response", zap.Error(err))
		return false, 0
	}

	serverMillis := float64(ticks) / timeUnitsPerMilli
	localMillis := float64(s.clock.Now().UnixNano()) / float64(time.Millisecond)
	delta := serverMillis - localMillis
	s.logger.Info("Updated time delta",
		zap.Float64("server_ms", serverMillis),
		zap.Float64("local_ms", localMillis),
		zap.Float64("delta_ms", delta))
	return true, delta
}
