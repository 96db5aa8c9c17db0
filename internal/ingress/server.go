// Package ingress provides a local stand-in for the log collector. It
// implements the batch ingestion and time endpoints and records what it
// receives, for integration tests and local development.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/sofatutor/logshipper/internal/obfuscate"
)

const (
	LogPath  = "/logs/v1/singles"
	TimePath = "/sdk/v1/time"

	maxBodyBytes = 32 << 20
)

// Config configures a Server.
type Config struct {
	ListenAddr string
	// PrivateKey, when set, must match the bearer token of every batch.
	PrivateKey string
	// TimeOffset is added to the reported collector time.
	TimeOffset time.Duration
	Clock      clock.PassiveClock
	Logger     *zap.Logger
}

// Request is one accepted batch.
type Request struct {
	RequestID  string
	Compressed bool
	Entries    []map[string]any
}

// Server is the fake collector.
type Server struct {
	server *http.Server
	engine *gin.Engine
	config Config
	logger *zap.Logger

	mu          sync.Mutex
	requests    []Request
	failures    int
	failureCode int
}

// NewServer builds a Server and its routes.
func NewServer(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestID())

	s := &Server{
		engine: engine,
		config: cfg,
		logger: cfg.Logger,
		server: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      engine,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.engine.POST(LogPath, s.handleLogs)
	s.engine.GET(TimePath, s.handleTime)
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": s.config.Clock.Now(),
			"batches":   len(s.Requests()),
		})
	})
}

// FailNext makes the next n batches answer with status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failureCode = status
}

// Requests returns the accepted batches in arrival order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Entries returns every accepted entry in arrival order.
func (s *Server) Entries() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, r := range s.requests {
		out = append(out, r.Entries...)
	}
	return out
}

// Texts returns the text field of every accepted entry.
func (s *Server) Texts() []string {
	entries := s.Entries()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		txt, _ := e["text"].(string)
		out = append(out, txt)
	}
	return out
}

func (s *Server) handleLogs(c *gin.Context) {
	if want := s.config.PrivateKey; want != "" {
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if got != want {
			s.logger.Warn("Rejected batch with wrong private key",
				zap.String("authorization", obfuscate.BearerKey(c.GetHeader("Authorization"))))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid private key"})
			return
		}
	}

	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		code := s.failureCode
		s.mu.Unlock()
		c.JSON(code, gin.H{"error": "injected failure"})
		return
	}
	s.mu.Unlock()

	var body io.Reader = io.LimitReader(c.Request.Body, maxBodyBytes)
	compressed := c.GetHeader("Content-Encoding") == "gzip"
	if compressed {
		zr, err := gzip.NewReader(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid gzip body: %v", err)})
			return
		}
		defer func() { _ = zr.Close() }()
		body = zr
	}

	var entries []map[string]any
	if err := json.NewDecoder(body).Decode(&entries); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid batch: %v", err)})
		return
	}

	req := Request{
		RequestID:  c.GetString(requestIDKey),
		Compressed: compressed,
		Entries:    entries,
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	s.logger.Debug("Accepted batch",
		zap.String("request_id", req.RequestID),
		zap.Int("entries", len(entries)),
		zap.Bool("compressed", compressed))
	c.JSON(http.StatusOK, gin.H{"accepted": len(entries)})
}

// handleTime reports the collector time in 100ns ticks since the epoch.
func (s *Server) handleTime(c *gin.Context) {
	now := s.config.Clock.Now().Add(s.config.TimeOffset)
	c.String(http.StatusOK, strconv.FormatInt(now.UnixNano()/100, 10))
}
