// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay implements the privileged streaming relay and its channel
// client.
//
// The relay daemon is the only process with upstream network access. A
// channel is one HTTP request: the client POSTs exactly one generation
// request and the relay answers with an ordered stream of newline-delimited
// JSON messages, ending in exactly one terminal (done or error). Closing the
// request body tears the channel down; the relay treats a failed write as
// "stop, do nothing more".
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/pagebrief/internal/ratelimit"
	"github.com/jeranaias/pagebrief/internal/upstream"
)

const (
	// DefaultAddr is where the daemon listens. Loopback only: the relay
	// must not be reachable off-host.
	DefaultAddr = "127.0.0.1:8750"

	// StreamPath is the channel endpoint.
	StreamPath = "/v1/stream"

	// HealthPath is the liveness endpoint.
	HealthPath = "/health"

	// maxRequestBodySize bounds the channel request body (prompts are
	// capped well below this upstream of the relay).
	maxRequestBodySize = 1 * 1024 * 1024

	// shutdownTimeout bounds graceful shutdown.
	shutdownTimeout = 5 * time.Second
)

// Generator is the upstream surface the relay needs. *upstream.Client
// satisfies it.
type Generator interface {
	StreamGenerate(ctx context.Context, credential, systemPrompt, prompt string, fn upstream.ChunkFunc) error
}

// Server is the relay daemon's HTTP server.
type Server struct {
	addr     string
	limiter  *ratelimit.Limiter
	gen      Generator
	logger   *zap.Logger
	mux      *http.ServeMux
	server   *http.Server
	clientCL *clientLimiter
}

// NewServer wires a relay server from its dependencies. Nothing here is a
// package-level singleton; the daemon entry point constructs one of each and
// passes them down.
func NewServer(addr string, limiter *ratelimit.Limiter, gen Generator, logger *zap.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		addr:     addr,
		limiter:  limiter,
		gen:      gen,
		logger:   logger,
		mux:      http.NewServeMux(),
		clientCL: newClientLimiter(5, 10),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc(HealthPath, s.handleHealth)
	s.mux.HandleFunc(StreamPath, s.handleStream)
}

// Handler returns the full middleware-wrapped handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = withClientLimit(s.clientCL, h)
	h = withLogging(s.logger, h)
	h = withRecovery(s.logger, h)
	h = withRequestID(h)
	return h
}

// Start begins serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
		// No WriteTimeout: channel streams are bounded only by client
		// disconnect.
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("relay listening", zap.String("addr", s.addr))
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStream runs one channel lifetime: read one request, stream messages
// until one terminal has been sent or the client is gone.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	out := newMessageWriter(w)
	ctx := r.Context()
	log := s.logger.With(zap.String("request_id", r.Header.Get(requestIDHeader)))

	// The relay owns the gate: it is the sole holder of upstream access, so
	// it always checks, even though the client pre-gates for UX.
	if d := s.limiter.CanMakeRequest(ctx); !d.Allowed {
		wait := ratelimit.FormatTimeRemaining(d.Remaining)
		log.Info("gate denied",
			zap.String("reason", d.Reason.String()),
			zap.Duration("remaining", d.Remaining),
		)
		out.send(Message{
			Type:  TypeError,
			Error: FormatRateLimited(d.Remaining, "Too many requests. Try again in "+wait+"."),
		})
		return
	}

	s.limiter.RecordRequest(ctx)

	// Backoff clears once the stream actually delivers, not merely because
	// the POST was accepted.
	succeeded := false
	forward := func(text string) {
		if !succeeded {
			succeeded = true
			s.limiter.RecordSuccess(ctx)
		}
		out.send(Message{Type: TypeChunk, Text: text})
	}

	err := s.gen.StreamGenerate(ctx, req.Credential, req.SystemPrompt, req.Prompt, forward)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Client tore the channel down; nothing left to tell it.
			return
		}
		s.sendError(ctx, log, out, err)
		return
	}

	if !succeeded {
		// Zero-chunk streams still count as upstream success.
		s.limiter.RecordSuccess(ctx)
	}
	out.send(Message{Type: TypeDone})
}

// sendError classifies an upstream failure into exactly one terminal error
// message.
func (s *Server) sendError(ctx context.Context, log *zap.Logger, out *messageWriter, err error) {
	switch {
	case upstream.IsInvalidKey(err):
		log.Warn("upstream rejected credential")
		out.send(Message{Type: TypeError, Error: CodeInvalidKey})

	case upstream.IsRateLimited(err):
		delay := s.limiter.RecordRateLimitError(ctx)
		wait := ratelimit.FormatTimeRemaining(delay)
		log.Warn("upstream throttled", zap.Duration("backoff", delay))
		out.send(Message{
			Type:  TypeError,
			Error: FormatRateLimited(delay, "Rate limited by the API. Try again in "+wait+"."),
		})

	default:
		var apiErr *upstream.APIError
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			log.Warn("upstream error", zap.Int("status", apiErr.Status), zap.String("message", apiErr.Message))
			out.send(Message{Type: TypeError, Error: apiErr.Message})
			return
		}
		log.Warn("upstream call failed", zap.Error(err))
		out.send(Message{Type: TypeError, Error: err.Error()})
	}
}

// =============================================================================
// MESSAGE WRITER
// =============================================================================

// messageWriter streams newline-delimited JSON messages with a flush per
// message. Once a write fails the remote end is gone: every later send is a
// silent no-op rather than an error to recover from.
type messageWriter struct {
	w      http.ResponseWriter
	f      http.Flusher
	enc    *json.Encoder
	failed bool
	wrote  bool
}

func newMessageWriter(w http.ResponseWriter) *messageWriter {
	f, _ := w.(http.Flusher)
	return &messageWriter{
		w:   w,
		f:   f,
		enc: json.NewEncoder(w),
	}
}

func (mw *messageWriter) send(msg Message) {
	if mw.failed {
		return
	}
	if !mw.wrote {
		mw.w.Header().Set("Content-Type", "application/x-ndjson")
		mw.w.Header().Set("Cache-Control", "no-cache")
		mw.wrote = true
	}
	if err := mw.enc.Encode(&msg); err != nil {
		mw.failed = true
		return
	}
	if mw.f != nil {
		mw.f.Flush()
	}
}
