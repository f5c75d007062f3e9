// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// requestIDHeader carries the per-request ID back to the client.
const requestIDHeader = "X-Request-Id"

// withRequestID assigns a UUID to every request and exposes it on the
// response so client logs and daemon logs can be correlated.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(requestIDHeader, id)
		r.Header.Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// withLogging logs one structured line per request.
func withLogging(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("request",
			zap.String("request_id", r.Header.Get(requestIDHeader)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// withRecovery converts a handler panic into a logged 500 instead of killing
// the daemon. If the response stream had already started the client simply
// sees the channel tear down, which it treats as a connectivity failure.
func withRecovery(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("handler panic",
					zap.String("request_id", r.Header.Get(requestIDHeader)),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// TRANSPORT RATE LIMITING
// =============================================================================

// clientLimiter hands out one token-bucket limiter per remote host. This is
// an abuse guard on the channel transport itself and is independent of the
// upstream-quota limiter: a misbehaving local client gets 429s here without
// ever touching persisted backoff state.
type clientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	return &clientLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (cl *clientLimiter) allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	cl.mu.Lock()
	lim, ok := cl.limiters[host]
	if !ok {
		lim = rate.NewLimiter(cl.limit, cl.burst)
		cl.limiters[host] = lim
	}
	cl.mu.Unlock()

	return lim.Allow()
}

// withClientLimit rejects clients that hammer the relay faster than any
// human-paced UI would.
func withClientLimit(cl *clientLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cl.allow(r.RemoteAddr) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
