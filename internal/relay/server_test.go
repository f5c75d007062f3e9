// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/pagebrief/internal/ratelimit"
	"github.com/jeranaias/pagebrief/internal/upstream"
)

// memStore is an in-memory ratelimit.Store.
type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore { return &memStore{data: make(map[string]string)} }

func (m *memStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) GetBounded(ctx context.Context, key string, timeout time.Duration) (string, bool) {
	v, ok, _ := m.Get(ctx, key)
	return v, ok
}

func (m *memStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

// fakeGenerator scripts the upstream call.
type fakeGenerator struct {
	chunks []string
	err    error
	called bool
}

func (f *fakeGenerator) StreamGenerate(ctx context.Context, credential, systemPrompt, prompt string, fn upstream.ChunkFunc) error {
	f.called = true
	for _, c := range f.chunks {
		fn(c)
	}
	return f.err
}

func newTestServer(st ratelimit.Store, gen Generator) *httptest.Server {
	s := NewServer("", ratelimit.New(st), gen, zap.NewNop())
	return httptest.NewServer(s.Handler())
}

func postStream(t *testing.T, url string) []Message {
	t.Helper()
	body, _ := json.Marshal(Request{Credential: "k", Prompt: "p", SystemPrompt: "s"})
	resp, err := http.Post(url+StreamPath, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("expected ndjson content type, got %q", ct)
	}

	var msgs []Message
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.Fatalf("malformed message line %q: %v", scanner.Text(), err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestStreamOrderAndSingleTerminal(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"Hello", " world!"}}
	srv := newTestServer(newMemStore(), gen)
	defer srv.Close()

	msgs := postStream(t, srv.URL)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Type != TypeChunk || msgs[0].Text != "Hello" {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Type != TypeChunk || msgs[1].Text != " world!" {
		t.Errorf("unexpected second message: %+v", msgs[1])
	}
	if msgs[2].Type != TypeDone {
		t.Errorf("expected terminal done, got %+v", msgs[2])
	}
}

func TestGateDenialSendsOneError(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	// A request one instant ago: spacing denies.
	st.Set(ctx, "last_request_ms", strconv.FormatInt(time.Now().UnixMilli(), 10))

	gen := &fakeGenerator{chunks: []string{"never"}}
	srv := newTestServer(st, gen)
	defer srv.Close()

	msgs := postStream(t, srv.URL)
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one message, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Type != TypeError {
		t.Fatalf("expected error message, got %+v", msgs[0])
	}
	if !strings.HasPrefix(msgs[0].Error, "RATE_LIMITED:") {
		t.Errorf("expected RATE_LIMITED code, got %q", msgs[0].Error)
	}
	if gen.called {
		t.Error("upstream must not be called when the gate denies")
	}
}

func TestInvalidKeyError(t *testing.T) {
	gen := &fakeGenerator{err: upstream.ErrInvalidKey}
	srv := newTestServer(newMemStore(), gen)
	defer srv.Close()

	msgs := postStream(t, srv.URL)
	if len(msgs) != 1 || msgs[0].Type != TypeError || msgs[0].Error != CodeInvalidKey {
		t.Errorf("expected single INVALID_KEY error, got %+v", msgs)
	}
}

func TestUpstreamThrottleRecordsBackoff(t *testing.T) {
	st := newMemStore()
	gen := &fakeGenerator{err: upstream.ErrRateLimited}
	srv := newTestServer(st, gen)
	defer srv.Close()

	msgs := postStream(t, srv.URL)
	if len(msgs) != 1 || msgs[0].Type != TypeError {
		t.Fatalf("expected single error, got %+v", msgs)
	}

	cls := ClassifyError(msgs[0].Error)
	if cls.Kind != KindThrottled {
		t.Fatalf("expected throttled classification, got %+v", cls)
	}
	if cls.Remaining != ratelimit.InitialBackoff {
		t.Errorf("expected %v backoff, got %v", ratelimit.InitialBackoff, cls.Remaining)
	}
	if !st.has("backoff_ms") {
		t.Error("backoff window should be persisted after a 429")
	}
}

func TestSuccessClearsBackoffEvenWithZeroChunks(t *testing.T) {
	st := newMemStore()
	st.Set(context.Background(), "backoff_ms", "60000")
	// Last request long ago so the stale window has expired.
	st.Set(context.Background(), "last_request_ms",
		strconv.FormatInt(time.Now().Add(-10*time.Minute).UnixMilli(), 10))

	gen := &fakeGenerator{} // zero chunks, nil error
	srv := newTestServer(st, gen)
	defer srv.Close()

	msgs := postStream(t, srv.URL)
	if len(msgs) != 1 || msgs[0].Type != TypeDone {
		t.Fatalf("expected bare done, got %+v", msgs)
	}
	if st.has("backoff_ms") {
		t.Error("a clean stream should clear the backoff window")
	}
}

func TestStreamRejectsBadRequests(t *testing.T) {
	srv := newTestServer(newMemStore(), &fakeGenerator{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + StreamPath)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET should be rejected, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+StreamPath, "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body should be rejected, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(newMemStore(), &fakeGenerator{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + HealthPath)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from health, got %d", resp.StatusCode)
	}
}
