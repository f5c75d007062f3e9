// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store with an optional artificial read delay.
type memStore struct {
	mu    sync.Mutex
	data  map[string]string
	delay time.Duration
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (m *memStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) GetBounded(ctx context.Context, key string, timeout time.Duration) (string, bool) {
	if m.delay > timeout {
		return "", false
	}
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

// newTestLimiter returns a limiter with a controllable clock.
func newTestLimiter(st Store) (*Limiter, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	l := New(st)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestFirstRequestAllowed(t *testing.T) {
	l, _ := newTestLimiter(newMemStore())

	d := l.CanMakeRequest(context.Background())
	if !d.Allowed {
		t.Fatalf("first request should be allowed, denied with %v remaining", d.Remaining)
	}
}

func TestMinSpacing(t *testing.T) {
	st := newMemStore()
	l, now := newTestLimiter(st)
	ctx := context.Background()

	l.RecordRequest(ctx)

	*now = now.Add(1 * time.Second)
	d := l.CanMakeRequest(ctx)
	if d.Allowed {
		t.Fatal("request 1s after the last should be denied")
	}
	if d.Reason != ReasonSpacing {
		t.Errorf("expected ReasonSpacing, got %v", d.Reason)
	}
	if d.Remaining != 3*time.Second {
		t.Errorf("expected 3s remaining, got %v", d.Remaining)
	}

	*now = now.Add(3 * time.Second)
	if d := l.CanMakeRequest(ctx); !d.Allowed {
		t.Errorf("request at exactly MinSpacing should be allowed, got %+v", d)
	}
}

func TestBackoffLadder(t *testing.T) {
	st := newMemStore()
	l, _ := newTestLimiter(st)
	ctx := context.Background()

	steps := []time.Duration{
		60 * time.Second,  // first 429
		120 * time.Second, // doubled
		240 * time.Second, // doubled
		300 * time.Second, // capped
		300 * time.Second, // stays capped
	}
	for i, want := range steps {
		got := l.RecordRateLimitError(ctx)
		if got != want {
			t.Errorf("step %d: expected backoff %v, got %v", i, want, got)
		}
	}
}

func TestBackoffDeniesUntilExpiry(t *testing.T) {
	st := newMemStore()
	l, now := newTestLimiter(st)
	ctx := context.Background()

	l.RecordRequest(ctx)
	l.RecordRateLimitError(ctx)

	*now = now.Add(30 * time.Second)
	d := l.CanMakeRequest(ctx)
	if d.Allowed {
		t.Fatal("request inside the backoff window should be denied")
	}
	if d.Reason != ReasonBackoff {
		t.Errorf("expected ReasonBackoff, got %v", d.Reason)
	}
	if d.Remaining != 30*time.Second {
		t.Errorf("expected 30s remaining, got %v", d.Remaining)
	}

	// Past the window the deny flips to allow, and the expired window is
	// cleared as a side effect.
	*now = now.Add(31 * time.Second)
	if d := l.CanMakeRequest(ctx); !d.Allowed {
		t.Fatalf("request after the backoff window should be allowed, got %+v", d)
	}
	if st.has(keyBackoffMS) {
		t.Error("expired backoff window should have been cleared")
	}
}

func TestRecordSuccessClearsBackoff(t *testing.T) {
	st := newMemStore()
	l, _ := newTestLimiter(st)
	ctx := context.Background()

	l.RecordRateLimitError(ctx)
	l.RecordSuccess(ctx)

	if st.has(keyBackoffMS) {
		t.Error("RecordSuccess should clear the backoff window")
	}

	// The ladder restarts at the initial window after a success.
	if got := l.RecordRateLimitError(ctx); got != InitialBackoff {
		t.Errorf("expected ladder restart at %v, got %v", InitialBackoff, got)
	}
}

func TestFailOpenOnSlowStore(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	st.Set(ctx, keyLastRequestMS, strconv.FormatInt(time.Now().UnixMilli(), 10))

	l := New(st)
	l.readBound = 10 * time.Millisecond
	st.delay = 50 * time.Millisecond

	if d := l.CanMakeRequest(ctx); !d.Allowed {
		t.Fatalf("gate should fail open when storage is slow, got %+v", d)
	}
}

func TestFailOpenOnMalformedValue(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	st.Set(ctx, keyLastRequestMS, "not-a-number")

	l, _ := newTestLimiter(st)
	if d := l.CanMakeRequest(ctx); !d.Allowed {
		t.Fatalf("gate should fail open on a malformed timestamp, got %+v", d)
	}
}

func TestFormatTimeRemaining(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0 seconds"},
		{-5 * time.Second, "0 seconds"},
		{500 * time.Millisecond, "1 second"},
		{1 * time.Second, "1 second"},
		{2 * time.Second, "2 seconds"},
		{45 * time.Second, "45 seconds"},
		{59 * time.Second, "59 seconds"},
		{60 * time.Second, "1 minute"},
		{61 * time.Second, "2 minutes"},
		{120 * time.Second, "2 minutes"},
		{300 * time.Second, "5 minutes"},
	}

	for _, tt := range tests {
		if got := FormatTimeRemaining(tt.d); got != tt.want {
			t.Errorf("FormatTimeRemaining(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
