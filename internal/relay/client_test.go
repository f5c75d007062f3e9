// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func collectMessages(t *testing.T, ch *Channel) []Message {
	t.Helper()
	var msgs []Message
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-ch.Messages():
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		case <-timeout:
			t.Fatalf("timed out waiting for messages, have %+v", msgs)
		}
	}
}

func ndjsonHandler(lines ...Message) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		for _, m := range lines {
			enc.Encode(m)
		}
	}
}

func TestChannelDeliversInOrder(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(
		Message{Type: TypeChunk, Text: "Hello"},
		Message{Type: TypeChunk, Text: " world!"},
		Message{Type: TypeDone},
	))
	defer srv.Close()

	ch, err := Open(context.Background(), srv.URL, Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer ch.Close()

	msgs := collectMessages(t, ch)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %+v", msgs)
	}
	if msgs[0].Text != "Hello" || msgs[1].Text != " world!" || msgs[2].Type != TypeDone {
		t.Errorf("unexpected message sequence: %+v", msgs)
	}
}

func TestChannelStopsAfterTerminal(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(
		Message{Type: TypeError, Error: CodeInvalidKey},
		Message{Type: TypeChunk, Text: "after terminal"},
	))
	defer srv.Close()

	ch, err := Open(context.Background(), srv.URL, Request{})
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	msgs := collectMessages(t, ch)
	if len(msgs) != 1 {
		t.Fatalf("nothing may follow a terminal message, got %+v", msgs)
	}
	if msgs[0].Type != TypeError || msgs[0].Error != CodeInvalidKey {
		t.Errorf("unexpected terminal: %+v", msgs[0])
	}
}

func TestChannelSynthesizesChannelLost(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(
		Message{Type: TypeChunk, Text: "partial"},
		// No terminal: the server "dies" after one chunk.
	))
	defer srv.Close()

	ch, err := Open(context.Background(), srv.URL, Request{})
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	msgs := collectMessages(t, ch)
	if len(msgs) != 2 {
		t.Fatalf("expected chunk + synthetic error, got %+v", msgs)
	}
	if msgs[1].Type != TypeError || msgs[1].Error != CodeChannelLost {
		t.Errorf("expected CHANNEL_LOST terminal, got %+v", msgs[1])
	}
}

func TestChannelSkipsMalformedLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"type":"chunk","text":"ok"}`)
		fmt.Fprintln(w, `{broken`)
		fmt.Fprintln(w, `{"type":"done"}`)
	}))
	defer srv.Close()

	ch, err := Open(context.Background(), srv.URL, Request{})
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	msgs := collectMessages(t, ch)
	if len(msgs) != 2 {
		t.Fatalf("expected malformed line skipped, got %+v", msgs)
	}
	if msgs[0].Text != "ok" || msgs[1].Type != TypeDone {
		t.Errorf("unexpected sequence: %+v", msgs)
	}
}

func TestChannelExplicitCloseIsNotLost(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"type":"chunk","text":"x"}`)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ch, err := Open(context.Background(), srv.URL, Request{})
	if err != nil {
		t.Fatal(err)
	}
	ch.Close()

	for msg := range ch.Messages() {
		if msg.Type == TypeError && msg.Error == CodeChannelLost {
			t.Error("explicit Close must not synthesize CHANNEL_LOST")
		}
	}
}

func TestOpenRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "relay busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := Open(context.Background(), srv.URL, Request{}); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		raw  string
		kind ErrorKind
	}{
		{CodeInvalidKey, KindInvalidKey},
		{CodeChannelLost, KindChannelLost},
		{"RATE_LIMITED:60000:Rate limited by the API.", KindThrottled},
		{"RATE_LIMITED:bogus:oops", KindGeneric},
		{"request failed: dial tcp: connection refused", KindNetwork},
		{"stream read failed: unexpected EOF", KindNetwork},
		{"model overloaded", KindGeneric},
	}

	for _, tt := range tests {
		cls := ClassifyError(tt.raw)
		if cls.Kind != tt.kind {
			t.Errorf("ClassifyError(%q) = %v, want %v", tt.raw, cls.Kind, tt.kind)
		}
	}

	cls := ClassifyError("RATE_LIMITED:60000:Rate limited by the API.")
	if cls.Remaining != 60*time.Second {
		t.Errorf("expected 60s remaining, got %v", cls.Remaining)
	}
	if cls.Message != "Rate limited by the API." {
		t.Errorf("unexpected message: %q", cls.Message)
	}
}
