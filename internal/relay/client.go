// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// sharedChannelClient dials the local relay. No overall timeout: a channel
// lives as long as its stream, bounded only by Close.
var sharedChannelClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:    4,
		IdleConnTimeout: 90 * time.Second,
	},
}

// Channel is the client end of one relay channel. Messages arrive in send
// order on Messages(); after the terminal message the channel is closed.
//
// If the transport tears down before a terminal message arrives, a synthetic
// error message with CodeChannelLost is delivered so the consumer can decide
// what partial output means. An explicit Close never produces that message.
type Channel struct {
	msgs      chan Message
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
}

// Open dials the relay, sends the one request of this channel's lifetime,
// and starts delivering messages. A connection-level failure is returned
// directly; everything after a successful dial arrives as messages.
func Open(ctx context.Context, baseURL string, req Request) (*Channel, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+StreamPath, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := sharedChannelClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("relay connection failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("relay refused request (HTTP %d): %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	ch := &Channel{
		msgs:   make(chan Message, 16),
		cancel: cancel,
	}
	go ch.readLoop(ctx, resp.Body)
	return ch, nil
}

// Messages returns the ordered message stream. The channel is closed after
// the terminal message.
func (c *Channel) Messages() <-chan Message {
	return c.msgs
}

// Close tears the channel down. Safe to call multiple times and after the
// stream has already finished.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
	})
}

// readLoop decodes newline-delimited messages until a terminal one arrives
// or the transport dies.
func (c *Channel) readLoop(ctx context.Context, body io.ReadCloser) {
	defer close(c.msgs)
	defer body.Close()
	defer c.cancel()

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var msg Message
			if jsonErr := json.Unmarshal(line, &msg); jsonErr == nil {
				if !c.deliver(ctx, msg) {
					return
				}
				if msg.Type == TypeDone || msg.Type == TypeError {
					return
				}
			}
			// Malformed line: skip it and keep reading.
		}

		if err != nil {
			// Ended without a terminal message. Explicit Close is a
			// deliberate teardown; anything else is a lost channel.
			if !c.closed.Load() {
				c.deliver(ctx, Message{Type: TypeError, Error: CodeChannelLost})
			}
			return
		}
	}
}

// deliver pushes one message, giving up if the consumer is gone.
func (c *Channel) deliver(ctx context.Context, msg Message) bool {
	select {
	case c.msgs <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
