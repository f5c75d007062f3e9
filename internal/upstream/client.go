// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package upstream implements the streaming generation client for the
// Gemini-style language model API.
//
// Only the relay daemon talks to this package: the requesting client never
// holds network egress to the model API. The wire protocol is deliberately
// implemented over net/http rather than a vendor SDK because incremental
// frame decoding (split-boundary tolerance, malformed-frame skipping) is a
// core behavior this repository owns and tests.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	// DefaultBaseURL is the generative language API endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com"

	// DefaultModel is used when the config does not name one.
	DefaultModel = "gemini-1.5-flash"

	// DefaultTemperature keeps summaries focused rather than creative.
	DefaultTemperature = 0.3

	// DefaultMaxOutputTokens bounds response length.
	DefaultMaxOutputTokens = 2048

	// validateTimeout bounds the credential metadata check.
	validateTimeout = 15 * time.Second

	// maxErrorBodySize bounds how much of an error response we read.
	maxErrorBodySize = 64 * 1024
)

// sharedStreamingClient has no overall timeout: streams are bounded only by
// context cancellation. TLS 1.2+ is enforced.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the API base URL (default DefaultBaseURL).
	BaseURL string
	// Model is the model identifier (default DefaultModel).
	Model string
	// Temperature for generation (default DefaultTemperature).
	Temperature float64
	// MaxOutputTokens bounds the response (default DefaultMaxOutputTokens).
	MaxOutputTokens int
}

// Client performs streaming generation calls.
type Client struct {
	config Config
	// httpClient is replaceable for tests.
	httpClient *http.Client
}

// NewClient creates a Client, filling zero config values with defaults.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxOutputTokens == 0 {
		cfg.MaxOutputTokens = DefaultMaxOutputTokens
	}
	return &Client{
		config:     cfg,
		httpClient: sharedStreamingClient,
	}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type contentPart struct {
	Text string `json:"text"`
}

type content struct {
	Role  string        `json:"role,omitempty"`
	Parts []contentPart `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateRequest struct {
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

// streamEnvelope is one SSE frame's JSON payload. Only the nested
// incremental-text field matters; everything else is ignored.
type streamEnvelope struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// text returns the concatenated incremental text of the frame.
func (e *streamEnvelope) text() string {
	if len(e.Candidates) == 0 {
		return ""
	}
	parts := e.Candidates[0].Content.Parts
	if len(parts) == 1 {
		return parts[0].Text
	}
	var buf bytes.Buffer
	for _, p := range parts {
		buf.WriteString(p.Text)
	}
	return buf.String()
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// STREAMING GENERATION
// =============================================================================

// ChunkFunc receives each incremental text chunk, in arrival order.
type ChunkFunc func(text string)

// StreamGenerate performs one streaming generation call.
//
// Pre-stream rejections are returned as classified errors (ErrInvalidKey,
// ErrRateLimited, *APIError) before fn is ever called. Once streaming starts,
// fn is invoked synchronously per decoded frame; malformed frames are skipped
// without aborting. Returns nil on clean stream exhaustion.
func (c *Client) StreamGenerate(ctx context.Context, credential, systemPrompt, prompt string, fn ChunkFunc) error {
	reqBody := generateRequest{
		Contents: []content{{
			Role:  "user",
			Parts: []contentPart{{Text: prompt}},
		}},
		GenerationConfig: generationConfig{
			Temperature:     c.config.Temperature,
			MaxOutputTokens: c.config.MaxOutputTokens,
		},
	}
	if systemPrompt != "" {
		reqBody.SystemInstruction = &content{Parts: []contentPart{{Text: systemPrompt}}}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		c.config.BaseURL, c.config.Model, url.QueryEscape(credential))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.classifyStatus(resp)
	}

	scanner := NewFrameScanner(resp.Body)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := scanner.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("stream read failed: %w", err)
		}

		var envelope streamEnvelope
		if err := json.Unmarshal(frame, &envelope); err != nil {
			// Malformed frame: skip, never abort the stream.
			continue
		}
		if text := envelope.text(); text != "" {
			fn(text)
		}
	}
}

// =============================================================================
// CREDENTIAL VALIDATION
// =============================================================================

// ValidateKey checks a credential against the model metadata endpoint, which
// consumes no generation quota. A nil return means the key is accepted.
func (c *Client) ValidateKey(ctx context.Context, credential string) error {
	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v1beta/models/%s?key=%s",
		c.config.BaseURL, c.config.Model, url.QueryEscape(credential))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.classifyStatus(resp)
	}
	return nil
}

// classifyStatus maps a non-2xx response to the error taxonomy.
func (c *Client) classifyStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusForbidden:
		return ErrInvalidKey
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}

	message := ""
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err == nil {
		var apiErr apiErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			message = apiErr.Error.Message
		}
	}
	return &APIError{Status: resp.StatusCode, Message: message}
}
