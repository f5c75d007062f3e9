// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package content extracts readable text from a web page for prompt
// embedding.
//
// The extractor is intentionally simple: it tokenizes the HTML, drops
// non-content elements, and collapses whitespace. Deciding what part of a
// page is "the article" is out of scope; callers get the page's visible text
// capped at MaxContentLength.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
)

const (
	// MaxContentLength caps extracted text before prompt embedding.
	MaxContentLength = 50000

	// MinContentLength is the shortest extraction worth summarizing.
	MinContentLength = 50

	// ExcerptLength bounds the preview excerpt.
	ExcerptLength = 200

	// fetchTimeout bounds the page download.
	fetchTimeout = 30 * time.Second

	// maxFetchSize bounds how much HTML we will read.
	maxFetchSize = 4 * 1024 * 1024
)

// ErrTooShort means the page yielded too little text to work with.
var ErrTooShort = errors.New("could not extract enough readable content")

// Page is the extraction result.
type Page struct {
	Title    string
	Content  string // capped at MaxContentLength
	Excerpt  string
	SiteName string
	Length   int // rune length of Content
}

// Provider extracts page text. The session controller depends on this
// interface, not on the HTTP implementation.
type Provider interface {
	Extract(ctx context.Context, target string) (*Page, error)
}

// =============================================================================
// HTTP PROVIDER
// =============================================================================

// HTTPProvider fetches a URL and extracts its text.
type HTTPProvider struct {
	client    *http.Client
	userAgent string
}

// NewHTTPProvider creates a provider with a bounded-fetch HTTP client.
// An empty userAgent uses the default.
func NewHTTPProvider(userAgent string) *HTTPProvider {
	if userAgent == "" {
		userAgent = "pagebrief/1.0"
	}
	return &HTTPProvider{
		client:    &http.Client{Timeout: fetchTimeout},
		userAgent: userAgent,
	}
}

// Extract downloads target and returns its readable text.
func (p *HTTPProvider) Extract(ctx context.Context, target string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid page URL: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch page: HTTP %d", resp.StatusCode)
	}

	page, err := Parse(io.LimitReader(resp.Body, maxFetchSize))
	if err != nil {
		return nil, err
	}
	if page.SiteName == "" {
		page.SiteName = req.URL.Hostname()
	}
	return page, nil
}

// =============================================================================
// HTML PARSING
// =============================================================================

// skippedElements never contribute visible article text.
var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"nav":      true,
	"header":   true,
	"footer":   true,
	"aside":    true,
	"iframe":   true,
	"svg":      true,
}

// blockElements get a paragraph break between their texts.
var blockElements = map[string]bool{
	"p": true, "div": true, "li": true, "br": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"tr": true, "blockquote": true, "pre": true, "section": true, "article": true,
}

// Parse extracts a Page from raw HTML. Exported separately from the HTTP
// fetch so tests and alternative providers can reuse it.
func Parse(r io.Reader) (*Page, error) {
	tokenizer := html.NewTokenizer(r)

	var (
		text     strings.Builder
		title    string
		siteName string
		skip     int // depth inside skipped elements
		inTitle  bool
	)

	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			// EOF or a malformed tail; whatever parsed still counts.
			break
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			name := token.Data

			if name == "meta" {
				if prop, cont := metaAttrs(token); prop == "og:site_name" {
					siteName = cont
				}
			}
			if tt == html.SelfClosingTagToken {
				if blockElements[name] {
					text.WriteString("\n")
				}
				continue
			}
			if skippedElements[name] {
				skip++
				continue
			}
			if name == "title" {
				inTitle = true
			}

		case html.EndTagToken:
			token := tokenizer.Token()
			name := token.Data
			if skippedElements[name] {
				if skip > 0 {
					skip--
				}
				continue
			}
			if name == "title" {
				inTitle = false
			}
			if blockElements[name] {
				text.WriteString("\n")
			}

		case html.TextToken:
			if skip > 0 {
				continue
			}
			raw := string(tokenizer.Text())
			if inTitle {
				title += strings.TrimSpace(raw)
				continue
			}
			text.WriteString(raw)
		}
	}

	body := collapseWhitespace(text.String())
	body = truncateRunes(body, MaxContentLength)

	length := utf8.RuneCountInString(body)
	if length < MinContentLength {
		return nil, ErrTooShort
	}

	return &Page{
		Title:    title,
		Content:  body,
		Excerpt:  truncateRunes(body, ExcerptLength),
		SiteName: siteName,
		Length:   length,
	}, nil
}

// metaAttrs pulls property/content out of a meta token.
func metaAttrs(token html.Token) (property, contentAttr string) {
	for _, attr := range token.Attr {
		switch attr.Key {
		case "property", "name":
			property = attr.Val
		case "content":
			contentAttr = attr.Val
		}
	}
	return property, contentAttr
}

// collapseWhitespace normalizes runs of whitespace: spaces within a line,
// at most one blank line between paragraphs.
func collapseWhitespace(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	lines := strings.Split(s, "\n")
	blank := true
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		if !blank {
			out.WriteString("\n\n")
		}
		out.WriteString(line)
		blank = false
	}
	return out.String()
}

// truncateRunes caps s at n runes without splitting a character.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
