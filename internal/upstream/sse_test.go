// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upstream

import (
	"io"
	"strings"
	"testing"
)

// chunkedReader yields its parts one Read at a time, simulating arbitrary
// network read boundaries.
type chunkedReader struct {
	parts []string
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.parts) == 0 {
		return 0, io.EOF
	}
	part := c.parts[0]
	c.parts = c.parts[1:]
	n := copy(p, part)
	if n < len(part) {
		c.parts = append([]string{part[n:]}, c.parts...)
	}
	return n, nil
}

func collectFrames(t *testing.T, parts ...string) []string {
	t.Helper()
	s := NewFrameScanner(&chunkedReader{parts: parts})

	var frames []string
	for {
		frame, err := s.Next()
		if err == io.EOF {
			return frames
		}
		if err != nil {
			t.Fatalf("unexpected scan error: %v", err)
		}
		frames = append(frames, string(frame))
	}
}

func TestFrameScannerBasic(t *testing.T) {
	frames := collectFrames(t, "data: {\"a\":1}\n\ndata: {\"b\":2}\n")
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d: %v", len(frames), frames)
	}
	if frames[0] != `{"a":1}` || frames[1] != `{"b":2}` {
		t.Errorf("unexpected frames: %v", frames)
	}
}

func TestFrameScannerSplitAcrossReads(t *testing.T) {
	// One frame delivered in three reads, cut mid-payload.
	frames := collectFrames(t, "data: {\"text\":", "\"hel", "lo\"}\n")
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d: %v", len(frames), frames)
	}
	if frames[0] != `{"text":"hello"}` {
		t.Errorf("unexpected frame: %q", frames[0])
	}
}

func TestFrameScannerSplitRune(t *testing.T) {
	// The three bytes of "世" (0xE4 0xB8 0x96) land in different reads.
	payload := `data: {"text":"世界"}` + "\n"
	cut := strings.Index(payload, "世") + 1 // mid-rune
	frames := collectFrames(t, payload[:cut], payload[cut:cut+1], payload[cut+1:])

	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d: %v", len(frames), frames)
	}
	if frames[0] != `{"text":"世界"}` {
		t.Errorf("split rune was corrupted: %q", frames[0])
	}
}

func TestFrameScannerDoneMarker(t *testing.T) {
	frames := collectFrames(t, "data: {\"a\":1}\ndata: [DONE]\ndata: {\"b\":2}\n")
	if len(frames) != 1 {
		t.Fatalf("frames after [DONE] must not be delivered, got %v", frames)
	}
}

func TestFrameScannerIgnoresNonDataLines(t *testing.T) {
	frames := collectFrames(t,
		": comment\nevent: message\nid: 42\ndata: {\"a\":1}\nretry: 100\n")
	if len(frames) != 1 || frames[0] != `{"a":1}` {
		t.Errorf("expected only the data payload, got %v", frames)
	}
}

func TestFrameScannerUnterminatedTail(t *testing.T) {
	// Server closes without a trailing newline; the final line still counts.
	frames := collectFrames(t, "data: {\"a\":1}")
	if len(frames) != 1 || frames[0] != `{"a":1}` {
		t.Errorf("expected the unterminated tail frame, got %v", frames)
	}
}

func TestFrameScannerCRLF(t *testing.T) {
	frames := collectFrames(t, "data: {\"a\":1}\r\n")
	if len(frames) != 1 || frames[0] != `{"a":1}` {
		t.Errorf("expected CR to be stripped, got %v", frames)
	}
}
