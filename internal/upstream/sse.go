// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upstream

import (
	"bytes"
	"io"
)

// SSE framing constants.
var (
	dataMarker = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// FrameScanner incrementally decodes server-sent-event frames from a byte
// stream.
//
// Network reads land on arbitrary boundaries, so the scanner carries state
// across reads rather than assuming a read maps to a frame:
//
//   - an unterminated final line is held back until its newline (or EOF)
//     arrives, never discarded;
//   - a multi-byte UTF-8 character split across two reads is reassembled,
//     because payload bytes are only interpreted once a full line is buffered.
//
// Frames are the payloads of "data:"-prefixed lines. Other SSE fields
// (event:, id:, retry:, comments) are ignored. The "[DONE]" payload
// terminates the stream.
type FrameScanner struct {
	r       io.Reader
	buf     []byte
	pending []byte   // carried bytes: unterminated line, possibly mid-rune
	queue   [][]byte // complete payloads not yet delivered
	done    bool
	err     error
}

// NewFrameScanner wraps r. Reads happen lazily from Next.
func NewFrameScanner(r io.Reader) *FrameScanner {
	return &FrameScanner{
		r:   r,
		buf: make([]byte, 4096),
	}
}

// Next returns the next data payload. It returns io.EOF once the stream is
// exhausted or the "[DONE]" marker was seen; any other error is a transport
// read failure.
func (s *FrameScanner) Next() ([]byte, error) {
	for {
		if len(s.queue) > 0 {
			frame := s.queue[0]
			s.queue = s.queue[1:]
			return frame, nil
		}

		if s.done {
			return nil, io.EOF
		}
		if s.err != nil {
			return nil, s.err
		}

		n, err := s.r.Read(s.buf)
		if n > 0 {
			s.pending = append(s.pending, s.buf[:n]...)
			s.drainLines()
		}
		if err != nil {
			if err == io.EOF {
				// The server may close without a trailing newline;
				// the held-back line still counts as a frame.
				s.flushTail()
				s.done = true
			} else {
				s.err = err
			}
		}
	}
}

// drainLines extracts every complete line from pending, leaving the
// unterminated remainder (and any partial rune inside it) for the next read.
func (s *FrameScanner) drainLines() {
	for {
		idx := bytes.IndexByte(s.pending, '\n')
		if idx < 0 {
			return
		}
		line := s.pending[:idx]
		s.pending = s.pending[idx+1:]
		s.acceptLine(line)
		if s.done {
			return
		}
	}
}

// flushTail processes whatever is left in pending as a final unterminated
// line.
func (s *FrameScanner) flushTail() {
	if len(s.pending) == 0 {
		return
	}
	line := s.pending
	s.pending = nil
	s.acceptLine(line)
}

// acceptLine classifies one line, queueing its payload if it is a data frame.
func (s *FrameScanner) acceptLine(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 || !bytes.HasPrefix(line, dataMarker) {
		return
	}

	payload := bytes.TrimSpace(line[len(dataMarker):])
	if len(payload) == 0 {
		return
	}
	if bytes.Equal(payload, doneMarker) {
		s.done = true
		return
	}

	// Copy: pending's backing array is about to be reused.
	frame := make([]byte, len(payload))
	copy(frame, payload)
	s.queue = append(s.queue, frame)
}
