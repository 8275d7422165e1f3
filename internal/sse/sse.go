package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const dataPrefix = "data: "

// Done is the sentinel payload that terminates a well-formed stream.
const Done = "[DONE]"

// Frame is a single event on the relay's caller-facing stream: either a
// content delta or an in-band error reported after the response has been
// committed.
type Frame struct {
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// LineBuffer splits an incoming byte stream into complete lines. A trailing
// fragment that has not yet been terminated by a newline is held back until
// the next push, so lines (and multi-byte UTF-8 sequences inside them)
// survive arbitrary chunk boundaries.
type LineBuffer struct {
	rest []byte
}

// Push appends chunk to the buffer and returns every complete line it now
// holds, without line terminators.
func (b *LineBuffer) Push(chunk []byte) []string {
	b.rest = append(b.rest, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(b.rest, '\n')
		if i < 0 {
			return lines
		}
		line := strings.TrimSuffix(string(b.rest[:i]), "\r")
		b.rest = append(b.rest[:0:0], b.rest[i+1:]...)
		lines = append(lines, line)
	}
}

// Pending reports whether an incomplete trailing line is buffered.
func (b *LineBuffer) Pending() bool {
	return len(b.rest) > 0
}

// Data extracts the payload of a "data: " line. It returns false for blank
// lines, comments and any other field.
func Data(line string) (string, bool) {
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	return strings.TrimPrefix(line, dataPrefix), true
}

// ParseFrame decodes a relay frame payload produced by WriteFrame.
func ParseFrame(data string) (Frame, error) {
	var f Frame
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return Frame{}, fmt.Errorf("decode stream frame: %w", err)
	}
	return f, nil
}

// WriteFrame writes one frame in SSE wire format.
func WriteFrame(w io.Writer, f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal stream frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "%s%s\n\n", dataPrefix, payload); err != nil {
		return fmt.Errorf("write stream frame: %w", err)
	}
	return nil
}

// WriteDone writes the terminating sentinel frame.
func WriteDone(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%s%s\n\n", dataPrefix, Done); err != nil {
		return fmt.Errorf("write stream sentinel: %w", err)
	}
	return nil
}
