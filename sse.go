package minitime

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SSEDone is the terminal sentinel frame of a stream.
const SSEDone = "[DONE]"

// EscapeSSE makes a chunk safe for single-line SSE data framing.
// Backslashes are doubled and newlines become literal "\n" so that
// UnescapeSSE(EscapeSSE(s)) == s for every s.
func EscapeSSE(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

// UnescapeSSE reverses EscapeSSE.
func UnescapeSSE(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		switch s[i+1] {
		case '\\':
			b.WriteByte('\\')
			i++
		case 'n':
			b.WriteByte('\n')
			i++
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// ToolMarker renders the in-stream notice emitted when the agent starts
// a tool call.
func ToolMarker(name string) string {
	return "\n🔧 tool: " + name + "...\n"
}

// WriteSSEChunk writes one data frame, escaped, and flushes if the
// writer supports it.
func WriteSSEChunk(w io.Writer, chunk string) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", EscapeSSE(chunk)); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// WriteSSEDone writes the terminal sentinel frame.
func WriteSSEDone(w io.Writer) error {
	if _, err := io.WriteString(w, "data: "+SSEDone+"\n\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// SetSSEHeaders prepares a response for event streaming.
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
