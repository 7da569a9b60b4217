package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFlushable is returned when the ResponseWriter doesn't support flushing.
var ErrNotFlushable = errors.New("sse: ResponseWriter does not implement http.Flusher")

// SSEEvent is a single server-sent event.
type SSEEvent struct {
	Event string
	Data  []byte
}

// Bytes returns the SSE wire format of the event. Data spanning multiple
// lines is emitted as one data: line per line.
func (e SSEEvent) Bytes() []byte {
	var buf bytes.Buffer
	if e.Event != "" {
		fmt.Fprintf(&buf, "event: %s\n", e.Event)
	}
	if len(e.Data) > 0 {
		for _, line := range bytes.Split(e.Data, []byte("\n")) {
			fmt.Fprintf(&buf, "data: %s\n", line)
		}
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// SetSSEHeaders sets the headers required for streaming through proxies:
// no caching, no transform, and no intermediary buffering.
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Connection", "keep-alive")
}

// WriteSSEEvent writes one event and flushes it immediately. The stream
// buffers nothing above a single event boundary.
func WriteSSEEvent(w http.ResponseWriter, event SSEEvent) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrNotFlushable
	}

	if _, err := w.Write(event.Bytes()); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
