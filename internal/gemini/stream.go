package gemini

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/samber/ro"
	"github.com/tidwall/gjson"
)

// fragmentPath locates the text fragment inside each upstream event payload.
const fragmentPath = "candidates.0.content.parts.0.text"

// Stream is an open upstream SSE response.
type Stream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
}

// Close releases the upstream connection. Safe to call after the observable
// completes.
func (s *Stream) Close() {
	_ = s.body.Close()
	if s.cancel != nil {
		s.cancel()
	}
}

// Fragments decodes the SSE body into an Observable of text fragments, in
// receive order. The observable completes at end of stream and errors with
// *ProtocolError on malformed payloads, mid-stream resets, or an exceeded
// request deadline. Parsing runs inside Subscribe, so subscribing blocks
// until the stream ends.
func (s *Stream) Fragments() ro.Observable[string] {
	return ro.NewObservable(func(observer ro.Observer[string]) ro.Teardown {
		parseFragments(bufio.NewReader(s.body), observer)
		return nil
	})
}

// parseFragments reads SSE lines, accumulating data: payloads per event and
// emitting the extracted text fragment at each blank-line boundary.
func parseFragments(reader *bufio.Reader, observer ro.Observer[string]) {
	var dataLines [][]byte

	flush := func() bool {
		if len(dataLines) == 0 {
			return true
		}
		payload := bytes.Join(dataLines, []byte("\n"))
		dataLines = nil
		return emitFragment(payload, observer)
	}

	for {
		line, err := reader.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")

		switch {
		case err == nil && len(line) == 0:
			if !flush() {
				return
			}
		case err == nil:
			if value, ok := bytes.CutPrefix(line, []byte("data:")); ok {
				dataLines = append(dataLines, bytes.TrimPrefix(value, []byte(" ")))
			}
			// Other SSE fields (event:, id:, comments) carry nothing here.
		default:
			if len(line) > 0 {
				if value, ok := bytes.CutPrefix(line, []byte("data:")); ok {
					dataLines = append(dataLines, bytes.TrimPrefix(value, []byte(" ")))
				}
			}
			if !flush() {
				return
			}
			finishStream(err, observer)
			return
		}
	}
}

// emitFragment extracts the text fragment from one event payload. Returns
// false when the payload is malformed and the stream should stop.
func emitFragment(payload []byte, observer ro.Observer[string]) bool {
	if !gjson.ValidBytes(payload) {
		observer.Error(&ProtocolError{Reason: "malformed event payload"})
		return false
	}

	fragment := gjson.GetBytes(payload, fragmentPath)
	if fragment.Exists() && fragment.String() != "" {
		observer.Next(fragment.String())
	}
	return true
}

// finishStream maps the terminal read error onto completion or a protocol
// error.
func finishStream(err error, observer ro.Observer[string]) {
	switch {
	case errors.Is(err, io.EOF):
		observer.Complete()
	case errors.Is(err, context.DeadlineExceeded):
		observer.Error(&ProtocolError{Reason: "request deadline exceeded", Err: err})
	default:
		observer.Error(&ProtocolError{Reason: "connection reset mid-stream", Err: err})
	}
}
