// Package gemini is the upstream client for the streamGenerateContent
// SSE endpoint.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
	"github.com/tidwall/sjson"

	"gemini-relay/internal/history"
)

// ContentTypeSSE is the content type upstream must declare.
const ContentTypeSSE = "text/event-stream"

// Client issues streaming generate requests against a Gemini-compatible
// endpoint. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.TwoStepCircuitBreaker[struct{}]
	timeout    time.Duration
}

// NewClient creates a Client for the given base URL. The timeout bounds the
// whole upstream request including body streaming.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			// Per-request deadlines come from the context so the SSE body
			// can stream for the full configured window.
			Timeout: 0,
		},
		breaker: newBreaker("gemini"),
		timeout: timeout,
	}
}

// buildURL assembles <base_url><model>:streamGenerateContent?alt=sse&key=<key>.
func (c *Client) buildURL(model, key string) string {
	return fmt.Sprintf("%s%s:streamGenerateContent?alt=sse&key=%s",
		c.baseURL, model, url.QueryEscape(key))
}

// buildBody assembles the request JSON: the history as "contents", plus the
// google_search tool when search is enabled.
func buildBody(turns []history.Turn, enableSearch bool) ([]byte, error) {
	contents, err := json.Marshal(turns)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal contents: %w", err)
	}

	body, err := sjson.SetRawBytes([]byte(`{}`), "contents", contents)
	if err != nil {
		return nil, fmt.Errorf("gemini: build body: %w", err)
	}

	if enableSearch {
		body, err = sjson.SetRawBytes(body, "tools", []byte(`[{"google_search":{}}]`))
		if err != nil {
			return nil, fmt.Errorf("gemini: build body: %w", err)
		}
	}

	return body, nil
}

// Stream opens a streaming generate request with the given key.
//
// The error is one of: ErrCircuitOpen, *StatusError (upstream HTTP error),
// or *ProtocolError (transport failure / wrong content type). On success
// the returned Stream owns the response body; the caller must Close it.
func (c *Client) Stream(ctx context.Context, model, key string, turns []history.Turn, enableSearch bool) (*Stream, error) {
	done, err := c.breaker.Allow()
	if err != nil {
		return nil, ErrCircuitOpen
	}

	body, err := buildBody(turns, enableSearch)
	if err != nil {
		done(nil) // request never left the process
		return nil, &ProtocolError{Reason: "request encoding", Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.buildURL(model, key), bytes.NewReader(body))
	if err != nil {
		cancel()
		done(nil)
		return nil, &ProtocolError{Reason: "request build", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		done(err)
		return nil, &ProtocolError{Reason: "transport", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		drainAndClose(resp.Body)
		cancel()
		// Only server-side failures count against the breaker; 4xx means
		// the key is the problem, not the upstream.
		if resp.StatusCode >= 500 {
			done(&StatusError{Code: resp.StatusCode})
		} else {
			done(nil)
		}
		return nil, &StatusError{Code: resp.StatusCode}
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != ContentTypeSSE {
		drainAndClose(resp.Body)
		cancel()
		perr := &ProtocolError{Reason: fmt.Sprintf("unexpected content type %q", resp.Header.Get("Content-Type"))}
		done(perr)
		return nil, perr
	}

	done(nil)

	log.Debug().Str("model", model).Msg("upstream stream open")

	return &Stream{
		body:   resp.Body,
		cancel: cancel,
	}, nil
}

// drainAndClose consumes a bounded remainder of the body so the connection
// can be reused, then closes it.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
