package proxy_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"gemini-relay/internal/config"
	"gemini-relay/internal/gemini"
	"gemini-relay/internal/history"
	"gemini-relay/internal/keypool"
	"gemini-relay/internal/proxy"
	"gemini-relay/internal/store"
)

const testModel = "gemini-2.0-flash"

type fixture struct {
	app      *proxy.App
	routes   http.Handler
	pool     *keypool.Manager
	history  *history.Store
	freePath string
}

func sseEvent(text string) string {
	return fmt.Sprintf("data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":%q}]}}]}\n\n", text)
}

func newFixture(t *testing.T, upstream http.Handler, free, paid []string) *fixture {
	t.Helper()

	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)

	dir := t.TempDir()
	freePath := filepath.Join(dir, "freekey.txt")
	paidPath := filepath.Join(dir, "paidkey.txt")
	writeKeyLines(t, freePath, free)
	writeKeyLines(t, paidPath, paid)

	st, err := store.Open(filepath.Join(dir, "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		BaseURL: server.URL + "/",
		Models:  []string{testModel, "gemini-2.0-pro"},
	}
	cfg.ApplyDefaults()

	syncer := keypool.NewSyncer(st.DB(), freePath, paidPath)
	pool, err := keypool.NewManager(st, syncer, keypool.Config{
		Cooldown:           cfg.Cooldown(),
		RequestsPerMinute:  100,
		RequestsPerDay:     1000,
		MaxFreeKeyFailures: cfg.MaxFreeKeyFailures,
	})
	require.NoError(t, err)

	hist := history.NewStore("")
	client := gemini.NewClient(cfg.BaseURL, 30*time.Second)
	app := proxy.NewApp(cfg, pool, hist, client)

	return &fixture{
		app:      app,
		routes:   app.Routes(),
		pool:     pool,
		history:  hist,
		freePath: freePath,
	}
}

func writeKeyLines(t *testing.T, path string, keys []string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(keys, "\n")+"\n"), 0o600))
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	f.routes.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) chat(t *testing.T, text string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/chat", fmt.Sprintf(`{"text":%q}`, text))
	require.Equal(t, http.StatusOK, rec.Code)
}

func streamingUpstream(fragments ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, fragment := range fragments {
			io.WriteString(w, sseEvent(fragment))
		}
	})
}

func TestChat(t *testing.T) {
	f := newFixture(t, streamingUpstream("unused"), []string{"free-a"}, nil)

	t.Run("appends a user turn", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/chat", `{"text":"hello"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, gjson.Get(rec.Body.String(), "ok").Bool())
		assert.Equal(t, 1, f.history.Len())
	})

	t.Run("rejects an empty message", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/chat", `{"text":"","image":""}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "empty_message", gjson.Get(rec.Body.String(), "error.type").String())
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/chat", `{broken`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStream(t *testing.T) {
	t.Run("relays fragments and ends cleanly", func(t *testing.T) {
		f := newFixture(t, streamingUpstream("Hello", " world"), []string{"free-a"}, nil)
		f.chat(t, "hi")

		rec := f.do(t, http.MethodGet, "/stream?model="+testModel, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

		body := rec.Body.String()
		assert.Contains(t, body, `data: {"text":"Hello"}`)
		assert.Contains(t, body, `data: {"text":" world"}`)
		assert.Contains(t, body, "event: end\ndata: [DONE]\n\n")

		// The model turn is committed to the transcript.
		turns := f.history.Snapshot()
		require.Len(t, turns, 2)
		assert.Equal(t, history.RoleModel, turns[1].Role)
		assert.Equal(t, "Hello world", turns[1].Parts[0].Text)

		status, err := f.pool.Status(context.Background())
		require.NoError(t, err)
		assert.EqualValues(t, 1, status.TotalSuccessful)
	})

	t.Run("rejects an unknown model", func(t *testing.T) {
		f := newFixture(t, streamingUpstream("x"), []string{"free-a"}, nil)
		f.chat(t, "hi")

		rec := f.do(t, http.MethodGet, "/stream?model=bogus", "")
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects streaming with no pending user message", func(t *testing.T) {
		f := newFixture(t, streamingUpstream("x"), []string{"free-a"}, nil)

		rec := f.do(t, http.MethodGet, "/stream", "")
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("empty pool yields an error event", func(t *testing.T) {
		f := newFixture(t, streamingUpstream("x"), nil, nil)
		f.chat(t, "hi")

		rec := f.do(t, http.MethodGet, "/stream", "")
		require.Equal(t, http.StatusOK, rec.Code)

		body := rec.Body.String()
		assert.Contains(t, body, "event: error\n")
		assert.Contains(t, body, "no API keys available")
		assert.Contains(t, body, "data: [DONE]")
	})
}

func TestStreamKeyRotation(t *testing.T) {
	t.Run("rotates to the next key on 429", func(t *testing.T) {
		var calls atomic.Int32
		upstream := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) == 1 {
				http.Error(w, "quota", http.StatusTooManyRequests)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			io.WriteString(w, sseEvent("recovered"))
		})

		f := newFixture(t, upstream, []string{"free-a", "free-b"}, nil)
		f.chat(t, "hi")

		rec := f.do(t, http.MethodGet, "/stream", "")
		body := rec.Body.String()
		assert.Contains(t, body, `data: {"text":"recovered"}`)
		assert.Contains(t, body, "event: end\n")

		status, err := f.pool.Status(context.Background())
		require.NoError(t, err)
		assert.EqualValues(t, 1, status.TotalFailed)
		assert.EqualValues(t, 1, status.ErrorDistribution["429"])
		assert.Equal(t, 1, status.SuspendedKeys)
	})

	t.Run("invalidates keys on 403 and exhausts the pool", func(t *testing.T) {
		upstream := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "forbidden", http.StatusForbidden)
		})

		f := newFixture(t, upstream, []string{"free-a", "free-b"}, nil)
		f.chat(t, "hi")

		rec := f.do(t, http.MethodGet, "/stream", "")
		body := rec.Body.String()
		assert.Contains(t, body, "event: error\n")
		assert.Contains(t, body, "data: [DONE]")

		status, err := f.pool.Status(context.Background())
		require.NoError(t, err)
		assert.Zero(t, status.TotalKeys, "both keys invalidated")

		content, err := os.ReadFile(f.freePath)
		require.NoError(t, err)
		assert.Empty(t, strings.TrimSpace(string(content)), "invalidated keys are removed from the file")
	})

	t.Run("does not restart after content reached the client", func(t *testing.T) {
		var calls atomic.Int32
		upstream := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.Header().Set("Content-Type", "text/event-stream")
			io.WriteString(w, sseEvent("partial answer"))
			io.WriteString(w, "data: {broken\n\n")
		})

		f := newFixture(t, upstream, []string{"free-a", "free-b"}, nil)
		f.chat(t, "hi")

		rec := f.do(t, http.MethodGet, "/stream", "")
		body := rec.Body.String()
		assert.Contains(t, body, `data: {"text":"partial answer"}`)
		assert.Contains(t, body, "event: error\n")

		assert.EqualValues(t, 1, calls.Load(), "no retry once the client saw model text")

		status, err := f.pool.Status(context.Background())
		require.NoError(t, err)
		assert.EqualValues(t, 1, status.TotalFailed)
		assert.Equal(t, 1, f.history.Len(), "failed stream must not commit a model turn")
	})

	t.Run("retries when the stream breaks before any content", func(t *testing.T) {
		var calls atomic.Int32
		upstream := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			if calls.Add(1) == 1 {
				io.WriteString(w, "data: {broken\n\n")
				return
			}
			io.WriteString(w, sseEvent("second try"))
		})

		f := newFixture(t, upstream, []string{"free-a", "free-b"}, nil)
		f.chat(t, "hi")

		rec := f.do(t, http.MethodGet, "/stream", "")
		body := rec.Body.String()
		assert.Contains(t, body, `data: {"text":"second try"}`)
		assert.Contains(t, body, "event: end\n")
		assert.EqualValues(t, 2, calls.Load())
	})

	t.Run("a successful key is sticky across streams", func(t *testing.T) {
		var keys []string
		upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keys = append(keys, r.URL.Query().Get("key"))
			w.Header().Set("Content-Type", "text/event-stream")
			io.WriteString(w, sseEvent("ok"))
		})

		f := newFixture(t, upstream, []string{"free-a", "free-b"}, nil)

		f.chat(t, "first")
		f.do(t, http.MethodGet, "/stream", "")
		f.chat(t, "second")
		f.do(t, http.MethodGet, "/stream", "")

		require.Len(t, keys, 2)
		assert.Equal(t, keys[0], keys[1], "second stream reuses the key that just succeeded")
	})
}

func TestReset(t *testing.T) {
	f := newFixture(t, streamingUpstream("x"), []string{"free-a"}, nil)
	f.chat(t, "hello")

	rec := f.do(t, http.MethodPost, "/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.history.Len())
}

func TestHistoryEndpoint(t *testing.T) {
	f := newFixture(t, streamingUpstream("x"), []string{"free-a"}, nil)

	longImage := strings.Repeat("A", 100)
	rec := f.do(t, http.MethodPost, "/chat", fmt.Sprintf(`{"text":"see this","image":%q}`, longImage))
	require.Equal(t, http.StatusOK, rec.Code)
	f.history.AppendModel("sure thing")

	rec = f.do(t, http.MethodGet, "/history", "")
	require.Equal(t, http.StatusOK, rec.Code)

	doc := gjson.Parse(rec.Body.String())
	require.EqualValues(t, 2, doc.Get("#").Int())
	assert.Equal(t, "user", doc.Get("0.who").String())
	assert.Equal(t, "bot", doc.Get("1.who").String())
	assert.Equal(t, "sure thing", doc.Get("1.md").String())

	md := doc.Get("0.md").String()
	assert.Contains(t, md, "see this")
	assert.Contains(t, md, "![image](data:image/png;base64,"+strings.Repeat("A", 30)+"...)")
	assert.NotContains(t, md, longImage, "full image payload must not leak into the transcript view")
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, streamingUpstream("x"), []string{"free-a", "free-b"}, []string{"paid-a"})

	t.Run("pool snapshot", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/status", "")
		require.Equal(t, http.StatusOK, rec.Code)

		doc := gjson.Parse(rec.Body.String())
		assert.EqualValues(t, 3, doc.Get("total_keys").Int())
		assert.EqualValues(t, 2, doc.Get("tiers.free.active").Int())
		assert.EqualValues(t, 1, doc.Get("tiers.paid.active").Int())
	})

	t.Run("key detail lookup", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/status?key=paid", "")
		require.Equal(t, http.StatusOK, rec.Code)

		doc := gjson.Parse(rec.Body.String())
		require.EqualValues(t, 1, doc.Get("#").Int())
		assert.Equal(t, "paid", doc.Get("0.tier").String())
	})

	t.Run("unknown prefix", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/status?key=zzz", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHealth(t *testing.T) {
	f := newFixture(t, streamingUpstream("x"), []string{"free-a"}, nil)

	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", gjson.Get(rec.Body.String(), "status").String())
}
