package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/samber/mo"
	"github.com/samber/ro"

	"gemini-relay/internal/config"
	"gemini-relay/internal/gemini"
	"gemini-relay/internal/history"
	"gemini-relay/internal/keypool"
)

// App wires the pool, the transcript, and the upstream client behind the
// HTTP handlers. It carries no state beyond the last successful key hint.
type App struct {
	cfg     *config.Config
	pool    *keypool.Manager
	history *history.Store
	client  *gemini.Client

	mu      sync.Mutex
	lastKey string
}

// NewApp creates the handler set.
func NewApp(cfg *config.Config, pool *keypool.Manager, hist *history.Store, client *gemini.Client) *App {
	return &App{
		cfg:     cfg,
		pool:    pool,
		history: hist,
		client:  client,
	}
}

func (a *App) lastKeyHint() mo.Option[string] {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastKey == "" {
		return mo.None[string]()
	}
	return mo.Some(a.lastKey)
}

func (a *App) setLastKey(key string) {
	a.mu.Lock()
	a.lastKey = key
	a.mu.Unlock()
}

// forgetLastKey drops the hint if it still points at the given key.
func (a *App) forgetLastKey(key string) {
	a.mu.Lock()
	if a.lastKey == key {
		a.lastKey = ""
	}
	a.mu.Unlock()
}

type chatRequest struct {
	Text  string `json:"text"`
	Image string `json:"image"`
}

type chatResponse struct {
	OK    bool `json:"ok"`
	Turns int  `json:"turns"`
}

// HandleChat appends one user turn to the transcript. The image field, when
// present, is base64 PNG data.
func (a *App) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	var image *history.InlineData
	if req.Image != "" {
		image = &history.InlineData{MimeType: "image/png", Data: req.Image}
	}

	if !a.history.AppendUser(req.Text, image) {
		WriteError(w, http.StatusBadRequest, "empty_message", "text and image are both empty")
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{OK: true, Turns: a.history.Len()})
}

type textEvent struct {
	Text string `json:"text"`
}

type errorEvent struct {
	Error string `json:"error"`
}

// attemptResult is the outcome of one relay attempt against one key.
type attemptResult struct {
	text      string
	emitted   bool
	streamErr error
	writeErr  error
}

// HandleStream replays the transcript upstream and relays the model's text
// fragments to the client as SSE.
//
// Keys rotate on failure: up to available_keys attempts, each acquiring a
// fresh key and classifying the failure (429 and 5xx suspend the key, 400
// and 403 invalidate it, transport errors suspend with a zero-code failure
// recorded). Once any model text has reached the client the stream is
// committed to its key; a later failure ends the stream with an error event
// instead of restarting on another key.
func (a *App) HandleStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		WriteError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	model := r.URL.Query().Get("model")
	if model == "" {
		model = a.cfg.Models[0]
	} else if !lo.Contains(a.cfg.Models, model) {
		WriteError(w, http.StatusBadRequest, "unknown_model", "model is not configured")
		return
	}

	enableSearch := r.URL.Query().Get("enable_search") == "true"
	forcePaid := r.URL.Query().Get("force_paid") == "true"

	turns := a.history.Snapshot()
	if len(turns) == 0 || turns[len(turns)-1].Role != history.RoleUser {
		WriteError(w, http.StatusBadRequest, "no_pending_message", "no user message to answer")
		return
	}

	ctx := r.Context()

	status, err := a.pool.Status(ctx)
	if err != nil {
		WriteError(w, http.StatusServiceUnavailable, "pool_unavailable", "key pool status unavailable")
		return
	}

	SetSSEHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	if status.AvailableKeys == 0 {
		a.endWithError(w, "no API keys available")
		return
	}

	for attempt := 0; attempt < status.AvailableKeys; attempt++ {
		key, err := a.pool.Acquire(ctx, a.lastKeyHint(), forcePaid)
		if err != nil {
			a.endWithError(w, "no API keys available")
			return
		}

		stream, err := a.client.Stream(ctx, model, key, turns, enableSearch)
		if err != nil {
			if errors.Is(err, gemini.ErrCircuitOpen) {
				a.endWithError(w, "upstream unavailable")
				return
			}
			a.handleOpenFailure(ctx, key, err)
			continue
		}

		result := a.relay(w, stream)
		stream.Close()

		if result.writeErr != nil || ctx.Err() != nil {
			// Client went away; neither success nor failure for the key.
			log.Debug().Str("key_id", keypool.KeyID(key)).Msg("client disconnected mid-stream")
			return
		}

		if result.streamErr == nil {
			a.finishSuccess(ctx, w, key, result.text)
			return
		}

		a.handleStreamFailure(ctx, key, result.streamErr)
		if result.emitted {
			// The client already saw model text; restarting on another key
			// would splice two answers together.
			a.endWithError(w, "stream interrupted")
			return
		}
	}

	a.endWithError(w, "all keys exhausted")
}

// relay forwards fragments to the client as they decode, flushing each one.
func (a *App) relay(w http.ResponseWriter, stream *gemini.Stream) attemptResult {
	var (
		buf    strings.Builder
		result attemptResult
	)

	stream.Fragments().Subscribe(ro.NewObserver(
		func(fragment string) {
			buf.WriteString(fragment)
			if result.writeErr != nil {
				return
			}
			if err := a.writeText(w, fragment); err != nil {
				result.writeErr = err
				return
			}
			result.emitted = true
		},
		func(err error) {
			result.streamErr = err
		},
		func() {},
	))

	result.text = buf.String()
	return result
}

func (a *App) writeText(w http.ResponseWriter, fragment string) error {
	payload, err := json.Marshal(textEvent{Text: fragment})
	if err != nil {
		return err
	}
	return WriteSSEEvent(w, SSEEvent{Data: payload})
}

// finishSuccess records the success, remembers the key for the next stream,
// commits the model turn, and closes the SSE stream cleanly.
func (a *App) finishSuccess(ctx context.Context, w http.ResponseWriter, key, text string) {
	if err := a.pool.RecordSuccess(ctx, key); err != nil {
		log.Error().Err(err).Str("key_id", keypool.KeyID(key)).Msg("failed to record success")
	}
	a.setLastKey(key)

	if text != "" {
		a.history.AppendModel(text)
	}

	a.writeEnd(w)
}

// handleOpenFailure classifies an error from opening the upstream stream.
func (a *App) handleOpenFailure(ctx context.Context, key string, err error) {
	a.forgetLastKey(key)

	var statusErr *gemini.StatusError
	if errors.As(err, &statusErr) {
		if recErr := a.pool.RecordFailure(ctx, key, statusErr.Code); recErr != nil {
			log.Error().Err(recErr).Str("key_id", keypool.KeyID(key)).Msg("failed to record failure")
		}

		switch {
		case statusErr.Code == http.StatusBadRequest || statusErr.Code == http.StatusForbidden:
			// The upstream rejected the key itself; it will never recover.
			if invErr := a.pool.Invalidate(ctx, key); invErr != nil {
				log.Error().Err(invErr).Str("key_id", keypool.KeyID(key)).Msg("failed to invalidate key")
			}
		default:
			// 429, 5xx, and anything else: cool the key down.
			if susErr := a.pool.Suspend(ctx, key, 0); susErr != nil {
				log.Error().Err(susErr).Str("key_id", keypool.KeyID(key)).Msg("failed to suspend key")
			}
		}
		return
	}

	// Transport or protocol failure before any event arrived.
	if recErr := a.pool.RecordFailure(ctx, key, 0); recErr != nil {
		log.Error().Err(recErr).Str("key_id", keypool.KeyID(key)).Msg("failed to record failure")
	}
	if susErr := a.pool.Suspend(ctx, key, 0); susErr != nil {
		log.Error().Err(susErr).Str("key_id", keypool.KeyID(key)).Msg("failed to suspend key")
	}
}

// handleStreamFailure handles an error after the stream opened: a zero-code
// failure plus a cooldown.
func (a *App) handleStreamFailure(ctx context.Context, key string, err error) {
	a.forgetLastKey(key)

	log.Warn().Err(err).Str("key_id", keypool.KeyID(key)).Msg("stream failed mid-flight")

	if recErr := a.pool.RecordFailure(ctx, key, 0); recErr != nil {
		log.Error().Err(recErr).Str("key_id", keypool.KeyID(key)).Msg("failed to record failure")
	}
	if susErr := a.pool.Suspend(ctx, key, 0); susErr != nil {
		log.Error().Err(susErr).Str("key_id", keypool.KeyID(key)).Msg("failed to suspend key")
	}
}

// endWithError emits an error event followed by the terminal end event.
func (a *App) endWithError(w http.ResponseWriter, message string) {
	payload, err := json.Marshal(errorEvent{Error: message})
	if err == nil {
		if werr := WriteSSEEvent(w, SSEEvent{Event: "error", Data: payload}); werr != nil {
			return
		}
	}
	a.writeEnd(w)
}

func (a *App) writeEnd(w http.ResponseWriter) {
	_ = WriteSSEEvent(w, SSEEvent{Event: "end", Data: []byte("[DONE]")})
}

// HandleReset clears the transcript and the sticky key hint.
func (a *App) HandleReset(w http.ResponseWriter, r *http.Request) {
	a.history.Clear()
	a.setLastKey("")

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type historyEntry struct {
	Who string `json:"who"`
	MD  string `json:"md"`
}

// HandleHistory returns the transcript rendered for display: text parts
// verbatim, inline images as truncated markdown placeholders.
func (a *App) HandleHistory(w http.ResponseWriter, r *http.Request) {
	turns := a.history.Snapshot()

	entries := make([]historyEntry, 0, len(turns))
	for _, turn := range turns {
		who := turn.Role
		if who == history.RoleModel {
			who = "bot"
		}
		entries = append(entries, historyEntry{
			Who: who,
			MD:  renderTurn(turn),
		})
	}

	writeJSON(w, http.StatusOK, entries)
}

// renderTurn flattens a turn's parts into one markdown-ish string. Inline
// data is truncated to a 30-character placeholder so the transcript stays
// readable.
func renderTurn(turn history.Turn) string {
	rendered := make([]string, 0, len(turn.Parts))
	for _, part := range turn.Parts {
		switch {
		case part.InlineData != nil:
			data := part.InlineData.Data
			if len(data) > 30 {
				data = data[:30] + "..."
			}
			rendered = append(rendered, "![image](data:"+part.InlineData.MimeType+";base64,"+data+")")
		case part.Text != "":
			rendered = append(rendered, part.Text)
		}
	}
	return strings.Join(rendered, "\n\n")
}

// HandleStatus returns the pool snapshot, or masked per-key details when a
// key prefix is given.
func (a *App) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if prefix := r.URL.Query().Get("key"); prefix != "" {
		details, err := a.pool.KeyDetails(r.Context(), prefix)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "status_failed", "key detail lookup failed")
			return
		}
		if len(details) == 0 {
			WriteError(w, http.StatusNotFound, "key_not_found", "no key matches that prefix")
			return
		}
		writeJSON(w, http.StatusOK, details)
		return
	}

	status, err := a.pool.Status(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "status_failed", "pool status unavailable")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// HandleHealth is a trivial liveness probe.
func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
