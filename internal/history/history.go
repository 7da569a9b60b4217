// Package history holds the in-memory chat transcript in the upstream
// wire format (role + parts), guarded by a single mutex.
package history

import "sync"

// Roles recognised by the upstream API.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Part is one element of a turn: either text or inline base64 data.
// Exactly one of Text / InlineData is set.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inline_data,omitempty"`
}

// InlineData carries base64-encoded binary content, typically a PNG.
type InlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// Turn is a single chat turn.
type Turn struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Store is an append-only ordered sequence of turns. Append and Clear are
// exclusive with Snapshot; no caller holds the lock across network I/O.
type Store struct {
	mu         sync.Mutex
	turns      []Turn
	basePrompt string
}

// NewStore creates a Store. When basePrompt is non-empty it is prepended as
// an extra text part to the first user turn of an empty history.
func NewStore(basePrompt string) *Store {
	return &Store{basePrompt: basePrompt}
}

// AppendUser appends a user turn built from the given text and optional
// inline image. Empty inputs produce no parts and the turn is not appended;
// the return value reports whether a turn was added.
func (s *Store) AppendUser(text string, image *InlineData) bool {
	var parts []Part
	if text != "" {
		parts = append(parts, Part{Text: text})
	}
	if image != nil {
		parts = append(parts, Part{InlineData: image})
	}
	if len(parts) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.turns) == 0 && s.basePrompt != "" {
		parts = append([]Part{{Text: s.basePrompt}}, parts...)
	}

	s.turns = append(s.turns, Turn{Role: RoleUser, Parts: parts})
	return true
}

// AppendModel appends a model turn carrying the given text, but only when
// the last existing turn is a user turn. This keeps a failed retry from
// double-appending and preserves strict user/model alternation at the tail.
func (s *Store) AppendModel(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.turns) == 0 || s.turns[len(s.turns)-1].Role != RoleUser {
		return false
	}

	s.turns = append(s.turns, Turn{Role: RoleModel, Parts: []Part{{Text: text}}})
	return true
}

// Snapshot returns a shallow copy of the turn sequence.
func (s *Store) Snapshot() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make([]Turn, len(s.turns))
	copy(snapshot, s.turns)
	return snapshot
}

// Len returns the number of turns.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Clear removes all turns.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
}
