package history_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gemini-relay/internal/history"
)

func TestAppendUser(t *testing.T) {
	t.Run("text only", func(t *testing.T) {
		s := history.NewStore("")

		require.True(t, s.AppendUser("hello", nil))

		turns := s.Snapshot()
		require.Len(t, turns, 1)
		assert.Equal(t, history.RoleUser, turns[0].Role)
		require.Len(t, turns[0].Parts, 1)
		assert.Equal(t, "hello", turns[0].Parts[0].Text)
	})

	t.Run("text and image", func(t *testing.T) {
		s := history.NewStore("")

		image := &history.InlineData{MimeType: "image/png", Data: "aGVsbG8="}
		require.True(t, s.AppendUser("look", image))

		turns := s.Snapshot()
		require.Len(t, turns[0].Parts, 2)
		assert.Equal(t, "look", turns[0].Parts[0].Text)
		assert.Equal(t, image, turns[0].Parts[1].InlineData)
	})

	t.Run("image only", func(t *testing.T) {
		s := history.NewStore("")

		require.True(t, s.AppendUser("", &history.InlineData{MimeType: "image/png", Data: "x"}))
		require.Len(t, s.Snapshot()[0].Parts, 1)
	})

	t.Run("empty input is rejected", func(t *testing.T) {
		s := history.NewStore("")

		assert.False(t, s.AppendUser("", nil))
		assert.Zero(t, s.Len())
	})

	t.Run("base prompt prepends to the first turn only", func(t *testing.T) {
		s := history.NewStore("You are concise.")

		require.True(t, s.AppendUser("first", nil))
		require.True(t, s.AppendModel("reply"))
		require.True(t, s.AppendUser("second", nil))

		turns := s.Snapshot()
		require.Len(t, turns[0].Parts, 2)
		assert.Equal(t, "You are concise.", turns[0].Parts[0].Text)
		assert.Equal(t, "first", turns[0].Parts[1].Text)

		require.Len(t, turns[2].Parts, 1)
		assert.Equal(t, "second", turns[2].Parts[0].Text)
	})

	t.Run("base prompt returns after clear", func(t *testing.T) {
		s := history.NewStore("prompt")

		require.True(t, s.AppendUser("one", nil))
		s.Clear()
		require.True(t, s.AppendUser("two", nil))

		turns := s.Snapshot()
		require.Len(t, turns, 1)
		assert.Equal(t, "prompt", turns[0].Parts[0].Text)
	})
}

func TestAppendModel(t *testing.T) {
	t.Run("requires a trailing user turn", func(t *testing.T) {
		s := history.NewStore("")

		assert.False(t, s.AppendModel("orphan"), "no history yet")

		require.True(t, s.AppendUser("q", nil))
		require.True(t, s.AppendModel("a"))

		assert.False(t, s.AppendModel("double"), "last turn is already a model turn")
		assert.Equal(t, 2, s.Len())
	})
}

func TestSnapshot(t *testing.T) {
	t.Run("is isolated from later appends", func(t *testing.T) {
		s := history.NewStore("")
		require.True(t, s.AppendUser("one", nil))

		snapshot := s.Snapshot()
		require.True(t, s.AppendModel("two"))

		assert.Len(t, snapshot, 1)
		assert.Equal(t, 2, s.Len())
	})
}

func TestClear(t *testing.T) {
	s := history.NewStore("")
	require.True(t, s.AppendUser("one", nil))
	require.True(t, s.AppendModel("two"))

	s.Clear()

	assert.Zero(t, s.Len())
	assert.Empty(t, s.Snapshot())
}
