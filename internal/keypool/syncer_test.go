package keypool_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gemini-relay/internal/keypool"
	"gemini-relay/internal/store"
)

type syncFixture struct {
	syncer   *keypool.Syncer
	store    *store.Store
	freePath string
	paidPath string
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	freePath := filepath.Join(dir, "freekey.txt")
	paidPath := filepath.Join(dir, "paidkey.txt")

	return &syncFixture{
		syncer:   keypool.NewSyncer(st.DB(), freePath, paidPath),
		store:    st,
		freePath: freePath,
		paidPath: paidPath,
	}
}

func (f *syncFixture) activeKeys(t *testing.T, tier keypool.Tier) []string {
	t.Helper()

	rows, err := f.store.DB().Query(
		"SELECT key FROM api_keys WHERE is_active = 1 AND key_type = ? ORDER BY key", string(tier))
	require.NoError(t, err)
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		require.NoError(t, rows.Scan(&k))
		keys = append(keys, k)
	}
	require.NoError(t, rows.Err())
	return keys
}

func TestSyncFromFiles(t *testing.T) {
	t.Run("creates missing files", func(t *testing.T) {
		f := newSyncFixture(t)

		require.NoError(t, f.syncer.SyncFromFiles())

		for _, p := range []string{f.freePath, f.paidPath} {
			_, err := os.Stat(p)
			require.NoError(t, err)
		}
	})

	t.Run("inserts new keys with stats rows", func(t *testing.T) {
		f := newSyncFixture(t)
		writeKeyLines(t, f.freePath, []string{"f1", "f2"})
		writeKeyLines(t, f.paidPath, []string{"p1"})

		require.NoError(t, f.syncer.SyncFromFiles())

		assert.Equal(t, []string{"f1", "f2"}, f.activeKeys(t, keypool.TierFree))
		assert.Equal(t, []string{"p1"}, f.activeKeys(t, keypool.TierPaid))

		var stats int
		require.NoError(t, f.store.DB().QueryRow("SELECT COUNT(*) FROM key_stats").Scan(&stats))
		assert.Equal(t, 3, stats)
	})

	t.Run("is idempotent", func(t *testing.T) {
		f := newSyncFixture(t)
		writeKeyLines(t, f.freePath, []string{"f1"})

		require.NoError(t, f.syncer.SyncFromFiles())
		require.NoError(t, f.syncer.SyncFromFiles())

		assert.Equal(t, []string{"f1"}, f.activeKeys(t, keypool.TierFree))

		var stats int
		require.NoError(t, f.store.DB().QueryRow("SELECT COUNT(*) FROM key_stats").Scan(&stats))
		assert.Equal(t, 1, stats)
	})

	t.Run("dedupes within a file and rewrites it", func(t *testing.T) {
		f := newSyncFixture(t)
		require.NoError(t, os.WriteFile(f.freePath, []byte("a\nb\na\n"), 0o600))
		writeKeyLines(t, f.paidPath, nil)

		require.NoError(t, f.syncer.SyncFromFiles())

		assert.Equal(t, []string{"a", "b"}, f.activeKeys(t, keypool.TierFree))
		assert.Equal(t, []string{"a", "b"}, readKeyLines(t, f.freePath))
	})

	t.Run("drops blank lines", func(t *testing.T) {
		f := newSyncFixture(t)
		require.NoError(t, os.WriteFile(f.freePath, []byte("a\n\n  \nb\n"), 0o600))

		require.NoError(t, f.syncer.SyncFromFiles())

		assert.Equal(t, []string{"a", "b"}, readKeyLines(t, f.freePath))
	})

	t.Run("paid wins a cross-file duplicate", func(t *testing.T) {
		f := newSyncFixture(t)
		writeKeyLines(t, f.freePath, []string{"shared", "free-only"})
		writeKeyLines(t, f.paidPath, []string{"shared"})

		require.NoError(t, f.syncer.SyncFromFiles())

		assert.Equal(t, []string{"free-only"}, f.activeKeys(t, keypool.TierFree))
		assert.Equal(t, []string{"shared"}, f.activeKeys(t, keypool.TierPaid))
		assert.Equal(t, []string{"free-only"}, readKeyLines(t, f.freePath))
	})

	t.Run("re-tiers a moved key in place", func(t *testing.T) {
		f := newSyncFixture(t)
		writeKeyLines(t, f.freePath, []string{"mover"})
		require.NoError(t, f.syncer.SyncFromFiles())

		_, err := f.store.DB().Exec(
			"UPDATE key_stats SET total_requests = 5 WHERE key = 'mover'")
		require.NoError(t, err)

		writeKeyLines(t, f.freePath, nil)
		writeKeyLines(t, f.paidPath, []string{"mover"})
		require.NoError(t, f.syncer.SyncFromFiles())

		assert.Empty(t, f.activeKeys(t, keypool.TierFree))
		assert.Equal(t, []string{"mover"}, f.activeKeys(t, keypool.TierPaid))

		var total int
		require.NoError(t, f.store.DB().QueryRow(
			"SELECT total_requests FROM key_stats WHERE key = 'mover'").Scan(&total))
		assert.Equal(t, 5, total, "re-tiering keeps stats")
	})

	t.Run("soft deletes removed keys and clears suspensions", func(t *testing.T) {
		f := newSyncFixture(t)
		writeKeyLines(t, f.freePath, []string{"keep", "gone"})
		require.NoError(t, f.syncer.SyncFromFiles())

		_, err := f.store.DB().Exec(
			"INSERT INTO suspended_keys (key, resume_time) VALUES ('gone', 9999999999)")
		require.NoError(t, err)

		writeKeyLines(t, f.freePath, []string{"keep"})
		require.NoError(t, f.syncer.SyncFromFiles())

		assert.Equal(t, []string{"keep"}, f.activeKeys(t, keypool.TierFree))

		var suspensions int
		require.NoError(t, f.store.DB().QueryRow("SELECT COUNT(*) FROM suspended_keys").Scan(&suspensions))
		assert.Zero(t, suspensions)

		var inactive int
		require.NoError(t, f.store.DB().QueryRow(
			"SELECT COUNT(*) FROM api_keys WHERE key = 'gone' AND is_active = 0").Scan(&inactive))
		assert.Equal(t, 1, inactive, "removed keys are kept inactive, not deleted")
	})

	t.Run("a returning key is reactivated", func(t *testing.T) {
		f := newSyncFixture(t)
		writeKeyLines(t, f.freePath, []string{"boomerang"})
		require.NoError(t, f.syncer.SyncFromFiles())

		writeKeyLines(t, f.freePath, nil)
		require.NoError(t, f.syncer.SyncFromFiles())
		assert.Empty(t, f.activeKeys(t, keypool.TierFree))

		writeKeyLines(t, f.freePath, []string{"boomerang"})
		require.NoError(t, f.syncer.SyncFromFiles())
		assert.Equal(t, []string{"boomerang"}, f.activeKeys(t, keypool.TierFree))
	})
}

func TestRewriteFiles(t *testing.T) {
	f := newSyncFixture(t)
	writeKeyLines(t, f.freePath, []string{"f1", "f2"})
	writeKeyLines(t, f.paidPath, []string{"p1"})
	require.NoError(t, f.syncer.SyncFromFiles())

	_, err := f.store.DB().Exec("UPDATE api_keys SET is_active = 0 WHERE key = 'f1'")
	require.NoError(t, err)

	require.NoError(t, f.syncer.RewriteFiles())

	assert.Equal(t, []string{"f2"}, readKeyLines(t, f.freePath))
	assert.Equal(t, []string{"p1"}, readKeyLines(t, f.paidPath))
	assert.False(t, f.syncer.LastRewrite().IsZero())
}
