package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.Ping(ctx))
}

func TestSQLiteTime_SortsLexically(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := sqliteTime(base)
	b := sqliteTime(base.Add(500 * time.Millisecond))
	c := sqliteTime(base.Add(time.Second))

	assert.Len(t, b, len(a))
	assert.Less(t, a, b)
	assert.Less(t, b, c)

	back, err := parseSQLiteTime(b)
	require.NoError(t, err)
	assert.True(t, back.Equal(base.Add(500*time.Millisecond)))
}

func TestSQLiteTime_NormalizesZone(t *testing.T) {
	loc := time.FixedZone("CST", -6*3600)
	local := time.Date(2026, 3, 1, 6, 0, 0, 0, loc)
	assert.Equal(t, "2026-03-01T12:00:00.000000000Z", sqliteTime(local))
}

func TestSQLite_RestoreRejectsCorruptHistory(t *testing.T) {
	st := newTestSQLite(t).(*SQLiteStore)
	ctx := context.Background()

	_, err := st.db.ExecContext(ctx,
		`INSERT INTO signals (lead_id, seq, kind, source, status, record) VALUES (?, ?, ?, ?, ?, ?)`,
		"lead-1", 1, "rating", "intake", "current", `{"kind":"rating","seq":1,"status":"current"}`)
	require.NoError(t, err)

	_, err = st.LoadSignals(ctx, "lead-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restore signals")
}
