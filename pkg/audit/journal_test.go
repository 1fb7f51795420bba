package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()

	j, err := NewSQLite(filepath.Join(t.TempDir(), "audit.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestSQLiteJournal_RecordAndList(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	j.Record("trade_fills", "E1", []byte(`{"execution_id":"E1"}`), OutcomeApplied)
	j.Record("trade_fills", "E1", []byte(`{"execution_id":"E1"}`), OutcomeDuplicate)
	j.Record("trade_fills", "", []byte(`{bad`), OutcomeRejected)
	j.Record("quotes", "QQQ", []byte(`{"price":1}`), OutcomeApplied)

	e1, err := j.List(ctx, "trade_fills", "E1", 0)
	require.NoError(t, err)
	require.Len(t, e1, 2)
	assert.Equal(t, OutcomeApplied, e1[0].Outcome)
	assert.Equal(t, OutcomeDuplicate, e1[1].Outcome)
	assert.Equal(t, `{"execution_id":"E1"}`, string(e1[1].Payload))

	all, err := j.List(ctx, "trade_fills", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	quotes, err := j.List(ctx, "quotes", "", 10)
	require.NoError(t, err)
	assert.Len(t, quotes, 1)
}

func TestSQLiteJournal_ReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	j, err := NewSQLite(path, nil)
	require.NoError(t, err)
	j.Record("quotes", "SPY", []byte(`{}`), OutcomeApplied)
	require.NoError(t, j.Close())

	j, err = NewSQLite(path, nil)
	require.NoError(t, err)
	defer j.Close()

	rows, err := j.List(context.Background(), "quotes", "SPY", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
