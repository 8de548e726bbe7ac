package memorydriver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatement(t *testing.T) {
	cases := []struct {
		query      string
		action     string
		collection string
	}{
		{"CREATE TABLE IF NOT EXISTS inventory (name TEXT PRIMARY KEY, quantity INTEGER)", "create", "inventory"},
		{"create table pantry(name text)", "create", "pantry"},
		{"SELECT name, quantity FROM inventory WHERE name = ?", "selectOne", "inventory"},
		{"SELECT name, quantity\n  FROM Inventory", "selectAll", "inventory"},
		{"INSERT INTO inventory (name, quantity) VALUES (?, ?) ON CONFLICT (name) DO UPDATE SET quantity = excluded.quantity", "upsert", "inventory"},
		{"DELETE FROM inventory WHERE name = ?", "delete", "inventory"},
	}
	for _, tc := range cases {
		action, collection, err := parseStatement(tc.query)
		require.NoError(t, err, tc.query)
		assert.Equal(t, tc.action, action, tc.query)
		assert.Equal(t, tc.collection, collection, tc.query)
	}

	_, _, err := parseStatement("UPDATE inventory SET quantity = quantity + 1")
	assert.Error(t, err)
}

func TestSnapshotLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.json")
	db, cleanup, err := Open(path)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = db.ExecContext(ctx, "INSERT INTO inventory (name, quantity) VALUES (?, ?)", "lamp", 2)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "INSERT INTO inventory (name, quantity) VALUES (?, ?)", "pen", 1)
	require.NoError(t, err)
	res, err := db.ExecContext(ctx, "DELETE FROM inventory WHERE name = ?", "pen")
	require.NoError(t, err)
	affected, err := res.RowsAffected()
	require.NoError(t, err)
	assert.EqualValues(t, 1, affected)
	require.NoError(t, cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, map[string]map[string]document{
		"inventory": {"lamp": {Quantity: 2}},
	}, snap.Collections)
}

func TestTransactionsRejected(t *testing.T) {
	db, cleanup, err := Open("")
	require.NoError(t, err)
	defer cleanup()

	_, err = db.Begin()
	assert.Error(t, err)
}

func TestClosedStoreFails(t *testing.T) {
	s, err := newStore("")
	require.NoError(t, err)
	require.NoError(t, s.close())
	require.NoError(t, s.close())

	res := s.send(storeCommand{action: "selectAll", collection: "inventory"})
	assert.ErrorIs(t, res.err, ErrClosed)
}

func TestCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, _, err := Open(path)
	assert.Error(t, err)
}

func TestNullCollectionInSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "null.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"collections":{"inventory":null}}`), 0o644))

	db, cleanup, err := Open(path)
	require.NoError(t, err)
	defer cleanup()
	ctx := context.Background()

	_, err = db.ExecContext(ctx,
		"INSERT INTO inventory (name, quantity) VALUES (?, ?) ON CONFLICT (name) DO UPDATE SET quantity = excluded.quantity",
		"lamp", 1)
	require.NoError(t, err)

	var quantity int64
	require.NoError(t, db.QueryRowContext(ctx, "SELECT name, quantity FROM inventory WHERE name = ?", "lamp").
		Scan(new(string), &quantity))
	assert.EqualValues(t, 1, quantity)
}
