package inventory_test

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pantrycam/pkg/inventory"
	"pantrycam/pkg/storage/memorydriver"
)

func openRepository(t *testing.T, path string) (*inventory.Repository, func() error) {
	t.Helper()
	db, cleanup, err := memorydriver.Open(path)
	require.NoError(t, err)
	repo, err := inventory.NewRepository(db, "")
	require.NoError(t, err)
	require.NoError(t, repo.EnsureSchema(context.Background()))
	return repo, cleanup
}

func TestRepositoryRoundTrip(t *testing.T) {
	repo, cleanup := openRepository(t, "")
	defer cleanup()
	ctx := context.Background()

	_, found, err := repo.Get(ctx, "lamp")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, repo.Put(ctx, inventory.Record{Name: "lamp", Quantity: 1}))
	require.NoError(t, repo.Put(ctx, inventory.Record{Name: "Lamp", Quantity: 4}))
	require.NoError(t, repo.Put(ctx, inventory.Record{Name: "lamp", Quantity: 2}))

	rec, found, err := repo.Get(ctx, "lamp")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, inventory.Record{Name: "lamp", Quantity: 2}, rec)

	records, err := repo.List(ctx)
	require.NoError(t, err)
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	assert.Equal(t, []inventory.Record{{Name: "Lamp", Quantity: 4}, {Name: "lamp", Quantity: 2}}, records)

	require.NoError(t, repo.Delete(ctx, "lamp"))
	require.NoError(t, repo.Delete(ctx, "lamp"))
	_, found, err = repo.Get(ctx, "lamp")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRepositorySnapshotSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "store.json")
	ctx := context.Background()

	repo, cleanup := openRepository(t, path)
	require.NoError(t, repo.Put(ctx, inventory.Record{Name: "table lamp", Quantity: 3}))
	require.NoError(t, cleanup())

	repo, cleanup = openRepository(t, path)
	defer cleanup()
	rec, found, err := repo.Get(ctx, "table lamp")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, rec.Quantity)
}

func TestRepositoryReportsStoreUnavailable(t *testing.T) {
	repo, cleanup := openRepository(t, "")
	require.NoError(t, cleanup())

	_, _, err := repo.Get(context.Background(), "lamp")
	require.Error(t, err)
	assert.True(t, inventory.IsStoreUnavailable(err))

	err = repo.Put(context.Background(), inventory.Record{Name: "lamp", Quantity: 1})
	assert.ErrorIs(t, err, inventory.ErrStoreUnavailable)
}

func TestRepositoryRejectsBadCollection(t *testing.T) {
	_, err := inventory.NewRepository(nil, "items; drop")
	assert.Error(t, err)
}

func TestServiceOverRepository(t *testing.T) {
	repo, cleanup := openRepository(t, "")
	defer cleanup()
	svc := inventory.NewService(repo)
	defer svc.Close()
	ctx := context.Background()

	_, err := svc.ReconcileDetections(ctx, []string{"cat", "dog", "cat"})
	require.NoError(t, err)

	records, err := svc.List(ctx)
	require.NoError(t, err)
	got := map[string]int{}
	for _, r := range records {
		got[r.Name] = r.Quantity
	}
	assert.Equal(t, map[string]int{"cat": 2, "dog": 1}, got)
}
