package view

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pantrycam/pkg/inventory"
)

type listerFunc func(ctx context.Context) ([]inventory.Record, error)

func (f listerFunc) List(ctx context.Context) ([]inventory.Record, error) { return f(ctx) }

func staticLister(records ...inventory.Record) Lister {
	return listerFunc(func(context.Context) ([]inventory.Record, error) {
		out := make([]inventory.Record, len(records))
		copy(out, records)
		return out, nil
	})
}

func names(records []inventory.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Name)
	}
	return out
}

func TestFilterIsCaseInsensitiveSubstring(t *testing.T) {
	p := New(staticLister(
		inventory.Record{Name: "Apple", Quantity: 2},
		inventory.Record{Name: "Banana", Quantity: 1},
	), nil)
	require.NoError(t, p.Refresh(context.Background()))

	assert.Equal(t, []string{"Banana"}, names(p.Filter("an")))
	assert.Equal(t, []string{"Banana"}, names(p.Filter("AN")))
	assert.Equal(t, []string{"Apple"}, names(p.Filter("pp")))
	assert.Equal(t, []string{"Apple", "Banana"}, names(p.Filter("")))
	assert.Empty(t, p.Filter("cherry"))
}

func TestFilterBeforeRefreshIsEmpty(t *testing.T) {
	p := New(staticLister(inventory.Record{Name: "cup", Quantity: 1}), nil)
	assert.Empty(t, p.Filter(""))
	_, at := p.Snapshot()
	assert.True(t, at.IsZero())
}

func TestRefreshReplacesWholesale(t *testing.T) {
	current := []inventory.Record{{Name: "cup", Quantity: 1}, {Name: "bowl", Quantity: 3}}
	p := New(listerFunc(func(context.Context) ([]inventory.Record, error) {
		out := make([]inventory.Record, len(current))
		copy(out, current)
		return out, nil
	}), nil)
	require.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, []string{"bowl", "cup"}, names(p.Filter("")))

	current = []inventory.Record{{Name: "spoon", Quantity: 2}}
	p.InventoryChanged(context.Background(), inventory.Change{Name: "spoon", Quantity: 2})

	records, at := p.Snapshot()
	assert.Equal(t, []inventory.Record{{Name: "spoon", Quantity: 2}}, records)
	assert.False(t, at.IsZero())
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	fail := false
	p := New(listerFunc(func(context.Context) ([]inventory.Record, error) {
		if fail {
			return nil, errors.New("store offline")
		}
		return []inventory.Record{{Name: "cup", Quantity: 1}}, nil
	}), nil)
	require.NoError(t, p.Refresh(context.Background()))

	fail = true
	assert.Error(t, p.Refresh(context.Background()))
	p.InventoryChanged(context.Background(), inventory.Change{Name: "cup"})
	assert.Equal(t, []string{"cup"}, names(p.Filter("")))
}

func TestProjectionFollowsService(t *testing.T) {
	store := &mapStore{records: map[string]int{}}
	p := New(store, nil)
	svc := inventory.NewService(store, inventory.WithObserver(p))
	defer svc.Close()
	ctx := context.Background()

	_, err := svc.Increment(ctx, "lamp")
	require.NoError(t, err)
	assert.Equal(t, []inventory.Record{{Name: "lamp", Quantity: 1}}, p.Filter("LAMP"))

	_, _, err = svc.Decrement(ctx, "lamp")
	require.NoError(t, err)
	assert.Empty(t, p.Filter(""))
}

// mapStore is a minimal inventory.Store used by the service-driven test.
type mapStore struct {
	records map[string]int
}

func (m *mapStore) Get(_ context.Context, name string) (inventory.Record, bool, error) {
	q, ok := m.records[name]
	return inventory.Record{Name: name, Quantity: q}, ok, nil
}

func (m *mapStore) Put(_ context.Context, r inventory.Record) error {
	m.records[r.Name] = r.Quantity
	return nil
}

func (m *mapStore) Delete(_ context.Context, name string) error {
	delete(m.records, name)
	return nil
}

func (m *mapStore) List(_ context.Context) ([]inventory.Record, error) {
	out := make([]inventory.Record, 0, len(m.records))
	for name, q := range m.records {
		out = append(out, inventory.Record{Name: name, Quantity: q})
	}
	return out, nil
}
