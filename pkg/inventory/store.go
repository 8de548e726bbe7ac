package inventory

import "context"

// Store is the keyed collection of records the service mutates.
// Implementations must not retry, and List may return records in any order.
type Store interface {
	Get(ctx context.Context, name string) (Record, bool, error)
	Put(ctx context.Context, record Record) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Record, error)
}

// Observer is notified after every mutation that reached the store.
type Observer interface {
	InventoryChanged(ctx context.Context, change Change)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(ctx context.Context, change Change)

// InventoryChanged calls f.
func (f ObserverFunc) InventoryChanged(ctx context.Context, change Change) {
	f(ctx, change)
}
