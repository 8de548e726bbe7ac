// Package view keeps the in-memory inventory snapshot served to clients.
package view

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"pantrycam/pkg/inventory"
)

// Lister is the part of the store the projection reads from.
type Lister interface {
	List(ctx context.Context) ([]inventory.Record, error)
}

// Projection holds the last full listing of the store. It is replaced wholesale on every refresh.
type Projection struct {
	source Lister
	logger *slog.Logger

	mu        sync.RWMutex
	records   []inventory.Record
	refreshed time.Time
}

var _ inventory.Observer = (*Projection)(nil)

// New returns an empty projection over source. Call Refresh once at startup.
func New(source Lister, logger *slog.Logger) *Projection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projection{source: source, logger: logger}
}

// Refresh replaces the snapshot with a fresh listing. On failure the previous snapshot stays.
func (p *Projection) Refresh(ctx context.Context) error {
	records, err := p.source.List(ctx)
	if err != nil {
		return err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })

	p.mu.Lock()
	p.records = records
	p.refreshed = time.Now().UTC()
	p.mu.Unlock()
	return nil
}

// InventoryChanged refreshes after a mutation.
func (p *Projection) InventoryChanged(ctx context.Context, change inventory.Change) {
	if err := p.Refresh(ctx); err != nil {
		p.logger.Warn("inventory view refresh failed, serving previous snapshot",
			"name", change.Name,
			"error", err)
	}
}

// Filter returns the records whose name contains query, ignoring case. An empty query matches all.
func (p *Projection) Filter(query string) []inventory.Record {
	p.mu.RLock()
	defer p.mu.RUnlock()

	needle := strings.ToLower(query)
	out := make([]inventory.Record, 0, len(p.records))
	for _, r := range p.records {
		if strings.Contains(strings.ToLower(r.Name), needle) {
			out = append(out, r)
		}
	}
	return out
}

// Snapshot returns a copy of the held records and when they were fetched.
func (p *Projection) Snapshot() ([]inventory.Record, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]inventory.Record, len(p.records))
	copy(out, p.records)
	return out, p.refreshed
}
