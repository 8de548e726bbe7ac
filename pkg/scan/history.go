package scan

import (
	"fmt"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// History holds the most recent scans; the oldest entries are evicted first.
type History struct {
	cache *lru.Cache[uuid.UUID, Scan]
}

// NewHistory keeps up to size scans.
func NewHistory(size int) (*History, error) {
	cache, err := lru.New[uuid.UUID, Scan](size)
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return &History{cache: cache}, nil
}

// Record stores s, evicting the oldest scan when full.
func (h *History) Record(s Scan) {
	h.cache.Add(s.ID, s)
}

// Get looks a scan up without refreshing its position.
func (h *History) Get(id uuid.UUID) (Scan, bool) {
	return h.cache.Peek(id)
}

// Recent returns up to n scans, newest first. n <= 0 returns all of them.
func (h *History) Recent(n int) []Scan {
	keys := h.cache.Keys()
	if n <= 0 || n > len(keys) {
		n = len(keys)
	}
	out := make([]Scan, 0, n)
	for i := len(keys) - 1; i >= 0 && len(out) < n; i-- {
		if s, ok := h.cache.Peek(keys[i]); ok {
			out = append(out, s)
		}
	}
	return out
}

// Len reports how many scans are held.
func (h *History) Len() int {
	return h.cache.Len()
}
