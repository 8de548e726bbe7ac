package inventory

import "time"

// Record is a named inventory entry. A record only exists while Quantity is at least one.
type Record struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// Change describes one mutation applied to the store.
type Change struct {
	Name     string    `json:"name"`
	Quantity int       `json:"quantity"`
	Deleted  bool      `json:"deleted"`
	Source   string    `json:"source,omitempty"`
	At       time.Time `json:"at"`
}

// BatchResult reports how far a detection batch got before it finished or failed.
type BatchResult struct {
	Applied int      `json:"applied"`
	Records []Record `json:"records"`
}
