// Package scan keeps a bounded history of capture attempts and their outcomes.
package scan

import (
	"time"

	"github.com/google/uuid"

	"pantrycam/pkg/detect"
)

// Source names the surface an image came from.
type Source string

const (
	SourceUpload Source = "upload"
	SourceCamera Source = "camera"
)

// Status tells apart "nothing detected" from "detection never ran".
type Status string

const (
	StatusApplied       Status = "applied"
	StatusEmpty         Status = "empty"
	StatusPartial       Status = "partial"
	StatusModelNotReady Status = "model_not_ready"
	StatusDecodeFailed  Status = "decode_failed"
	StatusFailed        Status = "failed"
)

// Scan is the outcome of one capture.
type Scan struct {
	ID         uuid.UUID          `json:"id"`
	Source     Source             `json:"source"`
	Status     Status             `json:"status"`
	Detections []detect.Detection `json:"detections"`
	Applied    int                `json:"applied"`
	Cached     bool               `json:"cached"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// New starts a scan record for source.
func New(source Source, now time.Time) Scan {
	return Scan{
		ID:         uuid.New(),
		Source:     source,
		Detections: []detect.Detection{},
		CreatedAt:  now.UTC(),
	}
}
