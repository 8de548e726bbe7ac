// Package intake turns captured images into inventory increments.
package intake

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"pantrycam/pkg/detect"
	"pantrycam/pkg/inventory"
	"pantrycam/pkg/scan"
)

// Detector runs object detection on a decoded frame.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]detect.Detection, error)
}

// Reconciler applies detected labels to the inventory.
type Reconciler interface {
	ReconcileDetections(ctx context.Context, labels []string) (inventory.BatchResult, error)
}

// Options tunes a Pipeline.
type Options struct {
	// MaxDimension bounds the longest side of frames sent to the detector. Zero disables resizing.
	MaxDimension int
	// CacheSize is the number of distinct images whose detections are remembered. Zero disables it.
	CacheSize int
	Logger    *slog.Logger
}

// Pipeline runs decode → detect → reconcile for one captured image and records the outcome.
type Pipeline struct {
	detector   Detector
	reconciler Reconciler
	history    *scan.History
	cache      *lru.Cache[[sha256.Size]byte, []detect.Detection]
	maxDim     int
	logger     *slog.Logger
	now        func() time.Time
}

// New wires a pipeline. history may be nil when outcomes need not be kept.
func New(detector Detector, reconciler Reconciler, history *scan.History, opts Options) (*Pipeline, error) {
	p := &Pipeline{
		detector:   detector,
		reconciler: reconciler,
		history:    history,
		maxDim:     opts.MaxDimension,
		logger:     opts.Logger,
		now:        time.Now,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[[sha256.Size]byte, []detect.Detection](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("detection cache: %w", err)
		}
		p.cache = cache
	}
	return p, nil
}

// Ingest processes raw image bytes from source.
//
// A decode failure stops before detection, an unready model stops before any inventory mutation,
// and a store failure part way through leaves the labels already applied in place. The returned
// scan always carries the matching status, including on error.
func (p *Pipeline) Ingest(ctx context.Context, source scan.Source, raw []byte) (scan.Scan, error) {
	s := scan.New(source, p.now())

	detections, err := p.detect(ctx, raw, &s)
	if err != nil {
		switch {
		case errors.Is(err, detect.ErrDecodeFailure):
			s.Status = scan.StatusDecodeFailed
		case errors.Is(err, detect.ErrModelNotReady):
			s.Status = scan.StatusModelNotReady
		default:
			s.Status = scan.StatusFailed
		}
		return p.finish(s, err)
	}
	s.Detections = append(s.Detections, detections...)

	labels := detect.Labels(detections)
	if len(labels) == 0 {
		s.Status = scan.StatusEmpty
		return p.finish(s, nil)
	}

	result, err := p.reconciler.ReconcileDetections(ctx, labels)
	s.Applied = result.Applied
	if err != nil {
		s.Status = scan.StatusFailed
		if result.Applied > 0 {
			s.Status = scan.StatusPartial
		}
		return p.finish(s, err)
	}
	s.Status = scan.StatusApplied
	return p.finish(s, nil)
}

// readiness is implemented by detectors that can be unloaded, such as detect.Adapter.
type readiness interface {
	Ready() bool
}

func (p *Pipeline) detect(ctx context.Context, raw []byte, s *scan.Scan) ([]detect.Detection, error) {
	if r, ok := p.detector.(readiness); ok && !r.Ready() {
		if _, err := detect.DecodeBytes(raw); err != nil {
			return nil, err
		}
		return nil, detect.ErrModelNotReady
	}
	key := sha256.Sum256(raw)
	if p.cache != nil {
		if cached, ok := p.cache.Get(key); ok {
			s.Cached = true
			return cached, nil
		}
	}

	img, err := detect.DecodeBytes(raw)
	if err != nil {
		return nil, err
	}
	detections, err := p.detector.Detect(ctx, detect.Fit(img, p.maxDim))
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cache.Add(key, detections)
	}
	return detections, nil
}

func (p *Pipeline) finish(s scan.Scan, err error) (scan.Scan, error) {
	if err != nil {
		s.Error = err.Error()
	}
	if p.history != nil {
		p.history.Record(s)
	}
	attrs := []any{
		"scan_id", s.ID,
		"source", s.Source,
		"status", s.Status,
		"detections", len(s.Detections),
		"applied", s.Applied,
		"cached", s.Cached,
	}
	if err != nil {
		p.logger.Warn("capture not fully applied", append(attrs, "error", err)...)
		return s, err
	}
	p.logger.Info("capture processed", attrs...)
	return s, nil
}
