package detect

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
)

// Loader performs the one-time, possibly slow, model initialisation.
type Loader func(ctx context.Context) (Model, error)

// Adapter guards a Model until its Loader has succeeded.
type Adapter struct {
	loader Loader
	logger *slog.Logger

	loadMu sync.Mutex

	mu    sync.RWMutex
	model Model
}

// NewAdapter returns an adapter that is not ready until Load succeeds.
func NewAdapter(loader Loader, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{loader: loader, logger: logger}
}

// Load runs the loader once. After a success further calls return immediately; after a failure
// the next call tries again.
func (a *Adapter) Load(ctx context.Context) error {
	a.loadMu.Lock()
	defer a.loadMu.Unlock()

	if a.Ready() {
		return nil
	}
	if a.loader == nil {
		return fmt.Errorf("%w: no model configured", ErrModelNotReady)
	}
	model, err := a.loader(ctx)
	if err != nil {
		return fmt.Errorf("load detection model: %w", err)
	}
	a.mu.Lock()
	a.model = model
	a.mu.Unlock()
	a.logger.Info("detection model loaded")
	return nil
}

// Ready reports whether Detect can run.
func (a *Adapter) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model != nil
}

// Detect runs the loaded model. It fails with ErrModelNotReady instead of silently doing nothing.
func (a *Adapter) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	a.mu.RLock()
	model := a.model
	a.mu.RUnlock()
	if model == nil {
		return nil, ErrModelNotReady
	}
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty frame", ErrDecodeFailure)
	}
	detections, err := model.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("detect objects: %w", err)
	}
	return detections, nil
}

// Close releases the model when it holds a connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	closer, ok := a.model.(interface{ Close() error })
	a.model = nil
	if !ok {
		return nil
	}
	return closer.Close()
}
