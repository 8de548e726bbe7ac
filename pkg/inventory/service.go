package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// SourceManual tags changes requested by name.
	SourceManual = "manual"
	// SourceDetection tags changes produced from detected labels.
	SourceDetection = "detection"
)

var (
	// ErrServiceClosed is returned once Close has been called.
	ErrServiceClosed = errors.New("inventory service is closed")
	// ErrQueueBusy is returned when a request could not be queued within the queue timeout.
	// Nothing was applied.
	ErrQueueBusy = errors.New("inventory queue is busy")
)

// command describes one read-modify-write the loop goroutine performs for a caller.
type command struct {
	ctx    context.Context
	action string
	name   string
	source string
	reply  chan commandResult
}

// listQuery lets consumers read the store through the same goroutine that mutates it.
type listQuery struct {
	ctx   context.Context
	reply chan queryResult
}

// commandResult forwards the resulting record back to the caller.
type commandResult struct {
	record Record
	found  bool
	err    error
}

type queryResult struct {
	records []Record
	err     error
}

// Service reconciles manual requests and detections into store mutations.
//
// Every mutation runs on a single goroutine, so the get-then-put sequence of one request can never
// interleave with another request served by the same Service.
type Service struct {
	store        Store
	observers    []Observer
	logger       *slog.Logger
	queueTimeout time.Duration
	storeTimeout time.Duration
	now          func() time.Time

	commands  chan command
	listCalls chan listQuery
	quit      chan struct{}
	closeOnce sync.Once
}

// Option customises a Service.
type Option func(*Service)

// WithObserver registers an observer notified after each applied mutation, in registration order.
func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithLogger sets the logger used for mutation diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeouts overrides how long callers wait for the queue and how long one store round trip may take.
func WithTimeouts(queue, store time.Duration) Option {
	return func(s *Service) {
		if queue > 0 {
			s.queueTimeout = queue
		}
		if store > 0 {
			s.storeTimeout = store
		}
	}
}

// NewService starts the background goroutine immediately.
func NewService(store Store, opts ...Option) *Service {
	svc := &Service{
		store:        store,
		logger:       slog.Default(),
		queueTimeout: 2 * time.Second,
		storeTimeout: 5 * time.Second,
		now:          time.Now,
		commands:     make(chan command),
		listCalls:    make(chan listQuery),
		quit:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(svc)
	}
	go svc.loop()
	return svc
}

// loop processes commands and queries sequentially so no mutexes are needed.
func (s *Service) loop() {
	for {
		select {
		case cmd := <-s.commands:
			var res commandResult
			switch cmd.action {
			case "increment":
				res = s.applyIncrement(cmd)
			case "decrement":
				res = s.applyDecrement(cmd)
			default:
				res = commandResult{err: fmt.Errorf("unknown inventory action %q", cmd.action)}
			}
			cmd.reply <- res
		case q := <-s.listCalls:
			ctx, cancel := context.WithTimeout(q.ctx, s.storeTimeout)
			records, err := s.store.List(ctx)
			cancel()
			if err != nil {
				err = storeError("list", "", err)
			}
			q.reply <- queryResult{records: records, err: err}
		case <-s.quit:
			return
		}
	}
}

func (s *Service) applyIncrement(cmd command) commandResult {
	ctx, cancel := context.WithTimeout(cmd.ctx, s.storeTimeout)
	defer cancel()

	current, found, err := s.store.Get(ctx, cmd.name)
	if err != nil {
		return commandResult{err: storeError("get", cmd.name, err)}
	}
	next := Record{Name: cmd.name, Quantity: 1}
	if found {
		next.Quantity = current.Quantity + 1
	}
	if err := s.store.Put(ctx, next); err != nil {
		return commandResult{err: storeError("put", cmd.name, err)}
	}
	s.notify(cmd.ctx, Change{Name: next.Name, Quantity: next.Quantity, Source: cmd.source, At: s.now().UTC()})
	return commandResult{record: next, found: found}
}

func (s *Service) applyDecrement(cmd command) commandResult {
	ctx, cancel := context.WithTimeout(cmd.ctx, s.storeTimeout)
	defer cancel()

	current, found, err := s.store.Get(ctx, cmd.name)
	if err != nil {
		return commandResult{err: storeError("get", cmd.name, err)}
	}
	if !found {
		return commandResult{record: Record{Name: cmd.name}}
	}
	if current.Quantity <= 1 {
		if err := s.store.Delete(ctx, cmd.name); err != nil {
			return commandResult{err: storeError("delete", cmd.name, err)}
		}
		s.notify(cmd.ctx, Change{Name: cmd.name, Deleted: true, Source: cmd.source, At: s.now().UTC()})
		return commandResult{record: Record{Name: cmd.name}, found: true}
	}
	next := Record{Name: cmd.name, Quantity: current.Quantity - 1}
	if err := s.store.Put(ctx, next); err != nil {
		return commandResult{err: storeError("put", cmd.name, err)}
	}
	s.notify(cmd.ctx, Change{Name: next.Name, Quantity: next.Quantity, Source: cmd.source, At: s.now().UTC()})
	return commandResult{record: next, found: true}
}

// notify runs observers on the loop goroutine, before the caller gets its reply.
func (s *Service) notify(ctx context.Context, change Change) {
	s.logger.Debug("inventory changed",
		"name", change.Name,
		"quantity", change.Quantity,
		"deleted", change.Deleted,
		"source", change.Source)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()
	for _, o := range s.observers {
		o.InventoryChanged(ctx, change)
	}
}

// Increment adds one unit of name, creating the record when it does not exist yet.
func (s *Service) Increment(ctx context.Context, name string) (Record, error) {
	return s.increment(ctx, name, SourceManual)
}

// Decrement removes one unit of name. The record is deleted when its last unit goes.
// Decrementing an absent name is a no-op and reports found=false.
func (s *Service) Decrement(ctx context.Context, name string) (Record, bool, error) {
	if err := validateName(name); err != nil {
		return Record{}, false, err
	}
	res, err := s.submit(ctx, command{action: "decrement", name: name, source: SourceManual})
	if err != nil {
		return Record{}, false, err
	}
	return res.record, res.found, res.err
}

// ReconcileDetections applies one increment per label, strictly in order, each finishing before the
// next starts. The first failure stops the batch; labels already applied stay applied.
// The batch ignores cancellation of ctx once it has started.
func (s *Service) ReconcileDetections(ctx context.Context, labels []string) (BatchResult, error) {
	ctx = context.WithoutCancel(ctx)
	result := BatchResult{Records: make([]Record, 0, len(labels))}
	for _, label := range labels {
		record, err := s.increment(ctx, label, SourceDetection)
		if err != nil {
			return result, fmt.Errorf("label %d of %d (%q): %w", result.Applied+1, len(labels), label, err)
		}
		result.Applied++
		result.Records = append(result.Records, record)
	}
	return result, nil
}

// List returns every record currently held by the store.
func (s *Service) List(ctx context.Context) ([]Record, error) {
	reply := make(chan queryResult, 1)
	q := listQuery{ctx: ctx, reply: reply}

	select {
	case s.listCalls <- q:
	case <-s.quit:
		return nil, ErrServiceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.queueTimeout):
		return nil, ErrQueueBusy
	}

	select {
	case res := <-reply:
		return res.records, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) increment(ctx context.Context, name, source string) (Record, error) {
	if err := validateName(name); err != nil {
		return Record{}, err
	}
	res, err := s.submit(ctx, command{action: "increment", name: name, source: source})
	if err != nil {
		return Record{}, err
	}
	return res.record, res.err
}

// submit hands cmd to the loop and waits for its reply. Once queued, the command is always
// applied, so the caller waits for the outcome even if ctx ends; store round trips are bounded
// by the store timeout.
func (s *Service) submit(ctx context.Context, cmd command) (commandResult, error) {
	reply := make(chan commandResult, 1)
	cmd.ctx = ctx
	cmd.reply = reply

	select {
	case s.commands <- cmd:
	case <-s.quit:
		return commandResult{}, ErrServiceClosed
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	case <-time.After(s.queueTimeout):
		return commandResult{}, ErrQueueBusy
	}

	return <-reply, nil
}

// Close stops the background goroutine when the application shuts down.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
}
