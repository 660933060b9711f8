// Package events coordinates cross-cutting events such as cache invalidation.
//
// Critical and immediate events, and any event emitted while the gates hold, run
// their handler synchronously. Everything else waits in a bounded priority queue
// drained by a batch loop.
package events

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/goph-identity/internal/errs"
)

// Priority orders queued events.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "LOW"
	case Normal:
		return "NORMAL"
	case High:
		return "HIGH"
	case Critical:
		return "CRITICAL"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// Event is a coordinated event.
type Event struct {
	ID         string
	Type       string
	Data       any
	Priority   Priority
	MaxRetries int
	Attempts   int
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Metadata   map[string]string
}

// Handler processes one event type.
type Handler func(ctx context.Context, ev Event) (any, error)

// Options for Emit.
type Options struct {
	Priority Priority
	// MaxRetries of zero takes the coordinator default; negative disables retries.
	MaxRetries int
	// ExpiresIn of zero takes the coordinator default.
	ExpiresIn time.Duration
	Immediate bool
	Metadata  map[string]string
}

// Result of Emit. Value is set only when the handler ran synchronously.
type Result struct {
	EventID string
	Queued  bool
	Value   any
}

// NavigationGate is satisfied by navigation.Manager.
type NavigationGate interface {
	CanPerformAuthOperation() bool
}

// AuthGate is satisfied by authstate.Machine.
type AuthGate interface {
	CanProcessEvents() bool
}

// Config tunes a Coordinator. Zero values take the defaults.
type Config struct {
	QueueCapacity  int           // default 100
	BatchInterval  time.Duration // default 500ms
	BatchSize      int           // default 5
	DefaultExpiry  time.Duration // default 30s
	MaxRetries     int           // default 3
	RetryBaseDelay time.Duration // default 250ms
	HistorySize    int           // default 100
	Now            func() time.Time
}

func (c *Config) setDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 100
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.DefaultExpiry <= 0 {
		c.DefaultExpiry = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 250 * time.Millisecond
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Coordinator dispatches events to registered handlers.
type Coordinator struct {
	cfg  Config
	log  *zap.Logger
	nav  NavigationGate
	auth AuthGate

	mu       sync.Mutex
	handlers map[string]Handler
	queue    queue
	seq      uint64
	history  []Record
	stats    Stats

	runMu   sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

// New constructs a Coordinator. Either gate may be nil, meaning always open.
func New(nav NavigationGate, auth AuthGate, log *zap.Logger, cfg Config) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.setDefaults()
	return &Coordinator{
		cfg:      cfg,
		log:      log,
		nav:      nav,
		auth:     auth,
		handlers: make(map[string]Handler),
	}
}

// Register installs h for eventType, replacing any previous handler.
func (c *Coordinator) Register(eventType string, h Handler) {
	c.mu.Lock()
	if _, ok := c.handlers[eventType]; ok {
		c.log.Debug("event handler replaced", zap.String("type", eventType))
	}
	c.handlers[eventType] = h
	c.mu.Unlock()
}

// Unregister removes the handler for eventType.
func (c *Coordinator) Unregister(eventType string) {
	c.mu.Lock()
	delete(c.handlers, eventType)
	c.mu.Unlock()
}

// CanProcessEvents reports whether both gates currently hold.
func (c *Coordinator) CanProcessEvents() bool {
	if c.nav != nil && !c.nav.CanPerformAuthOperation() {
		return false
	}
	return c.auth == nil || c.auth.CanProcessEvents()
}

// Emit dispatches or enqueues an event. Synchronous dispatch retries inline with
// backoff and returns the handler's final error.
func (c *Coordinator) Emit(ctx context.Context, eventType string, data any, opts Options) (Result, error) {
	now := c.cfg.Now()
	ev := Event{
		ID:         uuid.Must(uuid.NewV4()).String(),
		Type:       eventType,
		Data:       data,
		Priority:   opts.Priority,
		MaxRetries: opts.MaxRetries,
		CreatedAt:  now,
		Metadata:   opts.Metadata,
	}
	switch {
	case ev.MaxRetries == 0:
		ev.MaxRetries = c.cfg.MaxRetries
	case ev.MaxRetries < 0:
		ev.MaxRetries = 0
	}
	expiresIn := opts.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = c.cfg.DefaultExpiry
	}
	ev.ExpiresAt = now.Add(expiresIn)

	if opts.Immediate || ev.Priority == Critical || c.CanProcessEvents() {
		v, err := c.dispatchSync(ctx, ev)
		return Result{EventID: ev.ID, Value: v}, err
	}

	c.mu.Lock()
	c.seq++
	evicted := c.queue.insert(&item{ev: ev, seq: c.seq}, c.cfg.QueueCapacity)
	if evicted != nil {
		c.recordLocked(evicted.ev, StatusEvicted, nil)
	}
	c.mu.Unlock()

	if evicted != nil && evicted.ev.ID == ev.ID {
		return Result{EventID: ev.ID}, fmt.Errorf("event queue full: %s dropped", eventType)
	}
	return Result{EventID: ev.ID, Queued: true}, nil
}

func (c *Coordinator) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBaseDelay
	b.MaxInterval = 16 * c.cfg.RetryBaseDelay
	b.Reset()
	return b
}

func (c *Coordinator) handler(eventType string) (Handler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handlers[eventType]
	return h, ok
}

func (c *Coordinator) dispatchSync(ctx context.Context, ev Event) (any, error) {
	h, ok := c.handler(ev.Type)
	if !ok {
		err := fmt.Errorf("%w: no handler for %s", errs.ErrNotFound, ev.Type)
		c.record(ev, StatusFailed, err)
		return nil, err
	}
	b := c.newBackOff()
	for {
		ev.Attempts++
		v, err := invoke(ctx, h, ev)
		if err == nil {
			c.record(ev, StatusDelivered, nil)
			return v, nil
		}
		if ev.Attempts > ev.MaxRetries {
			c.log.Warn("event handler failed permanently",
				zap.String("event_id", ev.ID), zap.String("type", ev.Type), zap.Int("attempts", ev.Attempts), zap.Error(err))
			c.record(ev, StatusFailed, err)
			return nil, err
		}
		t := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			t.Stop()
			c.record(ev, StatusFailed, ctx.Err())
			return nil, errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
}

// invoke runs h, converting a panic into an error.
func invoke(ctx context.Context, h Handler, ev Event) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// ProcessBatch dispatches up to BatchSize due events when the gates hold and
// returns how many handlers ran. Expired events are discarded.
func (c *Coordinator) ProcessBatch(ctx context.Context) int {
	if !c.CanProcessEvents() {
		return 0
	}
	now := c.cfg.Now()

	var due, later []*item
	c.mu.Lock()
	for c.queue.Len() > 0 && len(due) < c.cfg.BatchSize {
		it := heap.Pop(&c.queue).(*item)
		switch {
		case !now.Before(it.ev.ExpiresAt):
			c.recordLocked(it.ev, StatusExpired, nil)
		case now.Before(it.notBefore):
			later = append(later, it)
		default:
			due = append(due, it)
		}
	}
	for _, it := range later {
		heap.Push(&c.queue, it)
	}
	c.mu.Unlock()

	for _, it := range due {
		c.dispatchQueued(ctx, it)
	}
	return len(due)
}

func (c *Coordinator) dispatchQueued(ctx context.Context, it *item) {
	h, ok := c.handler(it.ev.Type)
	if !ok {
		c.record(it.ev, StatusFailed, fmt.Errorf("%w: no handler for %s", errs.ErrNotFound, it.ev.Type))
		return
	}
	it.ev.Attempts++
	_, err := invoke(ctx, h, it.ev)
	if err == nil {
		c.record(it.ev, StatusDelivered, nil)
		return
	}
	if it.ev.Attempts > it.ev.MaxRetries {
		c.log.Warn("event handler failed permanently",
			zap.String("event_id", it.ev.ID), zap.String("type", it.ev.Type), zap.Int("attempts", it.ev.Attempts), zap.Error(err))
		c.record(it.ev, StatusFailed, err)
		return
	}
	if it.backoff == nil {
		it.backoff = c.newBackOff()
	}
	it.notBefore = c.cfg.Now().Add(it.backoff.NextBackOff())
	c.log.Debug("event handler failed, retry scheduled",
		zap.String("event_id", it.ev.ID), zap.Int("attempt", it.ev.Attempts), zap.Error(err))

	c.mu.Lock()
	if evicted := c.queue.insert(it, c.cfg.QueueCapacity); evicted != nil {
		c.recordLocked(evicted.ev, StatusEvicted, nil)
	}
	c.mu.Unlock()
}

// Start runs the batch loop until Stop or ctx is done. Calling Start twice is a no-op.
func (c *Coordinator) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.stopped = make(chan struct{})
	go c.run(ctx, c.stop, c.stopped)
}

func (c *Coordinator) run(ctx context.Context, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(c.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			c.ProcessBatch(ctx)
		}
	}
}

// Stop halts the batch loop and waits for it. Queued events are kept.
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.stopped
	c.stop, c.stopped = nil, nil
}

// Pending returns the number of queued events.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}
