// Package processor holds the per-entity handlers that apply a sync event to
// the target system.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PratikDhanave/sync-queue-service/internal/models"
)

var ErrNoHandler = errors.New("no handler registered for entity type")

// Handler applies one payload. Implementations must be idempotent: the same
// payload may be delivered again after a crash between apply and status update.
type Handler interface {
	Process(ctx context.Context, payload json.RawMessage) error
}

type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Process(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. The event goes straight to dead letter.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Retryable reports whether a failed attempt may be retried.
func Retryable(err error) bool {
	return err != nil && !IsPermanent(err)
}

type eventKey struct{}

// WithEvent exposes the event being processed to handlers and targets.
func WithEvent(ctx context.Context, ev models.SyncEvent) context.Context {
	return context.WithValue(ctx, eventKey{}, ev)
}

func EventFromContext(ctx context.Context) (models.SyncEvent, bool) {
	ev, ok := ctx.Value(eventKey{}).(models.SyncEvent)
	return ev, ok
}

// Registry maps entity types to handlers and their time budgets.
type Registry struct {
	mu             sync.RWMutex
	handlers       map[models.EntityType]Handler
	timeouts       map[models.EntityType]time.Duration
	defaultTimeout time.Duration
}

func NewRegistry(defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Registry{
		handlers:       make(map[models.EntityType]Handler),
		timeouts:       make(map[models.EntityType]time.Duration),
		defaultTimeout: defaultTimeout,
	}
}

func (r *Registry) Register(entity models.EntityType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[entity] = h
}

func (r *Registry) SetTimeout(entity models.EntityType, d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts[entity] = d
}

func (r *Registry) Lookup(entity models.EntityType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[entity]
	return h, ok
}

func (r *Registry) Timeout(entity models.EntityType) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.timeouts[entity]; ok {
		return d
	}
	return r.defaultTimeout
}

// Process runs the handler for ev under its entity timeout. A missing handler
// or a handler panic is permanent; a timeout is retryable.
func (r *Registry) Process(ctx context.Context, ev models.SyncEvent) (err error) {
	h, ok := r.Lookup(ev.EntityType)
	if !ok {
		return Permanent(fmt.Errorf("%w: %s", ErrNoHandler, ev.EntityType))
	}

	ctx, cancel := context.WithTimeout(WithEvent(ctx, ev), r.Timeout(ev.EntityType))
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", rec))
		}
	}()

	err = h.Process(ctx, ev.Payload)
	if err != nil && ctx.Err() == context.DeadlineExceeded && !IsPermanent(err) {
		return fmt.Errorf("handler timed out after %s: %w", r.Timeout(ev.EntityType), err)
	}
	return err
}

// Options configures the default registry.
type Options struct {
	DefaultTimeout time.Duration
	Timeouts       map[models.EntityType]time.Duration
	KeyPaths       map[models.EntityType][]string
}

// NewDefaultRegistry registers an UpsertHandler into target for every entity type.
func NewDefaultRegistry(opts Options, target Target) *Registry {
	r := NewRegistry(opts.DefaultTimeout)
	for _, entity := range models.AllEntityTypes {
		h := UpsertHandler{Entity: entity, KeyPaths: DefaultKeyPaths[entity], Target: target}
		if paths, ok := opts.KeyPaths[entity]; ok && len(paths) > 0 {
			h.KeyPaths = paths
		}
		r.Register(entity, h)
		r.SetTimeout(entity, opts.Timeouts[entity])
	}
	return r
}
