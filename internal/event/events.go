// Package event models lifecycle and fetch events delivered to a worker.
//
// Install and activate are extendable: listeners hand long-running work to
// WaitUntil and the dispatcher awaits all of it. Fetch events additionally let
// one listener claim the response through RespondWith.
package event

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/swcache/internal/fetch"
)

// Kind identifies an event type.
type Kind string

const (
	KindInstall  Kind = "install"
	KindActivate Kind = "activate"
	KindFetch    Kind = "fetch"
)

var (
	// ErrNotHandled means no fetch listener called RespondWith.
	ErrNotHandled = errors.New("event: fetch not handled")
	// ErrAlreadyResponded is returned by a second RespondWith call.
	ErrAlreadyResponded = errors.New("event: respondWith already called")
	// ErrSettled is returned when work is attached after dispatch finished.
	ErrSettled = errors.New("event: already settled")
)

// ExtendableEvent is delivered for install and activate.
type ExtendableEvent struct {
	kind Kind
	ctx  context.Context

	mu      sync.Mutex
	settled bool
	group   *errgroup.Group
	gctx    context.Context
}

func newExtendable(ctx context.Context, kind Kind) *ExtendableEvent {
	g, gctx := errgroup.WithContext(ctx)
	return &ExtendableEvent{kind: kind, ctx: ctx, group: g, gctx: gctx}
}

// Kind reports the event type.
func (e *ExtendableEvent) Kind() Kind {
	return e.kind
}

// Context is the dispatch context.
func (e *ExtendableEvent) Context() context.Context {
	return e.ctx
}

// WaitUntil extends the event's lifetime until fn returns. The first error
// fails the event and cancels the context handed to the other functions.
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settled {
		return ErrSettled
	}
	e.group.Go(func() error {
		return fn(e.gctx)
	})
	return nil
}

// wait seals the event and awaits every WaitUntil function.
func (e *ExtendableEvent) wait() error {
	e.mu.Lock()
	e.settled = true
	e.mu.Unlock()
	return e.group.Wait()
}

// Responder produces the response for a fetch event.
type Responder func(ctx context.Context) (*fetch.Response, error)

// FetchEvent is delivered for every intercepted request.
type FetchEvent struct {
	*ExtendableEvent

	// Request is the intercepted request. Listeners clone it before reading the body.
	Request  *fetch.Request
	ClientID string

	mu        sync.Mutex
	responder Responder
}

// RespondWith claims the response. Only the first call wins.
func (e *FetchEvent) RespondWith(fn Responder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.responder != nil {
		return ErrAlreadyResponded
	}
	e.responder = fn
	return nil
}

func (e *FetchEvent) claimed() Responder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responder
}
