package event

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/fetch"
)

// ExtendableHandler listens for install or activate.
type ExtendableHandler func(*ExtendableEvent)

// FetchHandler listens for fetch.
type FetchHandler func(*FetchEvent)

// Dispatcher keeps listeners per kind and delivers events in registration order.
type Dispatcher struct {
	logger *logrus.Logger

	mu       sync.RWMutex
	install  []ExtendableHandler
	activate []ExtendableHandler
	fetches  []FetchHandler
}

// NewDispatcher creates an empty dispatcher. logger receives failures of
// fetch-event extensions, which nobody awaits.
func NewDispatcher(logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{logger: logger}
}

func (d *Dispatcher) OnInstall(h ExtendableHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.install = append(d.install, h)
}

func (d *Dispatcher) OnActivate(h ExtendableHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activate = append(d.activate, h)
}

func (d *Dispatcher) OnFetch(h FetchHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetches = append(d.fetches, h)
}

// Listeners reports how many listeners are registered for kind.
func (d *Dispatcher) Listeners(kind Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch kind {
	case KindInstall:
		return len(d.install)
	case KindActivate:
		return len(d.activate)
	case KindFetch:
		return len(d.fetches)
	}
	return 0
}

// DispatchInstall runs install listeners and waits for their extensions.
func (d *Dispatcher) DispatchInstall(ctx context.Context) error {
	d.mu.RLock()
	handlers := append([]ExtendableHandler(nil), d.install...)
	d.mu.RUnlock()
	return dispatchExtendable(ctx, KindInstall, handlers)
}

// DispatchActivate runs activate listeners and waits for their extensions.
func (d *Dispatcher) DispatchActivate(ctx context.Context) error {
	d.mu.RLock()
	handlers := append([]ExtendableHandler(nil), d.activate...)
	d.mu.RUnlock()
	return dispatchExtendable(ctx, KindActivate, handlers)
}

func dispatchExtendable(ctx context.Context, kind Kind, handlers []ExtendableHandler) error {
	ev := newExtendable(ctx, kind)
	for _, h := range handlers {
		if err := invoke(func() { h(ev) }); err != nil {
			ev.wait()
			return fmt.Errorf("%s listener: %w", kind, err)
		}
	}
	if err := ev.wait(); err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	return nil
}

// DispatchFetch delivers req to fetch listeners until one responds, then
// awaits that responder. ErrNotHandled tells the caller to go to the network.
// Extensions registered through WaitUntil finish in the background.
func (d *Dispatcher) DispatchFetch(ctx context.Context, clientID string, req *fetch.Request) (*fetch.Response, error) {
	d.mu.RLock()
	handlers := append([]FetchHandler(nil), d.fetches...)
	d.mu.RUnlock()

	ev := &FetchEvent{
		ExtendableEvent: newExtendable(context.WithoutCancel(ctx), KindFetch),
		Request:         req,
		ClientID:        clientID,
	}
	defer func() {
		go func() {
			if err := ev.wait(); err != nil {
				d.logger.WithError(err).WithField("client_id", clientID).Warn("fetch_extension_failed")
			}
		}()
	}()

	for _, h := range handlers {
		if err := invoke(func() { h(ev) }); err != nil {
			return nil, fmt.Errorf("fetch listener: %w", err)
		}
		if ev.claimed() != nil {
			break
		}
	}
	responder := ev.claimed()
	if responder == nil {
		return nil, ErrNotHandled
	}
	resp, err := responder(ctx)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("fetch listener responded with no response")
	}
	return resp, nil
}

// invoke turns a listener panic into an error.
func invoke(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}
