package host

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/event"
	"github.com/any-hub/swcache/internal/fetch"
	"github.com/any-hub/swcache/internal/logging"
)

// ErrNotActive is returned by Claim when the calling worker is not the active one.
var ErrNotActive = errors.New("host: worker is not active")

// Script wires a worker's listeners onto its global scope. It runs once per Register.
type Script func(g *Global)

// Options configures a Registration.
type Options struct {
	Scope   *url.URL
	Caches  cache.Storage
	Network fetch.Fetcher
	Logger  *logrus.Logger
}

// Registration owns the workers of one scope.
type Registration struct {
	scope   *url.URL
	caches  cache.Storage
	network fetch.Fetcher
	logger  *logrus.Logger
	clients *Clients

	// lifecycle serializes install and activation.
	lifecycle sync.Mutex

	mu         sync.RWMutex
	installing *Worker
	waiting    *Worker
	active     *Worker
}

// NewRegistration validates opts and returns an empty registration.
func NewRegistration(opts Options) (*Registration, error) {
	if opts.Scope == nil || !opts.Scope.IsAbs() {
		return nil, errors.New("host: absolute scope url required")
	}
	if opts.Caches == nil {
		return nil, errors.New("host: cache storage required")
	}
	if opts.Network == nil {
		return nil, errors.New("host: network fetcher required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registration{
		scope:   opts.Scope,
		caches:  opts.Caches,
		network: opts.Network,
		logger:  logger,
		clients: newClients(),
	}, nil
}

// Scope returns the registration scope URL.
func (r *Registration) Scope() *url.URL {
	u := *r.scope
	return &u
}

// Register evaluates script as a new worker for version and installs it.
// A failed install leaves the previous active worker in control. A worker
// that installs successfully activates right away when it called
// SkipWaiting, when nothing is active, or when no client uses the active
// worker; otherwise it waits.
func (r *Registration) Register(ctx context.Context, version string, script Script) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	w := newWorker(version, r.logger)
	g := &Global{worker: w, reg: r}
	if err := evaluate(script, g); err != nil {
		w.setState(StateRedundant)
		r.logWorker(w, "worker_script_failed").WithError(err).Warn("script evaluation failed")
		return fmt.Errorf("evaluate worker script: %w", err)
	}

	r.mu.Lock()
	r.installing = w
	r.mu.Unlock()
	r.logWorker(w, "worker_install").Info("install started")

	err := w.dispatcher.DispatchInstall(ctx)

	r.mu.Lock()
	r.installing = nil
	var replaced *Worker
	if err == nil {
		replaced = r.waiting
		r.waiting = w
	}
	r.mu.Unlock()

	if err != nil {
		w.setState(StateRedundant)
		r.logWorker(w, "worker_install_failed").WithError(err).Warn("install failed")
		return fmt.Errorf("install %s: %w", version, err)
	}
	if replaced != nil {
		replaced.setState(StateRedundant)
	}
	w.setState(StateInstalled)
	r.logWorker(w, "worker_installed").Info("install finished")

	return r.promoteLocked(ctx)
}

// promoteLocked activates the waiting worker when allowed. Caller holds lifecycle.
func (r *Registration) promoteLocked(ctx context.Context) error {
	r.mu.RLock()
	w, active := r.waiting, r.active
	r.mu.RUnlock()
	if w == nil {
		return nil
	}
	if !w.skipsWaiting() && active != nil && r.clients.controlledBy(active) > 0 {
		r.logWorker(w, "worker_waiting").Info("waiting for clients of the active worker")
		return nil
	}
	return r.activateLocked(ctx, w)
}

func (r *Registration) activateLocked(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	old := r.active
	r.waiting = nil
	r.active = w
	r.mu.Unlock()

	if old != nil {
		old.setState(StateRedundant)
	}
	w.setState(StateActivating)
	r.logWorker(w, "worker_activate").Info("activation started")

	err := w.dispatcher.DispatchActivate(ctx)
	// activation failures do not roll back
	w.setState(StateActivated)
	if err != nil {
		r.logWorker(w, "worker_activate_failed").WithError(err).Warn("activate listeners failed")
		return fmt.Errorf("activate %s: %w", w.version, err)
	}
	r.logWorker(w, "worker_activated").Info("activation finished")
	return nil
}

func (r *Registration) promote(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.promoteLocked(ctx)
}

// HandleFetch routes req from clientID through its controlling worker.
// Uncontrolled clients, clients of a redundant worker and unhandled events
// go straight to the network.
func (r *Registration) HandleFetch(ctx context.Context, clientID string, req *fetch.Request) (*fetch.Response, error) {
	controller := r.clients.resolve(clientID, r.Active())
	if controller == nil {
		return r.network.Fetch(ctx, req)
	}

	select {
	case <-controller.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if controller.State() == StateRedundant {
		return r.network.Fetch(ctx, req)
	}

	resp, err := controller.dispatcher.DispatchFetch(ctx, clientID, req)
	if errors.Is(err, event.ErrNotHandled) {
		return r.network.Fetch(ctx, req)
	}
	return resp, err
}

// ReleaseClient forgets a closed client. A waiting worker may activate as a result.
func (r *Registration) ReleaseClient(ctx context.Context, clientID string) (bool, error) {
	if !r.clients.remove(clientID) {
		return false, nil
	}
	return true, r.promote(ctx)
}

// ExpireClients forgets clients idle for longer than idle. Like ReleaseClient,
// it may let a waiting worker activate.
func (r *Registration) ExpireClients(ctx context.Context, idle time.Duration) (int, error) {
	n := r.clients.expire(r.clients.now().Add(-idle))
	if n == 0 {
		return 0, nil
	}
	r.logger.WithFields(logrus.Fields{"action": "clients_expired", "clients": n}).Info("idle clients forgotten")
	return n, r.promote(ctx)
}

// SweepClients runs ExpireClients every idle/2 until ctx is done. A
// non-positive idle disables the sweep.
func (r *Registration) SweepClients(ctx context.Context, idle time.Duration) {
	if idle <= 0 {
		return
	}
	every := idle / 2
	if every <= 0 {
		every = idle
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ExpireClients(ctx, idle); err != nil {
				r.logger.WithError(err).WithField("action", "clients_expired").Warn("promote after expiry failed")
			}
		}
	}
}

// Active returns the active worker, or nil.
func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting returns the installed worker waiting to activate, or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// WorkerInfo describes a worker for diagnostics.
type WorkerInfo struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	State      State  `json:"state"`
	Controlled int    `json:"controlledClients"`
}

// Snapshot is a point-in-time view of the registration.
type Snapshot struct {
	Scope      string       `json:"scope"`
	Installing *WorkerInfo  `json:"installing,omitempty"`
	Waiting    *WorkerInfo  `json:"waiting,omitempty"`
	Active     *WorkerInfo  `json:"active,omitempty"`
	Clients    []ClientInfo `json:"clients"`
}

// Snapshot reports workers and clients.
func (r *Registration) Snapshot() Snapshot {
	r.mu.RLock()
	installing, waiting, active := r.installing, r.waiting, r.active
	r.mu.RUnlock()
	return Snapshot{
		Scope:      r.scope.String(),
		Installing: r.info(installing),
		Waiting:    r.info(waiting),
		Active:     r.info(active),
		Clients:    r.clients.list(),
	}
}

func (r *Registration) info(w *Worker) *WorkerInfo {
	if w == nil {
		return nil
	}
	return &WorkerInfo{
		ID:         w.ID(),
		Version:    w.Version(),
		State:      w.State(),
		Controlled: r.clients.controlledBy(w),
	}
}

func (r *Registration) logWorker(w *Worker, action string) *logrus.Entry {
	return r.logger.WithFields(logging.WorkerFields(w.ID(), w.Version(), string(w.State()))).WithField("action", action)
}

func evaluate(script Script, g *Global) (err error) {
	if script == nil {
		return errors.New("nil script")
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	script(g)
	return nil
}
