// Package host runs workers against a single scope: it drives the
// install/activate lifecycle, tracks which worker controls each client and
// routes intercepted requests to the controlling worker.
package host

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/event"
)

// State is a worker's lifecycle state.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Worker is one evaluated script version.
type Worker struct {
	id         string
	version    string
	dispatcher *event.Dispatcher

	mu          sync.Mutex
	state       State
	skipWaiting bool
	// ready closes once the worker reaches activated or redundant.
	ready     chan struct{}
	readyOnce sync.Once
}

func newWorker(version string, logger *logrus.Logger) *Worker {
	return &Worker{
		id:         uuid.NewString(),
		version:    version,
		dispatcher: event.NewDispatcher(logger),
		state:      StateInstalling,
		ready:      make(chan struct{}),
	}
}

func (w *Worker) ID() string      { return w.id }
func (w *Worker) Version() string { return w.version }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	if s == StateActivated || s == StateRedundant {
		w.readyOnce.Do(func() { close(w.ready) })
	}
}

func (w *Worker) setSkipWaiting() {
	w.mu.Lock()
	w.skipWaiting = true
	w.mu.Unlock()
}

func (w *Worker) skipsWaiting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipWaiting
}
