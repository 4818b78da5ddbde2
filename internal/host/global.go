package host

import (
	"context"
	"net/url"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/event"
	"github.com/any-hub/swcache/internal/fetch"
)

// Global is the scope a worker script sees.
type Global struct {
	worker *Worker
	reg    *Registration
}

func (g *Global) OnInstall(h event.ExtendableHandler)  { g.worker.dispatcher.OnInstall(h) }
func (g *Global) OnActivate(h event.ExtendableHandler) { g.worker.dispatcher.OnActivate(h) }
func (g *Global) OnFetch(h event.FetchHandler)         { g.worker.dispatcher.OnFetch(h) }

// Worker returns the worker this scope belongs to.
func (g *Global) Worker() *Worker {
	return g.worker
}

// Scope returns the registration scope URL.
func (g *Global) Scope() *url.URL {
	return g.reg.Scope()
}

// Caches exposes the registration's cache storage.
func (g *Global) Caches() cache.Storage {
	return g.reg.caches
}

// Fetch sends req to the network, bypassing every worker.
func (g *Global) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	return g.reg.network.Fetch(ctx, req)
}

// SkipWaiting lets the worker activate as soon as it is installed. Called
// after install finished, it activates a waiting worker immediately.
func (g *Global) SkipWaiting(ctx context.Context) error {
	g.worker.setSkipWaiting()
	if g.worker.State() != StateInstalled {
		return nil
	}
	return g.reg.promote(ctx)
}

// Claim makes this worker the controller of every known client.
func (g *Global) Claim(_ context.Context) error {
	if g.reg.Active() != g.worker {
		return ErrNotActive
	}
	switch g.worker.State() {
	case StateActivating, StateActivated:
	default:
		return ErrNotActive
	}
	n := g.reg.clients.claimAll(g.worker)
	g.reg.logWorker(g.worker, "clients_claimed").WithField("clients", n).Info("clients claimed")
	return nil
}
