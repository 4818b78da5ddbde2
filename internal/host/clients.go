package host

import (
	"sort"
	"sync"
	"time"
)

// ClientInfo describes a tracked client for diagnostics.
type ClientInfo struct {
	ID         string    `json:"id"`
	Controller string    `json:"controller,omitempty"`
	Version    string    `json:"version,omitempty"`
	FirstSeen  time.Time `json:"firstSeen"`
	LastSeen   time.Time `json:"lastSeen"`
}

type client struct {
	controller *Worker
	firstSeen  time.Time
	lastSeen   time.Time
}

// Clients maps client ids to their controlling worker.
type Clients struct {
	mu      sync.Mutex
	clients map[string]*client
	now     func() time.Time
}

func newClients() *Clients {
	return &Clients{clients: make(map[string]*client), now: time.Now}
}

// resolve returns the controller of id, registering the client under active
// when it is seen for the first time. An empty id is never tracked.
func (c *Clients) resolve(id string, active *Worker) *Worker {
	if id == "" {
		return active
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if cl, ok := c.clients[id]; ok {
		cl.lastSeen = now
		return cl.controller
	}
	c.clients[id] = &client{controller: active, firstSeen: now, lastSeen: now}
	return active
}

// expire forgets clients not seen since before and returns how many were removed.
func (c *Clients) expire(before time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, cl := range c.clients {
		if cl.lastSeen.Before(before) {
			delete(c.clients, id)
			n++
		}
	}
	return n
}

func (c *Clients) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// claimAll hands every known client to w.
func (c *Clients) claimAll(w *Worker) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range c.clients {
		cl.controller = w
	}
	return len(c.clients)
}

func (c *Clients) remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[id]; !ok {
		return false
	}
	delete(c.clients, id)
	return true
}

// controlledBy counts clients whose controller is w.
func (c *Clients) controlledBy(w *Worker) int {
	if w == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cl := range c.clients {
		if cl.controller == w {
			n++
		}
	}
	return n
}

func (c *Clients) list() []ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ClientInfo, 0, len(c.clients))
	for id, cl := range c.clients {
		info := ClientInfo{ID: id, FirstSeen: cl.firstSeen, LastSeen: cl.lastSeen}
		if cl.controller != nil {
			info.Controller = cl.controller.ID()
			info.Version = cl.controller.Version()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
