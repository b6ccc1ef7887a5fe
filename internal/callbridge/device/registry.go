package device

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Factory builds an unconnected Connection for token.
type Factory func(token string) *Connection

// WakeResult reports whether a device answered a wake-up probe.
type WakeResult struct {
	Token string `json:"token"`
	Waken bool   `json:"waken"`
}

// Registry owns the set of device connections in insertion order.
type Registry struct {
	factory Factory

	mu       sync.RWMutex
	order    []string
	conns    map[string]*Connection
	onAdd    func(*Connection)
	onRemove func(*Connection)
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		factory: factory,
		conns:   make(map[string]*Connection),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnAdd replaces the hook run for every new connection before it connects.
func (r *Registry) OnAdd(fn func(*Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAdd = fn
}

// OnRemove replaces the hook run after a connection is closed and removed.
func (r *Registry) OnRemove(fn func(*Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = fn
}

// Add registers tokens that are not registered yet and starts connecting
// them in the background. It returns only the new connections.
func (r *Registry) Add(tokens ...string) []*Connection {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	var added []*Connection
	for _, token := range tokens {
		if token == "" {
			continue
		}
		if _, ok := r.conns[token]; ok {
			continue
		}
		conn := r.factory(token)
		r.conns[token] = conn
		r.order = append(r.order, token)
		added = append(added, conn)
	}
	onAdd := r.onAdd
	r.wg.Add(len(added))
	r.mu.Unlock()

	for _, conn := range added {
		if onAdd != nil {
			onAdd(conn)
		}
		go func(conn *Connection) {
			defer r.wg.Done()
			if err := conn.Connect(r.ctx); err != nil {
				slog.Warn("[Device] Boot failed", "token", conn.Token(), "error", err)
			}
		}(conn)
	}

	if len(added) > 0 {
		slog.Info("[Device] Devices added", "count", len(added))
	}
	return added
}

// Remove closes and forgets tokens. Unknown tokens are ignored.
func (r *Registry) Remove(tokens ...string) int {
	r.mu.Lock()
	var removed []*Connection
	for _, token := range tokens {
		conn, ok := r.conns[token]
		if !ok {
			continue
		}
		delete(r.conns, token)
		removed = append(removed, conn)
	}
	if len(removed) > 0 {
		kept := r.order[:0]
		for _, token := range r.order {
			if _, ok := r.conns[token]; ok {
				kept = append(kept, token)
			}
		}
		r.order = kept
	}
	onRemove := r.onRemove
	r.mu.Unlock()

	for _, conn := range removed {
		if err := conn.Close(); err != nil {
			slog.Debug("[Device] Close failed", "token", conn.Token(), "error", err)
		}
		if onRemove != nil {
			onRemove(conn)
		}
		slog.Info("[Device] Device removed", "token", conn.Token())
	}
	return len(removed)
}

// Get returns the connection for token.
func (r *Registry) Get(token string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[token]
	return conn, ok
}

// All returns every connection in insertion order.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.order))
	for _, token := range r.order {
		out = append(out, r.conns[token])
	}
	return out
}

// Lookup returns the registered connections among tokens, in the order
// requested. An empty list means every connection.
func (r *Registry) Lookup(tokens []string) []*Connection {
	if len(tokens) == 0 {
		return r.All()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(tokens))
	seen := make(map[string]bool, len(tokens))
	for _, token := range tokens {
		if seen[token] {
			continue
		}
		seen[token] = true
		if conn, ok := r.conns[token]; ok {
			out = append(out, conn)
		}
	}
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshots returns the public view of every device.
func (r *Registry) Snapshots() []Snapshot {
	conns := r.All()
	out := make([]Snapshot, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Snapshot())
	}
	return out
}

// WakeUp probes the given devices, or all of them, concurrently. Results
// keep the lookup order.
func (r *Registry) WakeUp(ctx context.Context, tokens []string) []WakeResult {
	conns := r.Lookup(tokens)
	results := make([]WakeResult, len(conns))

	g, gctx := errgroup.WithContext(ctx)
	for i, conn := range conns {
		g.Go(func() error {
			info, err := conn.GetInfos(gctx)
			results[i] = WakeResult{Token: conn.Token(), Waken: err == nil && info != nil}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Close closes every connection and stops pending boots.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := make([]*Connection, 0, len(r.order))
	for _, token := range r.order {
		conns = append(conns, r.conns[token])
	}
	r.mu.Unlock()

	r.cancel()
	for _, conn := range conns {
		_ = conn.Close()
	}
	r.wg.Wait()
	return nil
}
