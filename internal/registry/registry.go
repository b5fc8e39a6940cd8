// Package registry implements the statistics and connection registry
// (spec.md §4.8): global counters, a map of active connections guarded by
// a reader-writer lock for enrolment/removal, atomic per-connection
// accounting that never takes the lock, and kill semantics for the control
// plane.
package registry

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/e1732a364fed/clashcore/internal/metadata"
)

// Connection is the registry's per-connection record (spec.md §3).
// Accounting fields are atomics mutated only by the owning relay task;
// enrolment/removal is the only part that takes the registry lock.
type Connection struct {
	ID          string
	Metadata    *metadata.Metadata
	Inbound     string
	RuleMatched string
	ProxyChain  []string
	StartTime   time.Time

	uploaded   atomic.Int64
	downloaded atomic.Int64
	cancelled  atomic.Bool

	closeHandles []io.Closer
	closeMu      sync.Mutex
}

func (c *Connection) AddUploaded(n int64)   { c.uploaded.Add(n) }
func (c *Connection) AddDownloaded(n int64) { c.downloaded.Add(n) }
func (c *Connection) Uploaded() int64       { return c.uploaded.Load() }
func (c *Connection) Downloaded() int64     { return c.downloaded.Load() }
func (c *Connection) Cancelled() bool       { return c.cancelled.Load() }

// AttachCloser registers a stream half the owning relay task should close
// when Kill is called.
func (c *Connection) AttachCloser(cl io.Closer) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	c.closeHandles = append(c.closeHandles, cl)
}

// kill flips the cancel flag and closes both stream halves; the owning
// relay task observes Cancelled() between buffered transfers and unwinds
// (spec.md §4.8).
func (c *Connection) kill() {
	c.cancelled.Store(true)
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	for _, cl := range c.closeHandles {
		cl.Close()
	}
}

// Snapshot is a read-only copy of a Connection for the control plane
// (spec.md §4.8 "Snapshot ... returns a consistent view").
type Snapshot struct {
	ID          string
	Network     metadata.Network
	Host        string
	DestPort    uint16
	Inbound     string
	RuleMatched string
	ProxyChain  []string
	StartTime   time.Time
	Uploaded    int64
	Downloaded  int64
}

// Registry tracks every active Connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	totalUp          atomic.Int64
	totalDown        atomic.Int64
	totalConnections atomic.Int64
}

func New() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Enroll creates a Connection record and takes the write lock only for the
// map insert (spec.md §4.8, §5 "locks never span I/O").
func (r *Registry) Enroll(md *metadata.Metadata, inboundKind, ruleMatched string, chain []string) *Connection {
	c := &Connection{
		ID:          uuid.NewString(),
		Metadata:    md,
		Inbound:     inboundKind,
		RuleMatched: ruleMatched,
		ProxyChain:  chain,
		StartTime:   time.Now(),
	}
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
	r.totalConnections.Add(1)
	return c
}

// Remove is called by the relay task when both halves complete, or after
// Kill finishes closing streams (spec.md §3 Connection lifecycle).
func (r *Registry) Remove(c *Connection) {
	r.mu.Lock()
	delete(r.conns, c.ID)
	r.mu.Unlock()
	r.totalUp.Add(c.Uploaded())
	r.totalDown.Add(c.Downloaded())
}

// Kill implements the control plane's per-connection kill operation
// (spec.md §4.8, §8 scenario 6): ends the connection within the relay's
// next suspension point, and the caller should then Remove() it once the
// relay task observes Cancelled() and unwinds.
func (r *Registry) Kill(id string) bool {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	c.kill()
	return true
}

// Snapshot returns a consistent view of every active connection, holding
// the read lock only during the copy (spec.md §4.8).
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, Snapshot{
			ID:          c.ID,
			Network:     c.Metadata.Network,
			Host:        c.Metadata.Host(),
			DestPort:    c.Metadata.DestPort,
			Inbound:     c.Inbound,
			RuleMatched: c.RuleMatched,
			ProxyChain:  c.ProxyChain,
			StartTime:   c.StartTime,
			Uploaded:    c.Uploaded(),
			Downloaded:  c.Downloaded(),
		})
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// TotalUp/TotalDown/TotalConnections are the global counters (spec.md
// §4.8); Total{Up,Down} only include bytes from connections that have
// already closed, matching uploaded+downloaded at close (spec.md §8).
func (r *Registry) TotalUp() int64          { return r.totalUp.Load() }
func (r *Registry) TotalDown() int64        { return r.totalDown.Load() }
func (r *Registry) TotalConnections() int64 { return r.totalConnections.Load() }

// ForceCloseAll kills every active connection, used during shutdown's
// grace-period expiry (spec.md §5).
func (r *Registry) ForceCloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Kill(id)
	}
}
