package capture

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrInvalidSession is returned when a connection sends audio without an
// active session or for a session other than the one it started.
var ErrInvalidSession = errors.New("invalid session")

// Connection is the registry's view of one client connection with an active
// session.
type Connection struct {
	ID        string
	SessionID string
	StartedAt time.Time
	Chunks    int
}

// Registry binds connections to the session they are capturing.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Connection
	clock func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		clock: time.Now,
	}
}

// Bind makes sessionID the connection's active session and resets its chunk
// counter. It returns the session previously bound, if any.
func (r *Registry) Bind(connID, sessionID string) (Connection, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var previous string
	if old := r.conns[connID]; old != nil {
		previous = old.SessionID
	}
	conn := &Connection{ID: connID, SessionID: sessionID, StartedAt: r.clock()}
	r.conns[connID] = conn
	return *conn, previous
}

func (r *Registry) Lookup(connID string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.conns[connID]
	if conn == nil {
		return Connection{}, false
	}
	return *conn, true
}

// CountChunk validates that sessionID is the connection's active session and
// returns the incremented chunk count.
func (r *Registry) CountChunk(connID, sessionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.conns[connID]
	if conn == nil {
		return 0, fmt.Errorf("%w: no active session", ErrInvalidSession)
	}
	if conn.SessionID != sessionID {
		return 0, fmt.Errorf("%w: session mismatch", ErrInvalidSession)
	}
	conn.Chunks++
	return conn.Chunks, nil
}

// Unbind returns the connection to idle.
func (r *Registry) Unbind(connID string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.conns[connID]
	if conn == nil {
		return Connection{}, false
	}
	delete(r.conns, connID)
	return *conn, true
}

// Connections lists the connections currently bound to sessionID.
func (r *Registry) Connections(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, conn := range r.conns {
		if conn.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Active returns the number of connections with an active session.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
