package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Client is a registered client and its completed-transaction counter.
type Client struct {
	ID           ClientID  `json:"id"`
	Name         string    `json:"name"`
	Conn         ConnID    `json:"conn"`
	Completed    int64     `json:"completed"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry maps live connections to clients. Client records outlive their
// connection so the final summary can report them.
type Registry struct {
	clients []*Client
	byConn  map[ConnID]ClientID
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make([]*Client, 0),
		byConn:  make(map[ConnID]ClientID),
	}
}

// Register creates a client for conn.
// If conn already has a client, its ID is returned with ErrDuplicateRegistration.
func (r *Registry) Register(conn ConnID, name string) (ClientID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return NoClient, ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, exists := r.byConn[conn]; exists {
		return id, ErrDuplicateRegistration
	}

	id := ClientID(len(r.clients))
	r.clients = append(r.clients, &Client{
		ID:           id,
		Name:         name,
		Conn:         conn,
		RegisteredAt: time.Now(),
	})
	r.byConn[conn] = id

	return id, nil
}

// Lookup returns a copy of the client registered on conn.
func (r *Registry) Lookup(conn ConnID) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byConn[conn]
	if !ok {
		return Client{}, false
	}
	return *r.clients[id], true
}

// Name returns the display name of id, or "" if unknown.
func (r *Registry) Name(id ClientID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id < 0 || int(id) >= len(r.clients) {
		return ""
	}
	return r.clients[id].Name
}

// RecordCompletion increments the completed counter of id.
func (r *Registry) RecordCompletion(id ClientID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id < 0 || int(id) >= len(r.clients) {
		return fmt.Errorf("%w: %d", ErrUnknownClient, id)
	}
	r.clients[id].Completed++
	return nil
}

// Detach forgets the connection mapping of conn. The client record is kept.
func (r *Registry) Detach(conn ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byConn, conn)
}

// Snapshot returns copies of all clients in registration order.
func (r *Registry) Snapshot() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make([]Client, len(r.clients))
	for i, c := range r.clients {
		snapshot[i] = *c
	}
	return snapshot
}

// Len returns the number of clients ever registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Attached returns the number of clients whose connection is still open.
func (r *Registry) Attached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
