package realtime

import (
	"sync"

	"github.com/google/uuid"
	"github.com/mediaforge/jobs-api/internal/domain"
)

// Conn is a live observer connection.
type Conn interface {
	Send(message domain.ProgressMessage) error
	Closed() bool
}

// Broadcaster delivers a job's progress to every interested observer.
type Broadcaster interface {
	Broadcast(jobID string, progress int)
}

type subscription struct {
	conn  Conn
	jobID string
}

// Registry tracks live connections and the job each one follows.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*subscription
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*subscription)}
}

// Register adds a connection with no subscription and returns its id.
func (r *Registry) Register(conn Conn) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.conns[id] = &subscription{conn: conn}
	r.mu.Unlock()
	return id
}

// Subscribe points a connection at a job, replacing any previous one.
// Unknown connection ids are ignored.
func (r *Registry) Subscribe(connID, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.conns[connID]; ok {
		sub.jobID = jobID
	}
}

// Unregister drops a connection; called when it closes or errors.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast sends progress to each connection currently subscribed to jobID.
// Closed connections and send failures are skipped; removal only happens
// through Unregister.
func (r *Registry) Broadcast(jobID string, progress int) {
	r.mu.RLock()
	targets := make([]Conn, 0)
	for _, sub := range r.conns {
		if sub.jobID == jobID {
			targets = append(targets, sub.conn)
		}
	}
	r.mu.RUnlock()

	message := domain.ProgressMessage{
		Type:     domain.MessageTypeProgress,
		JobID:    jobID,
		Progress: progress,
	}
	for _, conn := range targets {
		if conn.Closed() {
			continue
		}
		_ = conn.Send(message)
	}
}
