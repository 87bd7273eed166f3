// SPDX-License-Identifier: MIT

package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/signagekit/signaged/internal/metrics"
	"github.com/signagekit/signaged/internal/model"
)

var (
	// ErrNotAttached is returned when binding a connection the registry
	// does not know.
	ErrNotAttached = errors.New("session: connection not attached")
	// ErrAlreadyBound is returned when a connection tries to bind twice.
	ErrAlreadyBound = errors.New("session: connection already bound")
)

// Registry is the process-wide index of live sessions: by connection id and,
// once bound, by principal. All mutations are serialized; readers get
// copy-on-read snapshots.
type Registry struct {
	mu         sync.RWMutex
	byConn     map[string]*Session
	byClient   map[string]*Session
	byOperator map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn:     make(map[string]*Session),
		byClient:   make(map[string]*Session),
		byOperator: make(map[string]*Session),
	}
}

// Attach registers a freshly accepted, unbound session.
func (r *Registry) Attach(s *Session) {
	r.mu.Lock()
	r.byConn[s.ID] = s
	r.mu.Unlock()
	r.updateGauges()
}

// Detach removes the session with the given connection id from every index
// and returns it. The session is not closed here; the transport owns that.
func (r *Registry) Detach(connectionID string) *Session {
	r.mu.Lock()
	s, ok := r.byConn[connectionID]
	if ok {
		delete(r.byConn, connectionID)
		switch s.Kind() {
		case KindClient:
			if r.byClient[s.PrincipalID()] == s {
				delete(r.byClient, s.PrincipalID())
			}
		case KindOperator:
			if r.byOperator[s.PrincipalID()] == s {
				delete(r.byOperator, s.PrincipalID())
			}
		}
	}
	r.mu.Unlock()
	r.updateGauges()
	return s
}

// Bind atomically moves a session from the unbound set to the principal
// index. A live session for the same principal is evicted: the newer
// connection wins and the older one is closed with reason "replaced".
// The evicted session, if any, is returned so the caller can log it.
func (r *Registry) Bind(connectionID string, kind Kind, principalID string, perms []model.Permission) (*Session, error) {
	if kind != KindClient && kind != KindOperator {
		return nil, fmt.Errorf("session: cannot bind kind %q", kind)
	}

	r.mu.Lock()
	s, ok := r.byConn[connectionID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotAttached
	}
	if s.Kind() != KindUnbound {
		r.mu.Unlock()
		return nil, ErrAlreadyBound
	}

	index := r.byClient
	if kind == KindOperator {
		index = r.byOperator
	}
	evicted := index[principalID]
	if evicted == s {
		evicted = nil
	}
	if evicted != nil {
		delete(r.byConn, evicted.ID)
	}
	s.bind(kind, principalID, perms)
	index[principalID] = s
	r.mu.Unlock()

	if evicted != nil {
		evicted.Close(CloseReasonReplaced)
	}
	r.updateGauges()
	return evicted, nil
}

// LookupClient returns the live session for a client id, or nil.
func (r *Registry) LookupClient(clientID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byClient[clientID]
}

// LookupOperator returns the live session for an operator id, or nil.
func (r *Registry) LookupOperator(operatorID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byOperator[operatorID]
}

// Sessions returns a snapshot of live sessions of the given kind.
// KindUnbound returns sessions that have not authenticated yet.
func (r *Registry) Sessions(kind Kind) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.byConn {
		if s.Kind() == kind {
			out = append(out, s)
		}
	}
	return out
}

// Broadcast sends data to every bound session of the given kind. Sessions
// with full queues are skipped; the transport will tear them down.
func (r *Registry) Broadcast(kind Kind, data []byte) int {
	sent := 0
	for _, s := range r.Sessions(kind) {
		if s.Send(data) {
			sent++
		}
	}
	return sent
}

// Count returns the number of live sessions of the given kind.
func (r *Registry) Count(kind Kind) int {
	return len(r.Sessions(kind))
}

func (r *Registry) updateGauges() {
	r.mu.RLock()
	counts := map[Kind]int{KindUnbound: 0, KindClient: 0, KindOperator: 0}
	for _, s := range r.byConn {
		counts[s.Kind()]++
	}
	r.mu.RUnlock()
	for kind, n := range counts {
		metrics.ConnectedSessions.WithLabelValues(string(kind)).Set(float64(n))
	}
}
