// SPDX-License-Identifier: MIT

// Package session holds the live websocket sessions and their indexes.
// The registry is the only owner of Session objects; closing a session
// releases every handle to it.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/signagekit/signaged/internal/model"
)

// Kind discriminates what a session is bound to.
type Kind string

const (
	KindUnbound  Kind = "unbound"
	KindClient   Kind = "client"
	KindOperator Kind = "operator"
)

// CloseReasonReplaced marks a session evicted by a newer connection for the
// same principal.
const CloseReasonReplaced = "replaced"

// Session is one live bidirectional connection. The transport layer drains
// Outbound; everything else talks to the session through Send.
type Session struct {
	ID         string
	RemoteAddr string

	send   chan []byte
	cancel func()

	// sendMu serializes Send against the channel close in Close. Senders
	// hold it shared; Close takes it exclusively, so no Send can be between
	// its closed check and the channel operation when the channel closes.
	sendMu    sync.RWMutex
	closeOnce sync.Once
	closed    atomic.Bool
	reason    atomic.Value // string

	lastActivity atomic.Int64 // unix nanos

	mu          sync.RWMutex
	kind        Kind
	principalID string
	permissions []model.Permission
}

// New creates an unbound session. cancel tears down the connection's pumps
// and may be nil in tests.
func New(id, remoteAddr string, queueLen int, cancel func()) *Session {
	s := &Session{
		ID:         id,
		RemoteAddr: remoteAddr,
		send:       make(chan []byte, queueLen),
		cancel:     cancel,
		kind:       KindUnbound,
	}
	s.Touch()
	return s
}

// Send enqueues an outbound frame without blocking. It returns false when
// the session is closed or its queue is full; a full queue means the peer
// is not draining and the caller should disconnect it.
func (s *Session) Send(data []byte) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Outbound is drained by the transport's write pump. The channel is closed
// exactly once when the session closes.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Close marks the session closed, records the reason and cancels the pumps.
// Safe to call multiple times; only the first reason sticks.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.reason.Store(reason)
		s.closed.Store(true)
		close(s.send)
		s.sendMu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// CloseReason returns the recorded close reason, or "".
func (s *Session) CloseReason() string {
	if v, ok := s.reason.Load().(string); ok {
		return v
	}
	return ""
}

// Touch records peer activity for liveness accounting.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent peer activity.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Kind returns the session's current binding kind.
func (s *Session) Kind() Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kind
}

// PrincipalID returns the bound client or operator id, or "".
func (s *Session) PrincipalID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principalID
}

// HasPermission reports whether the bound operator holds perm. Client and
// unbound sessions hold no permissions.
func (s *Session) HasPermission(perm model.Permission) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.kind != KindOperator {
		return false
	}
	for _, p := range s.permissions {
		if p == perm {
			return true
		}
	}
	return false
}

func (s *Session) bind(kind Kind, principalID string, perms []model.Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kind = kind
	s.principalID = principalID
	s.permissions = perms
}
