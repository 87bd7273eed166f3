// SPDX-License-Identifier: MIT

// Package router dispatches decoded envelopes to their handlers and enforces
// the authentication and permission gates in front of them.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/signagekit/signaged/internal/log"
	"github.com/signagekit/signaged/internal/metrics"
	"github.com/signagekit/signaged/internal/model"
	"github.com/signagekit/signaged/internal/protocol"
	"github.com/signagekit/signaged/internal/session"
)

// CloseReasonProtocol marks a session torn down for repeated protocol faults.
const CloseReasonProtocol = "protocol_error"

// Handler processes one decoded envelope. Returning a *Fault sends an Error
// envelope to the peer; any other error is logged and reported as internal.
type Handler func(ctx context.Context, sess *session.Session, data []byte) error

// Fault is a protocol-level failure that should be surfaced to the peer.
type Fault struct {
	Code    string
	Message string
	// Terminal closes the session after the Error envelope is queued.
	Terminal bool
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Faultf builds a Fault with a formatted message.
func Faultf(code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

type route struct {
	handler Handler
	kinds   []session.Kind
	perm    model.Permission
}

func (r route) allows(kind session.Kind) bool {
	if len(r.kinds) == 0 {
		return true
	}
	for _, k := range r.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Router maps envelope types to handlers. Registration happens once during
// wiring; dispatch is concurrent.
type Router struct {
	mu     sync.RWMutex
	routes map[string]route

	// Per-session budget for malformed envelopes. A peer that keeps sending
	// garbage gets disconnected instead of an endless stream of Error replies.
	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
	faultCap rate.Limit
	burst    int
}

// New creates a router allowing up to faultsPerMinute malformed envelopes per
// session before the session is closed.
func New(faultsPerMinute int) *Router {
	if faultsPerMinute <= 0 {
		faultsPerMinute = 5
	}
	return &Router{
		routes:   make(map[string]route),
		limiters: make(map[string]*rate.Limiter),
		faultCap: rate.Every(time.Minute / time.Duration(faultsPerMinute)),
		burst:    faultsPerMinute,
	}
}

// Handle registers a handler open to any session, bound or not.
func (r *Router) Handle(msgType string, h Handler) {
	r.register(msgType, route{handler: h})
}

// HandleClient registers a handler restricted to bound client sessions.
func (r *Router) HandleClient(msgType string, h Handler) {
	r.register(msgType, route{handler: h, kinds: []session.Kind{session.KindClient}})
}

// HandleOperator registers a handler restricted to operator sessions holding
// the given permission.
func (r *Router) HandleOperator(msgType string, perm model.Permission, h Handler) {
	r.register(msgType, route{handler: h, kinds: []session.Kind{session.KindOperator}, perm: perm})
}

func (r *Router) register(msgType string, rt route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.routes[msgType]; dup {
		panic(fmt.Sprintf("router: duplicate handler for %q", msgType))
	}
	r.routes[msgType] = rt
}

// Dispatch decodes the type discriminator, runs the gates and invokes the
// handler. Every inbound frame lands here.
func (r *Router) Dispatch(ctx context.Context, sess *session.Session, data []byte) {
	sess.Touch()

	msgType, err := protocol.PeekType(data)
	if err != nil {
		r.fault(sess, &Fault{Code: protocol.CodeBadEnvelope, Message: "malformed envelope"})
		return
	}
	metrics.MessagesTotal.WithLabelValues(msgType, "in").Inc()

	r.mu.RLock()
	rt, ok := r.routes[msgType]
	r.mu.RUnlock()
	if !ok {
		r.fault(sess, Faultf(protocol.CodeUnknownMessage, "unknown message type %q", msgType))
		return
	}

	kind := sess.Kind()
	if !rt.allows(kind) {
		if kind == session.KindUnbound {
			r.fault(sess, &Fault{Code: protocol.CodeUnauthenticated, Message: "authenticate first"})
		} else {
			r.fault(sess, Faultf(protocol.CodeForbidden, "message %q not allowed for this session", msgType))
		}
		return
	}
	if rt.perm != "" && !sess.HasPermission(rt.perm) {
		r.fault(sess, Faultf(protocol.CodeForbidden, "missing %q permission", rt.perm))
		return
	}

	if err := rt.handler(ctx, sess, data); err != nil {
		if f, ok := err.(*Fault); ok {
			r.fault(sess, f)
			return
		}
		logger := log.WithComponent("router")
		logger.Error().
			Err(err).
			Str(log.FieldMessageType, msgType).
			Str(log.FieldConnectionID, sess.ID).
			Str(log.FieldEvent, "handler.failed").
			Msg("handler failed")
		r.fault(sess, &Fault{Code: protocol.CodeInternal, Message: "internal error"})
	}
}

// Forget drops the per-session fault budget. Call on detach.
func (r *Router) Forget(connectionID string) {
	r.limMu.Lock()
	delete(r.limiters, connectionID)
	r.limMu.Unlock()
}

// fault replies with an Error envelope. Malformed-envelope faults draw down
// the per-session budget; exhausting it or a terminal fault closes the
// session.
func (r *Router) fault(sess *session.Session, f *Fault) {
	metrics.ProtocolErrorsTotal.WithLabelValues(f.Code).Inc()

	reply, err := protocol.Marshal(protocol.NewError(f.Code, f.Message))
	if err == nil {
		if sess.Send(reply) {
			metrics.MessagesTotal.WithLabelValues(protocol.TypeError, "out").Inc()
		}
	}

	terminal := f.Terminal
	if f.Code == protocol.CodeBadEnvelope && !r.allowFault(sess.ID) {
		terminal = true
	}
	if terminal {
		logger := log.WithComponent("router")
		logger.Warn().
			Str(log.FieldConnectionID, sess.ID).
			Str("code", f.Code).
			Str(log.FieldEvent, "session.protocol_close").
			Msg("closing session after protocol fault")
		sess.Close(CloseReasonProtocol)
	}
}

func (r *Router) allowFault(connectionID string) bool {
	r.limMu.Lock()
	lim, ok := r.limiters[connectionID]
	if !ok {
		lim = rate.NewLimiter(r.faultCap, r.burst)
		r.limiters[connectionID] = lim
	}
	r.limMu.Unlock()
	return lim.Allow()
}
