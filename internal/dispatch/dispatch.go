// SPDX-License-Identifier: MIT

// Package dispatch forwards operator commands to clients and correlates the
// asynchronous screenshot replies coming back.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signagekit/signaged/internal/log"
	"github.com/signagekit/signaged/internal/metrics"
	"github.com/signagekit/signaged/internal/model"
	"github.com/signagekit/signaged/internal/protocol"
	"github.com/signagekit/signaged/internal/router"
	"github.com/signagekit/signaged/internal/session"
)

// TimeoutError is the error string reported when a client never answers a
// screenshot request.
const TimeoutError = "timeout"

type pendingShot struct {
	requestID string
	requester *session.Session
	expiresAt time.Time
}

// Dispatcher routes remote commands and screenshot requests to client
// sessions. Screenshot replies carry no correlation id on the client side, so
// outstanding requests are matched per client in FIFO order.
type Dispatcher struct {
	registry *session.Registry
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	pending map[string][]pendingShot // client id -> outstanding requests
}

// Option tweaks a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher. timeout bounds how long a screenshot request
// waits for its reply.
func New(reg *session.Registry, timeout time.Duration, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		timeout:  timeout,
		now:      time.Now,
		pending:  make(map[string][]pendingShot),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register installs the dispatch handlers on the router.
func (d *Dispatcher) Register(r *router.Router) {
	r.HandleOperator(protocol.TypeSendCommand, model.PermissionControl, d.HandleSendCommand)
	r.HandleOperator(protocol.TypeRequestScreenshot, model.PermissionControl, d.HandleRequestScreenshot)
	r.HandleClient(protocol.TypeScreenshot, d.HandleScreenshot)
}

// HandleSendCommand forwards a command to the target client and reports the
// delivery outcome to the operator. Delivery means queued on the client
// session; execution is not acknowledged.
func (d *Dispatcher) HandleSendCommand(ctx context.Context, sess *session.Session, data []byte) error {
	var msg protocol.SendCommand
	if err := protocol.Unmarshal(data, &msg); err != nil {
		return &router.Fault{Code: protocol.CodeBadEnvelope, Message: "malformed SendCommand"}
	}
	if !protocol.ValidCommand(msg.Command) {
		d.result(sess, msg.TargetDeviceID, msg.Command, false, "unknown command")
		metrics.CommandsTotal.WithLabelValues(string(msg.Command), "invalid").Inc()
		return nil
	}

	target := d.registry.LookupClient(msg.TargetDeviceID)
	if target == nil {
		d.result(sess, msg.TargetDeviceID, msg.Command, false, "client is not connected")
		metrics.CommandsTotal.WithLabelValues(string(msg.Command), "offline").Inc()
		return nil
	}

	forward, err := protocol.Marshal(protocol.Command{
		Type:       protocol.TypeCommand,
		Command:    msg.Command,
		Parameters: msg.Parameters,
	})
	if err != nil {
		return err
	}
	if !target.Send(forward) {
		d.result(sess, msg.TargetDeviceID, msg.Command, false, "client send queue is full")
		metrics.CommandsTotal.WithLabelValues(string(msg.Command), "overflow").Inc()
		metrics.SendQueueOverflowsTotal.Inc()
		return nil
	}
	metrics.MessagesTotal.WithLabelValues(protocol.TypeCommand, "out").Inc()
	metrics.CommandsTotal.WithLabelValues(string(msg.Command), "delivered").Inc()

	logger := log.WithComponent("dispatch")
	logger.Info().
		Str(log.FieldClientID, msg.TargetDeviceID).
		Str(log.FieldOperatorID, sess.PrincipalID()).
		Str(log.FieldCommand, string(msg.Command)).
		Str(log.FieldEvent, "command.delivered").
		Msg("command delivered")
	d.result(sess, msg.TargetDeviceID, msg.Command, true, "delivered")
	return nil
}

// HandleRequestScreenshot asks a client for a screenshot and parks the
// request until the reply or the timeout arrives.
func (d *Dispatcher) HandleRequestScreenshot(ctx context.Context, sess *session.Session, data []byte) error {
	var msg protocol.RequestScreenshot
	if err := protocol.Unmarshal(data, &msg); err != nil {
		return &router.Fault{Code: protocol.CodeBadEnvelope, Message: "malformed RequestScreenshot"}
	}

	requestID := uuid.NewString()
	target := d.registry.LookupClient(msg.DeviceID)
	if target == nil {
		d.screenshotResult(sess, requestID, "", "client is not connected")
		return nil
	}

	forward, err := protocol.Marshal(protocol.Command{
		Type:    protocol.TypeCommand,
		Command: protocol.CommandScreenshot,
	})
	if err != nil {
		return err
	}
	if !target.Send(forward) {
		d.screenshotResult(sess, requestID, "", "client send queue is full")
		metrics.SendQueueOverflowsTotal.Inc()
		return nil
	}
	metrics.MessagesTotal.WithLabelValues(protocol.TypeCommand, "out").Inc()

	d.mu.Lock()
	d.pending[msg.DeviceID] = append(d.pending[msg.DeviceID], pendingShot{
		requestID: requestID,
		requester: sess,
		expiresAt: d.now().Add(d.timeout),
	})
	total := d.pendingCountLocked()
	d.mu.Unlock()
	metrics.PendingScreenshots.Set(float64(total))

	logger := log.WithComponent("dispatch")
	logger.Debug().
		Str(log.FieldClientID, msg.DeviceID).
		Str(log.FieldRequestID, requestID).
		Str(log.FieldEvent, "screenshot.requested").
		Msg("screenshot requested")
	return nil
}

// HandleScreenshot resolves the oldest outstanding request for the sending
// client. Unsolicited screenshots are dropped.
func (d *Dispatcher) HandleScreenshot(ctx context.Context, sess *session.Session, data []byte) error {
	var msg protocol.Screenshot
	if err := protocol.Unmarshal(data, &msg); err != nil {
		return &router.Fault{Code: protocol.CodeBadEnvelope, Message: "malformed Screenshot"}
	}

	clientID := sess.PrincipalID()
	d.mu.Lock()
	queue := d.pending[clientID]
	var shot *pendingShot
	if len(queue) > 0 {
		s := queue[0]
		shot = &s
		if len(queue) == 1 {
			delete(d.pending, clientID)
		} else {
			d.pending[clientID] = queue[1:]
		}
	}
	total := d.pendingCountLocked()
	d.mu.Unlock()
	metrics.PendingScreenshots.Set(float64(total))

	if shot == nil {
		logger := log.WithComponent("dispatch")
		logger.Debug().
			Str(log.FieldClientID, clientID).
			Str(log.FieldEvent, "screenshot.unsolicited").
			Msg("unsolicited screenshot dropped")
		return nil
	}
	d.screenshotResult(shot.requester, shot.requestID, msg.ImageData, "")
	return nil
}

// Run expires stale screenshot requests until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.ExpirePending()
		}
	}
}

// ExpirePending resolves every overdue screenshot request with a timeout
// error.
func (d *Dispatcher) ExpirePending() {
	now := d.now()
	var expired []pendingShot

	d.mu.Lock()
	for clientID, queue := range d.pending {
		kept := queue[:0]
		for _, shot := range queue {
			if shot.expiresAt.After(now) {
				kept = append(kept, shot)
			} else {
				expired = append(expired, shot)
			}
		}
		if len(kept) == 0 {
			delete(d.pending, clientID)
		} else {
			d.pending[clientID] = kept
		}
	}
	total := d.pendingCountLocked()
	d.mu.Unlock()
	metrics.PendingScreenshots.Set(float64(total))

	logger := log.WithComponent("dispatch")
	for _, shot := range expired {
		logger.Debug().
			Str(log.FieldRequestID, shot.requestID).
			Str(log.FieldEvent, "screenshot.timed_out").
			Msg("screenshot request timed out")
		d.screenshotResult(shot.requester, shot.requestID, "", TimeoutError)
	}
}

// PendingCount reports outstanding screenshot requests, for health checks.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pendingCountLocked()
}

func (d *Dispatcher) pendingCountLocked() int {
	n := 0
	for _, queue := range d.pending {
		n += len(queue)
	}
	return n
}

func (d *Dispatcher) result(sess *session.Session, deviceID string, cmd protocol.CommandName, success bool, message string) {
	d.send(sess, protocol.CommandResult{
		Type:     protocol.TypeCommandResult,
		DeviceID: deviceID,
		Command:  cmd,
		Success:  success,
		Message:  message,
	})
}

func (d *Dispatcher) screenshotResult(sess *session.Session, requestID, imageData, errMsg string) {
	d.send(sess, protocol.ScreenshotResult{
		Type:      protocol.TypeScreenshotResult,
		RequestID: requestID,
		ImageData: imageData,
		Error:     errMsg,
	})
}

func (d *Dispatcher) send(sess *session.Session, v any) {
	data, err := protocol.Marshal(v)
	if err != nil {
		return
	}
	if sess.Send(data) {
		if msgType, err := protocol.PeekType(data); err == nil {
			metrics.MessagesTotal.WithLabelValues(msgType, "out").Inc()
		}
	}
}
