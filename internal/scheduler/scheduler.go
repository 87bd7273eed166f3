// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signagekit/signaged/internal/log"
	"github.com/signagekit/signaged/internal/metrics"
	"github.com/signagekit/signaged/internal/model"
	"github.com/signagekit/signaged/internal/protocol"
	"github.com/signagekit/signaged/internal/router"
	"github.com/signagekit/signaged/internal/session"
	"github.com/signagekit/signaged/internal/store"
)

// Notifier is fanned out to after a layout assignment changes the fleet
// state. Wired to the fleet service's client list broadcast.
type Notifier interface {
	BroadcastClientList(ctx context.Context)
}

// Scheduler evaluates the schedule table on a minute-aligned tick and pushes
// a DisplayUpdate to every connected client whose resolved layout changed.
type Scheduler struct {
	store    store.Store
	registry *session.Registry
	notifier Notifier
	tick     time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastPushed map[string]string // client id -> layout id
}

// Option tweaks a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithNotifier sets the fleet-change notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// New creates a scheduler ticking at the given interval.
func New(st store.Store, reg *session.Registry, tick time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      st,
		registry:   reg,
		tick:       tick,
		now:        time.Now,
		lastPushed: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNotifier wires the fleet-change notifier after construction. The fleet
// service depends on the scheduler for layout resolution, so the notifier is
// attached once both exist.
func (s *Scheduler) SetNotifier(n Notifier) {
	s.notifier = n
}

// Register installs the scheduler's operator handlers on the router.
func (s *Scheduler) Register(r *router.Router) {
	r.HandleOperator(protocol.TypeAssignLayout, model.PermissionManage, s.HandleAssignLayout)
}

// ActiveLayout resolves and loads the layout the client should display right
// now. A dangling layout reference resolves to no layout.
func (s *Scheduler) ActiveLayout(ctx context.Context, c *model.Client) (*model.Layout, error) {
	schedules, err := s.store.Schedules().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list schedules: %w", err)
	}
	layoutID := Resolve(c, schedules, s.now())
	if layoutID == "" {
		return nil, nil
	}
	layout, err := s.store.Layouts().Get(ctx, layoutID)
	if err == store.ErrNotFound {
		logger := log.WithComponent("scheduler")
		logger.Warn().
			Str(log.FieldClientID, c.ID).
			Str(log.FieldLayoutID, layoutID).
			Str(log.FieldEvent, "layout.dangling").
			Msg("resolved layout does not exist")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: load layout %s: %w", layoutID, err)
	}
	return layout, nil
}

// Run evaluates on a tick aligned to the interval boundary so schedule
// windows switch as close to the minute as the tick allows.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := s.now().Truncate(s.tick).Add(s.tick)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			s.Evaluate(ctx)
		}
	}
}

// Evaluate resolves every connected client and pushes changed layouts.
func (s *Scheduler) Evaluate(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.SchedulerEvaluationSeconds.Observe(time.Since(start).Seconds())
	}()

	logger := log.WithComponent("scheduler")
	schedules, err := s.store.Schedules().List(ctx)
	if err != nil {
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "scheduler.evaluate_failed").
			Msg("schedule listing failed")
		return
	}
	clients, err := s.store.Clients().List(ctx)
	if err != nil {
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "scheduler.evaluate_failed").
			Msg("client listing failed")
		return
	}

	now := s.now()
	for i := range clients {
		c := &clients[i]
		sess := s.registry.LookupClient(c.ID)
		if sess == nil {
			continue
		}
		s.pushIfChanged(ctx, sess, c, Resolve(c, schedules, now), "schedule")
	}
}

// EvaluateClient re-resolves a single client, after an assignment change.
func (s *Scheduler) EvaluateClient(ctx context.Context, clientID string) error {
	sess := s.registry.LookupClient(clientID)
	if sess == nil {
		return nil
	}
	c, err := s.store.Clients().Get(ctx, clientID)
	if err != nil {
		return fmt.Errorf("scheduler: load client %s: %w", clientID, err)
	}
	schedules, err := s.store.Schedules().List(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list schedules: %w", err)
	}
	s.pushIfChanged(ctx, sess, c, Resolve(c, schedules, s.now()), "assignment")
	return nil
}

// Forget drops the last-pushed record so a reconnecting client gets a fresh
// push. Call on client detach.
func (s *Scheduler) Forget(clientID string) {
	s.mu.Lock()
	delete(s.lastPushed, clientID)
	s.mu.Unlock()
}

// RecordPush notes a layout delivered outside the evaluation loop, such as
// the push that accompanies a registration, so the next tick skips it.
func (s *Scheduler) RecordPush(clientID, layoutID string) {
	s.mu.Lock()
	s.lastPushed[clientID] = layoutID
	s.mu.Unlock()
}

func (s *Scheduler) pushIfChanged(ctx context.Context, sess *session.Session, c *model.Client, layoutID, trigger string) {
	s.mu.Lock()
	last, had := s.lastPushed[c.ID]
	s.mu.Unlock()
	if had && last == layoutID {
		return
	}

	if layoutID == "" {
		// Nothing to display; the client keeps its current content until a
		// schedule or assignment produces a layout again.
		s.mu.Lock()
		delete(s.lastPushed, c.ID)
		s.mu.Unlock()
		return
	}

	logger := log.WithComponent("scheduler")
	layout, err := s.store.Layouts().Get(ctx, layoutID)
	if err == store.ErrNotFound {
		logger.Warn().
			Str(log.FieldClientID, c.ID).
			Str(log.FieldLayoutID, layoutID).
			Str(log.FieldEvent, "layout.dangling").
			Msg("resolved layout does not exist")
		return
	}
	if err != nil {
		logger.Error().
			Err(err).
			Str(log.FieldLayoutID, layoutID).
			Str(log.FieldEvent, "layout.load_failed").
			Msg("layout load failed")
		return
	}

	data, err := protocol.Marshal(protocol.DisplayUpdate{
		Type:     protocol.TypeDisplayUpdate,
		LayoutID: layout.ID,
		Elements: layout.Elements,
	})
	if err != nil {
		return
	}
	if !sess.Send(data) {
		metrics.SendQueueOverflowsTotal.Inc()
		return
	}
	metrics.MessagesTotal.WithLabelValues(protocol.TypeDisplayUpdate, "out").Inc()
	metrics.LayoutPushesTotal.WithLabelValues(trigger).Inc()

	s.mu.Lock()
	s.lastPushed[c.ID] = layoutID
	s.mu.Unlock()

	logger.Info().
		Str(log.FieldClientID, c.ID).
		Str(log.FieldLayoutID, layoutID).
		Str("trigger", trigger).
		Str(log.FieldEvent, "layout.pushed").
		Msg("layout pushed")
}

// HandleAssignLayout pins a layout to a client and re-evaluates immediately.
// An empty LayoutId clears the pin.
func (s *Scheduler) HandleAssignLayout(ctx context.Context, sess *session.Session, data []byte) error {
	var msg protocol.AssignLayout
	if err := protocol.Unmarshal(data, &msg); err != nil {
		return &router.Fault{Code: protocol.CodeBadEnvelope, Message: "malformed AssignLayout"}
	}

	c, err := s.store.Clients().Get(ctx, msg.DeviceID)
	if err == store.ErrNotFound {
		return router.Faultf(protocol.CodeUnknownMessage, "unknown device %q", msg.DeviceID)
	}
	if err != nil {
		return fmt.Errorf("scheduler: assign lookup %s: %w", msg.DeviceID, err)
	}
	if msg.LayoutID != "" {
		if _, err := s.store.Layouts().Get(ctx, msg.LayoutID); err == store.ErrNotFound {
			return router.Faultf(protocol.CodeUnknownMessage, "unknown layout %q", msg.LayoutID)
		} else if err != nil {
			return fmt.Errorf("scheduler: assign layout lookup %s: %w", msg.LayoutID, err)
		}
	}

	c.AssignedLayoutID = msg.LayoutID
	if err := s.store.Clients().Upsert(ctx, c); err != nil {
		return fmt.Errorf("scheduler: assign save %s: %w", msg.DeviceID, err)
	}

	logger := log.WithComponent("scheduler")
	logger.Info().
		Str(log.FieldClientID, msg.DeviceID).
		Str(log.FieldLayoutID, msg.LayoutID).
		Str(log.FieldOperatorID, sess.PrincipalID()).
		Str(log.FieldEvent, "layout.assigned").
		Msg("layout assigned")

	if err := s.EvaluateClient(ctx, msg.DeviceID); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.BroadcastClientList(ctx)
	}
	return nil
}
