// SPDX-License-Identifier: MIT

// Package fleet implements the client lifecycle: admission, heartbeats,
// liveness sweeps and the operator-facing fleet views.
package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signagekit/signaged/internal/log"
	"github.com/signagekit/signaged/internal/metrics"
	"github.com/signagekit/signaged/internal/model"
	"github.com/signagekit/signaged/internal/protocol"
	"github.com/signagekit/signaged/internal/router"
	"github.com/signagekit/signaged/internal/session"
	"github.com/signagekit/signaged/internal/store"
	"github.com/signagekit/signaged/internal/token"
)

// Resolver returns the layout a client should display right now, or nil when
// the client has none. RecordPush notes a layout delivered outside the
// resolver's own evaluation loop, so a later tick does not repeat it.
type Resolver interface {
	ActiveLayout(ctx context.Context, c *model.Client) (*model.Layout, error)
	RecordPush(clientID, layoutID string)
}

// Option tweaks a Service.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service owns the fleet state machine.
type Service struct {
	store    store.Store
	registry *session.Registry
	resolver Resolver

	heartbeatTimeout time.Duration
	checkInterval    time.Duration

	now func() time.Time
}

// NewService wires the fleet service.
func NewService(st store.Store, reg *session.Registry, resolver Resolver, heartbeatTimeout, checkInterval time.Duration, opts ...Option) *Service {
	s := &Service{
		store:            st,
		registry:         reg,
		resolver:         resolver,
		heartbeatTimeout: heartbeatTimeout,
		checkInterval:    checkInterval,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register installs the fleet handlers on the router.
func (s *Service) Register(r *router.Router) {
	r.Handle(protocol.TypeRegister, s.HandleRegister)
	r.Handle(protocol.TypeAppHeartbeat, s.HandleAppHeartbeat)
	r.HandleClient(protocol.TypeHeartbeat, s.HandleHeartbeat)
	r.HandleOperator(protocol.TypeRequestClientList, model.PermissionView, s.HandleRequestClientList)
	r.HandleOperator(protocol.TypeRequestLayoutList, model.PermissionView, s.HandleRequestLayoutList)
}

// HandleRegister admits a client. Token consumption and the client upsert
// commit atomically; a failure on either side leaves both untouched.
func (s *Service) HandleRegister(ctx context.Context, sess *session.Session, data []byte) error {
	logger := log.WithComponent("fleet")

	if sess.Kind() == session.KindOperator {
		return router.Faultf(protocol.CodeForbidden, "operator sessions cannot register as clients")
	}

	var msg protocol.Register
	if err := protocol.Unmarshal(data, &msg); err != nil {
		return &router.Fault{Code: protocol.CodeBadEnvelope, Message: "malformed Register"}
	}
	if msg.MacAddress == "" {
		s.reject(sess, "MacAddress is required")
		return nil
	}

	now := s.now()

	var client *model.Client
	var rejection string
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		c, existing, err := s.resolveClient(ctx, tx, &msg)
		if err != nil {
			return err
		}

		if msg.RegistrationToken == "" {
			// Known devices reconnect without presenting a token and
			// without burning a use. Unknown devices must bring one.
			if !existing {
				rejection = "registration token is required"
				return nil
			}
		} else {
			fp := token.Fingerprint(msg.RegistrationToken)
			tok, err := tx.Tokens().GetByFingerprint(ctx, fp)
			if err == store.ErrNotFound {
				rejection = "unknown registration token"
				return nil
			}
			if err != nil {
				return err
			}

			// The token's placement applies before the restriction check,
			// so a group-restricted token admits a fresh device into that
			// group instead of failing against an empty one.
			if tok.RestrictedToGroup != "" {
				c.Group = tok.RestrictedToGroup
			}
			if tok.RestrictedToLocation != "" {
				c.Location = tok.RestrictedToLocation
			}
			if !token.RestrictionsMatch(tok, c.Group, c.Location, msg.MacAddress) {
				rejection = "registration token does not cover this device"
				return nil
			}

			res, err := tx.Tokens().Consume(ctx, fp, now)
			if err != nil {
				return err
			}
			if !res.Consumed {
				rejection = consumeMessage(res.Reason)
				return nil
			}
		}

		c.MacAddress = msg.MacAddress
		c.IPAddress = msg.IPAddress
		c.Hostname = msg.Hostname
		if len(msg.DeviceInfo) > 0 {
			c.DeviceInfo = msg.DeviceInfo
		}
		c.Status = model.StatusOnline
		c.LastSeenAt = now
		if err := tx.Clients().Upsert(ctx, c); err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("fleet: register: %w", err)
	}
	if rejection != "" {
		logger.Info().
			Str(log.FieldConnectionID, sess.ID).
			Str("mac_address", msg.MacAddress).
			Str("reason", rejection).
			Str(log.FieldEvent, "client.register.rejected").
			Msg("registration rejected")
		s.reject(sess, rejection)
		return nil
	}

	evicted, err := s.registry.Bind(sess.ID, session.KindClient, client.ID, nil)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("fleet: bind session: %w", err)
	}
	if evicted != nil {
		logger.Info().
			Str(log.FieldClientID, client.ID).
			Str(log.FieldConnectionID, evicted.ID).
			Str(log.FieldEvent, "client.session.replaced").
			Msg("older session replaced by new registration")
	}

	s.send(sess, protocol.RegistrationResponse{
		Type:             protocol.TypeRegistrationResponse,
		Status:           protocol.RegistrationAccepted,
		ClientID:         client.ID,
		AssignedLayoutID: client.AssignedLayoutID,
	})
	metrics.RegistrationsTotal.WithLabelValues("accepted").Inc()
	logger.Info().
		Str(log.FieldClientID, client.ID).
		Str("mac_address", client.MacAddress).
		Str(log.FieldEvent, "client.registered").
		Msg("client registered")

	s.pushActiveLayout(ctx, sess, client)
	s.BroadcastClientList(ctx)
	return nil
}

// resolveClient finds the existing client row for a registration, preferring
// the claimed id, then the MAC address, and creates a fresh row otherwise.
// The second return reports whether the row already existed.
func (s *Service) resolveClient(ctx context.Context, tx store.Store, msg *protocol.Register) (*model.Client, bool, error) {
	if msg.ClientID != "" {
		c, err := tx.Clients().Get(ctx, msg.ClientID)
		if err == nil {
			return c, true, nil
		}
		if err != store.ErrNotFound {
			return nil, false, err
		}
	}
	c, err := tx.Clients().GetByMac(ctx, msg.MacAddress)
	if err == nil {
		return c, true, nil
	}
	if err != store.ErrNotFound {
		return nil, false, err
	}
	return &model.Client{
		ID:   uuid.NewString(),
		Name: msg.Hostname,
	}, false, nil
}

func consumeMessage(reason string) string {
	switch reason {
	case "expired":
		return "registration token expired"
	case "exhausted":
		return "registration token has no uses left"
	case "inactive":
		return "registration token revoked"
	default:
		return "unknown registration token"
	}
}

// HandleHeartbeat records client liveness and the reported device snapshot.
func (s *Service) HandleHeartbeat(ctx context.Context, sess *session.Session, data []byte) error {
	var msg protocol.Heartbeat
	if err := protocol.Unmarshal(data, &msg); err != nil {
		return &router.Fault{Code: protocol.CodeBadEnvelope, Message: "malformed Heartbeat"}
	}

	clientID := sess.PrincipalID()
	status := model.StatusOnline
	if msg.Status != "" {
		status = model.ParseClientStatus(msg.Status)
	}
	if msg.Offline {
		status = model.StatusOffline
	}

	prev, err := s.store.Clients().Get(ctx, clientID)
	if err != nil {
		return fmt.Errorf("fleet: heartbeat lookup %s: %w", clientID, err)
	}
	if err := s.store.Clients().UpdateStatus(ctx, clientID, status, msg.DeviceInfo, s.now()); err != nil {
		return fmt.Errorf("fleet: heartbeat update %s: %w", clientID, err)
	}

	if prev.Status != status {
		logger := log.WithComponent("fleet")
		logger.Info().
			Str(log.FieldClientID, clientID).
			Str(log.FieldOldState, string(prev.Status)).
			Str(log.FieldNewState, string(status)).
			Str(log.FieldEvent, "client.status_changed").
			Msg("client status changed")
		s.BroadcastClientList(ctx)
	}
	return nil
}

// HandleAppHeartbeat authenticates an operator session on first contact and
// acts as a keepalive afterwards.
func (s *Service) HandleAppHeartbeat(ctx context.Context, sess *session.Session, data []byte) error {
	var msg protocol.AppHeartbeat
	if err := protocol.Unmarshal(data, &msg); err != nil {
		return &router.Fault{Code: protocol.CodeBadEnvelope, Message: "malformed AppHeartbeat"}
	}

	if sess.Kind() == session.KindOperator {
		return s.store.Operators().UpdateLastSeen(ctx, sess.PrincipalID(), s.now())
	}
	if sess.Kind() != session.KindUnbound {
		return router.Faultf(protocol.CodeForbidden, "client sessions cannot authenticate as operators")
	}

	if msg.Token == "" {
		return &router.Fault{Code: protocol.CodeUnauthenticated, Message: "operator token is required"}
	}
	op, err := s.store.Operators().GetByTokenFingerprint(ctx, token.Fingerprint(msg.Token))
	if err == store.ErrNotFound {
		return &router.Fault{Code: protocol.CodeTokenInvalid, Message: "unknown operator token"}
	}
	if err != nil {
		return fmt.Errorf("fleet: operator lookup: %w", err)
	}
	if op.Status != model.OperatorApproved {
		return router.Faultf(protocol.CodeForbidden, "operator registration is %s", op.Status)
	}
	// The token alone is not enough; the heartbeat must come from the device
	// the registration was issued to.
	if msg.AppID != op.DeviceIdentifier {
		return &router.Fault{Code: protocol.CodeUnauthenticated, Message: "app id does not match operator registration"}
	}

	logger := log.WithComponent("fleet")
	evicted, err := s.registry.Bind(sess.ID, session.KindOperator, op.ID, op.Permissions)
	if err != nil {
		return fmt.Errorf("fleet: bind operator session: %w", err)
	}
	if evicted != nil {
		logger.Info().
			Str(log.FieldOperatorID, op.ID).
			Str(log.FieldConnectionID, evicted.ID).
			Str(log.FieldEvent, "operator.session.replaced").
			Msg("older operator session replaced")
	}
	if err := s.store.Operators().UpdateLastSeen(ctx, op.ID, s.now()); err != nil {
		return fmt.Errorf("fleet: operator last seen: %w", err)
	}

	logger.Info().
		Str(log.FieldOperatorID, op.ID).
		Str(log.FieldEvent, "operator.authenticated").
		Msg("operator session authenticated")

	// Fresh operator sessions get the fleet state without asking.
	if op.HasPermission(model.PermissionView) {
		s.sendClientList(ctx, sess, "all")
	}
	return nil
}

// HandleRequestClientList answers an operator's fleet state request.
func (s *Service) HandleRequestClientList(ctx context.Context, sess *session.Session, data []byte) error {
	var msg protocol.RequestClientList
	if err := protocol.Unmarshal(data, &msg); err != nil {
		return &router.Fault{Code: protocol.CodeBadEnvelope, Message: "malformed RequestClientList"}
	}
	filter := msg.Filter
	if filter == "" {
		filter = "all"
	}
	return s.sendClientList(ctx, sess, filter)
}

// HandleRequestLayoutList answers an operator's layout catalogue request.
func (s *Service) HandleRequestLayoutList(ctx context.Context, sess *session.Session, _ []byte) error {
	layouts, err := s.store.Layouts().List(ctx)
	if err != nil {
		return fmt.Errorf("fleet: list layouts: %w", err)
	}
	resp := protocol.LayoutListResponse{
		Type:    protocol.TypeLayoutListResponse,
		Layouts: make([]protocol.LayoutInfo, 0, len(layouts)),
	}
	for _, l := range layouts {
		resp.Layouts = append(resp.Layouts, protocol.LayoutInfo{
			ID:         l.ID,
			Name:       l.Name,
			Resolution: l.Resolution,
			Category:   l.Category,
			Version:    l.Version,
		})
	}
	s.send(sess, resp)
	return nil
}

// Run drives the liveness sweep until ctx is cancelled. Clients whose last
// heartbeat is older than the timeout are marked offline.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				logger := log.WithComponent("fleet")
				logger.Error().
					Err(err).
					Str(log.FieldEvent, "liveness.sweep_failed").
					Msg("liveness sweep failed")
			}
		}
	}
}

// Sweep performs one liveness pass over the persisted fleet.
func (s *Service) Sweep(ctx context.Context) error {
	clients, err := s.store.Clients().List(ctx)
	if err != nil {
		return fmt.Errorf("fleet: liveness list: %w", err)
	}

	logger := log.WithComponent("fleet")
	now := s.now()
	deadline := now.Add(-s.heartbeatTimeout)
	changed := false
	counts := map[model.ClientStatus]int{
		model.StatusOnline: 0, model.StatusOffline: 0,
		model.StatusError: 0, model.StatusUnknown: 0,
	}
	for _, c := range clients {
		if c.Status == model.StatusOnline && c.LastSeenAt.Before(deadline) {
			if err := s.store.Clients().UpdateStatus(ctx, c.ID, model.StatusOffline, nil, c.LastSeenAt); err != nil {
				return fmt.Errorf("fleet: mark offline %s: %w", c.ID, err)
			}
			// A session may linger when the peer vanished without a close
			// frame. Drop it so the transport reclaims the connection.
			if sess := s.registry.LookupClient(c.ID); sess != nil {
				sess.Close("heartbeat_timeout")
			}
			logger.Info().
				Str(log.FieldClientID, c.ID).
				Str(log.FieldOldState, string(model.StatusOnline)).
				Str(log.FieldNewState, string(model.StatusOffline)).
				Str(log.FieldEvent, "client.timed_out").
				Msg("client heartbeat timed out")
			c.Status = model.StatusOffline
			changed = true
		}
		counts[c.Status]++
	}
	for status, n := range counts {
		metrics.ClientsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}

	if changed {
		s.BroadcastClientList(ctx)
	}
	return nil
}

// BroadcastClientList pushes the current fleet state to every operator.
func (s *Service) BroadcastClientList(ctx context.Context) {
	update, err := s.clientList(ctx, "all")
	if err != nil {
		logger := log.WithComponent("fleet")
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "client_list.broadcast_failed").
			Msg("client list broadcast failed")
		return
	}
	data, err := protocol.Marshal(update)
	if err != nil {
		return
	}
	n := s.registry.Broadcast(session.KindOperator, data)
	if n > 0 {
		metrics.MessagesTotal.WithLabelValues(protocol.TypeClientListUpdate, "out").Add(float64(n))
	}
}

func (s *Service) sendClientList(ctx context.Context, sess *session.Session, filter string) error {
	update, err := s.clientList(ctx, filter)
	if err != nil {
		return err
	}
	s.send(sess, update)
	return nil
}

func (s *Service) clientList(ctx context.Context, filter string) (protocol.ClientListUpdate, error) {
	clients, err := s.store.Clients().List(ctx)
	if err != nil {
		return protocol.ClientListUpdate{}, fmt.Errorf("fleet: list clients: %w", err)
	}

	update := protocol.ClientListUpdate{
		Type:    protocol.TypeClientListUpdate,
		Clients: make([]protocol.ClientInfo, 0, len(clients)),
	}
	for _, c := range clients {
		switch filter {
		case "online":
			if c.Status != model.StatusOnline {
				continue
			}
		case "offline":
			if c.Status == model.StatusOnline {
				continue
			}
		}
		update.Clients = append(update.Clients, toClientInfo(&c))
	}
	return update, nil
}

func toClientInfo(c *model.Client) protocol.ClientInfo {
	info := protocol.ClientInfo{
		ID:               c.ID,
		Name:             c.Name,
		MacAddress:       c.MacAddress,
		IPAddress:        c.IPAddress,
		Hostname:         c.Hostname,
		Group:            c.Group,
		Location:         c.Location,
		Status:           string(c.Status),
		AssignedLayoutID: c.AssignedLayoutID,
		DeviceInfo:       c.DeviceInfo,
	}
	if !c.LastSeenAt.IsZero() {
		info.LastSeenAt = c.LastSeenAt.UTC().Format(time.RFC3339)
	}
	return info
}

func (s *Service) pushActiveLayout(ctx context.Context, sess *session.Session, c *model.Client) {
	if s.resolver == nil {
		return
	}
	layout, err := s.resolver.ActiveLayout(ctx, c)
	if err != nil {
		logger := log.WithComponent("fleet")
		logger.Error().
			Err(err).
			Str(log.FieldClientID, c.ID).
			Str(log.FieldEvent, "layout.resolve_failed").
			Msg("active layout resolution failed")
		return
	}
	if layout == nil {
		return
	}
	delivered := s.send(sess, protocol.DisplayUpdate{
		Type:     protocol.TypeDisplayUpdate,
		LayoutID: layout.ID,
		Elements: layout.Elements,
	})
	if delivered {
		// Let the evaluation loop know, so its next tick does not repeat
		// the push the client just received.
		s.resolver.RecordPush(c.ID, layout.ID)
		metrics.LayoutPushesTotal.WithLabelValues("registration").Inc()
	}
}

// reject answers a failed registration and drops the connection. The queued
// reply still reaches the peer; the write pump drains the buffer before the
// close frame goes out.
func (s *Service) reject(sess *session.Session, message string) {
	metrics.RegistrationsTotal.WithLabelValues("rejected").Inc()
	s.send(sess, protocol.RegistrationResponse{
		Type:    protocol.TypeRegistrationResponse,
		Status:  protocol.RegistrationRejected,
		Message: message,
	})
	sess.Close("registration_rejected")
}

func (s *Service) send(sess *session.Session, v any) bool {
	data, err := protocol.Marshal(v)
	if err != nil {
		return false
	}
	if !sess.Send(data) {
		return false
	}
	if msgType, err := protocol.PeekType(data); err == nil {
		metrics.MessagesTotal.WithLabelValues(msgType, "out").Inc()
	}
	return true
}
