// SPDX-License-Identifier: MIT

// Package model defines the persistent aggregates of the signage fleet:
// clients, layouts, schedules, registration tokens and operator registrations.
package model

import (
	"encoding/json"
	"time"
)

// ClientStatus is the liveness state of a display client.
type ClientStatus string

const (
	StatusOnline  ClientStatus = "Online"
	StatusOffline ClientStatus = "Offline"
	StatusError   ClientStatus = "Error"
	StatusUnknown ClientStatus = "Unknown"
)

// ParseClientStatus clamps an arbitrary reported status to the enum.
func ParseClientStatus(s string) ClientStatus {
	switch ClientStatus(s) {
	case StatusOnline, StatusOffline, StatusError, StatusUnknown:
		return ClientStatus(s)
	}
	return StatusUnknown
}

// Client is a physical display endpoint controlled by the server.
type Client struct {
	ID               string
	Name             string
	MacAddress       string
	IPAddress        string
	Hostname         string
	Group            string
	Location         string
	Status           ClientStatus
	LastSeenAt       time.Time
	AssignedLayoutID string
	// DeviceInfo is the last reported device snapshot (OS, screen dims,
	// CPU, memory, temperature). Opaque to the control plane.
	DeviceInfo json.RawMessage
	Metadata   map[string]string
}

// Layout is a displayable document. Elements are opaque to the control plane
// and forwarded verbatim in display updates.
type Layout struct {
	ID         string
	Name       string
	Resolution string
	Elements   json.RawMessage
	Tags       []string
	Category   string
	Version    int
	Created    time.Time
	Modified   time.Time
}

// Weekday mirrors time.Weekday values (Sunday = 0).
type Weekday = time.Weekday

// Schedule binds a layout to a client or a client group within a time window.
// Exactly one of ClientID and ClientGroup is set. Windows never cross
// midnight; a schedule spanning midnight is stored as two rows.
type Schedule struct {
	ID          string
	Name        string
	LayoutID    string
	ClientID    string
	ClientGroup string
	Priority    int
	StartTime   string // "HH:MM", inclusive
	EndTime     string // "HH:MM", exclusive at minute grain
	DaysOfWeek  []Weekday
	ValidFrom   *time.Time // inclusive date, optional
	ValidUntil  *time.Time // inclusive date, optional
	IsActive    bool
	Modified    time.Time
}

// TargetsClient reports whether the schedule applies to the given client.
func (s *Schedule) TargetsClient(c *Client) bool {
	if s.ClientID != "" {
		return s.ClientID == c.ID
	}
	return s.ClientGroup != "" && s.ClientGroup == c.Group
}

// RegistrationToken is an admission credential for clients. Only the
// fingerprint of the raw token is ever stored.
type RegistrationToken struct {
	Fingerprint          string
	ExpiresAt            time.Time
	MaxUses              int
	UsedCount            int
	RestrictedToGroup    string
	RestrictedToLocation string
	RestrictedToMac      string
	IsActive             bool
	CreatedAt            time.Time
}

// OperatorStatus is the approval state of an operator registration.
type OperatorStatus string

const (
	OperatorPending  OperatorStatus = "Pending"
	OperatorApproved OperatorStatus = "Approved"
	OperatorDenied   OperatorStatus = "Denied"
	OperatorRevoked  OperatorStatus = "Revoked"
)

// Permission gates what an operator session may do.
type Permission string

const (
	PermissionView    Permission = "View"
	PermissionControl Permission = "Control"
	PermissionManage  Permission = "Manage"
)

// OperatorRegistration is a mobile/desktop operator credential.
type OperatorRegistration struct {
	ID               string
	DeviceIdentifier string
	Status           OperatorStatus
	TokenFingerprint string
	Permissions      []Permission
	RegisteredAt     time.Time
	ApprovedAt       *time.Time
	LastSeenAt       *time.Time
}

// HasPermission reports whether the registration grants perm.
func (o *OperatorRegistration) HasPermission(perm Permission) bool {
	for _, p := range o.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// DiscoveryMethod identifies how a LAN host was found.
type DiscoveryMethod string

const (
	DiscoveredByPing           DiscoveryMethod = "Ping"
	DiscoveredByTCPProbe       DiscoveryMethod = "TcpProbe"
	DiscoveredByBroadcastReply DiscoveryMethod = "BroadcastReply"
)

// DiscoveredHost is an ephemeral finding from a LAN scan. Never persisted.
type DiscoveredHost struct {
	IPAddress         string
	Hostname          string
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
	DiscoveryMethod   DiscoveryMethod
	IsLikelyCandidate bool
}
