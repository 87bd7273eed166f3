// SPDX-License-Identifier: MIT

// Package store defines the repository port through which the control plane
// reaches durable state. One aggregate per call; the control plane never
// composes queries.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/signagekit/signaged/internal/model"
)

// ErrNotFound is returned when the requested aggregate does not exist.
var ErrNotFound = errors.New("store: not found")

// Clients is the repository for the Client aggregate.
type Clients interface {
	Get(ctx context.Context, id string) (*model.Client, error)
	GetByMac(ctx context.Context, mac string) (*model.Client, error)
	Upsert(ctx context.Context, c *model.Client) error
	List(ctx context.Context) ([]model.Client, error)
	Delete(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status model.ClientStatus, deviceInfo []byte, lastSeenAt time.Time) error
}

// Layouts is the read-side repository for the Layout aggregate.
type Layouts interface {
	Get(ctx context.Context, id string) (*model.Layout, error)
	List(ctx context.Context) ([]model.Layout, error)
}

// Schedules is the read-side repository for the Schedule aggregate.
type Schedules interface {
	List(ctx context.Context) ([]model.Schedule, error)
}

// ConsumeResult reports the outcome of an atomic token consumption.
type ConsumeResult struct {
	Consumed bool
	// Reason explains a failed consumption: "not_found", "inactive",
	// "expired" or "exhausted".
	Reason string
	Token  *model.RegistrationToken
}

// Tokens is the repository for registration tokens. Tokens are stored by
// fingerprint only; the raw token never reaches this layer.
type Tokens interface {
	GetByFingerprint(ctx context.Context, fp string) (*model.RegistrationToken, error)
	// Consume atomically increments the token's use counter if and only if
	// the token is active, unexpired as of now and has uses left. Safe
	// under concurrent registrations with the same token. The caller
	// supplies the evaluation time so expiry follows its clock.
	Consume(ctx context.Context, fp string, now time.Time) (ConsumeResult, error)
	Delete(ctx context.Context, fp string) error
}

// Operators is the repository for operator registrations.
type Operators interface {
	Get(ctx context.Context, id string) (*model.OperatorRegistration, error)
	GetByTokenFingerprint(ctx context.Context, fp string) (*model.OperatorRegistration, error)
	UpdateLastSeen(ctx context.Context, id string, t time.Time) error
}

// Store bundles the aggregate repositories.
type Store interface {
	Clients() Clients
	Layouts() Layouts
	Schedules() Schedules
	Tokens() Tokens
	Operators() Operators

	// WithTx runs fn against a transactional view of the store. All calls
	// made through the view commit or roll back together. Registration
	// uses this to make client upsert and token consumption all-or-nothing.
	WithTx(ctx context.Context, fn func(Store) error) error

	Close() error
}
