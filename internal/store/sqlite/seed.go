// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"

	"github.com/signagekit/signaged/internal/model"
)

// Write-side helpers for the aggregates the control plane only reads.
// Operator surfaces (and tests) manage these rows through the concrete
// store; the repository port stays narrow.

func (s *Store) PutLayout(ctx context.Context, l *model.Layout) error {
	return (&layouts{q: s.q}).Put(ctx, l)
}

func (s *Store) PutSchedule(ctx context.Context, sched *model.Schedule) error {
	return (&schedules{q: s.q}).Put(ctx, sched)
}

func (s *Store) PutToken(ctx context.Context, t *model.RegistrationToken) error {
	return (&tokens{q: s.q}).Put(ctx, t)
}

func (s *Store) PutOperator(ctx context.Context, o *model.OperatorRegistration) error {
	return (&operators{q: s.q}).Put(ctx, o)
}
