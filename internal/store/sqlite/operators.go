// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/signagekit/signaged/internal/model"
	"github.com/signagekit/signaged/internal/store"
)

type operators struct {
	q dbtx
}

const operatorColumns = `id, device_identifier, status, token_fingerprint,
	permissions, registered_at, approved_at, last_seen_at`

func (r *operators) Get(ctx context.Context, id string) (*model.OperatorRegistration, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+operatorColumns+` FROM operator_registrations WHERE id = ?`, id)
	return scanOperator(row)
}

func (r *operators) GetByTokenFingerprint(ctx context.Context, fp string) (*model.OperatorRegistration, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+operatorColumns+` FROM operator_registrations WHERE token_fingerprint = ?`, fp)
	return scanOperator(row)
}

func (r *operators) UpdateLastSeen(ctx context.Context, id string, t time.Time) error {
	res, err := r.q.ExecContext(ctx, `UPDATE operator_registrations SET last_seen_at = ? WHERE id = ?`,
		encodeTime(t), id)
	if err != nil {
		return fmt.Errorf("sqlite: update operator last seen: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Put inserts or replaces an operator registration. Used by operator
// surfaces and tests.
func (r *operators) Put(ctx context.Context, o *model.OperatorRegistration) error {
	perms, err := json.Marshal(o.Permissions)
	if err != nil {
		return fmt.Errorf("sqlite: encode operator permissions: %w", err)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO operator_registrations (`+operatorColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.DeviceIdentifier, string(o.Status), o.TokenFingerprint,
		string(perms), encodeTime(o.RegisteredAt), encodeTimePtr(o.ApprovedAt),
		encodeTimePtr(o.LastSeenAt))
	if err != nil {
		return fmt.Errorf("sqlite: put operator %s: %w", o.ID, err)
	}
	return nil
}

func scanOperator(row rowScanner) (*model.OperatorRegistration, error) {
	var (
		o                  model.OperatorRegistration
		status, perms      string
		registered         string
		approved, lastSeen sql.NullString
	)
	err := row.Scan(&o.ID, &o.DeviceIdentifier, &status, &o.TokenFingerprint,
		&perms, &registered, &approved, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan operator: %w", err)
	}
	o.Status = model.OperatorStatus(status)
	if perms != "" {
		if err := json.Unmarshal([]byte(perms), &o.Permissions); err != nil {
			return nil, fmt.Errorf("sqlite: decode operator permissions: %w", err)
		}
	}
	o.RegisteredAt = decodeTime(registered)
	o.ApprovedAt = decodeTimePtr(approved)
	o.LastSeenAt = decodeTimePtr(lastSeen)
	return &o, nil
}
