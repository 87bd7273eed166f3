// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/signagekit/signaged/internal/model"
	"github.com/signagekit/signaged/internal/store"
)

type tokens struct {
	q dbtx
}

const tokenColumns = `fingerprint, expires_at, max_uses, used_count,
	restricted_to_group, restricted_to_location, restricted_to_mac, is_active, created_at`

func (r *tokens) GetByFingerprint(ctx context.Context, fp string) (*model.RegistrationToken, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM registration_tokens WHERE fingerprint = ?`, fp)
	return scanToken(row)
}

// Consume is a single UPDATE guarded by the acceptance conditions, so
// concurrent registrations with the same token can never overrun max_uses.
func (r *tokens) Consume(ctx context.Context, fp string, now time.Time) (store.ConsumeResult, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE registration_tokens
		SET used_count = used_count + 1
		WHERE fingerprint = ? AND is_active = 1 AND used_count < max_uses AND expires_at > ?`,
		fp, encodeTime(now))
	if err != nil {
		return store.ConsumeResult{}, fmt.Errorf("sqlite: consume token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.ConsumeResult{}, fmt.Errorf("sqlite: consume token rows: %w", err)
	}
	if n == 1 {
		tok, err := r.GetByFingerprint(ctx, fp)
		if err != nil {
			return store.ConsumeResult{}, err
		}
		return store.ConsumeResult{Consumed: true, Token: tok}, nil
	}

	// Nothing consumed; classify why for the registration reply.
	tok, err := r.GetByFingerprint(ctx, fp)
	if errors.Is(err, store.ErrNotFound) {
		return store.ConsumeResult{Reason: "not_found"}, nil
	}
	if err != nil {
		return store.ConsumeResult{}, err
	}
	switch {
	case !tok.IsActive:
		return store.ConsumeResult{Reason: "inactive", Token: tok}, nil
	case !tok.ExpiresAt.After(now):
		return store.ConsumeResult{Reason: "expired", Token: tok}, nil
	default:
		return store.ConsumeResult{Reason: "exhausted", Token: tok}, nil
	}
}

func (r *tokens) Delete(ctx context.Context, fp string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM registration_tokens WHERE fingerprint = ?`, fp)
	if err != nil {
		return fmt.Errorf("sqlite: delete token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Put inserts or replaces a token row. Used by operator surfaces and tests.
func (r *tokens) Put(ctx context.Context, t *model.RegistrationToken) error {
	active := 0
	if t.IsActive {
		active = 1
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO registration_tokens (`+tokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Fingerprint, encodeTime(t.ExpiresAt), t.MaxUses, t.UsedCount,
		t.RestrictedToGroup, t.RestrictedToLocation, t.RestrictedToMac,
		active, encodeTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: put token: %w", err)
	}
	return nil
}

func scanToken(row rowScanner) (*model.RegistrationToken, error) {
	var (
		t                model.RegistrationToken
		expires, created string
		isActive         int
	)
	err := row.Scan(&t.Fingerprint, &expires, &t.MaxUses, &t.UsedCount,
		&t.RestrictedToGroup, &t.RestrictedToLocation, &t.RestrictedToMac,
		&isActive, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan token: %w", err)
	}
	t.ExpiresAt = decodeTime(expires)
	t.CreatedAt = decodeTime(created)
	t.IsActive = isActive != 0
	return &t, nil
}
