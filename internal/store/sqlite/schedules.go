// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/signagekit/signaged/internal/model"
)

type schedules struct {
	q dbtx
}

const scheduleColumns = `id, name, layout_id, client_id, client_group, priority,
	start_time, end_time, days_of_week, valid_from, valid_until, is_active, modified`

func (r *schedules) List(ctx context.Context) ([]model.Schedule, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list schedules: %w", err)
	}
	defer rows.Close()

	var out []model.Schedule
	for rows.Next() {
		var (
			s                     model.Schedule
			days                  string
			validFrom, validUntil sql.NullString
			isActive              int
			modified              string
		)
		if err := rows.Scan(&s.ID, &s.Name, &s.LayoutID, &s.ClientID, &s.ClientGroup,
			&s.Priority, &s.StartTime, &s.EndTime, &days, &validFrom, &validUntil,
			&isActive, &modified); err != nil {
			return nil, fmt.Errorf("sqlite: scan schedule: %w", err)
		}
		if days != "" {
			if err := json.Unmarshal([]byte(days), &s.DaysOfWeek); err != nil {
				return nil, fmt.Errorf("sqlite: decode schedule days: %w", err)
			}
		}
		s.ValidFrom = decodeTimePtr(validFrom)
		s.ValidUntil = decodeTimePtr(validUntil)
		s.IsActive = isActive != 0
		s.Modified = decodeTime(modified)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Put inserts or replaces a schedule. Used by operator surfaces and tests.
func (r *schedules) Put(ctx context.Context, s *model.Schedule) error {
	days, err := json.Marshal(s.DaysOfWeek)
	if err != nil {
		return fmt.Errorf("sqlite: encode schedule days: %w", err)
	}
	active := 0
	if s.IsActive {
		active = 1
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.LayoutID, s.ClientID, s.ClientGroup, s.Priority,
		s.StartTime, s.EndTime, string(days), encodeTimePtr(s.ValidFrom),
		encodeTimePtr(s.ValidUntil), active, encodeTime(s.Modified))
	if err != nil {
		return fmt.Errorf("sqlite: put schedule %s: %w", s.ID, err)
	}
	return nil
}
