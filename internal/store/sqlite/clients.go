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

type clients struct {
	q dbtx
}

const clientColumns = `id, name, mac_address, ip_address, hostname, client_group, location,
	status, last_seen_at, assigned_layout_id, device_info, metadata`

func (r *clients) Get(ctx context.Context, id string) (*model.Client, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
	return scanClient(row)
}

func (r *clients) GetByMac(ctx context.Context, mac string) (*model.Client, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE mac_address = ?`, mac)
	return scanClient(row)
}

func (r *clients) Upsert(ctx context.Context, c *model.Client) error {
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: encode client metadata: %w", err)
	}
	var mac any
	if c.MacAddress != "" {
		mac = c.MacAddress
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO clients (`+clientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			mac_address = excluded.mac_address,
			ip_address = excluded.ip_address,
			hostname = excluded.hostname,
			client_group = excluded.client_group,
			location = excluded.location,
			status = excluded.status,
			last_seen_at = excluded.last_seen_at,
			assigned_layout_id = excluded.assigned_layout_id,
			device_info = excluded.device_info,
			metadata = excluded.metadata`,
		c.ID, c.Name, mac, c.IPAddress, c.Hostname, c.Group, c.Location,
		string(c.Status), encodeTime(c.LastSeenAt), c.AssignedLayoutID,
		string(c.DeviceInfo), string(meta))
	if err != nil {
		return fmt.Errorf("sqlite: upsert client %s: %w", c.ID, err)
	}
	return nil
}

func (r *clients) List(ctx context.Context) ([]model.Client, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list clients: %w", err)
	}
	defer rows.Close()

	var out []model.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *clients) Delete(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete client %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *clients) UpdateStatus(ctx context.Context, id string, status model.ClientStatus, deviceInfo []byte, lastSeenAt time.Time) error {
	query := `UPDATE clients SET status = ?, last_seen_at = ? WHERE id = ?`
	args := []any{string(status), encodeTime(lastSeenAt), id}
	if len(deviceInfo) > 0 {
		query = `UPDATE clients SET status = ?, last_seen_at = ?, device_info = ? WHERE id = ?`
		args = []any{string(status), encodeTime(lastSeenAt), string(deviceInfo), id}
	}
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: update client status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*model.Client, error) {
	var (
		c          model.Client
		mac        sql.NullString
		status     string
		lastSeen   string
		deviceInfo string
		meta       string
	)
	err := row.Scan(&c.ID, &c.Name, &mac, &c.IPAddress, &c.Hostname, &c.Group,
		&c.Location, &status, &lastSeen, &c.AssignedLayoutID, &deviceInfo, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan client: %w", err)
	}
	c.MacAddress = mac.String
	c.Status = model.ParseClientStatus(status)
	c.LastSeenAt = decodeTime(lastSeen)
	if deviceInfo != "" {
		c.DeviceInfo = json.RawMessage(deviceInfo)
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return nil, fmt.Errorf("sqlite: decode client metadata: %w", err)
		}
	}
	return &c, nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := decodeTime(s.String)
	return &t
}
