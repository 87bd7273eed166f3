// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/signagekit/signaged/internal/model"
	"github.com/signagekit/signaged/internal/store"
)

type layouts struct {
	q dbtx
}

const layoutColumns = `id, name, resolution, elements, tags, category, version, created, modified`

func (r *layouts) Get(ctx context.Context, id string) (*model.Layout, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+layoutColumns+` FROM layouts WHERE id = ?`, id)
	return scanLayout(row)
}

func (r *layouts) List(ctx context.Context) ([]model.Layout, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+layoutColumns+` FROM layouts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list layouts: %w", err)
	}
	defer rows.Close()

	var out []model.Layout
	for rows.Next() {
		l, err := scanLayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// Put inserts or replaces a layout. Used by operator surfaces and tests;
// the control plane itself only reads layouts.
func (r *layouts) Put(ctx context.Context, l *model.Layout) error {
	tags, err := json.Marshal(l.Tags)
	if err != nil {
		return fmt.Errorf("sqlite: encode layout tags: %w", err)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO layouts (`+layoutColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Name, l.Resolution, string(l.Elements), string(tags),
		l.Category, l.Version, encodeTime(l.Created), encodeTime(l.Modified))
	if err != nil {
		return fmt.Errorf("sqlite: put layout %s: %w", l.ID, err)
	}
	return nil
}

func scanLayout(row rowScanner) (*model.Layout, error) {
	var (
		l                 model.Layout
		elements, tags    string
		created, modified string
	)
	err := row.Scan(&l.ID, &l.Name, &l.Resolution, &elements, &tags,
		&l.Category, &l.Version, &created, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan layout: %w", err)
	}
	if elements != "" {
		l.Elements = json.RawMessage(elements)
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &l.Tags); err != nil {
			return nil, fmt.Errorf("sqlite: decode layout tags: %w", err)
		}
	}
	l.Created = decodeTime(created)
	l.Modified = decodeTime(modified)
	return &l, nil
}
