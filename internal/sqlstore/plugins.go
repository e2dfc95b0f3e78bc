package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/celerix-dev/celerix-web/internal/plugin"
)

// PluginTable persists plugin descriptors. It implements plugin.Table.
type PluginTable struct {
	db *sql.DB
}

var _ plugin.Table = (*PluginTable)(nil)

func where(f plugin.Filter) (string, []any) {
	if f.Name == "" {
		return "", nil
	}
	return " WHERE name = ?", []any{f.Name}
}

func (t *PluginTable) Select(ctx context.Context, f plugin.Filter) ([]plugin.Descriptor, error) {
	clause, args := where(f)
	rows, err := t.db.QueryContext(ctx,
		`SELECT seq, name, bindings, handlers, ui_modules, config FROM plugins`+clause+` ORDER BY seq DESC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("select plugins: %w", err)
	}
	defer rows.Close()

	var out []plugin.Descriptor
	for rows.Next() {
		var (
			d                                  plugin.Descriptor
			bindings, handlers, modules, confg string
		)
		if err := rows.Scan(&d.Seq, &d.Name, &bindings, &handlers, &modules, &confg); err != nil {
			return nil, fmt.Errorf("scan plugin: %w", err)
		}
		for _, col := range []struct {
			raw string
			dst any
		}{
			{bindings, &d.Bindings},
			{handlers, &d.Handlers},
			{modules, &d.UIModules},
			{confg, &d.Config},
		} {
			if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
				return nil, fmt.Errorf("decode plugin %s: %w", d.Name, err)
			}
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plugins: %w", err)
	}
	return out, nil
}

type encoded struct {
	bindings, handlers, modules, config string
}

func encode(d plugin.Descriptor) (encoded, error) {
	var e encoded
	for _, col := range []struct {
		src any
		dst *string
	}{
		{d.Bindings, &e.bindings},
		{d.Handlers, &e.handlers},
		{d.UIModules, &e.modules},
		{d.Config, &e.config},
	} {
		raw, err := json.Marshal(col.src)
		if err != nil {
			return e, fmt.Errorf("encode plugin %s: %w", d.Name, err)
		}
		*col.dst = string(raw)
	}
	return e, nil
}

// Insert adds d and assigns its Seq. A name collision returns plugin.ErrDuplicate.
func (t *PluginTable) Insert(ctx context.Context, d *plugin.Descriptor) error {
	e, err := encode(*d)
	if err != nil {
		return err
	}
	res, err := t.db.ExecContext(ctx, `
		INSERT INTO plugins (name, bindings, handlers, ui_modules, config)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, d.Name, e.bindings, e.handlers, e.modules, e.config)
	if err != nil {
		return fmt.Errorf("insert plugin %s: %w", d.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert plugin %s: %w", d.Name, err)
	}
	if n == 0 {
		return plugin.ErrDuplicate
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert plugin %s: %w", d.Name, err)
	}
	d.Seq = seq
	return nil
}

// Update rewrites the row named d.Name. Seq is left unchanged.
func (t *PluginTable) Update(ctx context.Context, d plugin.Descriptor) error {
	e, err := encode(d)
	if err != nil {
		return err
	}
	_, err = t.db.ExecContext(ctx, `
		UPDATE plugins SET bindings = ?, handlers = ?, ui_modules = ?, config = ?
		WHERE name = ?
	`, e.bindings, e.handlers, e.modules, e.config, d.Name)
	if err != nil {
		return fmt.Errorf("update plugin %s: %w", d.Name, err)
	}
	return nil
}

func (t *PluginTable) Delete(ctx context.Context, f plugin.Filter) (int, error) {
	clause, args := where(f)
	res, err := t.db.ExecContext(ctx, `DELETE FROM plugins`+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("delete plugins: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete plugins: %w", err)
	}
	return int(n), nil
}

func (t *PluginTable) Count(ctx context.Context, f plugin.Filter) (int, error) {
	clause, args := where(f)
	var n int
	if err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plugins`+clause, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count plugins: %w", err)
	}
	return n, nil
}

func (t *PluginTable) Exists(ctx context.Context, f plugin.Filter) (bool, error) {
	n, err := t.Count(ctx, f)
	return n > 0, err
}
