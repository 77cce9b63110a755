package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Marker is one versioned key in the instance marker store.
type Marker struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Markers is a small key-value store with compare-and-swap, shared by every
// agent process on the machine.
type Markers struct {
	db    *sql.DB
	hooks dbHooks
}

// MarkersPath returns the marker database path inside a CASCADE_HOME.
func MarkersPath(home string) string {
	return filepath.Join(home, "instances.db")
}

// OpenMarkers opens (creating if needed) the marker database at path.
func OpenMarkers(path string) (*Markers, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("markers: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS markers (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		version    INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("markers: migration: %w", err)
	}
	return &Markers{db: db}, nil
}

// Close releases the database.
func (m *Markers) Close() error { return m.db.Close() }

func (m *Markers) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := WithRetry(ctx, 3, 25*time.Millisecond, func() error {
		var err error
		if m.hooks.exec != nil {
			res, err = m.hooks.exec(ctx, m.db, query, args...)
		} else {
			res, err = m.db.ExecContext(ctx, query, args...)
		}
		return err
	})
	return res, err
}

// Get returns the marker stored under key.
func (m *Markers) Get(ctx context.Context, key string) (Marker, error) {
	var (
		mk      Marker
		updated string
	)
	err := m.db.QueryRowContext(ctx, `SELECT key, value, version, updated_at FROM markers WHERE key = ?`, key).
		Scan(&mk.Key, &mk.Value, &mk.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Marker{}, fmt.Errorf("markers: %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return Marker{}, fmt.Errorf("markers: get: %w", err)
	}
	mk.UpdatedAt = parseTime(updated)
	return mk, nil
}

// Put creates key at version 1. An existing key yields ErrDuplicate.
func (m *Markers) Put(ctx context.Context, key, value string) (Marker, error) {
	now := timeNow()
	_, err := m.exec(ctx, `INSERT INTO markers (key, value, version, updated_at) VALUES (?, ?, 1, ?)`,
		key, value, fmtTime(now))
	if isUniqueViolation(err) {
		return Marker{}, fmt.Errorf("markers: %s: %w", key, ErrDuplicate)
	}
	if err != nil {
		return Marker{}, fmt.Errorf("markers: put: %w", err)
	}
	return Marker{Key: key, Value: value, Version: 1, UpdatedAt: now}, nil
}

// CompareAndSwap replaces the value of key only if its version is still
// version. A stale version yields ErrConflict; a missing key ErrNotFound.
func (m *Markers) CompareAndSwap(ctx context.Context, key string, version int64, value string) (Marker, error) {
	now := timeNow()
	res, err := m.exec(ctx,
		`UPDATE markers SET value = ?, version = version + 1, updated_at = ? WHERE key = ? AND version = ?`,
		value, fmtTime(now), key, version)
	if err != nil {
		return Marker{}, fmt.Errorf("markers: swap: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := m.Get(ctx, key); err != nil {
			return Marker{}, err
		}
		return Marker{}, fmt.Errorf("markers: %s at version %d: %w", key, version, ErrConflict)
	}
	return Marker{Key: key, Value: value, Version: version + 1, UpdatedAt: now}, nil
}

// Set writes value under key whether or not it exists, using Put and
// CompareAndSwap so a concurrent writer is never silently overwritten
// mid-update.
func (m *Markers) Set(ctx context.Context, key, value string) (Marker, error) {
	for range 5 {
		cur, err := m.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			mk, err := m.Put(ctx, key, value)
			if errors.Is(err, ErrDuplicate) {
				continue
			}
			return mk, err
		}
		if err != nil {
			return Marker{}, err
		}
		mk, err := m.CompareAndSwap(ctx, key, cur.Version, value)
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			continue
		}
		return mk, err
	}
	return Marker{}, fmt.Errorf("markers: %s: %w", key, ErrConflict)
}

// Delete removes key if its version is still version.
func (m *Markers) Delete(ctx context.Context, key string, version int64) error {
	res, err := m.exec(ctx, `DELETE FROM markers WHERE key = ? AND version = ?`, key, version)
	if err != nil {
		return fmt.Errorf("markers: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := m.Get(ctx, key); err != nil {
			return err
		}
		return fmt.Errorf("markers: %s at version %d: %w", key, version, ErrConflict)
	}
	return nil
}

// List returns every marker whose key starts with prefix, in key order.
func (m *Markers) List(ctx context.Context, prefix string) ([]Marker, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT key, value, version, updated_at FROM markers WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("markers: list: %w", err)
	}
	defer rows.Close()

	var out []Marker
	for rows.Next() {
		var (
			mk      Marker
			updated string
		)
		if err := rows.Scan(&mk.Key, &mk.Value, &mk.Version, &updated); err != nil {
			return nil, fmt.Errorf("markers: scan: %w", err)
		}
		mk.UpdatedAt = parseTime(updated)
		out = append(out, mk)
	}
	return out, rows.Err()
}
