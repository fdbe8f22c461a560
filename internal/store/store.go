// Package store is the on-device key/value database. Settings and
// credentials survive restarts here; values are CBOR so callers read
// and write typed Go values, not strings.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/roverlink/roverlink/internal/wire"
)

const schema = `CREATE TABLE IF NOT EXISTS key_value_store (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`

// KV is a small persistent key/value store backed by SQLite. Puts are
// synchronous: when Put returns, the value is on disk. Safe for
// concurrent use.
type KV struct {
	pool *sqlitex.Pool
	path string
}

// Open creates or opens the database at path, creating missing parent
// directories.
func Open(path string) (*KV, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: 2,
		PrepareConn: func(conn *sqlite.Conn) error {
			pragmas := []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=FULL",
				"PRAGMA busy_timeout=5000",
			}
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("store: %s: %w", pragma, err)
				}
			}
			return sqlitex.ExecuteTransient(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("key/value store opened")
	return &KV{pool: pool, path: path}, nil
}

// Get reads the value stored under key into out. Returns false with a
// nil error when the key is absent, so callers apply their default.
func (kv *KV) Get(ctx context.Context, key string, out any) (bool, error) {
	conn, err := kv.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: get %q: %w", key, err)
	}
	defer kv.pool.Put(conn)

	var blob []byte
	err = sqlitex.Execute(conn,
		"SELECT value FROM key_value_store WHERE key = ?",
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("store: get %q: %w", key, err)
	}
	if blob == nil {
		return false, nil
	}
	if err := wire.Unmarshal(blob, out); err != nil {
		return false, fmt.Errorf("store: decode %q: %w", key, err)
	}
	return true, nil
}

// Put stores value under key, replacing any previous value. The write
// is durable when Put returns.
func (kv *KV) Put(ctx context.Context, key string, value any) error {
	blob, err := wire.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %q: %w", key, err)
	}
	conn, err := kv.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: put %q: %w", key, err)
	}
	defer kv.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO key_value_store (key, value) VALUES (?, ?) "+
			"ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		&sqlitex.ExecOptions{Args: []any{key, blob}})
	if err != nil {
		return fmt.Errorf("store: put %q: %w", key, err)
	}
	return nil
}

// Delete removes key if present.
func (kv *KV) Delete(ctx context.Context, key string) error {
	conn, err := kv.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	defer kv.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM key_value_store WHERE key = ?",
		&sqlitex.ExecOptions{Args: []any{key}})
	if err != nil {
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	return nil
}

// Close releases the pool. Blocks until borrowed connections return.
func (kv *KV) Close() error {
	if err := kv.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", kv.path, err)
	}
	return nil
}
