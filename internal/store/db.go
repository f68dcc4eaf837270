package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_blobs (
	name       TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

type dialect struct {
	name   string
	lock   string // serializes writers of one key inside a transaction; empty when the tx itself is exclusive
	get    string
	upsert string
	delete string
}

var postgresDialect = dialect{
	name: "postgres",
	lock: `SELECT pg_advisory_xact_lock(hashtext($1))`,
	get:  `SELECT value FROM kv_blobs WHERE name = $1`,
	upsert: `INSERT INTO kv_blobs (name, value, updated_at) VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = CURRENT_TIMESTAMP`,
	delete: `DELETE FROM kv_blobs WHERE name = $1`,
}

var sqliteDialect = dialect{
	name: "sqlite",
	get:  `SELECT value FROM kv_blobs WHERE name = ?`,
	upsert: `INSERT INTO kv_blobs (name, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
	delete: `DELETE FROM kv_blobs WHERE name = ?`,
}

// DB keeps every key as a row of a single table.
type DB struct {
	Client  *sql.DB
	dialect dialect
}

// NewPostgres connects through the pgx stdlib driver and ensures the schema.
func NewPostgres(ctx context.Context, connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return initDB(ctx, db, postgresDialect)
}

// NewSQLite opens a SQLite file. Transactions start IMMEDIATE so the writer lock
// is taken before the read of a read-modify-write.
func NewSQLite(ctx context.Context, path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	return initDB(ctx, db, sqliteDialect)
}

func initDB(ctx context.Context, db *sql.DB, d dialect) (*DB, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", d.name, err)
	}
	return &DB{Client: db, dialect: d}, nil
}

func (d *DB) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := d.Client.QueryRowContext(ctx, d.dialect.get, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (d *DB) Update(ctx context.Context, key string, fn UpdateFunc) (err error) {
	tx, err := d.Client.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if d.dialect.lock != "" {
		if _, err = tx.ExecContext(ctx, d.dialect.lock, key); err != nil {
			return fmt.Errorf("lock %s: %w", key, err)
		}
	}
	var old string
	found := true
	if err = tx.QueryRowContext(ctx, d.dialect.get, key).Scan(&old); errors.Is(err, sql.ErrNoRows) {
		found, err = false, nil
	}
	if err != nil {
		return err
	}
	next, err := fn(old, found)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, d.dialect.upsert, key, next); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) Delete(ctx context.Context, key string) error {
	_, err := d.Client.ExecContext(ctx, d.dialect.delete, key)
	return err
}

func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.Client == nil {
		return errors.New("db not configured")
	}
	return d.Client.PingContext(ctx)
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
