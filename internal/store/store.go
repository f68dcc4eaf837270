package store

import (
	"context"
	"errors"
	"fmt"
)

// UpdateFunc receives the current value of a key (found is false when the key is absent)
// and returns the value to store. Returning an error aborts the write.
type UpdateFunc func(old string, found bool) (string, error)

// Backend is a key-value store of text blobs.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	// Update runs fn and stores its result as one atomic read-modify-write.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("store: unknown backend")

// Options selects and configures a backend.
type Options struct {
	Backend     string
	DatabaseURL string
	SQLitePath  string
	FilePath    string
	RedisAddr   string
	RedisPrefix string
}

// Open returns the backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return NewFile(opts.FilePath)
	case "redis":
		r := NewRedis(opts.RedisAddr, opts.RedisPrefix)
		if err := r.Ping(ctx); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("redis %s: %w", opts.RedisAddr, err)
		}
		return r, nil
	case "postgres":
		return NewPostgres(ctx, opts.DatabaseURL)
	case "sqlite":
		return NewSQLite(ctx, opts.SQLitePath)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
}
