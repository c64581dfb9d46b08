// Package expiry holds the entity store and the sweeper that purges
// time-expired entries from it.
package expiry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("expiry: entry not found")

// Entry is one stored entity. A zero ExpiresAt never expires.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt,omitzero"`
}

// Expired reports whether e is expired at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store persists entries. Expired entries are invisible to Get and List but
// stay stored until PurgeExpired removes them.
type Store interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, key string, now time.Time) (Entry, error)
	List(ctx context.Context, now time.Time) ([]Entry, error)
	Delete(ctx context.Context, key string) error
	// PurgeExpired removes every entry expired at now and returns the
	// removed keys in ascending order.
	PurgeExpired(ctx context.Context, now time.Time) ([]string, error)
	Close() error
}

// Store backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// StoreConfig selects and configures a store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend" validate:"omitempty,oneof=memory badger"`
	// Path is the badger directory. Empty runs badger in in-memory mode.
	Path string `mapstructure:"path" yaml:"path"`
}

// Open builds the store described by cfg.
func Open(cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendBadger:
		return OpenBadgerStore(cfg.Path)
	default:
		return nil, fmt.Errorf("expiry: unknown store backend %q", cfg.Backend)
	}
}
