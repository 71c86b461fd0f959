// Package storage provides the key-value persistence the chat history is written to.
package storage

import (
	"errors"
	"fmt"

	"VLabAssist/internal/config"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

// KV is a string key-value store. Save replaces the whole value for a key.
type KV interface {
	// Load returns the value stored under key; ok is false when nothing is stored
	Load(key string) (value string, ok bool, err error)

	// Save stores value under key, replacing any previous value
	Save(key, value string) error

	// Clear removes key. Clearing a missing key is not an error.
	Clear(key string) error

	// Close releases the underlying resources
	Close() error
}

// Open creates the KV selected by cfg
func Open(cfg config.StorageConfig) (KV, error) {
	switch cfg.Driver {
	case config.StorageSQLite:
		db, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.StorageFile:
		fkv, err := NewFileKV(cfg.Path)
		if err != nil {
			return nil, err
		}
		return fkv, nil
	case config.StorageMemory:
		return NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
}
