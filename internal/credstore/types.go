package credstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Load when no record exists.
	ErrNotFound = errors.New("credentials not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("credential store closed")
)

// Config configures the credential store.
//
// Driver values: "file" (default), "sqlite", "bolt", "redis".
// Path is a directory for "file" and a database file for "sqlite"/"bolt".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Passphrase enables sealing when non-empty.
	Passphrase string
	// ScryptWorkFactor is log2 of the scrypt cost; 0 means age's default.
	ScryptWorkFactor int
}

type Store interface {
	// Load returns the stored blob or ErrNotFound.
	Load(ctx context.Context, name string) ([]byte, error)
	// Save replaces the stored blob.
	Save(ctx context.Context, name string, data []byte) error
	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, name string) error
	Close() error
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("session name is required")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", errors.New("invalid session name: " + name)
	}
	return name, nil
}
