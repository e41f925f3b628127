// Handles storage of captured HTTP responses, grouped in named generations
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidName is returned when a generation name cannot be used as a storage namespace
var ErrInvalidName = errors.New("invalid generation name")

// Storage holds every generation known to a backend.
// Implementations must be safe for concurrent use.
type Storage interface {
	// returns the generation with this name, creating it if it does not exist yet
	Open(ctx context.Context, name string) (Generation, error)
	// returns the generation with this name if it exists. Never creates it.
	Lookup(ctx context.Context, name string) (Generation, bool, error)
	// lists the names of all existing generations, sorted
	Names(ctx context.Context) ([]string, error)
	// removes a generation and all of its entries.
	// returns false, nil when no generation had that name
	Delete(ctx context.Context, name string) (bool, error)
	// releases backend resources (connections, file handles)
	Close() error
}

// Generation is a named collection of request key -> stored response
type Generation interface {
	Name() string
	// retrieves the entry stored under key.
	// returns nil, nil when not found
	Match(ctx context.Context, key string) (*Entry, error)
	// stores an entry, replacing any previous entry with the same key
	Put(ctx context.Context, key string, entry *Entry) error
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
