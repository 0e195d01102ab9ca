package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidGeneration is returned for generation names that are empty or
	// contain characters outside [A-Za-z0-9._-].
	ErrInvalidGeneration = errors.New("store: invalid generation name")

	// ErrGenerationRetired is returned by Put on a generation that is being
	// (or has been) deleted by a cutover.
	ErrGenerationRetired = errors.New("store: generation retired")
)

var generationName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateName reports whether name can be used as a generation name.
func ValidateName(name string) error {
	if !generationName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidGeneration, name)
	}
	return nil
}

// Store is a set of named, versioned partitions (generations) of cached
// responses. Implemented by the memory, redis and badger backends.
type Store interface {
	// Open creates the generation if needed and returns a handle to it.
	Open(ctx context.Context, name string) (Generation, error)
	// Delete removes a generation and all of its entries.
	Delete(ctx context.Context, name string) error
	// List returns the names of all generations, sorted.
	List(ctx context.Context) ([]string, error)
}

// Generation is a handle to a single partition.
type Generation interface {
	Name() string
	// Match looks up a stored response. A miss is (nil, false, nil).
	Match(ctx context.Context, fp Fingerprint) (*StoredResponse, bool, error)
	// Put stores resp under fp, replacing any previous entry.
	Put(ctx context.Context, fp Fingerprint, resp *StoredResponse) error
}
