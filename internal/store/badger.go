package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// ============================================================================
// Key layout
// ============================================================================
//
//	gen/<name>            -> empty marker, one per generation
//	ent/<name>/<fp>       -> encoded StoredResponse
//
// Generation names never contain '/', so a generation's entries are exactly
// the keys under "ent/<name>/". Deletion scans that prefix and removes the
// keys in one write batch together with the marker.

const (
	prefixGeneration = "gen/"
	prefixEntry      = "ent/"
)

func keyGeneration(name string) []byte { return []byte(prefixGeneration + name) }

func keyEntryPrefix(name string) []byte { return []byte(prefixEntry + name + "/") }

func keyEntry(name string, fp Fingerprint) []byte {
	return []byte(prefixEntry + name + "/" + string(fp))
}

// BadgerStore keeps generations in an embedded BadgerDB, which gives the
// device-local durability an installed gateway needs across restarts.
type BadgerStore struct {
	db *badger.DB
}

type BadgerConfig struct {
	// Dir is the database directory. Empty runs Badger fully in memory.
	Dir string
}

// OpenBadgerStore opens (or creates) the database described by cfg.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Open(ctx context.Context, name string) (Generation, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyGeneration(name), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("badger open generation %s: %w", name, err)
	}
	return &badgerGeneration{store: s, name: name}, nil
}

func (s *BadgerStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateName(name); err != nil {
		return err
	}

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = keyEntryPrefix(name)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger scan entries of %s: %w", name, err)
	}

	wb := s.db.NewWriteBatch()
	for _, k := range append(keys, keyGeneration(name)) {
		if err := wb.Delete(k); err != nil {
			wb.Cancel()
			return fmt.Errorf("badger delete generation %s: %w", name, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger delete generation %s: %w", name, err)
	}
	return nil
}

func (s *BadgerStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixGeneration)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			key := string(it.Item().Key())
			names = append(names, strings.TrimPrefix(key, prefixGeneration))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list generations: %w", err)
	}

	sort.Strings(names)
	return names, nil
}

type badgerGeneration struct {
	store *BadgerStore
	name  string
}

func (g *badgerGeneration) Name() string { return g.name }

func (g *badgerGeneration) Match(ctx context.Context, fp Fingerprint) (*StoredResponse, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var data []byte
	err := g.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyEntry(g.name, fp))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger match: %w", err)
	}

	resp, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return resp, true, nil
}

func (g *badgerGeneration) Put(ctx context.Context, fp Fingerprint, resp *StoredResponse) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encode(resp)
	if err != nil {
		return err
	}

	err = g.store.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(keyGeneration(g.name)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrGenerationRetired
			}
			return err
		}
		return txn.Set(keyEntry(g.name, fp), data)
	})
	if errors.Is(err, ErrGenerationRetired) {
		return err
	}
	if err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}
