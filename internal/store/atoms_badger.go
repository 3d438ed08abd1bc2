package store

import (
	"context"
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/gatefeed/pipeline-core/internal/pipeline"
)

// BadgerAtomStore implements pipeline.AtomStore on a local badger database so
// atoms survive process restarts without a round trip to Postgres. Save
// replaces a pipeline's atoms wholesale: the old keys are dropped in the same
// update as the new writes, so readers never observe a partial replacement.
type BadgerAtomStore struct {
	db *badger.DB
}

var _ pipeline.AtomStore = (*BadgerAtomStore)(nil)

// OpenBadgerAtomStore opens (or creates) the atom database at dir.
func OpenBadgerAtomStore(dir string) (*BadgerAtomStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open atom store: %w", err)
	}
	return &BadgerAtomStore{db: db}, nil
}

// NewBadgerAtomStoreWithDB wraps an already-open database (used by tests with
// in-memory badger).
func NewBadgerAtomStoreWithDB(db *badger.DB) *BadgerAtomStore {
	return &BadgerAtomStore{db: db}
}

func atomPrefix(pipelineID string) []byte {
	return []byte("atom/" + pipelineID + "/")
}

// Save replaces all atoms for the pipeline.
func (s *BadgerAtomStore) Save(ctx context.Context, pipelineID string, atoms []pipeline.Atom) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := atomPrefix(pipelineID)
	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for _, atom := range atoms {
			raw, err := json.Marshal(atom)
			if err != nil {
				return fmt.Errorf("encode atom %s: %w", atom.ID, err)
			}
			if err := txn.Set(append(atomPrefix(pipelineID), atom.ID...), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns all atoms for the pipeline.
func (s *BadgerAtomStore) Load(ctx context.Context, pipelineID string) ([]pipeline.Atom, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var atoms []pipeline.Atom
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         atomPrefix(pipelineID),
			PrefetchValues: true,
			PrefetchSize:   100,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var atom pipeline.Atom
				if err := json.Unmarshal(val, &atom); err != nil {
					return fmt.Errorf("decode atom: %w", err)
				}
				atoms = append(atoms, atom)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return atoms, err
}

// Clear removes all atoms for the pipeline.
func (s *BadgerAtomStore) Clear(ctx context.Context, pipelineID string) error {
	return s.Save(ctx, pipelineID, nil)
}

// Close closes the underlying database.
func (s *BadgerAtomStore) Close() error {
	return s.db.Close()
}
