package core

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"

	"github.com/luukkk/subtensor/core/neuron"
	"github.com/luukkk/subtensor/core/storage"
)

var (
	neuronPrefix  = []byte("neuron:")
	weightsPrefix = []byte("weights:")
	prunePrefix   = []byte("prune:")
	registersKey  = []byte("chain:registers")
)

// DefaultMemTableMiB sizes the memtable. Badger caps one transaction at 15%
// of it, and a mechanism step commits every participant's state and bonds
// (84 bytes plus 12 per bond) in one transaction: 256 MiB leaves room for
// about three million bonds.
const DefaultMemTableMiB = 256

// BadgerStore persists the participant table, the pruning set and the global
// registers. It implements storage.Store; every Commit is one transaction.
//
// A participant is stored under two keys: its state (every field but the
// weights, with its bond row) and its weights. A step rewrites only the
// former.
type BadgerStore struct {
	db *badger.DB
}

func OpenBadgerStore(dataDir string) (*BadgerStore, error) {
	return OpenBadgerStoreSized(dataDir, DefaultMemTableMiB)
}

// OpenBadgerStoreSized opens the store with a memtable of memTableMiB.
func OpenBadgerStoreSized(dataDir string, memTableMiB int64) (*BadgerStore, error) {
	dbPath := filepath.Join(dataDir, "badger")
	return openBadger(badger.DefaultOptions(dbPath), memTableMiB)
}

// OpenInMemoryBadgerStore is used by tests and dry runs.
func OpenInMemoryBadgerStore() (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true), DefaultMemTableMiB)
}

func openBadger(opts badger.Options, memTableMiB int64) (*BadgerStore, error) {
	if memTableMiB <= 0 {
		memTableMiB = DefaultMemTableMiB
	}
	db, err := badger.Open(opts.WithMemTableSize(memTableMiB << 20).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func uidKey(prefix []byte, uid uint32) []byte {
	key := make([]byte, len(prefix)+4)
	copy(key, prefix)
	binary.BigEndian.PutUint32(key[len(prefix):], uid)
	return key
}

// Neurons returns every stored neuron in uid order (keys are big-endian).
func (s *BadgerStore) Neurons() ([]*neuron.Neuron, error) {
	var out []*neuron.Neuron
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = neuronPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var n *neuron.Neuron
			err := it.Item().Value(func(val []byte) error {
				var err error
				n, err = neuron.DecodeState(val)
				return err
			})
			if err != nil {
				return fmt.Errorf("decode %x: %w", it.Item().Key(), err)
			}
			if n.Weights, err = loadWeights(txn, n.UID); err != nil {
				return err
			}
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Neuron(uid uint32) (*neuron.Neuron, error) {
	var n *neuron.Neuron
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(uidKey(neuronPrefix, uid))
		if err != nil {
			return err
		}
		err = item.Value(func(val []byte) error {
			n, err = neuron.DecodeState(val)
			return err
		})
		if err != nil {
			return err
		}
		n.Weights, err = loadWeights(txn, uid)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// loadWeights returns nil when uid never set weights.
func loadWeights(txn *badger.Txn, uid uint32) ([]neuron.Weight, error) {
	item, err := txn.Get(uidKey(weightsPrefix, uid))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var weights []neuron.Weight
	err = item.Value(func(val []byte) error {
		weights, err = neuron.DecodeWeights(val)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("weights of uid %d: %w", uid, err)
	}
	return weights, nil
}

// Registers returns the zero value on a fresh database.
func (s *BadgerStore) Registers() (storage.Registers, error) {
	var regs storage.Registers
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(registersKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &regs)
		})
	})
	return regs, err
}

func (s *BadgerStore) PruneSet() (map[uint32]struct{}, error) {
	set := make(map[uint32]struct{})
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prunePrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			set[binary.BigEndian.Uint32(key[len(prunePrefix):])] = struct{}{}
		}
		return nil
	})
	return set, err
}

// Commit applies cs in a single transaction. A change set larger than one
// badger transaction fails with badger.ErrTxnTooBig and writes nothing; see
// DefaultMemTableMiB.
func (s *BadgerStore) Commit(cs *storage.ChangeSet) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, n := range cs.Neurons {
			if err := txn.Set(uidKey(neuronPrefix, n.UID), n.AppendState(nil)); err != nil {
				return err
			}
			if err := txn.Set(uidKey(weightsPrefix, n.UID), n.AppendWeights(nil)); err != nil {
				return err
			}
		}
		for _, n := range cs.Results {
			if err := txn.Set(uidKey(neuronPrefix, n.UID), n.AppendState(nil)); err != nil {
				return err
			}
		}
		if cs.Registers != nil {
			val, err := json.Marshal(cs.Registers)
			if err != nil {
				return err
			}
			if err := txn.Set(registersKey, val); err != nil {
				return err
			}
		}
		for _, uid := range cs.Prune {
			if err := txn.Set(uidKey(prunePrefix, uid), []byte{}); err != nil {
				return err
			}
		}
		for _, uid := range cs.Unprune {
			err := txn.Delete(uidKey(prunePrefix, uid))
			if err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
