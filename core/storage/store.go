// Package storage is the key-value view the consensus core reads its
// participant table and global registers from, and commits results to.
package storage

import (
	"errors"

	"github.com/luukkk/subtensor/core/neuron"
)

// ErrNotFound is returned when a neuron uid is absent.
var ErrNotFound = errors.New("not found")

// Registers are the process-wide counters. They are read and written at most
// once per block by the difficulty controller and the mechanism step.
type Registers struct {
	TotalStake                    uint64 `json:"totalStake"`
	TotalIssuance                 uint64 `json:"totalIssuance"`
	TotalEmission                 uint64 `json:"totalEmission"`
	TotalBondsPurchased           uint64 `json:"totalBondsPurchased"`
	Difficulty                    uint64 `json:"difficulty"`
	LastDifficultyAdjustmentBlock uint64 `json:"lastDifficultyAdjustmentBlock"`
	RegistrationsThisInterval     uint64 `json:"registrationsThisInterval"`
	RegistrationsThisBlock        uint64 `json:"registrationsThisBlock"`
	LastMechanismStepBlock        uint64 `json:"lastMechanismStepBlock"`
}

// ChangeSet is applied atomically by Commit: either every write lands or
// none does.
type ChangeSet struct {
	// Neurons are written whole, weights included.
	Neurons []*neuron.Neuron
	// Results overwrite every field except the weights, which stay as
	// stored. A mechanism step commits through Results so the per-block
	// write is proportional to participants plus bonds.
	Results   []*neuron.Neuron
	Registers *Registers
	// Prune adds uids to the pruning set; Unprune removes them.
	Prune   []uint32
	Unprune []uint32
}

// Reader is the read-only view the mechanism step needs.
type Reader interface {
	// Neurons returns every participant ordered by uid.
	Neurons() ([]*neuron.Neuron, error)
	Neuron(uid uint32) (*neuron.Neuron, error)
	Registers() (Registers, error)
	// PruneSet returns the uids scheduled for pruning.
	PruneSet() (map[uint32]struct{}, error)
}

// Store is a Reader that can commit change sets.
type Store interface {
	Reader
	Commit(cs *ChangeSet) error
	Close() error
}
