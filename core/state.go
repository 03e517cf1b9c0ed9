package core

import (
	"errors"
	"fmt"
	"math/bits"

	"go.uber.org/zap"

	"github.com/luukkk/subtensor/core/neuron"
	"github.com/luukkk/subtensor/core/storage"
)

var (
	// ErrInvalidWeights is returned by SetWeights for unknown or repeated targets.
	ErrInvalidWeights = errors.New("invalid weights")
	// ErrStakeOverflow is returned when a stake or a total would exceed u64.
	ErrStakeOverflow = errors.New("stake overflow")
)

// Snapshot is a consistent read of everything a block needs.
type Snapshot struct {
	Neurons   []*neuron.Neuron
	Registers storage.Registers
	Prune     map[uint32]struct{}
}

// State wraps a storage.Store with the participant-table operations. It does
// no locking of its own; Chain serializes every call.
type State struct {
	store storage.Store
	log   *zap.Logger
}

func NewState(store storage.Store, log *zap.Logger) *State {
	return &State{store: store, log: log.Named("state")}
}

// Snapshot reads registers, participants and the pruning set, and checks
// that uids are dense.
func (s *State) Snapshot() (*Snapshot, error) {
	regs, err := s.store.Registers()
	if err != nil {
		return nil, fmt.Errorf("read registers: %w", err)
	}
	neurons, err := s.store.Neurons()
	if err != nil {
		return nil, fmt.Errorf("read neurons: %w", err)
	}
	for i, n := range neurons {
		if n.UID != uint32(i) {
			return nil, fmt.Errorf("%w: position %d holds uid %d", ErrUIDLayout, i, n.UID)
		}
	}
	prune, err := s.store.PruneSet()
	if err != nil {
		return nil, fmt.Errorf("read prune set: %w", err)
	}
	return &Snapshot{Neurons: neurons, Registers: regs, Prune: prune}, nil
}

// Apply folds a step's totals into regs and writes the updated neurons, the
// pruning-set removals and regs in one transaction. Weights are not
// rewritten: the step never changes them.
func (s *State) Apply(out *StepOutput, regs *storage.Registers) error {
	issuance, carry := bits.Add64(regs.TotalIssuance, out.TotalEmission, 0)
	if carry != 0 {
		return fmt.Errorf("total issuance: %w", ErrStakeOverflow)
	}
	stake, carry := bits.Add64(regs.TotalStake, out.TotalEmission, 0)
	if carry != 0 {
		return fmt.Errorf("total stake: %w", ErrStakeOverflow)
	}
	regs.TotalIssuance = issuance
	regs.TotalStake = stake
	regs.TotalEmission = out.TotalEmission
	regs.TotalBondsPurchased = out.TotalBondsPurchased
	regs.LastMechanismStepBlock = out.Block

	cs := &storage.ChangeSet{
		Results:   out.Neurons,
		Registers: regs,
		Unprune:   out.Unprune,
	}
	if err := s.store.Commit(cs); err != nil {
		return fmt.Errorf("commit block %d: %w", out.Block, err)
	}
	return nil
}

// SaveRegisters writes regs on their own.
func (s *State) SaveRegisters(regs storage.Registers) error {
	return s.store.Commit(&storage.ChangeSet{Registers: &regs})
}

// Register appends n at the next free uid and counts the registration
// against the current block and interval. The assigned uid is returned.
func (s *State) Register(n *neuron.Neuron) (uint32, error) {
	neurons, err := s.store.Neurons()
	if err != nil {
		return 0, err
	}
	regs, err := s.store.Registers()
	if err != nil {
		return 0, err
	}
	total, carry := bits.Add64(regs.TotalStake, n.Stake, 0)
	if carry != 0 {
		return 0, fmt.Errorf("register: %w", ErrStakeOverflow)
	}

	rec := n.Clone()
	rec.UID = uint32(len(neurons))
	regs.TotalStake = total
	regs.RegistrationsThisBlock++
	regs.RegistrationsThisInterval++

	if err := s.store.Commit(&storage.ChangeSet{
		Neurons:   []*neuron.Neuron{rec},
		Registers: &regs,
	}); err != nil {
		return 0, fmt.Errorf("register uid %d: %w", rec.UID, err)
	}
	s.log.Info("registered", zap.Uint32("uid", rec.UID), zap.Uint64("stake", rec.Stake))
	return rec.UID, nil
}

// SchedulePrune marks uid for pruning. Its bond row is cleared, and bonds
// toward it are dropped, at the next mechanism step.
func (s *State) SchedulePrune(uid uint32) error {
	if _, err := s.store.Neuron(uid); err != nil {
		return fmt.Errorf("prune uid %d: %w", uid, err)
	}
	return s.store.Commit(&storage.ChangeSet{Prune: []uint32{uid}})
}

// SetWeights replaces uid's outgoing weights and marks it updated at block.
// Targets must be registered uids and appear at most once.
func (s *State) SetWeights(uid uint32, weights []neuron.Weight, block uint64) error {
	neurons, err := s.store.Neurons()
	if err != nil {
		return err
	}
	if int(uid) >= len(neurons) {
		return fmt.Errorf("set weights for uid %d: %w", uid, storage.ErrNotFound)
	}
	seen := make(map[uint32]struct{}, len(weights))
	for _, w := range weights {
		if int(w.UID) >= len(neurons) {
			return fmt.Errorf("%w: unknown target %d", ErrInvalidWeights, w.UID)
		}
		if _, dup := seen[w.UID]; dup {
			return fmt.Errorf("%w: target %d repeated", ErrInvalidWeights, w.UID)
		}
		seen[w.UID] = struct{}{}
	}

	n := neurons[uid]
	n.Weights = append([]neuron.Weight(nil), weights...)
	n.LastUpdate = block
	return s.store.Commit(&storage.ChangeSet{Neurons: []*neuron.Neuron{n}})
}

// AddStake credits amount to uid and to the total stake.
func (s *State) AddStake(uid uint32, amount uint64) error {
	n, err := s.store.Neuron(uid)
	if err != nil {
		return fmt.Errorf("add stake to uid %d: %w", uid, err)
	}
	regs, err := s.store.Registers()
	if err != nil {
		return err
	}
	stake, c1 := bits.Add64(n.Stake, amount, 0)
	total, c2 := bits.Add64(regs.TotalStake, amount, 0)
	if c1|c2 != 0 {
		return fmt.Errorf("add stake to uid %d: %w", uid, ErrStakeOverflow)
	}
	n.Stake = stake
	regs.TotalStake = total
	return s.store.Commit(&storage.ChangeSet{
		Neurons:   []*neuron.Neuron{n},
		Registers: &regs,
	})
}

// ResetBonds clears every participant's bond row.
func (s *State) ResetBonds() (int, error) {
	neurons, err := s.store.Neurons()
	if err != nil {
		return 0, err
	}
	for _, n := range neurons {
		n.Bonds = nil
	}
	if err := s.store.Commit(&storage.ChangeSet{Results: neurons}); err != nil {
		return 0, fmt.Errorf("reset bonds: %w", err)
	}
	return len(neurons), nil
}

// Neuron returns one participant.
func (s *State) Neuron(uid uint32) (*neuron.Neuron, error) {
	return s.store.Neuron(uid)
}

// Registers returns the committed registers.
func (s *State) Registers() (storage.Registers, error) {
	return s.store.Registers()
}
