package core

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/luukkk/subtensor/core/neuron"
	"github.com/luukkk/subtensor/core/storage"
)

func TestRegisterAssignsDenseUIDs(t *testing.T) {
	s := NewState(storage.NewMemStore(), zaptest.NewLogger(t))

	for want := uint32(0); want < 3; want++ {
		uid, err := s.Register(&neuron.Neuron{UID: 99, Stake: 10})
		require.NoError(t, err)
		require.Equal(t, want, uid)
	}

	regs, err := s.Registers()
	require.NoError(t, err)
	require.Equal(t, uint64(30), regs.TotalStake)
	require.Equal(t, uint64(3), regs.RegistrationsThisBlock)
	require.Equal(t, uint64(3), regs.RegistrationsThisInterval)

	snap, err := s.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.Neurons, 3)
}

func TestSnapshotRejectsGaps(t *testing.T) {
	store := storage.NewMemStore()
	require.NoError(t, store.Commit(&storage.ChangeSet{
		Neurons: []*neuron.Neuron{{UID: 0}, {UID: 2}},
	}))
	s := NewState(store, zaptest.NewLogger(t))

	_, err := s.Snapshot()
	require.ErrorIs(t, err, ErrUIDLayout)
}

func TestSetWeights(t *testing.T) {
	s := NewState(storage.NewMemStore(), zaptest.NewLogger(t))
	for i := 0; i < 2; i++ {
		_, err := s.Register(&neuron.Neuron{})
		require.NoError(t, err)
	}

	err := s.SetWeights(0, []neuron.Weight{{UID: 2, Value: 1}}, 5)
	require.ErrorIs(t, err, ErrInvalidWeights)

	err = s.SetWeights(0, []neuron.Weight{{UID: 1, Value: 1}, {UID: 1, Value: 2}}, 5)
	require.ErrorIs(t, err, ErrInvalidWeights)

	err = s.SetWeights(4, nil, 5)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.SetWeights(0, []neuron.Weight{{UID: 1, Value: 7}}, 5))
	n, err := s.Neuron(0)
	require.NoError(t, err)
	require.Equal(t, []neuron.Weight{{UID: 1, Value: 7}}, n.Weights)
	require.Equal(t, uint64(5), n.LastUpdate)
}

func TestAddStake(t *testing.T) {
	s := NewState(storage.NewMemStore(), zaptest.NewLogger(t))
	_, err := s.Register(&neuron.Neuron{Stake: 5})
	require.NoError(t, err)

	require.NoError(t, s.AddStake(0, 10))
	n, err := s.Neuron(0)
	require.NoError(t, err)
	require.Equal(t, uint64(15), n.Stake)

	require.ErrorIs(t, s.AddStake(0, math.MaxUint64), ErrStakeOverflow)
	require.ErrorIs(t, s.AddStake(3, 1), storage.ErrNotFound)

	regs, err := s.Registers()
	require.NoError(t, err)
	require.Equal(t, uint64(15), regs.TotalStake)
}

func TestSchedulePrune(t *testing.T) {
	store := storage.NewMemStore()
	s := NewState(store, zaptest.NewLogger(t))
	_, err := s.Register(&neuron.Neuron{})
	require.NoError(t, err)

	require.ErrorIs(t, s.SchedulePrune(1), storage.ErrNotFound)
	require.NoError(t, s.SchedulePrune(0))

	set, err := store.PruneSet()
	require.NoError(t, err)
	require.Contains(t, set, uint32(0))
}

func TestApplyFoldsTotals(t *testing.T) {
	store := storage.NewMemStore()
	s := NewState(store, zaptest.NewLogger(t))
	require.NoError(t, store.Commit(&storage.ChangeSet{Prune: []uint32{0}}))

	regs := storage.Registers{TotalStake: 100, TotalIssuance: 40}
	out := &StepOutput{
		Block:               9,
		Neurons:             []*neuron.Neuron{{UID: 0, Stake: 60, Emission: 60}},
		TotalEmission:       60,
		TotalBondsPurchased: 3,
		Unprune:             []uint32{0},
	}
	require.NoError(t, s.Apply(out, &regs))

	got, err := store.Registers()
	require.NoError(t, err)
	require.Equal(t, storage.Registers{
		TotalStake:             160,
		TotalIssuance:          100,
		TotalEmission:          60,
		TotalBondsPurchased:    3,
		LastMechanismStepBlock: 9,
	}, got)

	set, err := store.PruneSet()
	require.NoError(t, err)
	require.Empty(t, set)
}
