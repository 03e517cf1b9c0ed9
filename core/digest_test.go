package core

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luukkk/subtensor/core/neuron"
	"github.com/luukkk/subtensor/core/storage"
)

func TestDigestStable(t *testing.T) {
	neurons := []*neuron.Neuron{
		{UID: 0, Stake: 10, Weights: []neuron.Weight{{UID: 1, Value: 5}}},
		{UID: 1, Stake: 20, Bonds: []neuron.Bond{{UID: 0, Amount: 3}}},
	}
	regs := storage.Registers{TotalStake: 30, Difficulty: 7}

	a := Digest(neurons, regs)
	b := Digest([]*neuron.Neuron{neurons[0].Clone(), neurons[1].Clone()}, regs)
	require.Equal(t, a, b)
	require.NotEqual(t, [32]byte{}, a)
}

func TestDigestSensitivity(t *testing.T) {
	base := func() ([]*neuron.Neuron, storage.Registers) {
		return []*neuron.Neuron{
			{UID: 0, Stake: 10, Bonds: []neuron.Bond{{UID: 1, Amount: 3}}},
			{UID: 1, Stake: 20},
		}, storage.Registers{TotalStake: 30}
	}
	ref := Digest(base())

	n, r := base()
	n[0].Bonds[0].Amount++
	require.NotEqual(t, ref, Digest(n, r), "bond amount")

	n, r = base()
	n[1].Emission = 1
	require.NotEqual(t, ref, Digest(n, r), "emission")

	n, r = base()
	r.LastMechanismStepBlock = 1
	require.NotEqual(t, ref, Digest(n, r), "registers")

	// Moving a bond to a weight must not collide.
	n, r = base()
	n[0].Bonds = nil
	n[0].Weights = []neuron.Weight{{UID: 1, Value: 3}}
	require.NotEqual(t, ref, Digest(n, r), "bond moved to weights")
}
