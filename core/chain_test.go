package core

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/luukkk/subtensor/core/config"
	"github.com/luukkk/subtensor/core/fixed"
	"github.com/luukkk/subtensor/core/neuron"
	"github.com/luukkk/subtensor/core/storage"
)

func newTestChain(t *testing.T, p config.Params, store storage.Store) *Chain {
	t.Helper()
	c, err := NewChain(p, store, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

// seed registers three participants; 0 holds all stake and weights only 1.
func seed(t *testing.T, c *Chain, block uint64) {
	t.Helper()
	for _, stake := range []uint64{1000, 0, 0} {
		_, err := c.Register(&neuron.Neuron{Stake: stake})
		require.NoError(t, err)
	}
	require.NoError(t, c.SetWeights(0, []neuron.Weight{
		{UID: 1, Value: math.MaxUint32},
		{UID: 2, Value: 0},
	}, block))
}

func TestNewChainSeedsDifficulty(t *testing.T) {
	p := config.Default()
	store := storage.NewMemStore()
	c := newTestChain(t, p, store)

	regs, err := c.Registers()
	require.NoError(t, err)
	require.Equal(t, p.InitialDifficulty, regs.Difficulty)

	// A second chain over the same store keeps what is there.
	regs.Difficulty = 77
	require.NoError(t, store.Commit(&storage.ChangeSet{Registers: &regs}))
	c = newTestChain(t, p, store)
	regs, err = c.Registers()
	require.NoError(t, err)
	require.Equal(t, uint64(77), regs.Difficulty)
}

func TestNewChainRejectsInvalidParams(t *testing.T) {
	p := config.Default()
	p.Kappa = 0
	_, err := NewChain(p, storage.NewMemStore(), zaptest.NewLogger(t))
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestNewChainRejectsZeroMinDifficulty(t *testing.T) {
	p := config.Default()
	p.MinDifficulty = 0
	_, err := NewChain(p, storage.NewMemStore(), zaptest.NewLogger(t))
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestNewChainKeepsFloorDifficulty(t *testing.T) {
	p := config.Default()
	p.InitialDifficulty = 2
	p.MinDifficulty = 1
	p.AdjustmentInterval = 1
	store := storage.NewMemStore()
	c := newTestChain(t, p, store)

	report, err := c.ProcessBlock(context.Background(), 1, testEmission)
	require.NoError(t, err)
	require.True(t, report.Retargeted)
	require.Equal(t, uint64(1), report.Difficulty)

	// Restarting over the same store must not reseed the genesis difficulty.
	c = newTestChain(t, p, store)
	regs, err := c.Registers()
	require.NoError(t, err)
	require.Equal(t, uint64(1), regs.Difficulty)
	require.Equal(t, uint64(1), regs.LastMechanismStepBlock)
}

func TestProcessBlockRejectsGenesis(t *testing.T) {
	store := storage.NewMemStore()
	c := newTestChain(t, config.Default(), store)
	seed(t, c, 0)
	before, err := store.Registers()
	require.NoError(t, err)

	_, err = c.ProcessBlock(context.Background(), 0, testEmission)
	require.ErrorIs(t, err, ErrGenesisBlock)

	after, err := store.Registers()
	require.NoError(t, err)
	require.Equal(t, before, after)
	n1, err := c.Neuron(1)
	require.NoError(t, err)
	require.Zero(t, n1.Stake)

	_, err = c.ProcessBlock(context.Background(), 1, testEmission)
	require.NoError(t, err)
	_, err = c.ProcessBlock(context.Background(), 1, testEmission)
	require.ErrorIs(t, err, ErrBlockReplayed)
}

func TestProcessBlockCommits(t *testing.T) {
	store := storage.NewMemStore()
	c := newTestChain(t, config.Default(), store)
	seed(t, c, 1)
	reports := c.Subscribe()

	report, err := c.ProcessBlock(context.Background(), 1, testEmission)
	require.NoError(t, err)
	require.Equal(t, uint64(1), report.Block)
	require.Equal(t, uint64(testEmission), report.TotalEmission)
	require.Equal(t, 3, report.Neurons)
	require.Equal(t, 3, report.Active)
	require.Same(t, report, <-reports)

	regs, err := c.Registers()
	require.NoError(t, err)
	require.Equal(t, uint64(testEmission), regs.TotalIssuance)
	require.Equal(t, uint64(1000+testEmission), regs.TotalStake)
	require.Equal(t, uint64(1), regs.LastMechanismStepBlock)
	require.Zero(t, regs.RegistrationsThisBlock)

	n1, err := c.Neuron(1)
	require.NoError(t, err)
	require.Equal(t, uint64(500_000_000), n1.Stake)
	require.Equal(t, uint64(neuron.FullScale), n1.Rank)

	neurons, err := store.Neurons()
	require.NoError(t, err)
	require.Equal(t, Digest(neurons, regs), report.Digest)

	_, err = c.ProcessBlock(context.Background(), 1, testEmission)
	require.ErrorIs(t, err, ErrBlockReplayed)
}

func TestProcessBlockRetargets(t *testing.T) {
	p := config.Default()
	p.AdjustmentInterval = 2
	p.TargetRegistrationsPerInterval = 1
	c := newTestChain(t, p, storage.NewMemStore())
	seed(t, c, 1)

	report, err := c.ProcessBlock(context.Background(), 1, testEmission)
	require.NoError(t, err)
	require.False(t, report.Retargeted)

	report, err = c.ProcessBlock(context.Background(), 2, testEmission)
	require.NoError(t, err)
	require.True(t, report.Retargeted)
	require.Equal(t, 2*p.InitialDifficulty, report.Difficulty)

	// No registrations in the next interval: halve back.
	_, err = c.ProcessBlock(context.Background(), 3, testEmission)
	require.NoError(t, err)
	report, err = c.ProcessBlock(context.Background(), 4, testEmission)
	require.NoError(t, err)
	require.True(t, report.Retargeted)
	require.Equal(t, p.InitialDifficulty, report.Difficulty)
}

func TestProcessBlockFailsClosed(t *testing.T) {
	store := storage.NewMemStore()
	c := newTestChain(t, config.Default(), store)

	before := storage.Registers{Difficulty: 5, RegistrationsThisBlock: 4}
	require.NoError(t, store.Commit(&storage.ChangeSet{
		Neurons: []*neuron.Neuron{
			{UID: 0, Stake: math.MaxUint64},
			{UID: 1, Stake: math.MaxUint64},
		},
		Registers: &before,
	}))
	reports := c.Subscribe()

	_, err := c.ProcessBlock(context.Background(), 1, testEmission)
	require.ErrorIs(t, err, fixed.ErrOverflow)

	after, err := store.Registers()
	require.NoError(t, err)
	require.Equal(t, before, after)
	n, err := store.Neuron(0)
	require.NoError(t, err)
	require.Zero(t, n.Priority)
	require.Empty(t, reports)
}

func TestProcessBlockPrunes(t *testing.T) {
	store := storage.NewMemStore()
	c := newTestChain(t, config.Default(), store)
	seed(t, c, 1)
	require.NoError(t, c.SetWeights(0, []neuron.Weight{
		{UID: 1, Value: math.MaxUint32},
		{UID: 2, Value: math.MaxUint32},
	}, 1))

	_, err := c.ProcessBlock(context.Background(), 1, testEmission)
	require.NoError(t, err)
	n0, err := c.Neuron(0)
	require.NoError(t, err)
	require.Len(t, n0.Bonds, 2)

	require.NoError(t, c.SchedulePrune(2))
	_, err = c.ProcessBlock(context.Background(), 2, testEmission)
	require.NoError(t, err)

	n0, err = c.Neuron(0)
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, bondTargets(n0))
	set, err := store.PruneSet()
	require.NoError(t, err)
	require.Empty(t, set)
}

func bondTargets(n *neuron.Neuron) []uint32 {
	var out []uint32
	for _, b := range n.Bonds {
		out = append(out, b.UID)
	}
	return out
}

func TestResetBonds(t *testing.T) {
	c := newTestChain(t, config.Default(), storage.NewMemStore())
	seed(t, c, 1)
	_, err := c.ProcessBlock(context.Background(), 1, testEmission)
	require.NoError(t, err)

	n0, err := c.Neuron(0)
	require.NoError(t, err)
	require.NotEmpty(t, n0.Bonds)

	require.NoError(t, c.ResetBonds())
	n0, err = c.Neuron(0)
	require.NoError(t, err)
	require.Empty(t, n0.Bonds)
}

func TestProcessBlockCancelled(t *testing.T) {
	c := newTestChain(t, config.Default(), storage.NewMemStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ProcessBlock(ctx, 1, testEmission)
	require.ErrorIs(t, err, context.Canceled)
}

func TestChainPersistsInBadger(t *testing.T) {
	dir := t.TempDir()
	p := config.Default()

	store, err := OpenBadgerStore(dir)
	require.NoError(t, err)
	c := newTestChain(t, p, store)
	seed(t, c, 1)
	want, err := c.ProcessBlock(context.Background(), 1, testEmission)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenBadgerStore(dir)
	require.NoError(t, err)
	defer store.Close()
	c = newTestChain(t, p, store)

	regs, err := c.Registers()
	require.NoError(t, err)
	require.Equal(t, uint64(1), regs.LastMechanismStepBlock)
	neurons, err := store.Neurons()
	require.NoError(t, err)
	require.Equal(t, want.Digest, Digest(neurons, regs))

	_, err = c.ProcessBlock(context.Background(), 2, testEmission)
	require.NoError(t, err)
}

// Every participant weights every other one, so each step rewrites a full
// n x n bond matrix in one transaction.
func TestDenseNetworkInBadger(t *testing.T) {
	if testing.Short() {
		t.Skip("dense network")
	}
	const n = 768

	store, err := OpenBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	weights := make([]neuron.Weight, n)
	for i := range weights {
		weights[i] = neuron.Weight{UID: uint32(i), Value: math.MaxUint32}
	}
	neurons := make([]*neuron.Neuron, n)
	for i := range neurons {
		neurons[i] = &neuron.Neuron{
			UID:        uint32(i),
			Stake:      1000,
			Weights:    weights,
			LastUpdate: 1,
		}
	}
	require.NoError(t, store.Commit(&storage.ChangeSet{Neurons: neurons}))

	c := newTestChain(t, config.Default(), store)
	for block := uint64(2); block <= 3; block++ {
		report, err := c.ProcessBlock(context.Background(), block, testEmission)
		require.NoError(t, err)
		require.Equal(t, n, report.Active)
	}

	last, err := c.Neuron(n - 1)
	require.NoError(t, err)
	require.Equal(t, weights, last.Weights)
	require.GreaterOrEqual(t, len(last.Bonds), n-1)
}
