package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luukkk/subtensor/core/config"
	"github.com/luukkk/subtensor/core/neuron"
	"github.com/luukkk/subtensor/core/storage"
)

var (
	// ErrBlockReplayed is returned when a block at or below the last stepped
	// block is processed again.
	ErrBlockReplayed = errors.New("block already processed")
	// ErrGenesisBlock is returned for block 0; steps start at block 1.
	ErrGenesisBlock = errors.New("block 0 is genesis")
)

// BlockReport summarizes one processed block for subscribers.
type BlockReport struct {
	Block               uint64
	Difficulty          uint64
	Retargeted          bool
	TotalEmission       uint64
	TotalBondsPurchased uint64
	TotalStake          uint64
	TotalIssuance       uint64
	Neurons             int
	Active              int
	Digest              [32]byte
	Duration            time.Duration
}

// Chain drives the per-block hooks: the difficulty controller followed by the
// mechanism step, committed together. It holds the only write path into the
// state, so every mutation goes through its mutex.
type Chain struct {
	mu     sync.Mutex
	params config.Params
	state  *State
	mech   *Mechanism
	log    *zap.Logger

	subscribers []chan *BlockReport
	subMu       sync.RWMutex
}

// NewChain wraps store. A fresh store gets its genesis registers, which only
// seeds the registration difficulty. Validate keeps MinDifficulty positive,
// so a zero difficulty only ever means the registers were never written.
func NewChain(p config.Params, store storage.Store, log *zap.Logger) (*Chain, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	c := &Chain{
		params: p,
		state:  NewState(store, log),
		mech:   NewMechanism(p, log),
		log:    log.Named("chain"),
	}

	regs, err := store.Registers()
	if err != nil {
		return nil, fmt.Errorf("read registers: %w", err)
	}
	if regs.Difficulty == 0 {
		regs.Difficulty = p.InitialDifficulty
		if err := c.state.SaveRegisters(regs); err != nil {
			return nil, fmt.Errorf("write genesis registers: %w", err)
		}
		c.log.Info("genesis registers written", zap.Uint64("difficulty", regs.Difficulty))
	}
	return c, nil
}

// ProcessBlock runs the block hooks for block with an emission budget of
// emission tokens. On any error nothing is committed.
func (c *Chain) ProcessBlock(ctx context.Context, block, emission uint64) (*BlockReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if block == 0 {
		return nil, ErrGenesisBlock
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	snap, err := c.state.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", block, err)
	}
	regs := snap.Registers
	if block <= regs.LastMechanismStepBlock {
		return nil, fmt.Errorf("block %d: %w (last %d)", block, ErrBlockReplayed, regs.LastMechanismStepBlock)
	}

	registrations := regs.RegistrationsThisInterval
	retargeted := AdvanceDifficulty(c.params, &regs, block)
	if retargeted {
		logRetarget(c.log, &regs, block, registrations)
	}

	out, err := c.mech.Compute(&StepInput{
		Block:    block,
		Emission: emission,
		Neurons:  snap.Neurons,
		Prune:    snap.Prune,
	})
	if err != nil {
		c.log.Error("mechanism step failed", zap.Uint64("block", block), zap.Error(err))
		return nil, err
	}
	if err := c.state.Apply(out, &regs); err != nil {
		return nil, err
	}

	report := &BlockReport{
		Block:               block,
		Difficulty:          regs.Difficulty,
		Retargeted:          retargeted,
		TotalEmission:       regs.TotalEmission,
		TotalBondsPurchased: regs.TotalBondsPurchased,
		TotalStake:          regs.TotalStake,
		TotalIssuance:       regs.TotalIssuance,
		Neurons:             len(out.Neurons),
		Active:              out.Active,
		Digest:              Digest(out.Neurons, regs),
		Duration:            time.Since(start),
	}
	c.log.Debug("block processed",
		zap.Uint64("block", block),
		zap.Int("neurons", report.Neurons),
		zap.Uint64("emission", report.TotalEmission),
		zap.Duration("took", report.Duration))
	c.notify(report)
	return report, nil
}

// Register adds a participant; see State.Register.
func (c *Chain) Register(n *neuron.Neuron) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Register(n)
}

func (c *Chain) SetWeights(uid uint32, weights []neuron.Weight, block uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.SetWeights(uid, weights, block)
}

func (c *Chain) AddStake(uid uint32, amount uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.AddStake(uid, amount)
}

func (c *Chain) SchedulePrune(uid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.SchedulePrune(uid)
}

// ResetBonds clears every bond in the network.
func (c *Chain) ResetBonds() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.state.ResetBonds()
	if err != nil {
		return err
	}
	c.log.Info("bonds reset", zap.Int("neurons", n))
	return nil
}

func (c *Chain) Neuron(uid uint32) (*neuron.Neuron, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Neuron(uid)
}

func (c *Chain) Registers() (storage.Registers, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Registers()
}

// Subscribe returns a channel receiving a report after every committed
// block. Slow subscribers miss reports rather than stall the chain.
func (c *Chain) Subscribe() <-chan *BlockReport {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	ch := make(chan *BlockReport, 16)
	c.subscribers = append(c.subscribers, ch)
	return ch
}

func (c *Chain) notify(r *BlockReport) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, ch := range c.subscribers {
		select {
		case ch <- r:
		default:
		}
	}
}
