package core

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luukkk/subtensor/core/config"
	"github.com/luukkk/subtensor/core/fixed"
	"github.com/luukkk/subtensor/core/neuron"
)

// ErrUIDLayout is returned when the participant set is not dense over [0, n).
var ErrUIDLayout = errors.New("uids are not dense")

// StepInput is the snapshot one mechanism step runs over.
type StepInput struct {
	Block    uint64
	Emission uint64
	// Neurons must be ordered by uid with Neurons[i].UID == i.
	Neurons []*neuron.Neuron
	Prune   map[uint32]struct{}
}

// StepOutput holds the updated participant records and the step totals.
// Nothing in it has been written anywhere yet.
type StepOutput struct {
	Block               uint64
	Neurons             []*neuron.Neuron
	TotalEmission       uint64
	TotalBondsPurchased uint64
	// Unprune lists the uids to remove from the pruning set on commit.
	Unprune []uint32
	Active  int
}

// Mechanism computes Yuma consensus steps. It holds no state between steps.
type Mechanism struct {
	params config.Params
	log    *zap.Logger
}

func NewMechanism(p config.Params, log *zap.Logger) *Mechanism {
	return &Mechanism{params: p, log: log.Named("yuma")}
}

// Compute runs one mechanism step. It is a pure function of its input: the
// input records are not modified. A numeric defect (a division the step's own
// zero checks should have prevented, or an overflow) aborts the whole step.
func (m *Mechanism) Compute(in *StepInput) (out *StepOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(error)
			if !ok || !isNumeric(e) {
				panic(r)
			}
			out, err = nil, fmt.Errorf("mechanism step at block %d: %w", in.Block, e)
		}
	}()

	for i, n := range in.Neurons {
		if n.UID != uint32(i) {
			return nil, fmt.Errorf("mechanism step at block %d: %w: position %d holds uid %d", in.Block, ErrUIDLayout, i, n.UID)
		}
	}

	s := newStep(m.params, in)
	s.ingest()
	m.log.Debug("stake totals",
		zap.Stringer("total", s.totalStake),
		zap.Stringer("active", s.totalActiveStake))
	s.normalizeStake()
	m.trace("stake", s.stake)

	if err := s.scanEdges(m.params.Workers); err != nil {
		return nil, fmt.Errorf("mechanism step at block %d: %w", in.Block, err)
	}
	s.normalizeRankTrust()
	m.trace("ranks", s.rank)
	m.trace("trust", s.trust)
	m.log.Debug("bonds",
		zap.Uint64s("bondTotals", s.bondTotals),
		zap.Uint64("totalBondsPurchased", s.bondsPurchased))

	s.consensusAndIncentive()
	m.trace("consensus", s.consensus)
	m.trace("incentive", s.incentive)

	s.distributeDividends()
	s.emit()
	m.trace("dividends", s.dividends)
	m.log.Debug("emission", zap.Uint64s("emission", s.emission))

	return s.output(), nil
}

func (m *Mechanism) trace(name string, v []fixed.Fixed) {
	if ce := m.log.Check(zap.DebugLevel, name); ce != nil {
		ce.Write(zap.Stringers(name, v))
	}
}

func isNumeric(err error) bool {
	return errors.Is(err, fixed.ErrOverflow) ||
		errors.Is(err, fixed.ErrDivisionByZero) ||
		errors.Is(err, fixed.ErrDomain)
}

// mustDiv divides where the caller has already excluded a zero divisor.
func mustDiv(a, b fixed.Fixed) fixed.Fixed {
	q, err := a.Div(b)
	if err != nil {
		panic(err)
	}
	return q
}

func add64(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		panic(fixed.ErrOverflow)
	}
	return sum
}

var (
	u32Max = fixed.FromUint64(math.MaxUint32)
	u64Max = fixed.FromUint64(math.MaxUint64)
)

// step holds the dense per-uid vectors of one mechanism step.
type step struct {
	in *StepInput
	n  int

	emissionBudget fixed.Fixed
	cutoff         uint64
	movingAverage  fixed.Fixed
	rho            fixed.Fixed
	kappa          fixed.Fixed
	selfOwnership  fixed.Fixed

	active     []bool
	priority   []uint64
	stake      []fixed.Fixed
	bonds      [][]uint64
	bondTotals []uint64

	totalStake                 fixed.Fixed
	totalActiveStake           fixed.Fixed
	totalNormalizedActiveStake fixed.Fixed

	rank, trust           []fixed.Fixed
	totalRank, totalTrust fixed.Fixed
	bondsPurchased        uint64

	consensus, incentive, dividends []fixed.Fixed
	sparseBonds                     [][]neuron.Bond
	emission                        []uint64
	totalEmission                   uint64
}

func newStep(p config.Params, in *StepInput) *step {
	n := len(in.Neurons)
	return &step{
		in:             in,
		n:              n,
		emissionBudget: fixed.FromUint64(in.Emission),
		cutoff:         p.ActivityCutoff,
		movingAverage:  mustDiv(fixed.FromUint64(p.BondsMovingAverage), fixed.FromUint64(config.PartsPerMillion)),
		rho:            fixed.FromUint64(p.Rho),
		kappa:          mustDiv(fixed.One, fixed.FromUint64(p.Kappa)),
		selfOwnership:  mustDiv(fixed.One, fixed.FromUint64(p.SelfOwnership)),
		active:         make([]bool, n),
		priority:       make([]uint64, n),
		stake:          make([]fixed.Fixed, n),
		bonds:          make([][]uint64, n),
		bondTotals:     make([]uint64, n),
		rank:           make([]fixed.Fixed, n),
		trust:          make([]fixed.Fixed, n),
		consensus:      make([]fixed.Fixed, n),
		incentive:      make([]fixed.Fixed, n),
		dividends:      make([]fixed.Fixed, n),
		sparseBonds:    make([][]neuron.Bond, n),
		emission:       make([]uint64, n),
	}
}

func (s *step) pruned(uid uint32) bool {
	_, ok := s.in.Prune[uid]
	return ok
}

// ingest marks activity, accumulates stake, accrues priority and loads the
// dense bond matrix without columns that point at pruned uids.
func (s *step) ingest() {
	for i, nr := range s.in.Neurons {
		var elapsed uint64
		if s.in.Block > nr.LastUpdate {
			elapsed = s.in.Block - nr.LastUpdate
		}
		stake := fixed.FromUint64(nr.Stake)
		if elapsed < s.cutoff {
			s.active[i] = true
			s.totalActiveStake = s.totalActiveStake.Add(stake)
		}
		s.totalStake = s.totalStake.Add(stake)
		s.stake[i] = stake

		// Priority grows with log2(stake+1); stake+1 saturates at the u64 max.
		plusOne := nr.Stake
		if plusOne < math.MaxUint64 {
			plusOne++
		}
		logStake, err := fixed.Log2(fixed.FromUint64(plusOne))
		if err != nil {
			panic(err)
		}
		s.priority[i] = nr.Priority
		if sum, carry := bits.Add64(nr.Priority, logStake.Uint64(), 0); carry == 0 {
			s.priority[i] = sum
		} else {
			s.priority[i] = math.MaxUint64
		}

		row := make([]uint64, s.n)
		for _, b := range nr.Bonds {
			if int(b.UID) >= s.n || s.pruned(b.UID) {
				continue
			}
			row[b.UID] = add64(row[b.UID], b.Amount)
			s.bondTotals[b.UID] = add64(s.bondTotals[b.UID], b.Amount)
		}
		s.bonds[i] = row
	}
}

// normalizeStake divides every stake by the total active stake. With no
// active stake the raw values are kept.
func (s *step) normalizeStake() {
	if s.totalActiveStake.IsZero() {
		return
	}
	for i := range s.stake {
		s.stake[i] = mustDiv(s.stake[i], s.totalActiveStake)
		if s.active[i] {
			s.totalNormalizedActiveStake = s.totalNormalizedActiveStake.Add(s.stake[i])
		}
	}
}

// edgeScan holds the accumulators of one contiguous range of rows.
type edgeScan struct {
	rank, trust           []fixed.Fixed
	totalRank, totalTrust fixed.Fixed
	bondsAdded            []uint64
	bondsRemoved          []uint64
	lastPurchased         uint64
	touched               bool
}

// scanEdges accumulates rank and trust and updates the bond moving averages.
// Rows are split into contiguous chunks; chunk accumulators are merged in
// row order, so any worker count yields the sequential result bit for bit.
func (s *step) scanEdges(workers int) error {
	if workers < 1 {
		workers = 1
	}
	if workers > s.n {
		workers = s.n
	}
	if s.n == 0 {
		return nil
	}

	scans := make([]*edgeScan, workers)
	chunk := (s.n + workers - 1) / workers
	if workers == 1 {
		scans[0] = s.scanRows(0, s.n)
	} else {
		var g errgroup.Group
		for c := 0; c < workers; c++ {
			c := c
			lo, hi := c*chunk, min((c+1)*chunk, s.n)
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						e, ok := r.(error)
						if !ok || !isNumeric(e) {
							panic(r)
						}
						err = e
					}
				}()
				scans[c] = s.scanRows(lo, hi)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	for _, sc := range scans {
		if sc == nil {
			continue
		}
		for j := 0; j < s.n; j++ {
			s.rank[j] = s.rank[j].Add(sc.rank[j])
			s.trust[j] = s.trust[j].Add(sc.trust[j])
			s.bondTotals[j] = add64(s.bondTotals[j], sc.bondsAdded[j]) - sc.bondsRemoved[j]
		}
		s.totalRank = s.totalRank.Add(sc.totalRank)
		s.totalTrust = s.totalTrust.Add(sc.totalTrust)
		// Only the last edge of the whole pass is kept.
		if sc.touched {
			s.bondsPurchased = sc.lastPurchased
		}
	}
	return nil
}

func (s *step) scanRows(lo, hi int) *edgeScan {
	sc := &edgeScan{
		rank:         make([]fixed.Fixed, s.n),
		trust:        make([]fixed.Fixed, s.n),
		bondsAdded:   make([]uint64, s.n),
		bondsRemoved: make([]uint64, s.n),
	}
	keep := s.movingAverage
	blend := fixed.One.Sub(s.movingAverage)

	for i := lo; i < hi; i++ {
		stakeI := s.stake[i]
		if stakeI.IsZero() {
			continue
		}
		for _, w := range s.in.Neurons[i].Weights {
			j := int(w.UID)
			if j == i || j >= s.n {
				continue
			}

			// Inactive participants cannot move scores, and their bonds decay.
			var rankInc, trustInc, bondInc fixed.Fixed
			if s.active[i] {
				weight := mustDiv(fixed.FromUint64(uint64(w.Value)), u32Max)
				trustInc = stakeI
				rankInc = stakeI.Mul(weight)
				bondInc = rankInc.Mul(s.emissionBudget)
			}
			sc.rank[j] = sc.rank[j].Add(rankInc)
			sc.trust[j] = sc.trust[j].Add(trustInc)
			sc.totalRank = sc.totalRank.Add(rankInc)
			sc.totalTrust = sc.totalTrust.Add(trustInc)

			if s.pruned(w.UID) {
				continue
			}
			prev := s.bonds[i][j]
			next := keep.Mul(fixed.FromUint64(prev)).Add(blend.Mul(bondInc)).Uint64()
			s.bonds[i][j] = next
			if next <= prev {
				sc.bondsRemoved[j] = add64(sc.bondsRemoved[j], prev-next)
				sc.lastPurchased = prev - next
			} else {
				sc.bondsAdded[j] = add64(sc.bondsAdded[j], next-prev)
				sc.lastPurchased = next - prev
			}
			sc.touched = true
		}
	}
	return sc
}

// normalizeRankTrust makes rank sum to one and expresses trust as a share of
// the normalized active stake. When either total is zero both vectors are
// zeroed.
func (s *step) normalizeRankTrust() {
	if s.totalRank.Sign() > 0 && s.totalTrust.Sign() > 0 {
		for i := 0; i < s.n; i++ {
			s.rank[i] = mustDiv(s.rank[i], s.totalRank)
			s.trust[i] = mustDiv(s.trust[i], s.totalNormalizedActiveStake)
		}
		return
	}
	for i := 0; i < s.n; i++ {
		s.rank[i] = fixed.Zero
		s.trust[i] = fixed.Zero
	}
}

// consensusAndIncentive applies the logistic gate
// consensus = 1 / (1 + exp(-rho * (trust - 1/kappa))) and scales rank by it.
func (s *step) consensusAndIncentive() {
	if s.totalRank.IsZero() || s.totalTrust.IsZero() {
		return
	}
	var totalIncentive fixed.Fixed
	for i := 0; i < s.n; i++ {
		scaled := s.trust[i].Sub(s.kappa).Mul(s.rho)
		expTrust, err := fixed.Exp(scaled.Neg())
		if err != nil {
			panic(err)
		}
		c := mustDiv(fixed.One, fixed.One.Add(expTrust))
		s.consensus[i] = c
		s.incentive[i] = s.rank[i].Mul(c)
		totalIncentive = totalIncentive.Add(s.incentive[i])
	}
	if totalIncentive.Sign() > 0 {
		for i := 0; i < s.n; i++ {
			s.incentive[i] = mustDiv(s.incentive[i], totalIncentive)
		}
	}
}

// distributeDividends splits each participant's incentive between itself and
// its bond holders, and builds the sparse bond rows that get committed.
func (s *step) distributeDividends() {
	others := fixed.One.Sub(s.selfOwnership)
	for i := 0; i < s.n; i++ {
		incentiveI := s.incentive[i]
		own := incentiveI.Mul(s.selfOwnership)
		if s.bondTotals[i] == 0 {
			// Nobody holds bonds in i: it keeps everything.
			own = own.Add(incentiveI.Mul(others))
		}
		s.dividends[i] = s.dividends[i].Add(own)

		var row []neuron.Bond
		for j := 0; j < s.n; j++ {
			bondIJ, totalJ := s.bonds[i][j], s.bondTotals[j]
			if totalJ == 0 || bondIJ == 0 {
				continue
			}
			fraction := mustDiv(fixed.FromUint64(bondIJ), fixed.FromUint64(totalJ))
			s.dividends[i] = s.dividends[i].Add(s.incentive[j].Mul(others.Mul(fraction)))
			row = append(row, neuron.Bond{UID: uint32(j), Amount: bondIJ})
		}
		s.sparseBonds[i] = row
	}
}

// emit normalizes dividends and converts them to token amounts, truncating.
func (s *step) emit() {
	var total fixed.Fixed
	for _, d := range s.dividends {
		total = total.Add(d)
	}
	if total.IsZero() {
		return
	}
	for i := 0; i < s.n; i++ {
		d := mustDiv(s.dividends[i], total)
		s.dividends[i] = d
		s.emission[i] = s.emissionBudget.Mul(d).Uint64()
		s.totalEmission = add64(s.totalEmission, s.emission[i])
	}
}

func (s *step) output() *StepOutput {
	out := &StepOutput{
		Block:               s.in.Block,
		Neurons:             make([]*neuron.Neuron, s.n),
		TotalEmission:       s.totalEmission,
		TotalBondsPurchased: s.bondsPurchased,
	}
	for i, nr := range s.in.Neurons {
		u := nr.Clone()
		if s.active[i] {
			u.Active = 1
			out.Active++
		} else {
			u.Active = 0
		}
		u.Priority = s.priority[i]
		u.Emission = s.emission[i]
		u.Stake = add64(nr.Stake, s.emission[i])
		u.Rank = s.rank[i].Mul(u64Max).Uint64()
		u.Trust = s.trust[i].Mul(u64Max).Uint64()
		u.Consensus = s.consensus[i].Mul(u64Max).Uint64()
		u.Incentive = s.incentive[i].Mul(u64Max).Uint64()
		u.Dividends = s.dividends[i].Mul(u64Max).Uint64()
		u.Bonds = s.sparseBonds[i]
		if s.pruned(nr.UID) {
			u.Bonds = nil
			out.Unprune = append(out.Unprune, nr.UID)
		}
		out.Neurons[i] = u
	}
	return out
}
