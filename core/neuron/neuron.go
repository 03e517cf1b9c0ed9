// Package neuron defines the canonical participant record.
package neuron

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
)

// FullScale is the u64 representation of the fraction 1.0 for the derived
// fields (rank, trust, consensus, incentive, dividends).
const FullScale = math.MaxUint64

// Weight is a participant's declared trust toward Target, as a fraction of
// math.MaxUint32.
type Weight struct {
	UID   uint32 `json:"uid"`
	Value uint32 `json:"value"`
}

// Bond is an accumulated claim on Target's incentive.
type Bond struct {
	UID    uint32 `json:"uid"`
	Amount uint64 `json:"amount"`
}

// Neuron is one registered participant, addressed by a dense uid.
//
// Stake, Weights, Bonds, LastUpdate and Priority persist across mechanism
// steps; the remaining fields are overwritten by every step.
type Neuron struct {
	UID        uint32   `json:"uid"`
	Stake      uint64   `json:"stake"`
	Weights    []Weight `json:"weights"`
	Bonds      []Bond   `json:"bonds"`
	LastUpdate uint64   `json:"lastUpdate"`
	Priority   uint64   `json:"priority"`

	Active    uint32 `json:"active"`
	Rank      uint64 `json:"rank"`
	Trust     uint64 `json:"trust"`
	Consensus uint64 `json:"consensus"`
	Incentive uint64 `json:"incentive"`
	Dividends uint64 `json:"dividends"`
	Emission  uint64 `json:"emission"`
}

// Clone returns a deep copy.
func (n *Neuron) Clone() *Neuron {
	c := *n
	c.Weights = append([]Weight(nil), n.Weights...)
	c.Bonds = append([]Bond(nil), n.Bonds...)
	return &c
}

// ErrCorrupt is returned when a stored record cannot be decoded.
var ErrCorrupt = errors.New("corrupt neuron record")

const (
	stateHeaderSize = 4 + 8 + 8 + 8 + 4 + 6*8 + 4
	bondSize        = 4 + 8
	weightSize      = 4 + 4
)

// AppendState appends the little-endian encoding of every field except the
// weights. Weights change only when the participant sets them, so they are
// encoded separately by AppendWeights.
func (n *Neuron) AppendState(buf []byte) []byte {
	buf = slices.Grow(buf, stateHeaderSize+len(n.Bonds)*bondSize)
	buf = binary.LittleEndian.AppendUint32(buf, n.UID)
	buf = binary.LittleEndian.AppendUint64(buf, n.Stake)
	buf = binary.LittleEndian.AppendUint64(buf, n.LastUpdate)
	buf = binary.LittleEndian.AppendUint64(buf, n.Priority)
	buf = binary.LittleEndian.AppendUint32(buf, n.Active)
	buf = binary.LittleEndian.AppendUint64(buf, n.Rank)
	buf = binary.LittleEndian.AppendUint64(buf, n.Trust)
	buf = binary.LittleEndian.AppendUint64(buf, n.Consensus)
	buf = binary.LittleEndian.AppendUint64(buf, n.Incentive)
	buf = binary.LittleEndian.AppendUint64(buf, n.Dividends)
	buf = binary.LittleEndian.AppendUint64(buf, n.Emission)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(n.Bonds)))
	for _, b := range n.Bonds {
		buf = binary.LittleEndian.AppendUint32(buf, b.UID)
		buf = binary.LittleEndian.AppendUint64(buf, b.Amount)
	}
	return buf
}

// AppendWeights appends the little-endian encoding of n's weights.
func (n *Neuron) AppendWeights(buf []byte) []byte {
	buf = slices.Grow(buf, 4+len(n.Weights)*weightSize)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(n.Weights)))
	for _, w := range n.Weights {
		buf = binary.LittleEndian.AppendUint32(buf, w.UID)
		buf = binary.LittleEndian.AppendUint32(buf, w.Value)
	}
	return buf
}

// DecodeState reverses AppendState. The result has no weights.
func DecodeState(data []byte) (*Neuron, error) {
	if len(data) < stateHeaderSize {
		return nil, fmt.Errorf("%w: %d byte state", ErrCorrupt, len(data))
	}
	le := binary.LittleEndian
	n := &Neuron{
		UID:        le.Uint32(data[0:]),
		Stake:      le.Uint64(data[4:]),
		LastUpdate: le.Uint64(data[12:]),
		Priority:   le.Uint64(data[20:]),
		Active:     le.Uint32(data[28:]),
		Rank:       le.Uint64(data[32:]),
		Trust:      le.Uint64(data[40:]),
		Consensus:  le.Uint64(data[48:]),
		Incentive:  le.Uint64(data[56:]),
		Dividends:  le.Uint64(data[64:]),
		Emission:   le.Uint64(data[72:]),
	}
	count := int(le.Uint32(data[80:]))
	rest := data[stateHeaderSize:]
	if len(rest) != count*bondSize {
		return nil, fmt.Errorf("%w: %d bonds in %d bytes", ErrCorrupt, count, len(rest))
	}
	if count > 0 {
		n.Bonds = make([]Bond, count)
		for i := range n.Bonds {
			n.Bonds[i] = Bond{UID: le.Uint32(rest), Amount: le.Uint64(rest[4:])}
			rest = rest[bondSize:]
		}
	}
	return n, nil
}

// DecodeWeights reverses AppendWeights.
func DecodeWeights(data []byte) ([]Weight, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d byte weights", ErrCorrupt, len(data))
	}
	count := int(binary.LittleEndian.Uint32(data))
	rest := data[4:]
	if len(rest) != count*weightSize {
		return nil, fmt.Errorf("%w: %d weights in %d bytes", ErrCorrupt, count, len(rest))
	}
	if count == 0 {
		return nil, nil
	}
	out := make([]Weight, count)
	for i := range out {
		out[i] = Weight{UID: binary.LittleEndian.Uint32(rest), Value: binary.LittleEndian.Uint32(rest[4:])}
		rest = rest[weightSize:]
	}
	return out, nil
}
