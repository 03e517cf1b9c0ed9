package core

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"

	"github.com/luukkk/subtensor/core/neuron"
	"github.com/luukkk/subtensor/core/storage"
)

// Digest is the SHA3-256 of the committed participant table and registers.
// Participants are hashed in uid order using their storage encoding, so two
// nodes that ran the same step produce the same digest.
func Digest(neurons []*neuron.Neuron, regs storage.Registers) [32]byte {
	h := sha3.New256()
	var buf []byte

	for _, n := range neurons {
		buf = n.AppendState(buf[:0])
		buf = n.AppendWeights(buf)
		h.Write(buf)
	}

	buf = buf[:0]
	for _, v := range []uint64{
		regs.TotalStake,
		regs.TotalIssuance,
		regs.TotalEmission,
		regs.TotalBondsPurchased,
		regs.Difficulty,
		regs.LastDifficultyAdjustmentBlock,
		regs.RegistrationsThisInterval,
		regs.RegistrationsThisBlock,
		regs.LastMechanismStepBlock,
	} {
		buf = binary.LittleEndian.AppendUint64(buf, v)
	}
	h.Write(buf)

	var out [32]byte
	h.Sum(out[:0])
	return out
}
