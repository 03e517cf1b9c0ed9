// Package core implements the per-block consensus logic: registration
// difficulty control and the Yuma mechanism step.
package core

import (
	"go.uber.org/zap"

	"github.com/luukkk/subtensor/core/config"
	"github.com/luukkk/subtensor/core/storage"
)

// AdvanceDifficulty runs the registration difficulty controller for block.
// It must be called exactly once per block. The difficulty doubles when the
// interval saw more registrations than targeted and halves otherwise, always
// clamped to [MinDifficulty, MaxDifficulty]. It reports whether a retarget
// happened.
func AdvanceDifficulty(p config.Params, regs *storage.Registers, block uint64) bool {
	regs.RegistrationsThisBlock = 0

	var elapsed uint64
	if block > regs.LastDifficultyAdjustmentBlock {
		elapsed = block - regs.LastDifficultyAdjustmentBlock
	}
	if elapsed < p.AdjustmentInterval {
		return false
	}

	if regs.RegistrationsThisInterval > p.TargetRegistrationsPerInterval {
		next := regs.Difficulty * 2
		if next >= p.MaxDifficulty || next < regs.Difficulty {
			next = p.MaxDifficulty
		}
		regs.Difficulty = next
	} else {
		next := regs.Difficulty / 2
		if next <= p.MinDifficulty {
			next = p.MinDifficulty
		}
		regs.Difficulty = next
	}

	regs.LastDifficultyAdjustmentBlock = block
	regs.RegistrationsThisInterval = 0
	return true
}

func logRetarget(log *zap.Logger, regs *storage.Registers, block, registrations uint64) {
	log.Info("difficulty retarget",
		zap.Uint64("block", block),
		zap.Uint64("registrations", registrations),
		zap.Uint64("difficulty", regs.Difficulty))
}
