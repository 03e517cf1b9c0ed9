// Package config holds the consensus parameters. Values are static for the
// lifetime of a chain and validated once, when loaded.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Parameter bounds.
const (
	PartsPerMillion = 1_000_000
	// MaxRho keeps exp(rho) inside the fixed-point range.
	MaxRho = 40
)

// Params is injected at program startup from TOML. Defaults match Testnet-0.
type Params struct {
	// Registration difficulty.
	InitialDifficulty              uint64 `toml:"initial_difficulty"`
	MinDifficulty                  uint64 `toml:"min_difficulty"`
	MaxDifficulty                  uint64 `toml:"max_difficulty"`
	AdjustmentInterval             uint64 `toml:"adjustment_interval"`
	TargetRegistrationsPerInterval uint64 `toml:"target_registrations_per_interval"`

	// Mechanism step.
	ActivityCutoff     uint64 `toml:"activity_cutoff"`      // blocks
	BondsMovingAverage uint64 `toml:"bonds_moving_average"` // parts per million
	Rho                uint64 `toml:"rho"`                  // logistic steepness
	Kappa              uint64 `toml:"kappa"`                // trust threshold is 1/kappa
	SelfOwnership      uint64 `toml:"self_ownership"`       // retained incentive is 1/self_ownership

	// BlockEmission is the default per-block emission budget handed to the
	// mechanism step by the daemon.
	BlockEmission uint64 `toml:"block_emission"`

	// Workers splits the edge scan across goroutines. 0 and 1 are sequential.
	Workers int `toml:"workers"`
}

// Default returns the Testnet-0 parameters.
func Default() Params {
	return Params{
		InitialDifficulty:              10_000_000,
		MinDifficulty:                  1,
		MaxDifficulty:                  1 << 40,
		AdjustmentInterval:             100,
		TargetRegistrationsPerInterval: 2,
		ActivityCutoff:                 5000,
		BondsMovingAverage:             900_000,
		Rho:                            10,
		Kappa:                          2,
		SelfOwnership:                  2,
		BlockEmission:                  1_000_000_000,
		Workers:                        1,
	}
}

var ErrInvalid = errors.New("invalid parameters")

// Validate rejects parameter sets the mechanism step cannot run with.
func (p Params) Validate() error {
	switch {
	case p.MinDifficulty == 0:
		// Zero is also the genesis marker of the difficulty register.
		return fmt.Errorf("%w: min_difficulty must be positive", ErrInvalid)
	case p.MinDifficulty > p.MaxDifficulty:
		return fmt.Errorf("%w: min_difficulty %d > max_difficulty %d", ErrInvalid, p.MinDifficulty, p.MaxDifficulty)
	case p.InitialDifficulty < p.MinDifficulty || p.InitialDifficulty > p.MaxDifficulty:
		return fmt.Errorf("%w: initial_difficulty %d outside [%d, %d]", ErrInvalid, p.InitialDifficulty, p.MinDifficulty, p.MaxDifficulty)
	case p.BondsMovingAverage > PartsPerMillion:
		return fmt.Errorf("%w: bonds_moving_average %d exceeds %d", ErrInvalid, p.BondsMovingAverage, PartsPerMillion)
	case p.Rho > MaxRho:
		return fmt.Errorf("%w: rho %d exceeds %d", ErrInvalid, p.Rho, MaxRho)
	case p.Kappa == 0:
		return fmt.Errorf("%w: kappa must be positive", ErrInvalid)
	case p.SelfOwnership == 0:
		return fmt.Errorf("%w: self_ownership must be positive", ErrInvalid)
	case p.Workers < 0:
		return fmt.Errorf("%w: workers %d is negative", ErrInvalid, p.Workers)
	}
	return nil
}

// Load reads a TOML file over the defaults and validates the result.
// Keys that are absent keep their default value.
func Load(path string) (Params, error) {
	p := Default()
	f, err := os.Open(path)
	if err != nil {
		return p, err
	}
	defer f.Close()

	if err := toml.NewDecoder(f).DisallowUnknownFields().Decode(&p); err != nil {
		return p, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}
