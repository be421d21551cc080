package batpay

import (
	"errors"
	"fmt"
)

// DefaultInstantSlot is the first slot number that bypasses staking.
const DefaultInstantSlot uint32 = 32768

// NewAccountFlag requests a fresh account from Deposit.
const NewAccountFlag = ^uint32(0)

// Params is the immutable configuration of a ledger instance.
type Params struct {
	MaxBulk             uint32 `toml:"MaxBulk" yaml:"maxBulk" json:"maxBulk"`
	MaxTransfer         uint32 `toml:"MaxTransfer" yaml:"maxTransfer" json:"maxTransfer"`
	ChallengeBlocks     uint64 `toml:"ChallengeBlocks" yaml:"challengeBlocks" json:"challengeBlocks"`
	ChallengeStepBlocks uint64 `toml:"ChallengeStepBlocks" yaml:"challengeStepBlocks" json:"challengeStepBlocks"`
	CollectStake        uint64 `toml:"CollectStake" yaml:"collectStake" json:"collectStake"`
	ChallengeStake      uint64 `toml:"ChallengeStake" yaml:"challengeStake" json:"challengeStake"`
	UnlockBlocks        uint64 `toml:"UnlockBlocks" yaml:"unlockBlocks" json:"unlockBlocks"`
	MaxCollectAmount    uint64 `toml:"MaxCollectAmount" yaml:"maxCollectAmount" json:"maxCollectAmount"`
	InstantSlot         uint32 `toml:"InstantSlot" yaml:"instantSlot" json:"instantSlot"`
}

// DefaultParams mirrors the values used by development deployments.
func DefaultParams() Params {
	return Params{
		MaxBulk:             5000,
		MaxTransfer:         5000,
		ChallengeBlocks:     5,
		ChallengeStepBlocks: 5,
		CollectStake:        500,
		ChallengeStake:      100,
		UnlockBlocks:        5,
		MaxCollectAmount:    1_000_000_000,
		InstantSlot:         DefaultInstantSlot,
	}
}

// RecommendedParams returns the values suggested for public deployments.
func RecommendedParams() Params {
	p := DefaultParams()
	p.ChallengeBlocks = 240
	p.ChallengeStepBlocks = 40
	p.CollectStake = 1_000_000
	p.ChallengeStake = 100_000
	p.UnlockBlocks = 60
	return p
}

// Validate rejects zero values for every parameter.
func (p Params) Validate() error {
	var errs []error
	check := func(name string, zero bool) {
		if zero {
			errs = append(errs, fmt.Errorf("batpay: parameter %s can't be zero", name))
		}
	}
	check("maxBulk", p.MaxBulk == 0)
	check("maxTransfer", p.MaxTransfer == 0)
	check("challengeBlocks", p.ChallengeBlocks == 0)
	check("challengeStepBlocks", p.ChallengeStepBlocks == 0)
	check("collectStake", p.CollectStake == 0)
	check("challengeStake", p.ChallengeStake == 0)
	check("unlockBlocks", p.UnlockBlocks == 0)
	check("maxCollectAmount", p.MaxCollectAmount == 0)
	check("instantSlot", p.InstantSlot == 0)
	return errors.Join(errs...)
}
