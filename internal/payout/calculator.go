// Package payout computes fee splits and per-winner payouts in integer
// minor units. Everything here is pure: no I/O, no clocks, no randomness.
package payout

import (
	fpmath "SettleLedger/internal/math"
	"errors"
	"fmt"
	gomath "math"
	"math/big"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNegativeStake  = errors.New("stake must be non-negative")
	ErrInvalidFeeRate = errors.New("fee rates must be within 0..10000 bps combined")
	ErrUnitsOverflow  = errors.New("stake total overflows int64 units")
	ErrEmptyPool      = errors.New("payout pool is empty while winners exist")
)

// Stake is one entry's amount on an option, already in minor units.
type Stake struct {
	UserID  uuid.UUID
	Address string // optional; used as the allocation tie-break key
	Units   int64
}

// Input for a single rail.
type Input struct {
	Winning        []Stake
	Losing         []Stake
	PlatformFeeBps int64
	CreatorFeeBps  int64
}

// Payout is one user's combined allocation.
type Payout struct {
	UserID      uuid.UUID `json:"user_id"`
	Address     string    `json:"address,omitempty"`
	StakeUnits  int64     `json:"stake_units"`
	PayoutUnits int64     `json:"payout_units"`
}

// Result of a rail calculation.
type Result struct {
	TotalWinningUnits int64    `json:"total_winning_units"`
	TotalLosingUnits  int64    `json:"total_losing_units"`
	PlatformFeeUnits  int64    `json:"platform_fee_units"`
	CreatorFeeUnits   int64    `json:"creator_fee_units"`
	PrizePoolUnits    int64    `json:"prize_pool_units"`
	PayoutPoolUnits   int64    `json:"payout_pool_units"`
	Payouts           []Payout `json:"payouts"`
	NoWinners         bool     `json:"no_winners"`
}

// Conserved reports whether Σ payouts + fees equals Σ stakes exactly.
// A no-winner result is never conserved: its prize pool has no recipients.
func (r Result) Conserved() bool {
	if r.NoWinners {
		return false
	}
	var paid int64
	for _, p := range r.Payouts {
		paid += p.PayoutUnits
	}
	return paid+r.PlatformFeeUnits+r.CreatorFeeUnits == r.TotalWinningUnits+r.TotalLosingUnits
}

// Calculate computes fees on the losing pool and distributes the payout
// pool to winners with largest-remainder rounding.
func Calculate(in Input) (Result, error) {
	if in.PlatformFeeBps < 0 || in.CreatorFeeBps < 0 || in.PlatformFeeBps+in.CreatorFeeBps > fpmath.BpsDenominator {
		return Result{}, fmt.Errorf("%w: platform=%d creator=%d", ErrInvalidFeeRate, in.PlatformFeeBps, in.CreatorFeeBps)
	}

	totalLosing, err := sumStakes(in.Losing)
	if err != nil {
		return Result{}, err
	}
	winners, err := aggregate(in.Winning)
	if err != nil {
		return Result{}, err
	}
	var totalWinning int64
	for _, w := range winners {
		if totalWinning, err = addUnits(totalWinning, w.StakeUnits); err != nil {
			return Result{}, err
		}
	}

	platformFee := fpmath.ApplyBps(totalLosing, in.PlatformFeeBps)
	creatorFee := fpmath.ApplyBps(totalLosing, in.CreatorFeeBps)
	// Both fees round half-up, so together they can exceed the pool by a unit.
	if platformFee+creatorFee > totalLosing {
		creatorFee = totalLosing - platformFee
	}
	prizePool := totalLosing - platformFee - creatorFee
	if prizePool < 0 {
		prizePool = 0
	}

	res := Result{
		TotalWinningUnits: totalWinning,
		TotalLosingUnits:  totalLosing,
		PlatformFeeUnits:  platformFee,
		CreatorFeeUnits:   creatorFee,
		PrizePoolUnits:    prizePool,
		Payouts:           []Payout{},
	}

	if totalWinning == 0 {
		res.NoWinners = true
		return res, nil
	}

	pool, err := addUnits(totalWinning, prizePool)
	if err != nil {
		return Result{}, err
	}
	if pool <= 0 {
		return Result{}, ErrEmptyPool
	}
	res.PayoutPoolUnits = pool

	shares := make([]int64, len(winners))
	keys := make([]string, len(winners))
	for i, w := range winners {
		shares[i] = w.StakeUnits
		keys[i] = tieBreakKey(w)
	}
	alloc := Allocate(pool, shares, keys)
	for i := range winners {
		winners[i].PayoutUnits = alloc[i]
	}
	res.Payouts = winners
	return res, nil
}

// Allocate splits pool proportionally to weights using floor division plus
// largest-remainder distribution. Ties on the remainder are broken by key
// ascending. weights must be non-negative with a positive sum.
func Allocate(pool int64, weights []int64, keys []string) []int64 {
	out := make([]int64, len(weights))
	var total int64
	for _, w := range weights {
		total += w
	}
	if total <= 0 || pool <= 0 {
		return out
	}

	type rem struct {
		idx int
		r   *big.Int
	}
	rems := make([]rem, len(weights))
	var allocated int64
	for i, w := range weights {
		q, r := fpmath.MulDivRem(pool, w, total)
		out[i] = q
		allocated += q
		rems[i] = rem{idx: i, r: r}
	}

	sort.SliceStable(rems, func(a, b int) bool {
		if c := rems[a].r.Cmp(rems[b].r); c != 0 {
			return c > 0
		}
		return keys[rems[a].idx] < keys[rems[b].idx]
	})

	// Leftover is strictly less than len(weights).
	for left, i := pool-allocated, 0; left > 0; left, i = left-1, i+1 {
		out[rems[i%len(rems)].idx]++
	}
	return out
}

func aggregate(stakes []Stake) ([]Payout, error) {
	byUser := make(map[uuid.UUID]int)
	var out []Payout
	for _, s := range stakes {
		if s.Units < 0 {
			return nil, fmt.Errorf("%w: user %s has %d", ErrNegativeStake, s.UserID, s.Units)
		}
		idx, ok := byUser[s.UserID]
		if !ok {
			out = append(out, Payout{UserID: s.UserID, Address: s.Address})
			idx = len(out) - 1
			byUser[s.UserID] = idx
		}
		sum, err := addUnits(out[idx].StakeUnits, s.Units)
		if err != nil {
			return nil, err
		}
		out[idx].StakeUnits = sum
		if out[idx].Address == "" {
			out[idx].Address = s.Address
		}
	}

	// Zero-stake winners cannot receive a share.
	filtered := out[:0]
	for _, p := range out {
		if p.StakeUnits > 0 {
			filtered = append(filtered, p)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		return tieBreakKey(filtered[i]) < tieBreakKey(filtered[j])
	})
	return filtered, nil
}

func sumStakes(stakes []Stake) (int64, error) {
	var total int64
	var err error
	for _, s := range stakes {
		if s.Units < 0 {
			return 0, fmt.Errorf("%w: user %s has %d", ErrNegativeStake, s.UserID, s.Units)
		}
		if total, err = addUnits(total, s.Units); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func addUnits(a, b int64) (int64, error) {
	if b > 0 && a > gomath.MaxInt64-b {
		return 0, ErrUnitsOverflow
	}
	return a + b, nil
}

func tieBreakKey(p Payout) string {
	if p.Address != "" {
		return strings.ToLower(p.Address)
	}
	return p.UserID.String()
}
