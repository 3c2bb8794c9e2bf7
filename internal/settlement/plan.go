package settlement

import (
	"SettleLedger/internal/ledger"
	fpmath "SettleLedger/internal/math"
	"SettleLedger/internal/payout"
	"fmt"

	"github.com/google/uuid"
)

// railPlan is the computed distribution for one rail.
//
// Zero-side policy:
//   - no losing stake: fees are zero and every winner is refunded their stake.
//   - no winning stake: fees are zero and the whole losing pool is forfeited
//     to the platform treasury.
type railPlan struct {
	rail    ledger.Rail
	result  payout.Result
	summary RailSettlement
	refund  bool
	forfeit bool
}

type plan struct {
	winningOptionID uuid.UUID
	rails           []railPlan
	entryStatuses   map[EntryStatus][]uuid.UUID
}

func (p plan) summaries() []RailSettlement {
	out := make([]RailSettlement, len(p.rails))
	for i, rp := range p.rails {
		out[i] = rp.summary
	}
	return out
}

func (p plan) rail(r ledger.Rail) (railPlan, bool) {
	for _, rp := range p.rails {
		if rp.rail == r {
			return rp, true
		}
	}
	return railPlan{}, false
}

// computePlan groups entries by rail, converts stakes to minor units once
// and runs the calculator for each rail that has entries.
func computePlan(pred Prediction, winningOptionID uuid.UUID, entries []Entry) (plan, error) {
	p := plan{
		winningOptionID: winningOptionID,
		entryStatuses:   make(map[EntryStatus][]uuid.UUID),
	}

	byRail := make(map[ledger.Rail][]Entry)
	for _, e := range entries {
		if !e.Rail.Valid() {
			return plan{}, fmt.Errorf("entry %s: %w: unknown rail %q", e.ID, ErrInvalidEntry, e.Rail)
		}
		byRail[e.Rail] = append(byRail[e.Rail], e)
	}

	for _, rail := range ledger.AllRails() {
		railEntries := byRail[rail]
		if len(railEntries) == 0 {
			continue
		}
		cfg, _ := rail.Currency().Config()

		in := payout.Input{PlatformFeeBps: pred.PlatformFeeBps, CreatorFeeBps: pred.CreatorFeeBps}
		var winners, losers []uuid.UUID
		for _, e := range railEntries {
			units, err := fpmath.ToUnits(e.Amount, cfg)
			if err != nil {
				return plan{}, fmt.Errorf("entry %s: %w", e.ID, err)
			}
			stake := payout.Stake{UserID: e.UserID, Units: units}
			if e.OptionID == winningOptionID {
				in.Winning = append(in.Winning, stake)
				winners = append(winners, e.ID)
			} else {
				in.Losing = append(in.Losing, stake)
				losers = append(losers, e.ID)
			}
		}

		res, err := payout.Calculate(in)
		if err != nil {
			return plan{}, fmt.Errorf("calculate %s rail: %w", rail, err)
		}

		rp := railPlan{rail: rail, result: res}
		rp.summary = RailSettlement{
			Rail:              rail,
			Currency:          rail.Currency(),
			WinningStakeUnits: res.TotalWinningUnits,
			LosingStakeUnits:  res.TotalLosingUnits,
			PlatformFeeUnits:  res.PlatformFeeUnits,
			CreatorFeeUnits:   res.CreatorFeeUnits,
			PrizePoolUnits:    res.PrizePoolUnits,
			PayoutPoolUnits:   res.PayoutPoolUnits,
			WinnerCount:       len(res.Payouts),
		}

		switch {
		case res.NoWinners:
			rp.forfeit = true
			rp.summary.PlatformFeeUnits = 0
			rp.summary.CreatorFeeUnits = 0
			rp.summary.PrizePoolUnits = 0
			rp.summary.PayoutPoolUnits = 0
			rp.summary.ForfeitUnits = res.TotalLosingUnits
			rp.result.Payouts = nil
		case res.TotalLosingUnits == 0:
			rp.refund = true
		}

		if rp.refund {
			p.entryStatuses[EntryRefunded] = append(p.entryStatuses[EntryRefunded], winners...)
		} else {
			p.entryStatuses[EntryWon] = append(p.entryStatuses[EntryWon], winners...)
		}
		p.entryStatuses[EntryLost] = append(p.entryStatuses[EntryLost], losers...)
		p.rails = append(p.rails, rp)
	}
	return p, nil
}
