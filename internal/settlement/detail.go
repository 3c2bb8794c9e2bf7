package settlement

import (
	"SettleLedger/internal/ledger"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OptionStat summarizes the stakes on one option.
type OptionStat struct {
	OptionID uuid.UUID                       `json:"option_id"`
	Label    string                          `json:"label"`
	Entries  int                             `json:"entries"`
	Winning  bool                            `json:"winning"`
	Stakes   map[ledger.Rail]decimal.Decimal `json:"stakes"`
}

// Detail is the admin view of one prediction's settlement.
type Detail struct {
	Prediction Prediction   `json:"prediction"`
	Record     *Record      `json:"record,omitempty"`
	Job        *Job         `json:"job,omitempty"`
	Options    []OptionStat `json:"options"`
}

// Detail loads the prediction with its record, job and per-option stakes.
func (o *Orchestrator) Detail(ctx context.Context, predictionID uuid.UUID) (Detail, error) {
	pred, err := o.repo.GetPrediction(ctx, predictionID)
	if err != nil {
		return Detail{}, err
	}
	out := Detail{Prediction: pred}

	rec, err := o.repo.GetRecord(ctx, predictionID)
	switch {
	case err == nil:
		out.Record = &rec
	case !errors.Is(err, ErrRecordNotFound):
		return Detail{}, err
	}

	job, err := o.repo.GetJob(ctx, predictionID)
	switch {
	case err == nil:
		out.Job = &job
	case !errors.Is(err, ErrJobNotFound):
		return Detail{}, err
	}

	options, err := o.repo.ListOptions(ctx, predictionID)
	if err != nil {
		return Detail{}, fmt.Errorf("list options: %w", err)
	}
	entries, err := o.repo.ListEntries(ctx, predictionID)
	if err != nil {
		return Detail{}, fmt.Errorf("list entries: %w", err)
	}

	idx := make(map[uuid.UUID]int, len(options))
	for i, opt := range options {
		idx[opt.ID] = i
		out.Options = append(out.Options, OptionStat{
			OptionID: opt.ID,
			Label:    opt.Label,
			Winning:  pred.WinningOptionID != nil && *pred.WinningOptionID == opt.ID,
			Stakes:   make(map[ledger.Rail]decimal.Decimal),
		})
	}
	for _, e := range entries {
		i, ok := idx[e.OptionID]
		if !ok {
			continue
		}
		stat := &out.Options[i]
		stat.Entries++
		stat.Stakes[e.Rail] = stat.Stakes[e.Rail].Add(e.Amount)
	}
	return out, nil
}
