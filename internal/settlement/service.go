package settlement

import (
	"SettleLedger/internal/event"
	"SettleLedger/internal/ledger"
	"SettleLedger/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// UnresolvedPolicy decides what happens to crypto winners without a payout
// address.
type UnresolvedPolicy string

const (
	// UnresolvedBlock withholds the Merkle root until every winner resolves.
	UnresolvedBlock UnresolvedPolicy = "block"
	// UnresolvedOffchainCredit pays unresolved winners on the internal
	// wallet and builds the root from the rest.
	UnresolvedOffchainCredit UnresolvedPolicy = "offchain_credit"
)

func ParseUnresolvedPolicy(s string) (UnresolvedPolicy, error) {
	switch p := UnresolvedPolicy(s); p {
	case UnresolvedBlock, UnresolvedOffchainCredit:
		return p, nil
	case "":
		return UnresolvedBlock, nil
	default:
		return "", fmt.Errorf("unknown unresolved-address policy %q", s)
	}
}

// Options are the deployment-level settings shared by the services.
type Options struct {
	// TreasuryUserID receives platform fees and forfeited pools off-chain.
	TreasuryUserID uuid.UUID
	// PlatformAddress receives the platform fee on-chain.
	PlatformAddress  string
	UnresolvedPolicy UnresolvedPolicy
}

// Deps is the collaborator set the services are built from.
type Deps struct {
	Repo      Repository
	Ledger    *ledger.Ledger
	Addresses AddressResolver
	Relayer   RelayerClient
	Notifier  NotificationSink
	Publisher EventPublisher
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
	Options   Options
}

type base struct {
	repo      Repository
	ledger    *ledger.Ledger
	publisher EventPublisher
	metrics   *observability.Metrics
	logger    zerolog.Logger
	opts      Options
	now       func() time.Time
}

func newBase(d Deps, component string) base {
	if d.Options.UnresolvedPolicy == "" {
		d.Options.UnresolvedPolicy = UnresolvedBlock
	}
	return base{
		repo:      d.Repo,
		ledger:    d.Ledger,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		logger:    d.Logger.With().Str("service", component).Logger(),
		opts:      d.Options,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// post writes one ledger row and counts it.
func (b *base) post(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	stored, inserted, err := b.ledger.Post(ctx, tx)
	if err != nil {
		return ledger.Transaction{}, err
	}
	b.metrics.RecordPosting(tx.Channel, inserted)
	return stored, nil
}

// audit is best effort: the action has already happened.
func (b *base) audit(ctx context.Context, actor *uuid.UUID, action string, target uuid.UUID, meta event.Meta) {
	entry := AuditEntry{ActorID: actor, Action: action, TargetID: target, Meta: meta}
	if err := b.repo.AppendAudit(ctx, entry); err != nil {
		b.logger.Warn().Err(err).Str("action", action).Str("target", target.String()).Msg("audit append failed")
	}
}

func (b *base) publish(ctx context.Context, eventType event.EventType, predictionID uuid.UUID, actor *uuid.UUID, meta event.Meta) {
	if b.publisher == nil {
		return
	}
	env := event.NewEnvelope(eventType, predictionID, actor, meta)
	if err := b.publisher.Publish(ctx, env); err != nil {
		b.logger.Warn().Err(err).Str("event_type", eventType.String()).Msg("event publish failed")
	}
}

func ref(kind string, ids ...uuid.UUID) string {
	s := kind
	for _, id := range ids {
		s += ":" + id.String()
	}
	return s
}

func railNames(rails []RailSettlement) []string {
	out := make([]string, len(rails))
	for i, r := range rails {
		out[i] = string(r.Rail)
	}
	return out
}
