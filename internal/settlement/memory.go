package settlement

import (
	"SettleLedger/internal/merkle"
	"SettleLedger/internal/state"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository for tests and local tooling.
// Conditional updates compare the current status under the mutex the way
// the Postgres store does in its WHERE clause.
type MemoryRepository struct {
	mu          sync.Mutex
	predictions map[uuid.UUID]Prediction
	options     map[uuid.UUID][]Option
	entries     map[uuid.UUID][]Entry
	records     map[uuid.UUID]Record
	leaves      map[uuid.UUID][]merkle.Leaf
	jobs        map[uuid.UUID]Job
	disputes    map[uuid.UUID]Dispute
	corrections map[uuid.UUID]Correction
	audit       []AuditEntry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		predictions: make(map[uuid.UUID]Prediction),
		options:     make(map[uuid.UUID][]Option),
		entries:     make(map[uuid.UUID][]Entry),
		records:     make(map[uuid.UUID]Record),
		leaves:      make(map[uuid.UUID][]merkle.Leaf),
		jobs:        make(map[uuid.UUID]Job),
		disputes:    make(map[uuid.UUID]Dispute),
		corrections: make(map[uuid.UUID]Correction),
	}
}

// --- Seeding ---

func (m *MemoryRepository) AddPrediction(p Prediction, options ...Option) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions[p.ID] = p
	m.options[p.ID] = append(m.options[p.ID], options...)
}

func (m *MemoryRepository) AddEntries(entries ...Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if e.Status == "" {
			e.Status = EntryActive
		}
		m.entries[e.PredictionID] = append(m.entries[e.PredictionID], e)
	}
}

// Audit returns a copy of the audit log.
func (m *MemoryRepository) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

// --- PredictionStore ---

func (m *MemoryRepository) GetPrediction(_ context.Context, id uuid.UUID) (Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.predictions[id]
	if !ok {
		return Prediction{}, ErrPredictionNotFound
	}
	return p, nil
}

func (m *MemoryRepository) ListOptions(_ context.Context, predictionID uuid.UUID) ([]Option, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Option(nil), m.options[predictionID]...), nil
}

func (m *MemoryRepository) ListEntries(_ context.Context, predictionID uuid.UUID) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries[predictionID]...), nil
}

func (m *MemoryRepository) RecordOutcome(_ context.Context, predictionID, optionID uuid.UUID, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.predictions[predictionID]
	if !ok {
		return ErrPredictionNotFound
	}
	p.WinningOptionID = &optionID
	if p.Status == state.PredictionOpen {
		p.Status = state.PredictionClosed
	}
	m.predictions[predictionID] = p
	return nil
}

func (m *MemoryRepository) SetPredictionStatus(_ context.Context, id uuid.UUID, from, to state.PredictionStatus, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.predictions[id]
	if !ok {
		return false, ErrPredictionNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	m.predictions[id] = p
	return true, nil
}

func (m *MemoryRepository) SetEntryStatuses(_ context.Context, predictionID uuid.UUID, byStatus map[EntryStatus][]uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target := make(map[uuid.UUID]EntryStatus)
	for status, ids := range byStatus {
		for _, id := range ids {
			target[id] = status
		}
	}
	entries := m.entries[predictionID]
	for i := range entries {
		if status, ok := target[entries[i].ID]; ok {
			entries[i].Status = status
		}
	}
	return nil
}

// --- RecordStore ---

func (m *MemoryRepository) CreateRecord(_ context.Context, rec Record) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[rec.PredictionID]; ok {
		return existing, false, nil
	}
	rec.Rails = append([]RailSettlement(nil), rec.Rails...)
	m.records[rec.PredictionID] = rec
	return rec, true, nil
}

func (m *MemoryRepository) GetRecord(_ context.Context, predictionID uuid.UUID) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[predictionID]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

func (m *MemoryRepository) UpdateRecord(_ context.Context, rec Record, from state.SettlementStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[rec.PredictionID]
	if !ok {
		return false, ErrRecordNotFound
	}
	if cur.Status != from {
		return false, nil
	}
	cur.Status = rec.Status
	cur.MerkleRoot = rec.MerkleRoot
	cur.LeafCount = rec.LeafCount
	cur.UnresolvedWinners = rec.UnresolvedWinners
	cur.TxHash = rec.TxHash
	cur.UpdatedAt = rec.UpdatedAt
	m.records[rec.PredictionID] = cur
	return true, nil
}

func (m *MemoryRepository) PublishRoot(_ context.Context, rec Record, from state.SettlementStatus, leaves []merkle.Leaf) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[rec.PredictionID]
	if !ok {
		return false, ErrRecordNotFound
	}
	if cur.Status != from || cur.MerkleRoot != "" {
		return false, nil
	}
	cur.Status = rec.Status
	cur.MerkleRoot = rec.MerkleRoot
	cur.LeafCount = rec.LeafCount
	cur.UnresolvedWinners = rec.UnresolvedWinners
	cur.UpdatedAt = rec.UpdatedAt
	m.records[rec.PredictionID] = cur
	m.leaves[rec.PredictionID] = append([]merkle.Leaf(nil), leaves...)
	return true, nil
}

// SeedLeaves stores leaves without touching the record.
func (m *MemoryRepository) SeedLeaves(predictionID uuid.UUID, leaves ...merkle.Leaf) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaves[predictionID] = append(m.leaves[predictionID], leaves...)
}

func (m *MemoryRepository) ListLeaves(_ context.Context, predictionID uuid.UUID) ([]merkle.Leaf, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]merkle.Leaf(nil), m.leaves[predictionID]...), nil
}

// --- JobStore ---

func (m *MemoryRepository) EnsureJob(_ context.Context, predictionID uuid.UUID, requestedBy *uuid.UUID, now time.Time) (Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[predictionID]; ok {
		return job, false, nil
	}
	job := Job{
		PredictionID: predictionID,
		Status:       state.FinalizeQueued,
		RequestedBy:  requestedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.jobs[predictionID] = job
	return job, true, nil
}

func (m *MemoryRepository) GetJob(_ context.Context, predictionID uuid.UUID) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[predictionID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

func (m *MemoryRepository) TransitionJob(_ context.Context, predictionID uuid.UUID, from, to state.FinalizeStatus, patch JobPatch, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[predictionID]
	if !ok {
		return false, ErrJobNotFound
	}
	if job.Status != from {
		return false, nil
	}
	if _, err := from.Transition(to); err != nil {
		return false, err
	}
	if err := patch.Check(to); err != nil {
		return false, err
	}
	job.Status = to
	job.Error = patch.Error
	if patch.TxHash != "" {
		job.TxHash = patch.TxHash
	}
	if patch.RequestedBy != nil {
		job.RequestedBy = patch.RequestedBy
	}
	if patch.StartedAt != nil {
		job.StartedAt = patch.StartedAt
	}
	if patch.IncrementAttempts {
		job.Attempts++
	}
	job.UpdatedAt = now
	m.jobs[predictionID] = job
	return true, nil
}

func (m *MemoryRepository) ListJobs(_ context.Context, status state.FinalizeStatus) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, job := range m.jobs {
		if status == "" || job.Status == status {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- DisputeStore ---

func (m *MemoryRepository) CreateDispute(_ context.Context, d Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[d.ID] = d
	return nil
}

func (m *MemoryRepository) GetDispute(_ context.Context, id uuid.UUID) (Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return Dispute{}, ErrDisputeNotFound
	}
	return d, nil
}

func (m *MemoryRepository) UpdateDispute(_ context.Context, d Dispute, from state.DisputeStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.disputes[d.ID]
	if !ok {
		return false, ErrDisputeNotFound
	}
	if cur.Status != from {
		return false, nil
	}
	m.disputes[d.ID] = d
	return true, nil
}

func (m *MemoryRepository) ListDisputes(_ context.Context, status state.DisputeStatus) ([]Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Dispute
	for _, d := range m.disputes {
		if status == "" || d.Status == status {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) CreateCorrection(_ context.Context, c Correction) (Correction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.corrections {
		if existing.DisputeID == c.DisputeID {
			return existing, nil
		}
	}
	m.corrections[c.ID] = c
	return c, nil
}

func (m *MemoryRepository) GetCorrection(_ context.Context, id uuid.UUID) (Correction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.corrections[id]
	if !ok {
		return Correction{}, ErrCorrectionNotFound
	}
	return c, nil
}

func (m *MemoryRepository) UpdateCorrection(_ context.Context, c Correction, from state.CorrectionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.corrections[c.ID]
	if !ok {
		return false, ErrCorrectionNotFound
	}
	if cur.Status != from {
		return false, nil
	}
	m.corrections[c.ID] = c
	return true, nil
}

// --- AuditLog ---

func (m *MemoryRepository) AppendAudit(_ context.Context, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}
