package core

import (
	"SettleLedger/internal/observability"
	"SettleLedger/internal/state"
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrEmptyKey    = errors.New("idempotency key is required")
	ErrInProgress  = errors.New("request with this idempotency key is in progress")
	ErrKeyReuse    = errors.New("idempotency key reused with a different request")
	ErrKeyNotFound = errors.New("idempotency key not found")
)

const (
	// DefaultRetention is how long completed and failed keys are kept.
	DefaultRetention = 24 * time.Hour

	// DefaultStaleAfter is how long a processing key may go untouched
	// before another caller may take it over.
	DefaultStaleAfter = 10 * time.Minute
)

// KeyRecord is the stored state of one idempotency key.
type KeyRecord struct {
	Key         string
	RequestHash string
	Status      state.KeyStatus
	StatusCode  int
	Response    []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// KeyStore is the durable tier. Claim must be atomic: exactly one of any
// number of concurrent callers observes inserted=true.
type KeyStore interface {
	Claim(ctx context.Context, key, requestHash string, now time.Time) (inserted bool, err error)
	Get(ctx context.Context, key string) (KeyRecord, error)
	// Reclaim moves a failed key, or a processing key last updated before
	// staleBefore, back to processing; false if another caller won.
	Reclaim(ctx context.Context, key, requestHash string, staleBefore, now time.Time) (bool, error)
	Complete(ctx context.Context, key string, statusCode int, response []byte, now time.Time) error
	Fail(ctx context.Context, key string, statusCode int, now time.Time) error
	// Purge deletes non-processing keys created before the cutoff.
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// DecisionKind tells the caller what to do next.
type DecisionKind int

const (
	DecisionProceed DecisionKind = iota
	DecisionReplay
)

// Token identifies a claimed key; pass it back to Complete or Fail.
type Token struct {
	Key         string
	RequestHash string
}

// Decision is the outcome of BeginOrReplay.
type Decision struct {
	Kind       DecisionKind
	Token      Token
	StatusCode int
	Response   []byte
}

// IdempotencyGuard implements two-tier deduplication: an in-process LRU of
// completed responses in front of the durable KeyStore.
type IdempotencyGuard struct {
	store      KeyStore
	cache      *IdempotencyLRU
	retention  time.Duration
	staleAfter time.Duration
	metrics    *observability.Metrics
	now        func() time.Time
}

func NewIdempotencyGuard(store KeyStore, cacheCapacity int, retention time.Duration, metrics *observability.Metrics) *IdempotencyGuard {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &IdempotencyGuard{
		store:      store,
		cache:      NewIdempotencyLRU(cacheCapacity),
		retention:  retention,
		staleAfter: DefaultStaleAfter,
		metrics:    metrics,
		now:        time.Now,
	}
}

// SetStaleAfter bounds how long a processing key blocks its request. A
// worker that crashed before Complete or Fail leaves the key processing;
// once it is older than d the next caller takes it over.
func (g *IdempotencyGuard) SetStaleAfter(d time.Duration) {
	if d > 0 {
		g.staleAfter = d
	}
}

// BeginOrReplay records key as processing, or replays its stored response.
func (g *IdempotencyGuard) BeginOrReplay(ctx context.Context, key, requestHash string) (Decision, error) {
	if key == "" {
		return Decision{}, ErrEmptyKey
	}
	now := g.now()

	// Tier 1: completed responses (hot path)
	if rec, ok := g.cache.Get(key); ok && now.Sub(rec.CreatedAt) < g.retention {
		if rec.RequestHash != requestHash {
			return Decision{}, ErrKeyReuse
		}
		g.metrics.RecordIdempotency("replay_lru")
		return replay(rec), nil
	}

	// Tier 2: durable store. Two attempts cover a purge racing between
	// the failed claim and the read-back.
	for attempt := 0; attempt < 2; attempt++ {
		inserted, err := g.store.Claim(ctx, key, requestHash, now)
		if err != nil {
			return Decision{}, fmt.Errorf("claim idempotency key: %w", err)
		}
		if inserted {
			g.metrics.RecordIdempotency("proceed")
			return Decision{Kind: DecisionProceed, Token: Token{Key: key, RequestHash: requestHash}}, nil
		}

		rec, err := g.store.Get(ctx, key)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return Decision{}, fmt.Errorf("load idempotency key: %w", err)
		}
		if rec.RequestHash != requestHash {
			return Decision{}, ErrKeyReuse
		}

		switch rec.Status {
		case state.KeyCompleted:
			g.cache.Add(rec)
			g.metrics.RecordIdempotency("replay")
			return replay(rec), nil
		case state.KeyProcessing, state.KeyFailed:
			if rec.Status == state.KeyProcessing && now.Sub(rec.UpdatedAt) < g.staleAfter {
				g.metrics.RecordIdempotency("in_progress")
				return Decision{}, ErrInProgress
			}
			ok, err := g.store.Reclaim(ctx, key, requestHash, now.Add(-g.staleAfter), now)
			if err != nil {
				return Decision{}, fmt.Errorf("reclaim idempotency key: %w", err)
			}
			if !ok {
				return Decision{}, ErrInProgress
			}
			if rec.Status == state.KeyProcessing {
				g.metrics.RecordIdempotency("reclaimed_stale")
			} else {
				g.metrics.RecordIdempotency("reclaimed")
			}
			return Decision{Kind: DecisionProceed, Token: Token{Key: key, RequestHash: requestHash}}, nil
		default:
			return Decision{}, fmt.Errorf("idempotency key %s has unknown status %q", key, rec.Status)
		}
	}
	return Decision{}, ErrInProgress
}

// Complete stores the response so later calls replay it.
func (g *IdempotencyGuard) Complete(ctx context.Context, tok Token, statusCode int, response []byte) error {
	now := g.now()
	if err := g.store.Complete(ctx, tok.Key, statusCode, response, now); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	g.cache.Add(KeyRecord{
		Key:         tok.Key,
		RequestHash: tok.RequestHash,
		Status:      state.KeyCompleted,
		StatusCode:  statusCode,
		Response:    response,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	return nil
}

// Fail marks the key failed; a later call with the same request may retry.
func (g *IdempotencyGuard) Fail(ctx context.Context, tok Token, statusCode int) error {
	if err := g.store.Fail(ctx, tok.Key, statusCode, g.now()); err != nil {
		return fmt.Errorf("fail idempotency key: %w", err)
	}
	return nil
}

// Purge removes keys past the retention window. Processing keys stay.
func (g *IdempotencyGuard) Purge(ctx context.Context) (int64, error) {
	n, err := g.store.Purge(ctx, g.now().Add(-g.retention))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return n, nil
}

func replay(rec KeyRecord) Decision {
	return Decision{
		Kind:       DecisionReplay,
		Token:      Token{Key: rec.Key, RequestHash: rec.RequestHash},
		StatusCode: rec.StatusCode,
		Response:   rec.Response,
	}
}

// --- LRU Implementation ---

// IdempotencyLRU caches completed key records. Safe for concurrent use.
type IdempotencyLRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Get returns the record for key and promotes it.
func (lru *IdempotencyLRU) Get(key string) (KeyRecord, bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	elem, exists := lru.cache[key]
	if !exists {
		return KeyRecord{}, false
	}
	lru.lruList.MoveToFront(elem)
	return elem.Value.(KeyRecord), true
}

// Add inserts or replaces a record.
func (lru *IdempotencyLRU) Add(rec KeyRecord) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if elem, exists := lru.cache[rec.Key]; exists {
		elem.Value = rec
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[rec.Key] = lru.lruList.PushFront(rec)
	if lru.lruList.Len() > lru.capacity {
		oldest := lru.lruList.Back()
		lru.lruList.Remove(oldest)
		delete(lru.cache, oldest.Value.(KeyRecord).Key)
		lru.evictions++
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.evictions
}
