package core

import (
	"SettleLedger/internal/state"
	"context"
	"sync"
	"time"
)

// MemoryKeyStore is an in-process KeyStore for tests and single-node tools.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string]KeyRecord
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]KeyRecord)}
}

func (s *MemoryKeyStore) Claim(_ context.Context, key, requestHash string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key]; exists {
		return false, nil
	}
	s.keys[key] = KeyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      state.KeyProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return true, nil
}

func (s *MemoryKeyStore) Get(_ context.Context, key string) (KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[key]
	if !ok {
		return KeyRecord{}, ErrKeyNotFound
	}
	return rec, nil
}

func (s *MemoryKeyStore) Reclaim(_ context.Context, key, requestHash string, staleBefore, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[key]
	if !ok || rec.RequestHash != requestHash {
		return false, nil
	}
	stale := rec.Status == state.KeyProcessing && rec.UpdatedAt.Before(staleBefore)
	if rec.Status != state.KeyFailed && !stale {
		return false, nil
	}
	rec.Status = state.KeyProcessing
	rec.UpdatedAt = now
	s.keys[key] = rec
	return true, nil
}

func (s *MemoryKeyStore) Complete(_ context.Context, key string, statusCode int, response []byte, now time.Time) error {
	return s.finish(key, state.KeyCompleted, statusCode, response, now)
}

func (s *MemoryKeyStore) Fail(_ context.Context, key string, statusCode int, now time.Time) error {
	return s.finish(key, state.KeyFailed, statusCode, nil, now)
}

func (s *MemoryKeyStore) finish(key string, to state.KeyStatus, statusCode int, response []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[key]
	if !ok {
		return ErrKeyNotFound
	}
	if !rec.Status.CanTransition(to) {
		return state.ErrInvalidTransition
	}
	rec.Status = to
	rec.StatusCode = statusCode
	rec.Response = append([]byte(nil), response...)
	rec.UpdatedAt = now
	s.keys[key] = rec
	return nil
}

func (s *MemoryKeyStore) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, rec := range s.keys {
		if rec.Status != state.KeyProcessing && rec.CreatedAt.Before(before) {
			delete(s.keys, key)
			n++
		}
	}
	return n, nil
}
