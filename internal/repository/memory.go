package repository

import (
	"context"
	"sync"
	"time"

	"leadsync/internal/models"
)

type memoryLock struct {
	token     uint64
	expiresAt time.Time
}

// MemoryRepository is the in-process stand-in for RedisRepository.
type MemoryRepository struct {
	mu          sync.Mutex
	locks       map[string]memoryLock
	seq         uint64
	deadLetters []DeadLetter
	max         int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		locks: make(map[string]memoryLock),
		max:   1000,
	}
}

func (r *MemoryRepository) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if l, ok := r.locks[key]; ok && now.Before(l.expiresAt) {
		return nil, false, nil
	}

	r.seq++
	token := r.seq
	r.locks[key] = memoryLock{token: token, expiresAt: now.Add(ttl)}

	release := func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if l, ok := r.locks[key]; ok && l.token == token {
			delete(r.locks, key)
		}
		return nil
	}
	return release, true, nil
}

func (r *MemoryRepository) PushDeadLetter(_ context.Context, event *models.QueuedEvent, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := DeadLetter{Event: event, Reason: reason, FrozenAt: time.Now().UTC()}
	r.deadLetters = append([]DeadLetter{entry}, r.deadLetters...)
	if len(r.deadLetters) > r.max {
		r.deadLetters = r.deadLetters[:r.max]
	}
	return nil
}

func (r *MemoryRepository) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > len(r.deadLetters) {
		limit = len(r.deadLetters)
	}
	out := make([]DeadLetter, limit)
	copy(out, r.deadLetters[:limit])
	return out, nil
}
