package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"leadsync/internal/models"
)

// Coordinator is the shared state used by engine passes.
type Coordinator interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error)
	PushDeadLetter(ctx context.Context, event *models.QueuedEvent, reason string) error
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

const recheckAfter = time.Minute

// FailoverRepository uses the primary until it errors, then the fallback.
// The primary is retried once per minute.
type FailoverRepository struct {
	primary  Coordinator
	fallback Coordinator
	logger   *zerolog.Logger

	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverRepository(primary, fallback Coordinator, logger *zerolog.Logger) *FailoverRepository {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

// usePrimary reports whether the next call should try the primary.
func (r *FailoverRepository) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastCheck) > recheckAfter {
		r.lastCheck = time.Now()
		return true
	}
	return false
}

func (r *FailoverRepository) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary coordinator failed, falling back to memory")
	}
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()
}

func (r *FailoverRepository) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary coordinator recovered")
	}
}

// Degraded reports whether calls currently go to the fallback.
func (r *FailoverRepository) Degraded() bool {
	return r.isDown.Load()
}

func (r *FailoverRepository) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if r.usePrimary() {
		release, ok, err := r.primary.Acquire(ctx, key, ttl)
		if err == nil {
			r.markUp()
			return release, ok, nil
		}
		r.markDown(err)
	}
	return r.fallback.Acquire(ctx, key, ttl)
}

func (r *FailoverRepository) PushDeadLetter(ctx context.Context, event *models.QueuedEvent, reason string) error {
	if r.usePrimary() {
		err := r.primary.PushDeadLetter(ctx, event, reason)
		if err == nil {
			r.markUp()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.PushDeadLetter(ctx, event, reason)
}

func (r *FailoverRepository) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if r.usePrimary() {
		entries, err := r.primary.DeadLetters(ctx, limit)
		if err == nil {
			r.markUp()
			return entries, nil
		}
		r.markDown(err)
	}
	return r.fallback.DeadLetters(ctx, limit)
}
