// Package worker runs the handler execution engine: it drains due events
// from the queue in creation order and records the outcome of each one.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"leadsync/internal/config"
	"leadsync/internal/domain"
	"leadsync/internal/events"
	"leadsync/internal/logging"
	"leadsync/internal/metrics"
	"leadsync/internal/models"
	"leadsync/internal/router"
)

// ErrPassInProgress is returned when another pass holds the engine lock.
var ErrPassInProgress = errors.New("engine pass already in progress")

// defaultHandlerGrace bounds how long a timed-out handler may keep running
// before the engine moves on to the next event.
const defaultHandlerGrace = 2 * time.Second

// Dispatcher finds the handler of an event type.
type Dispatcher interface {
	Lookup(objectType, action string) (router.Handler, bool)
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeProcessed
	outcomeSkipped
	outcomeFailed
)

// Engine executes queued events. Events of one pass run sequentially.
type Engine struct {
	queue      domain.EventQueue
	dispatcher Dispatcher
	locker     domain.Locker
	deadLetter domain.DeadLetterSink
	publisher  domain.EventPublisher
	cfg        config.EngineConfig
	retry      RetryPolicy
	logger     *zerolog.Logger
	now        func() time.Time
	grace      time.Duration

	mu sync.Mutex
}

// NewEngine wires an engine. locker, deadLetter and publisher may be nil.
func NewEngine(
	queue domain.EventQueue,
	dispatcher Dispatcher,
	locker domain.Locker,
	deadLetter domain.DeadLetterSink,
	publisher domain.EventPublisher,
	cfg config.EngineConfig,
	logger *zerolog.Logger,
) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = models.DefaultBatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	return &Engine{
		queue:      queue,
		dispatcher: dispatcher,
		locker:     locker,
		deadLetter: deadLetter,
		publisher:  publisher,
		cfg:        cfg,
		retry: RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.BaseDelay,
			MaxDelay:   cfg.MaxDelay,
		},
		logger: logging.Component(logger, "engine"),
		now:    func() time.Time { return time.Now().UTC() },
		grace:  defaultHandlerGrace,
	}
}

// Start runs a pass immediately and then on every tick until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	e.logger.Info().Dur("interval", e.cfg.Interval).Int("batch_size", e.cfg.BatchSize).Msg("Engine started")
	defer e.logger.Info().Msg("Engine stopped")

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		e.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	result, err := e.RunPass(ctx)
	switch {
	case errors.Is(err, ErrPassInProgress):
		e.logger.Debug().Msg("Pass skipped, another pass is running")
	case err != nil:
		e.logger.Error().Err(err).Msg("Engine pass failed")
	case result.Processed+result.Failed+result.Skipped > 0:
		e.logger.Info().
			Int("processed", result.Processed).
			Int("failed", result.Failed).
			Int("skipped", result.Skipped).
			Int64("processing_time_ms", result.ProcessingTimeMS).
			Msg("Engine pass finished")
	}
}

// RunPass processes up to BatchSize due events. Handler failures are
// recorded per event and never abort the pass.
func (e *Engine) RunPass(ctx context.Context) (*models.PassResult, error) {
	if !e.mu.TryLock() {
		return nil, ErrPassInProgress
	}
	defer e.mu.Unlock()

	if e.locker != nil {
		release, ok, err := e.locker.Acquire(ctx, models.PassLockKey, e.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire pass lock: %w", err)
		}
		if !ok {
			return nil, ErrPassInProgress
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				e.logger.Warn().Err(err).Msg("Failed to release pass lock")
			}
		}()
	}

	start := time.Now()
	result := &models.PassResult{}

	e.recoverStale(ctx)

	due, err := e.queue.FetchDueEvents(ctx, e.now(), e.cfg.MaxRetries, e.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("fetch due events: %w", err)
	}

	for _, event := range due {
		if ctx.Err() != nil {
			break
		}
		switch e.process(ctx, event) {
		case outcomeProcessed:
			result.Processed++
		case outcomeSkipped:
			result.Skipped++
		case outcomeFailed:
			result.Failed++
		}
	}

	elapsed := time.Since(start)
	result.ProcessingTimeMS = elapsed.Milliseconds()

	metrics.AddEvents("completed", result.Processed)
	metrics.AddEvents("skipped", result.Skipped)
	metrics.AddEvents("failed", result.Failed)
	metrics.ObservePass(elapsed)

	return result, nil
}

func (e *Engine) process(ctx context.Context, event *models.QueuedEvent) outcome {
	log := e.logger.With().
		Int64("event_id", event.ID).
		Str("workspace_id", event.WorkspaceID).
		Str("route", event.Route()).
		Str("external_id", event.ExternalID).
		Logger()

	claimed, err := e.queue.ClaimEvent(ctx, event.ID, e.now())
	if err != nil {
		log.Error().Err(err).Msg("Failed to claim event")
		return outcomeFailed
	}
	if !claimed {
		log.Debug().Msg("Event claimed elsewhere")
		return outcomeNone
	}

	// status writes must land even if the pass context is cancelled
	writeCtx := context.WithoutCancel(ctx)

	handler, ok := e.dispatcher.Lookup(event.ObjectType, event.Action)
	if !ok {
		reason := fmt.Sprintf("no handler for %s", event.Route())
		log.Warn().Msg("Unsupported event type, skipping")
		if err := e.queue.SkipEvent(writeCtx, event.ID, reason, e.now()); err != nil {
			log.Error().Err(err).Msg("Failed to mark event skipped")
		}
		return outcomeSkipped
	}

	if err := e.invoke(ctx, handler, event); err != nil {
		e.fail(writeCtx, event, err, log)
		return outcomeFailed
	}

	if err := e.queue.CompleteEvent(writeCtx, event.ID, e.now()); err != nil {
		log.Error().Err(err).Msg("Failed to mark event completed")
		return outcomeFailed
	}
	log.Debug().Msg("Event completed")
	return outcomeProcessed
}

// invoke runs the handler under the handler timeout. After the deadline the
// handler gets the grace period to observe cancellation; one still running
// after that is abandoned, its committed writes stay and the event is
// retried. Handlers write in a single transaction, so an abandoned one
// either commits fully or not at all.
func (e *Engine) invoke(ctx context.Context, handler router.Handler, event *models.QueuedEvent) error {
	hctx, cancel := context.WithTimeout(ctx, e.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- handler(hctx, event)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
	}
	cause := hctx.Err()

	grace := time.NewTimer(e.grace)
	defer grace.Stop()
	select {
	case err := <-done:
		if err == nil {
			return nil
		}
	case <-grace.C:
		e.logger.Warn().
			Int64("event_id", event.ID).
			Str("route", event.Route()).
			Dur("grace", e.grace).
			Msg("Handler ignored cancellation, abandoning")
	}
	return fmt.Errorf("handler for %s: %w", event.Route(), cause)
}

// fail schedules a retry, or freezes the event once its retries are spent.
func (e *Engine) fail(ctx context.Context, event *models.QueuedEvent, cause error, log zerolog.Logger) {
	now := e.now()
	msg := cause.Error()

	if !e.retry.Exhausted(event.RetryCount) {
		next := now.Add(e.retry.Delay(event.RetryCount))
		if err := e.queue.FailEvent(ctx, event.ID, msg, next, now); err != nil {
			log.Error().Err(err).Msg("Failed to record event failure")
			return
		}
		log.Warn().
			Err(cause).
			Int("retry_count", event.RetryCount+1).
			Time("next_retry_at", next).
			Msg("Event failed, retry scheduled")
		return
	}

	if err := e.queue.FreezeEvent(ctx, event.ID, msg, now); err != nil {
		log.Error().Err(err).Msg("Failed to freeze event")
		return
	}
	log.Error().Err(cause).Int("retry_count", event.RetryCount).Msg("Event retries exhausted")

	if e.deadLetter != nil {
		if err := e.deadLetter.PushDeadLetter(ctx, event, msg); err != nil {
			log.Warn().Err(err).Msg("Failed to push dead letter")
		}
	}
	if e.publisher != nil {
		err := e.publisher.PublishJSON(events.EventEventFrozen, events.FrozenPayload{
			EventID:     event.ID,
			WorkspaceID: event.WorkspaceID,
			Vendor:      event.Vendor,
			ObjectType:  event.ObjectType,
			Action:      event.Action,
			RetryCount:  event.RetryCount,
			Error:       msg,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to publish frozen event")
		}
	}
}

// recoverStale fails events left in processing by a crashed pass.
func (e *Engine) recoverStale(ctx context.Context) {
	cutoff := e.now().Add(-e.cfg.StaleAfter)
	stale, err := e.queue.StaleProcessingEvents(ctx, cutoff)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to load stale events")
		return
	}
	for _, event := range stale {
		log := e.logger.With().Int64("event_id", event.ID).Str("route", event.Route()).Logger()
		e.fail(ctx, event, errors.New("processing interrupted"), log)
	}
}
