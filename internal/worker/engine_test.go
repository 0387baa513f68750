package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadsync/internal/config"
	"leadsync/internal/database"
	"leadsync/internal/domain"
	"leadsync/internal/events"
	"leadsync/internal/models"
	"leadsync/internal/router"
)

type fakeDispatcher map[string]router.Handler

func (d fakeDispatcher) Lookup(objectType, action string) (router.Handler, bool) {
	h, ok := d[objectType+"."+action]
	return h, ok
}

type fakeLocker struct{ held bool }

func (l *fakeLocker) Acquire(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return func(context.Context) error { l.held = false; return nil }, true, nil
}

type fakeDeadLetter struct {
	mu     sync.Mutex
	events []int64
}

func (d *fakeDeadLetter) PushDeadLetter(_ context.Context, e *models.QueuedEvent, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e.ID)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "engine.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		BatchSize:      50,
		MaxRetries:     3,
		BaseDelay:      30 * time.Second,
		MaxDelay:       time.Hour,
		HandlerTimeout: time.Second,
		StaleAfter:     10 * time.Minute,
		LockTTL:        time.Minute,
	}
}

func newTestEngine(t *testing.T, db *database.DB, d Dispatcher, dl domain.DeadLetterSink, pub domain.EventPublisher) (*Engine, *clock) {
	t.Helper()
	logger := zerolog.Nop()
	e := NewEngine(db, d, &fakeLocker{}, dl, pub, testConfig(), &logger)
	c := &clock{now: time.Now().UTC()}
	e.now = c.Now
	return e, c
}

func enqueue(t *testing.T, db *database.DB, object, action, ext string, createdAt time.Time) int64 {
	t.Helper()
	e := &models.QueuedEvent{
		WorkspaceID: "ws-1",
		Vendor:      models.VendorPipedrive,
		ObjectType:  object,
		Action:      action,
		ExternalID:  ext,
		Payload:     []byte(`{"current":{"id":1}}`),
		CreatedAt:   createdAt,
	}
	created, err := db.CreateEvent(context.Background(), e)
	require.NoError(t, err)
	require.True(t, created)
	return e.ID
}

func load(t *testing.T, db *database.DB, id int64) *models.QueuedEvent {
	t.Helper()
	e, err := db.GetEvent(context.Background(), id)
	require.NoError(t, err)
	return e
}

func TestRunPass_CompletesAndSkips(t *testing.T) {
	db := newTestDB(t)
	calls := 0
	d := fakeDispatcher{"person.added": func(context.Context, *models.QueuedEvent) error { calls++; return nil }}
	engine, _ := newTestEngine(t, db, d, nil, nil)

	now := time.Now().UTC()
	ok := enqueue(t, db, "person", "added", "1", now)
	unknown := enqueue(t, db, "organization", "added", "2", now.Add(time.Millisecond))

	result, err := engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Failed)
	assert.Equal(t, 1, calls)

	assert.Equal(t, models.EventCompleted, load(t, db, ok).Status)
	skipped := load(t, db, unknown)
	assert.Equal(t, models.EventSkipped, skipped.Status)
	require.NotNil(t, skipped.ErrorMessage)
	assert.Contains(t, *skipped.ErrorMessage, "organization.added")

	// nothing left to do
	result, err = engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Processed+result.Skipped+result.Failed)
}

func TestRunPass_AlwaysFailingHandlerFreezesAfterRetries(t *testing.T) {
	db := newTestDB(t)
	calls := 0
	d := fakeDispatcher{"person.added": func(context.Context, *models.QueuedEvent) error {
		calls++
		return errors.New("boom")
	}}
	dl := &fakeDeadLetter{}
	bus := events.NewEventBus()
	frozen := 0
	bus.Subscribe(events.EventEventFrozen, func(*events.Event) error { frozen++; return nil })

	engine, clk := newTestEngine(t, db, d, dl, bus)
	id := enqueue(t, db, "person", "added", "1", time.Now().UTC())

	var lastRetry time.Time
	for attempt := 1; attempt <= 6; attempt++ {
		_, err := engine.RunPass(context.Background())
		require.NoError(t, err)

		e := load(t, db, id)
		assert.Equal(t, models.EventFailed, e.Status)
		if attempt <= 3 {
			assert.Equal(t, attempt, e.RetryCount)
			require.NotNil(t, e.NextRetryAt)
			assert.True(t, e.NextRetryAt.After(lastRetry), "backoff must grow")
			lastRetry = *e.NextRetryAt
		} else {
			assert.Equal(t, 3, e.RetryCount)
			assert.Nil(t, e.NextRetryAt)
		}
		clk.Advance(24 * time.Hour)
	}

	assert.Equal(t, 4, calls)
	assert.Equal(t, []int64{id}, dl.events)
	assert.Equal(t, 1, frozen)

	// operator reset gives a fresh budget
	n, err := db.ResetFailedEvents(context.Background(), "ws-1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
	assert.Equal(t, 1, load(t, db, id).RetryCount)
}

func TestRunPass_RetryNotDueYet(t *testing.T) {
	db := newTestDB(t)
	fail := true
	d := fakeDispatcher{"deal.updated": func(context.Context, *models.QueuedEvent) error {
		if fail {
			return errors.New("temporary")
		}
		return nil
	}}
	engine, clk := newTestEngine(t, db, d, nil, nil)
	id := enqueue(t, db, "deal", "updated", "9", time.Now().UTC())

	result, err := engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	result, err = engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Failed+result.Processed)

	fail = false
	clk.Advance(31 * time.Second)
	result, err = engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)

	e := load(t, db, id)
	assert.Equal(t, models.EventCompleted, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	assert.Nil(t, e.ErrorMessage)
}

func TestRunPass_OrderAndIsolation(t *testing.T) {
	db := newTestDB(t)

	var (
		order    []int64
		inFlight bool
	)
	handler := func(_ context.Context, e *models.QueuedEvent) error {
		assert.False(t, inFlight, "handlers must not overlap")
		inFlight = true
		defer func() { inFlight = false }()
		time.Sleep(time.Millisecond)
		order = append(order, e.ID)
		if e.ExternalID == "bad" {
			return errors.New("bad record")
		}
		return nil
	}
	d := fakeDispatcher{"person.updated": handler, "person.added": handler}
	engine, _ := newTestEngine(t, db, d, nil, nil)

	base := time.Now().UTC()
	second := enqueue(t, db, "person", "updated", "42", base.Add(2*time.Second))
	first := enqueue(t, db, "person", "added", "42", base.Add(time.Second))
	bad := enqueue(t, db, "person", "added", "bad", base.Add(1500*time.Millisecond))

	result, err := engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{first, bad, second}, order)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, models.EventCompleted, load(t, db, second).Status)
}

func TestRunPass_PanicAndTimeout(t *testing.T) {
	db := newTestDB(t)
	d := fakeDispatcher{
		"person.added": func(context.Context, *models.QueuedEvent) error { panic("nil map") },
		"deal.added": func(ctx context.Context, _ *models.QueuedEvent) error {
			<-ctx.Done()
			return ctx.Err()
		},
		"activity.added": func(context.Context, *models.QueuedEvent) error { return nil },
	}
	engine, _ := newTestEngine(t, db, d, nil, nil)
	engine.cfg.HandlerTimeout = 20 * time.Millisecond

	now := time.Now().UTC()
	panicky := enqueue(t, db, "person", "added", "1", now)
	slow := enqueue(t, db, "deal", "added", "2", now.Add(time.Millisecond))
	fine := enqueue(t, db, "activity", "added", "3", now.Add(2*time.Millisecond))

	result, err := engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 1, result.Processed)

	p := load(t, db, panicky)
	assert.Equal(t, models.EventFailed, p.Status)
	require.NotNil(t, p.ErrorMessage)
	assert.Contains(t, *p.ErrorMessage, "panic")

	s := load(t, db, slow)
	assert.Equal(t, models.EventFailed, s.Status)
	assert.Equal(t, 1, s.RetryCount)
	require.NotNil(t, s.ErrorMessage)
	assert.Contains(t, *s.ErrorMessage, context.DeadlineExceeded.Error())

	assert.Equal(t, models.EventCompleted, load(t, db, fine).Status)
}

func TestRunPass_TimedOutHandlerGetsGracePeriod(t *testing.T) {
	db := newTestDB(t)
	var finished atomic.Bool
	d := fakeDispatcher{
		// ignores ctx but finishes inside the grace period
		"person.added": func(context.Context, *models.QueuedEvent) error {
			time.Sleep(60 * time.Millisecond)
			finished.Store(true)
			return nil
		},
		"deal.added": func(ctx context.Context, _ *models.QueuedEvent) error {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return errors.New("write aborted")
		},
		"activity.added": func(context.Context, *models.QueuedEvent) error {
			time.Sleep(time.Second)
			return nil
		},
	}
	engine, _ := newTestEngine(t, db, d, nil, nil)
	engine.cfg.HandlerTimeout = 20 * time.Millisecond
	engine.grace = 200 * time.Millisecond

	now := time.Now().UTC()
	late := enqueue(t, db, "person", "added", "1", now)
	aborted := enqueue(t, db, "deal", "added", "2", now.Add(time.Millisecond))
	stuck := enqueue(t, db, "activity", "added", "3", now.Add(2*time.Millisecond))

	start := time.Now()
	result, err := engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "stuck handler is abandoned after the grace period")
	assert.True(t, finished.Load())
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 2, result.Failed)

	assert.Equal(t, models.EventCompleted, load(t, db, late).Status)
	for _, id := range []int64{aborted, stuck} {
		e := load(t, db, id)
		assert.Equal(t, models.EventFailed, e.Status)
		require.NotNil(t, e.ErrorMessage)
		assert.Contains(t, *e.ErrorMessage, context.DeadlineExceeded.Error())
	}
}

func TestRunPass_RecoversStaleEvents(t *testing.T) {
	db := newTestDB(t)
	d := fakeDispatcher{"person.added": func(context.Context, *models.QueuedEvent) error { return nil }}
	engine, clk := newTestEngine(t, db, d, nil, nil)

	id := enqueue(t, db, "person", "added", "1", time.Now().UTC())
	claimed, err := db.ClaimEvent(context.Background(), id, clk.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	clk.Advance(11 * time.Minute)
	_, err = engine.RunPass(context.Background())
	require.NoError(t, err)

	e := load(t, db, id)
	assert.Equal(t, models.EventFailed, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	require.NotNil(t, e.ErrorMessage)
	assert.Equal(t, "processing interrupted", *e.ErrorMessage)
}

func TestRunPass_LockHeld(t *testing.T) {
	db := newTestDB(t)
	logger := zerolog.Nop()
	locker := &fakeLocker{held: true}
	engine := NewEngine(db, fakeDispatcher{}, locker, nil, nil, testConfig(), &logger)

	_, err := engine.RunPass(context.Background())
	assert.ErrorIs(t, err, ErrPassInProgress)
}

func TestStart_StopsOnCancel(t *testing.T) {
	db := newTestDB(t)
	var mu sync.Mutex
	calls := 0
	d := fakeDispatcher{"person.added": func(context.Context, *models.QueuedEvent) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}}
	logger := zerolog.Nop()
	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	engine := NewEngine(db, d, nil, nil, nil, cfg, &logger)
	enqueue(t, db, "person", "added", "1", time.Now().UTC())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}
