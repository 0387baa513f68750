package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"leadsync/internal/config"
	"leadsync/internal/database"
	"leadsync/internal/domain"
	"leadsync/internal/events"
	"leadsync/internal/handlers"
	"leadsync/internal/logging"
	"leadsync/internal/models"
	"leadsync/internal/resolver"
)

var (
	ErrInvalidSyncJob  = errors.New("invalid sync job")
	ErrSyncJobNotFound = errors.New("sync job not found")
)

// StartSyncRequest describes a bulk import of person records.
type StartSyncRequest struct {
	WorkspaceID string
	Vendor      string
	Entities    []json.RawMessage
	Options     models.SyncJobOptions
}

type itemOutcome int

const (
	itemCreated itemOutcome = iota
	itemUpdated
	itemSkipped
	itemFailed
)

// BulkSyncService runs durable bulk imports. Job state lives in the store,
// so a restarted process resumes unfinished jobs from their last batch.
type BulkSyncService struct {
	db        *database.DB
	publisher domain.EventPublisher
	cfg       config.SyncConfig
	logger    *zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewBulkSyncService(db *database.DB, publisher domain.EventPublisher, cfg config.SyncConfig, logger *zerolog.Logger) *BulkSyncService {
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 100
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return &BulkSyncService{
		db:        db,
		publisher: publisher,
		cfg:       cfg,
		logger:    logging.Component(logger, "bulk_sync"),
		now:       func() time.Time { return time.Now().UTC() },
		running:   make(map[string]context.CancelFunc),
	}
}

// Start validates and persists a job, then runs it in the background.
func (s *BulkSyncService) Start(ctx context.Context, req StartSyncRequest) (*models.SyncJob, error) {
	opts, err := s.normalize(req)
	if err != nil {
		return nil, err
	}

	entities, err := json.Marshal(req.Entities)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSyncJob, err)
	}

	job := &models.SyncJob{
		ID:          uuid.NewString(),
		WorkspaceID: req.WorkspaceID,
		Vendor:      req.Vendor,
		Status:      models.JobQueued,
		Options:     opts,
		Entities:    entities,
		Total:       len(req.Entities),
		CreatedAt:   s.now(),
	}
	if err := s.db.CreateSyncJob(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("workspace_id", job.WorkspaceID).
		Int("total", job.Total).
		Bool("dry_run", opts.DryRun).
		Msg("Sync job queued")

	s.launch(job)
	return job, nil
}

func (s *BulkSyncService) normalize(req StartSyncRequest) (models.SyncJobOptions, error) {
	opts := req.Options
	if req.WorkspaceID == "" {
		return opts, fmt.Errorf("%w: workspace is required", ErrInvalidSyncJob)
	}
	if req.Vendor != "" && !models.IsVendor(req.Vendor) {
		return opts, ErrUnknownVendor
	}
	if len(req.Entities) == 0 {
		return opts, fmt.Errorf("%w: no entities", ErrInvalidSyncJob)
	}
	if s.cfg.MaxEntities > 0 && len(req.Entities) > s.cfg.MaxEntities {
		return opts, fmt.Errorf("%w: %d entities exceeds the limit of %d", ErrInvalidSyncJob, len(req.Entities), s.cfg.MaxEntities)
	}

	switch opts.DuplicateStrategy {
	case "":
		opts.DuplicateStrategy = models.DuplicateSkip
	case models.DuplicateSkip, models.DuplicateUpdate, models.DuplicateCreateNew:
	default:
		return opts, fmt.Errorf("%w: unknown duplicate strategy %q", ErrInvalidSyncJob, opts.DuplicateStrategy)
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = s.cfg.DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Concurrency > s.cfg.MaxConcurrency {
		opts.Concurrency = s.cfg.MaxConcurrency
	}
	return opts, nil
}

func (s *BulkSyncService) Get(ctx context.Context, id string) (*models.SyncJob, error) {
	job, err := s.db.GetSyncJob(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrSyncJobNotFound
	}
	return job, err
}

// Cancel stops a queued or running job. Cancelling a finished job returns
// it unchanged.
func (s *BulkSyncService) Cancel(ctx context.Context, id string) (*models.SyncJob, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	cancelled, err := s.db.FinishSyncJob(ctx, id, models.JobCancelled, nil, s.now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if stop, ok := s.running[id]; ok {
		stop()
	}
	s.mu.Unlock()

	if cancelled {
		s.logger.Info().Str("job_id", id).Msg("Sync job cancelled")
	}
	return s.Get(ctx, id)
}

// Resume relaunches every queued or running job. It is called once at startup.
func (s *BulkSyncService) Resume(ctx context.Context) (int, error) {
	jobs, err := s.db.ListResumableSyncJobs(ctx)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		s.logger.Info().Str("job_id", job.ID).Int("processed", job.Processed).Int("total", job.Total).Msg("Resuming sync job")
		s.launch(job)
	}
	return len(jobs), nil
}

// Shutdown stops running jobs after their current batch and waits for
// them. Interrupted jobs stay resumable.
func (s *BulkSyncService) Shutdown() {
	s.mu.Lock()
	for _, stop := range s.running {
		stop()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Wait blocks until all launched jobs have returned.
func (s *BulkSyncService) Wait() {
	s.wg.Wait()
}

func (s *BulkSyncService) launch(job *models.SyncJob) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if _, ok := s.running[job.ID]; ok {
		s.mu.Unlock()
		cancel()
		return
	}
	s.running[job.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, job.ID)
			s.mu.Unlock()
			cancel()
		}()
		s.run(ctx, job)
	}()
}

func (s *BulkSyncService) run(ctx context.Context, job *models.SyncJob) {
	log := s.logger.With().Str("job_id", job.ID).Str("workspace_id", job.WorkspaceID).Logger()
	writeCtx := context.WithoutCancel(ctx)

	var entities []json.RawMessage
	if err := json.Unmarshal(job.Entities, &entities); err != nil {
		s.finish(writeCtx, job, models.JobFailed, fmt.Sprintf("decode entities: %v", err), log)
		return
	}

	if err := s.db.MarkSyncJobRunning(writeCtx, job.ID, s.now()); err != nil {
		log.Error().Err(err).Msg("Failed to mark sync job running")
		return
	}
	job.Status = models.JobRunning

	batchSize := job.Options.BatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.DefaultBatchSize
	}

	for start := job.Processed; start < len(entities); start += batchSize {
		if ctx.Err() != nil {
			log.Info().Int("processed", job.Processed).Msg("Sync job interrupted")
			return
		}

		end := start + batchSize
		if end > len(entities) {
			end = len(entities)
		}
		s.runBatch(ctx, job, entities[start:end])
		job.Processed = end

		stillRunning, err := s.db.SaveSyncJobProgress(writeCtx, job)
		if err != nil {
			log.Error().Err(err).Msg("Failed to save sync job progress")
			return
		}
		if !stillRunning {
			log.Info().Int("processed", job.Processed).Msg("Sync job stopped")
			return
		}
	}

	s.finish(writeCtx, job, models.JobCompleted, "", log)
}

func (s *BulkSyncService) finish(ctx context.Context, job *models.SyncJob, status, message string, log zerolog.Logger) {
	var lastError *string
	if message != "" {
		lastError = &message
	}
	finished, err := s.db.FinishSyncJob(ctx, job.ID, status, lastError, s.now())
	if err != nil {
		log.Error().Err(err).Msg("Failed to finish sync job")
		return
	}
	if !finished {
		return
	}
	job.Status = status

	log.Info().
		Str("status", status).
		Int("processed", job.Processed).
		Int("created", job.Created).
		Int("updated", job.Updated).
		Int("skipped", job.Skipped).
		Int("failed", job.Failed).
		Msg("Sync job finished")

	if s.publisher != nil {
		_ = s.publisher.PublishJSON(events.EventSyncJobFinished, events.SyncJobPayload{
			JobID:       job.ID,
			WorkspaceID: job.WorkspaceID,
			Status:      status,
			Processed:   job.Processed,
			Failed:      job.Failed,
		})
	}
}

// runBatch syncs one batch with at most Concurrency entities in flight.
func (s *BulkSyncService) runBatch(ctx context.Context, job *models.SyncJob, batch []json.RawMessage) {
	concurrency := job.Options.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, concurrency)
	)
	for _, raw := range batch {
		sem <- struct{}{}
		wg.Add(1)
		go func(raw json.RawMessage) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := s.syncEntity(ctx, job, raw)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case itemCreated:
				job.Created++
			case itemUpdated:
				job.Updated++
			case itemSkipped:
				job.Skipped++
			case itemFailed:
				job.Failed++
				msg := err.Error()
				job.LastError = &msg
			}
		}(raw)
	}
	wg.Wait()
}

// syncEntity imports one person record. Leads are matched by email; a
// create_new duplicate updates the existing lead since emails are unique
// per workspace.
func (s *BulkSyncService) syncEntity(ctx context.Context, job *models.SyncJob, raw json.RawMessage) (itemOutcome, error) {
	record, err := models.DecodeRecord(raw)
	if err != nil || record == nil {
		return itemFailed, fmt.Errorf("entity is not an object")
	}
	email := handlers.PersonEmail(record)
	if email == "" {
		return itemFailed, fmt.Errorf("entity has no email")
	}
	externalID := record.FirstString("id", "Id")

	if job.Options.DryRun {
		existing, err := s.db.GetLeadByEmail(ctx, job.WorkspaceID, email)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return itemFailed, err
		}
		blocked, berr := awaitingResolution(ctx, s.db.Queries, job, externalID, existing)
		switch {
		case berr != nil:
			return itemFailed, berr
		case blocked:
			return itemSkipped, nil
		case existing == nil:
			return itemCreated, nil
		case job.Options.DuplicateStrategy == models.DuplicateSkip:
			return itemSkipped, nil
		default:
			return itemUpdated, nil
		}
	}

	outcome := itemFailed
	err = s.db.InTx(ctx, func(q *database.Queries) error {
		lead, err := q.GetLeadByEmail(ctx, job.WorkspaceID, email)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		blocked, err := awaitingResolution(ctx, q, job, externalID, lead)
		if err != nil {
			return err
		}
		if blocked {
			outcome = itemSkipped
			return nil
		}

		switch {
		case lead == nil:
			lead = &models.Lead{WorkspaceID: job.WorkspaceID, Status: models.LeadNew}
			handlers.ApplyPersonRecord(lead, record)
			lead.Metadata = map[string]interface{}{"source": "bulk_sync", "job_id": job.ID}
			if err := q.CreateLead(ctx, lead); err != nil {
				return err
			}
			outcome = itemCreated
		case job.Options.DuplicateStrategy == models.DuplicateSkip:
			outcome = itemSkipped
			return nil
		default:
			handlers.ApplyPersonRecord(lead, record)
			if lead.DeletedAt != nil {
				lead.DeletedAt = nil
				lead.Status = models.LeadNew
			}
			if err := q.UpdateLead(ctx, lead); err != nil {
				return err
			}
			outcome = itemUpdated
		}

		if externalID == "" || job.Vendor == "" {
			return nil
		}
		hash, err := resolver.Fingerprint(raw)
		if err != nil {
			return err
		}
		return q.UpsertSyncStatus(ctx, &models.SyncStatus{
			WorkspaceID:  job.WorkspaceID,
			EntityType:   models.EntityPerson,
			LocalID:      lead.ID,
			ExternalID:   externalID,
			SyncHash:     hash,
			LastSyncedAt: s.now(),
			Status:       models.SyncSynced,
		})
	})
	if err != nil {
		return itemFailed, err
	}
	return outcome, nil
}

// awaitingResolution reports whether the record or the matched lead is
// linked in conflict state. Such entities wait for a human decision.
func awaitingResolution(ctx context.Context, q *database.Queries, job *models.SyncJob, externalID string, lead *models.Lead) (bool, error) {
	if job.Vendor != "" && externalID != "" {
		link, err := q.GetSyncStatus(ctx, job.WorkspaceID, models.EntityPerson, externalID)
		switch {
		case errors.Is(err, database.ErrNotFound):
		case err != nil:
			return false, err
		case link.Status == models.SyncConflicted:
			return true, nil
		}
	}
	if lead == nil {
		return false, nil
	}
	link, err := q.GetSyncStatusByLocal(ctx, job.WorkspaceID, models.EntityPerson, lead.ID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return link.Status == models.SyncConflicted, nil
}
