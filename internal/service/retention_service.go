package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"leadsync/internal/config"
	"leadsync/internal/database"
	"leadsync/internal/logging"
)

// RetentionService moves old completed and skipped events to the archive table.
type RetentionService struct {
	db     *database.DB
	cfg    config.RetentionConfig
	logger *zerolog.Logger
	now    func() time.Time
}

func NewRetentionService(db *database.DB, cfg config.RetentionConfig, logger *zerolog.Logger) *RetentionService {
	if cfg.EventsDays <= 0 {
		cfg.EventsDays = 90
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	return &RetentionService{
		db:     db,
		cfg:    cfg,
		logger: logging.Component(logger, "retention"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *RetentionService) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("Retention service is disabled")
		return
	}
	s.logger.Info().Dur("interval", s.cfg.Interval).Int("events_days", s.cfg.EventsDays).Msg("Retention service started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Event archiving failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce archives events older than the retention window.
func (s *RetentionService) RunOnce(ctx context.Context) (int64, error) {
	now := s.now()
	cutoff := now.AddDate(0, 0, -s.cfg.EventsDays)

	var moved int64
	err := s.db.InTx(ctx, func(q *database.Queries) error {
		var err error
		moved, err = q.ArchiveEvents(ctx, cutoff, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	if moved > 0 {
		s.logger.Info().Int64("archived", moved).Time("cutoff", cutoff).Msg("Events archived")
	}
	return moved, nil
}
