package registration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
	"github.com/R3E-Network/evidence_layer/internal/app/metrics"
	"github.com/R3E-Network/evidence_layer/internal/app/storage"
	"github.com/R3E-Network/evidence_layer/internal/notify"
	"github.com/R3E-Network/evidence_layer/pkg/logger"
)

// Sweeper defaults.
const (
	DefaultStaleAfter    = 30 * time.Minute
	DefaultSweepSchedule = "@every 1m"
	sweepBatch           = 200
)

// Sweeper fails records that have been processing for longer than
// StaleAfter. It covers registrations whose process died or whose
// transaction never confirmed.
type Sweeper struct {
	repo       storage.EvidenceStore
	notifier   notify.Notifier
	staleAfter time.Duration
	schedule   string
	log        *logger.Logger
	now        func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper builds a sweeper. Zero values select the defaults.
func NewSweeper(repo storage.EvidenceStore, notifier notify.Notifier, staleAfter time.Duration, schedule string, log *logger.Logger) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if notifier == nil {
		notifier = notify.Nop
	}
	if log == nil {
		log = logger.NewDefault("registration-sweeper")
	}
	return &Sweeper{
		repo:       repo,
		notifier:   notifier,
		staleAfter: staleAfter,
		schedule:   schedule,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) Name() string { return "registration-sweeper" }

// Start schedules the sweep. Calling it twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New()
	runCtx := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(runCtx); err != nil {
			s.log.WithError(err).Warn("stale registration sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	s.running = true
	s.log.WithField("schedule", s.schedule).WithField("stale_after", s.staleAfter.String()).Info("registration sweeper started")
	return nil
}

// Stop halts scheduling and waits for a running sweep or ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep fails every stale processing record once and reports how many it
// moved.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)
	stale, err := s.repo.ListEvidence(ctx, storage.EvidenceFilter{
		Status:        evidence.StatusProcessing,
		UpdatedBefore: cutoff,
		Limit:         sweepBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale records: %w", err)
	}

	failed := 0
	for _, rec := range stale {
		_, err := storage.UpdateWithRetry(ctx, s.repo, rec.ID, func(cur evidence.Record) (evidence.Patch, error) {
			if cur.Status != evidence.StatusProcessing || !cur.UpdatedAt.Before(cutoff) {
				return evidence.Patch{}, errNotStale
			}
			return evidence.ToFailed(), nil
		})
		if errors.Is(err, errNotStale) {
			continue
		}
		if err != nil {
			s.log.WithError(err).WithField("evidence_id", rec.ID).Warn("fail stale registration")
			continue
		}
		failed++
		s.notifier.Notify(ctx, notify.Notification{
			UserID:     rec.UserID,
			EvidenceID: rec.ID,
			Level:      notify.LevelError,
			Title:      "Blockchain registration failed",
			Message:    fmt.Sprintf("registration did not confirm within %s", s.staleAfter),
		})
	}

	if failed > 0 {
		metrics.RecordStaleFailed(failed)
		s.log.WithField("count", failed).Info("failed stale registrations")
	}
	return failed, nil
}

var errNotStale = errors.New("record is no longer stale")
