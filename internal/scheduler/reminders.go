// Package scheduler runs the periodic pending-approval reminder sweep.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/campusworks/be-travel-requests/internal/logger"
	"github.com/campusworks/be-travel-requests/internal/repository"
	"github.com/campusworks/be-travel-requests/internal/service"
	"github.com/campusworks/be-travel-requests/internal/telemetry"
)

// PendingLister finds actionable approval links older than a cutoff.
type PendingLister interface {
	ListStalePending(ctx context.Context, cutoff time.Time) ([]*repository.PendingApproval, error)
}

// ReminderSweep periodically nudges approvers who have been sitting on a
// pending link longer than the configured age.
type ReminderSweep struct {
	cron     *cron.Cron
	pending  PendingLister
	notifier service.Notifier
	log      *logger.Logger
	maxAge   time.Duration
}

// New creates a reminder sweep; Start must be called to begin scheduling.
func New(pending PendingLister, notifier service.Notifier, log *logger.Logger, maxAge time.Duration) *ReminderSweep {
	return &ReminderSweep{
		cron:     cron.New(),
		pending:  pending,
		notifier: notifier,
		log:      log,
		maxAge:   maxAge,
	}
}

// Start registers the sweep on the given cron spec and starts the scheduler.
func (s *ReminderSweep) Start(cronSpec string) error {
	if _, err := s.cron.AddFunc(cronSpec, s.run); err != nil {
		return fmt.Errorf("invalid reminder cron spec %q: %w", cronSpec, err)
	}
	s.cron.Start()
	s.log.Info().Str("cron", cronSpec).Dur("max_age", s.maxAge).Msg("Reminder sweep scheduled")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *ReminderSweep) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *ReminderSweep) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.maxAge)
	stale, err := s.pending.ListStalePending(ctx, cutoff)
	if err != nil {
		s.log.Warn().Err(err).Msg("Reminder sweep: failed to list stale approvals")
		return
	}

	for _, p := range stale {
		s.notifier.PublishRequestEvent(ctx, service.EventReminder, p.RequestID,
			p.SubmitterKerberos,
			[]string{p.Link.EmployeeKerberos},
			map[string]any{
				"approver_order": p.Link.ApproverOrder,
				"pending_since":  p.Link.CreatedAt,
			})
		telemetry.RemindersSent.Inc()
	}

	if len(stale) > 0 {
		s.log.Info().Int("reminders", len(stale)).Msg("Reminder sweep completed")
	}
}
