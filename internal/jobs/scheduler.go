// Package jobs runs periodic maintenance on a cron schedule.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"gatehouse.dev/internal/obs"
)

// Purger deletes revocation records whose tokens have expired.
type Purger interface {
	PurgeExpiredRevocations(ctx context.Context) (int64, error)
}

type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	log     *logrus.Logger
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		timeout: time.Minute,
		log:     obs.Logger(),
	}
}

// SchedulePurge registers p under spec. An empty spec disables the job.
func (s *Scheduler) SchedulePurge(spec string, p Purger) error {
	if spec == "" {
		return nil
	}
	if p == nil {
		return errors.New("jobs: purger is required")
	}
	if _, err := s.cron.AddFunc(spec, func() { s.RunPurge(context.Background(), p) }); err != nil {
		return fmt.Errorf("jobs: schedule purge %q: %w", spec, err)
	}
	s.log.WithField("schedule", spec).Info("revocation purge scheduled")
	return nil
}

// RunPurge executes one purge and logs the outcome.
func (s *Scheduler) RunPurge(ctx context.Context, p Purger) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	n, err := p.PurgeExpiredRevocations(ctx)
	fields := logrus.Fields{"job": "revocation_purge", "duration_ms": time.Since(started).Milliseconds()}
	if err != nil {
		s.log.WithFields(fields).WithError(err).Error("revocation purge failed")
		return 0, err
	}
	fields["purged"] = n
	s.log.WithFields(fields).Info("revocation purge completed")
	return n, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits for running jobs or until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
