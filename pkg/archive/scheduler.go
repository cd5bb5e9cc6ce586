package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultSchedule takes a snapshot at 00:30 UTC every day
const DefaultSchedule = "30 0 * * *"

// Scheduler runs an Archiver on a cron schedule. A run still in progress
// when the next one is due causes that next run to be skipped.
type Scheduler struct {
	archiver *Archiver
	cron     *cron.Cron
	timeout  time.Duration
	log      *logrus.Logger
}

// NewScheduler validates schedule (standard five-field cron syntax or
// descriptors such as "@hourly") and registers the archive job
func NewScheduler(archiver *Archiver, schedule string, timeout time.Duration, log *logrus.Logger) (*Scheduler, error) {
	if log == nil {
		log = logrus.New()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	s := &Scheduler{
		archiver: archiver,
		timeout:  timeout,
		log:      log,
	}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(
			cron.Recover(cron.PrintfLogger(log)),
			cron.SkipIfStillRunning(cron.PrintfLogger(log)),
		),
	)

	if _, err := s.cron.AddFunc(schedule, s.runJob); err != nil {
		return nil, fmt.Errorf("invalid archive schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) runJob() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.log.Info("Starting scheduled audit archive")
	// Run logs its own outcome
	_, _ = s.archiver.Run(ctx)
}

// Start begins scheduling in its own goroutine
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Next reports when the archive job runs next. Zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop stops scheduling and waits for a running job, up to ctx's deadline
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("archive job still running: %w", ctx.Err())
	}
}
