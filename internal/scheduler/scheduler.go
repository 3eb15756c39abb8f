package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/yuya-takeyama/datalog-sync/internal/logging"
	"github.com/yuya-takeyama/datalog-sync/internal/retry"
	"github.com/yuya-takeyama/datalog-sync/internal/syncer"
)

const (
	// DefaultInterval is the wait between passes
	DefaultInterval = 10 * time.Second
	// DefaultWarnThreshold is the retry count that triggers a warning
	DefaultWarnThreshold = 5
)

// Lease is exclusive ownership of the card. TryAcquire must answer immediately.
type Lease interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release()
}

// Pass is one sync pass over the card
type Pass interface {
	RunPass(ctx context.Context) (syncer.PassResult, error)
	Retry() *retry.Policy
}

// Report describes one RunOnce call
type Report struct {
	// Ran is false when the appliance kept the card
	Ran    bool
	Result syncer.PassResult
}

// Scheduler takes the card, runs a pass and gives the card back, on a fixed interval
type Scheduler struct {
	lease         Lease
	pass          Pass
	log           *logging.Logger
	interval      time.Duration
	warnThreshold int
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithInterval sets the wait between passes. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithWarnThreshold sets how many consecutive failures of one folder trigger a warning. 0 disables it.
func WithWarnThreshold(n int) Option {
	return func(s *Scheduler) { s.warnThreshold = n }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// New creates a scheduler that runs pass while holding lease
func New(lease Lease, pass Pass, opts ...Option) *Scheduler {
	s := &Scheduler{
		lease:         lease,
		pass:          pass,
		log:           logging.Discard(),
		interval:      DefaultInterval,
		warnThreshold: DefaultWarnThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval returns the wait between passes
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// RunOnce runs a single pass if the card can be taken right now. When the
// appliance holds the card nothing is touched and Report.Ran is false.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	ok, err := s.lease.TryAcquire(ctx)
	if err != nil {
		return Report{}, err
	}
	if !ok {
		s.log.Info("The appliance is using the card, will try again later")
		return Report{}, nil
	}
	defer s.lease.Release()

	pr, err := s.pass.RunPass(ctx)
	report := Report{Ran: true, Result: pr}
	if err != nil {
		s.log.WithError(err).Error("Sync pass could not save its state")
		return report, err
	}

	if pr.Stats.Uploaded > 0 || pr.Stats.Errors > 0 {
		s.log.PrintSummary(pr.Summary())
	}
	s.escalate()
	return report, nil
}

// escalate only warns; a folder is never abandoned
func (s *Scheduler) escalate() {
	policy := s.pass.Retry()
	if !policy.Exceeded(s.warnThreshold) {
		return
	}
	folder, count := policy.Current()
	s.log.WithFields(logging.Fields{
		"folder":  folder,
		"retries": count,
	}).Warn("Folder %s keeps failing (%d attempts), check the card and the endpoint", folder, count)
}

// Run calls RunOnce immediately and then every interval until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("Starting sync loop (interval %s)", s.interval)

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Sync loop stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.WithError(err).Warn("Sync pass failed")
	}
}
