package scheduler

import (
	"context"
	"fmt"
	"time"

	"atlas-payment-service/services"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Config holds the cron expressions (UTC, five fields) for each job. An empty
// expression disables the job.
type Config struct {
	ReconcileSchedule  string
	OverdueSchedule    string
	ReminderSchedule   string
	AutoChargeSchedule string
	CleanupSchedule    string
	// JobTimeout bounds a single job run.
	JobTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReconcileSchedule:  "30 0 * * *",
		OverdueSchedule:    "5 * * * *",
		ReminderSchedule:   "0 9 * * *",
		AutoChargeSchedule: "15 */6 * * *",
		CleanupSchedule:    "0 3 * * 0",
		JobTimeout:         30 * time.Minute,
	}
}

// Jobs are the periodic tasks of the payment service.
type Jobs struct {
	recon   services.ReconciliationService
	plans   services.PlanService
	locker  Locker
	timeout time.Duration
	logger  *zap.Logger
}

func NewJobs(recon services.ReconciliationService, plans services.PlanService, locker Locker, timeout time.Duration, logger *zap.Logger) *Jobs {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jobs{recon: recon, plans: plans, locker: locker, timeout: timeout, logger: logger}
}

// run executes fn under the job lock. A lock held elsewhere skips the run.
func (j *Jobs) run(name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	log := j.logger.With(zap.String("job", name))

	release, ok, err := j.locker.Acquire(ctx, name, j.timeout)
	if err != nil {
		log.Error("Failed to acquire job lock", zap.Error(err))
		return
	}
	if !ok {
		log.Info("Job already running elsewhere, skipping")
		return
	}
	defer release()

	started := time.Now()
	log.Info("Job started")
	if err := fn(ctx); err != nil {
		log.Error("Job failed", zap.Duration("took", time.Since(started)), zap.Error(err))
		return
	}
	log.Info("Job finished", zap.Duration("took", time.Since(started)))
}

// Reconcile reconciles yesterday for every enabled event.
func (j *Jobs) Reconcile() {
	j.run("reconcile", func(ctx context.Context) error {
		report, err := j.recon.Run(ctx, nil, nil, "scheduler")
		if err != nil {
			return err
		}
		s := report.Summary.Data()
		j.logger.Info("Daily reconciliation report stored",
			zap.String("report_id", report.ID.String()),
			zap.Int("mismatched", s.Mismatched),
			zap.Int("missing", s.Missing),
			zap.Int("extra", s.Extra),
			zap.Int("errors", s.Errors))
		return nil
	})
}

func (j *Jobs) SweepOverdue() {
	j.run("sweep-overdue", func(ctx context.Context) error {
		n, err := j.plans.SweepOverdue(ctx)
		if err == nil && n > 0 {
			j.logger.Info("Installments marked overdue", zap.Int("count", n))
		}
		return err
	})
}

func (j *Jobs) SendReminders() {
	j.run("send-reminders", func(ctx context.Context) error {
		n, err := j.plans.SendReminders(ctx)
		if err == nil {
			j.logger.Info("Installment reminders sent", zap.Int("count", n))
		}
		return err
	})
}

func (j *Jobs) AutoCharge() {
	j.run("auto-charge", func(ctx context.Context) error {
		_, err := j.plans.AutoCharge(ctx)
		return err
	})
}

func (j *Jobs) CleanupReports() {
	j.run("cleanup-reports", func(ctx context.Context) error {
		_, err := j.recon.CleanupReports(ctx)
		return err
	})
}

// Scheduler wires Jobs to cron.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	config Config
	logger *zap.Logger
}

func NewScheduler(jobs *Jobs, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := zapCronLogger{logger: logger.Named("cron")}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	return &Scheduler{cron: c, jobs: jobs, config: cfg, logger: logger}
}

// Register adds every configured job without starting the cron loop.
func (s *Scheduler) Register() error {
	entries := []struct {
		name string
		expr string
		fn   func()
	}{
		{"reconcile", s.config.ReconcileSchedule, s.jobs.Reconcile},
		{"sweep-overdue", s.config.OverdueSchedule, s.jobs.SweepOverdue},
		{"send-reminders", s.config.ReminderSchedule, s.jobs.SendReminders},
		{"auto-charge", s.config.AutoChargeSchedule, s.jobs.AutoCharge},
		{"cleanup-reports", s.config.CleanupSchedule, s.jobs.CleanupReports},
	}
	for _, e := range entries {
		if e.expr == "" {
			s.logger.Info("Job disabled", zap.String("job", e.name))
			continue
		}
		if _, err := s.cron.AddFunc(e.expr, e.fn); err != nil {
			return fmt.Errorf("schedule %s job %q: %w", e.name, e.expr, err)
		}
		s.logger.Info("Job scheduled", zap.String("job", e.name), zap.String("schedule", e.expr))
	}
	return nil
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if err := s.Register(); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop stops scheduling; the returned context is done when running jobs end.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Entries reports how many jobs are scheduled.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

type zapCronLogger struct {
	logger *zap.Logger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
