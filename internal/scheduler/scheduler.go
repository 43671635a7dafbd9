package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/mintflow/internal/clock"
	fulfillmentdomain "github.com/smallbiznis/mintflow/internal/fulfillment/domain"
	intentdomain "github.com/smallbiznis/mintflow/internal/mintintent/domain"
	obsmetrics "github.com/smallbiznis/mintflow/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const abandonReason = "fulfillment attempts exhausted"

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	IntentRepo  intentdomain.Repository
	Intents     intentdomain.Service
	Fulfillment fulfillmentdomain.Service
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      Config `optional:"true"`
}

type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	intentRepo  intentdomain.Repository
	intents     intentdomain.Service
	fulfillment fulfillmentdomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.IntentRepo == nil || p.Intents == nil || p.Fulfillment == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		intentRepo:  p.IntentRepo,
		intents:     p.Intents,
		fulfillment: p.Fulfillment,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// a deadline is a soft failure; the next run picks up the remainder
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce activates due intents, then fails intents that ran out of attempts.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobActivateDue, s.ActivateDueJob},
		{JobAbandonExhausted, s.AbandonExhaustedJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// an empty list enables every job
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// ActivateDueJob fulfills paid intents whose next attempt time has passed,
// fanning each batch out over Concurrency workers.
func (s *Scheduler) ActivateDueJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobActivateDue, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	schedMetrics := obsmetrics.Scheduler()
	seen := make(map[snowflake.ID]struct{})

	var (
		mu     sync.Mutex
		jobErr error
	)

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		batch, err := s.intentRepo.ListDue(ctx, s.db, now, s.cfg.MaxAttempts, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.intent.list.failed", JobActivateDue, "", err)
			return errors.Join(jobErr, err)
		}

		fresh := batch[:0]
		for _, intent := range batch {
			if _, ok := seen[intent.ID]; ok {
				continue
			}
			seen[intent.ID] = struct{}{}
			fresh = append(fresh, intent)
		}
		if len(fresh) == 0 {
			break
		}

		var group errgroup.Group
		group.SetLimit(s.cfg.Concurrency)
		for _, intent := range fresh {
			intent := intent
			group.Go(func() error {
				processed, err := s.activate(ctx, intent, now)
				mu.Lock()
				defer mu.Unlock()
				if processed {
					run.AddProcessed(1)
				}
				if err != nil {
					jobErr = errors.Join(jobErr, err)
					s.logSchedulerError(ctx, run, "scheduler.intent.fulfill.failed", JobActivateDue, intent.ID.String(), err,
						zap.Int("fulfillment_attempts", intent.FulfillmentAttempts+1),
					)
				}
				return nil
			})
		}
		_ = group.Wait()
		schedMetrics.AddBatchProcessed(JobActivateDue, "mint_intent", len(fresh))

		if len(batch) < s.cfg.BatchSize {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) activate(ctx context.Context, intent intentdomain.MintIntent, now time.Time) (bool, error) {
	s.logIntentClaimed(ctx, JobActivateDue, intent)
	schedMetrics := obsmetrics.Scheduler()

	res, err := s.fulfillment.Fulfill(ctx, intent.ID.String())
	switch {
	case err == nil:
		if intent.NextAttemptAt != nil {
			schedMetrics.ObserveActivationLag(now.Sub(*intent.NextAttemptAt))
		}
		s.logger(s.withLogContext(ctx, intent.ID.String())).Info("scheduler.intent.activated",
			zap.String("status", string(res.Intent.Status)),
		)
		return true, nil
	case errors.Is(err, fulfillmentdomain.ErrFulfillmentInProgress):
		schedMetrics.IncBatchDeferred(JobActivateDue, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		return false, nil
	case errors.Is(err, fulfillmentdomain.ErrNotDue):
		schedMetrics.IncBatchDeferred(JobActivateDue, obsmetrics.SchedulerBatchDeferredReasonNotDue)
		return false, nil
	case errors.Is(err, intentdomain.ErrInvalidTransition):
		// moved on since it was listed
		return false, nil
	default:
		return true, err
	}
}

// AbandonExhaustedJob moves paid intents that used every attempt to failed.
func (s *Scheduler) AbandonExhaustedJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobAbandonExhausted, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		batch, err := s.intentRepo.ListExhausted(ctx, s.db, s.cfg.MaxAttempts, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.intent.list.failed", JobAbandonExhausted, "", err)
			return errors.Join(jobErr, err)
		}
		if len(batch) == 0 {
			break
		}

		processed := 0
		for _, intent := range batch {
			s.logIntentClaimed(ctx, JobAbandonExhausted, intent)
			if _, err := s.intents.Abandon(ctx, intent.ID.String(), exhaustedReason(intent)); err != nil {
				if errors.Is(err, intentdomain.ErrInvalidTransition) {
					continue
				}
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "scheduler.intent.abandon.failed", JobAbandonExhausted, intent.ID.String(), err)
				continue
			}
			processed++
		}
		run.AddProcessed(processed)
		obsmetrics.Scheduler().AddBatchProcessed(JobAbandonExhausted, "mint_intent", processed)
		if processed == 0 || len(batch) < s.cfg.BatchSize {
			break
		}
	}

	return jobErr
}

// exhaustedReason keeps the last minting error next to the abandon reason.
func exhaustedReason(intent intentdomain.MintIntent) string {
	if intent.LastError == nil || strings.TrimSpace(*intent.LastError) == "" {
		return abandonReason
	}
	return abandonReason + ": " + strings.TrimSpace(*intent.LastError)
}
