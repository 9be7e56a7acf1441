package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/coursepay/internal/clock"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

const (
	JobReconcilePending = "reconcile_pending"

	reconcileLockKey = "coursepay:scheduler:reconcile_pending"
	lockGrace        = 15 * time.Second
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

// JobLocker keeps a job to one runner across instances.
type JobLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	PaymentSvc paymentdomain.Service
	Resolver   paymentdomain.Resolver
	Locker     JobLocker `optional:"true"`
	Config     Config    `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	paymentSvc paymentdomain.Service
	resolver   paymentdomain.Resolver
	locker     JobLocker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.PaymentSvc == nil || p.Resolver == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		paymentSvc: p.PaymentSvc,
		resolver:   p.Resolver,
		locker:     p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
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
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout; the next tick picks up the remainder.
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

func (s *Scheduler) RunOnce(parent context.Context) error {
	return s.runJob(parent, JobReconcilePending, s.cfg.BatchSize, s.cfg.JobTimeout, s.ReconcilePendingJob)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
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

// ReconcilePendingJob re-resolves payments still NEW after the pending age,
// so invoices whose callback never arrived converge through the gateway.
func (s *Scheduler) ReconcilePendingJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReconcilePending, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()

	if s.locker != nil {
		token, acquired, err := s.locker.TryLock(ctx, reconcileLockKey, s.cfg.JobTimeout+lockGrace)
		switch {
		case err != nil:
			// Resolving is idempotent, so a lock outage only costs duplicate gateway checks.
			s.logger(ctx).Warn("reconcile lock unavailable, running unlocked", zap.Error(err))
		case !acquired:
			schedMetrics.IncBatchDeferred(JobReconcilePending, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
			s.logger(ctx).Debug("reconcile lock held elsewhere")
			return nil
		default:
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), reconcileLockKey, token); err != nil {
					s.logger(ctx).Warn("reconcile lock release failed", zap.Error(err))
				}
			}()
		}
	}

	events, err := s.paymentSvc.ListPending(ctx, s.cfg.PendingOlderThan, s.cfg.PendingMaxAge, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var resolved, pending int
	for _, event := range events {
		if ctx.Err() != nil {
			s.recordBatch(resolved, pending)
			return ctx.Err()
		}
		res, err := s.resolver.Resolve(ctx, event.InvoiceID)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.reconcile.failed", event.InvoiceID, err)
			s.markChecked(ctx, event.InvoiceID)
			continue
		}
		run.AddProcessed(1)
		if res.Count > 0 {
			resolved++
			s.logResolved(ctx, event.InvoiceID, res)
			continue
		}
		pending++
		s.markChecked(ctx, event.InvoiceID)
	}
	s.recordBatch(resolved, pending)
	return nil
}

func (s *Scheduler) markChecked(ctx context.Context, invoiceID string) {
	if err := s.paymentSvc.MarkChecked(ctx, invoiceID); err != nil {
		s.logger(ctx).Warn("mark checked failed", zap.String("invoice_id", invoiceID), zap.Error(err))
	}
}

func (s *Scheduler) recordBatch(resolved, pending int) {
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddBatchProcessed(JobReconcilePending, "resolved", resolved)
	schedMetrics.AddBatchProcessed(JobReconcilePending, "pending", pending)
}
