package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/expertpay/internal/clock"
	"github.com/smallbiznis/expertpay/internal/payout"
	transferjob "github.com/smallbiznis/expertpay/internal/transfer/job"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	Transfers *transferjob.Processor
	Payouts   *payout.Processor
	Config    Config `optional:"true"`
}

// Scheduler drives the two recurring money-movement jobs. The HTTP triggers
// call the same processors; running both at once is safe, so the cron
// cadence is a floor, not a lock.
type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	clock     clock.Clock
	transfers *transferjob.Processor
	payouts   *payout.Processor
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Transfers == nil || p.Payouts == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		clock:     p.Clock,
		transfers: p.Transfers,
		payouts:   p.Payouts,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))
	log.Info("job start")

	err := fn(ctx)
	log.Info("job finish", zap.Duration("elapsed", time.Since(start)))
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out", zap.Duration("timeout", s.cfg.JobTimeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// TransferJob runs one transfer pass.
func (s *Scheduler) TransferJob(ctx context.Context) error {
	_, err := s.transfers.Run(ctx)
	return err
}

// PayoutJob runs one payout pass.
func (s *Scheduler) PayoutJob(ctx context.Context) error {
	_, err := s.payouts.Run(ctx)
	return err
}

// RunOnce runs both jobs back to back, transfers first so a freshly moved
// balance can pay out in the same pass once its holding window allows.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	err = errors.Join(err, s.runJob(parent, "transfers", s.TransferJob))
	err = errors.Join(err, s.runJob(parent, "payouts", s.PayoutJob))
	return err
}

// RunForever schedules both jobs on their cron specs and blocks until the
// context ends.
func (s *Scheduler) RunForever(ctx context.Context) error {
	c := cron.New()

	if _, err := c.AddFunc(s.cfg.TransferCronSpec, func() {
		if err := s.runJob(ctx, "transfers", s.TransferJob); err != nil {
			s.log.Warn("transfer run failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("transfer schedule: %w", err)
	}
	if _, err := c.AddFunc(s.cfg.PayoutCronSpec, func() {
		if err := s.runJob(ctx, "payouts", s.PayoutJob); err != nil {
			s.log.Warn("payout run failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("payout schedule: %w", err)
	}

	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}
