package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/mercato-dev/mercato-backend/pkg/logger"
)

type earningPromoter interface {
	PromoteCleared(ctx context.Context, now time.Time) (int64, error)
}

// EarningClearingJob promotes earnings past their clearing window to
// available. Orders with a refund still under review are skipped by the
// promotion query itself, not by this job.
type EarningClearingJob struct {
	earnings earningPromoter
	logg     *logger.Logger
	now      func() time.Time
}

// NewEarningClearingJob builds the earning clearing sweep.
func NewEarningClearingJob(earnings earningPromoter, logg *logger.Logger) (*EarningClearingJob, error) {
	if earnings == nil {
		return nil, fmt.Errorf("earnings service required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &EarningClearingJob{
		earnings: earnings,
		logg:     logg,
		now:      time.Now,
	}, nil
}

// Name implements Job.
func (j *EarningClearingJob) Name() string { return "earning-clearing" }

// Run implements Job.
func (j *EarningClearingJob) Run(ctx context.Context) error {
	promoted, err := j.earnings.PromoteCleared(ctx, j.now().UTC())
	if err != nil {
		return fmt.Errorf("promote cleared earnings: %w", err)
	}
	if promoted > 0 {
		j.logg.Info(j.logg.WithField(ctx, "promoted", promoted), "earnings became available for payout")
	}
	return nil
}
