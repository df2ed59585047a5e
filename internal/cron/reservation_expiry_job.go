package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/mercato-dev/mercato-backend/pkg/logger"
)

const expiryBatchSize = 500

type reservationExpirer interface {
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// ReservationExpiryJob releases expired active reservations through the same
// conditional-write path interactive requests use, so it is safe to run
// while buyers are mutating the same rows.
type ReservationExpiryJob struct {
	reservations reservationExpirer
	logg         *logger.Logger
	now          func() time.Time
}

// NewReservationExpiryJob builds the reservation expiry sweep.
func NewReservationExpiryJob(reservations reservationExpirer, logg *logger.Logger) (*ReservationExpiryJob, error) {
	if reservations == nil {
		return nil, fmt.Errorf("reservation service required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &ReservationExpiryJob{
		reservations: reservations,
		logg:         logg,
		now:          time.Now,
	}, nil
}

// Name implements Job.
func (j *ReservationExpiryJob) Name() string { return "reservation-expiry" }

// Run implements Job. It drains expired reservations in batches until a
// batch comes back short.
func (j *ReservationExpiryJob) Run(ctx context.Context) error {
	total := 0
	for {
		expired, err := j.reservations.ExpireDue(ctx, j.now().UTC(), expiryBatchSize)
		if err != nil {
			return fmt.Errorf("expire reservations: %w", err)
		}
		total += expired
		if expired < expiryBatchSize {
			break
		}
	}
	if total > 0 {
		j.logg.Info(j.logg.WithField(ctx, "expired", total), "released expired reservations")
	}
	return nil
}
