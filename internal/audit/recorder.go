package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercato-dev/mercato-backend/pkg/auth"
	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	"github.com/mercato-dev/mercato-backend/pkg/enums"
	"github.com/mercato-dev/mercato-backend/pkg/logger"
)

// Entry is one auditable action.
type Entry struct {
	Action     enums.AuditAction
	Actor      auth.Actor
	TargetType string
	TargetID   uuid.UUID
	Detail     any
}

// Recorder appends entries to the audit log. Record never returns an error:
// an audit failure is logged, not propagated, so it cannot roll back the
// state change it describes.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

type recorder struct {
	db   *gorm.DB
	logg *logger.Logger
}

// NewRecorder builds an audit recorder bound to the base DB handle. It writes
// outside any caller transaction on purpose: a rolled-back tx should still
// not take the attempt's audit trail decision with it, and a failed audit
// insert must never abort the tx.
func NewRecorder(db *gorm.DB, logg *logger.Logger) (Recorder, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &recorder{db: db, logg: logg}, nil
}

func (r *recorder) Record(ctx context.Context, entry Entry) {
	ctx = r.logg.WithFields(ctx, map[string]any{
		"action":      entry.Action.String(),
		"target_type": entry.TargetType,
		"target_id":   entry.TargetID.String(),
	})

	var detail json.RawMessage
	if entry.Detail != nil {
		raw, err := json.Marshal(entry.Detail)
		if err != nil {
			r.logg.Warn(ctx, "audit detail not serializable")
		} else {
			detail = raw
		}
	}

	event := models.AuditEvent{
		Action:     entry.Action,
		ActorID:    entry.Actor.UserID,
		ActorRole:  entry.Actor.Role,
		TargetType: entry.TargetType,
		TargetID:   entry.TargetID,
		Detail:     detail,
	}
	if err := r.db.WithContext(ctx).Create(&event).Error; err != nil {
		r.logg.Error(ctx, "audit write failed", err)
	}
}
