package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mercato-dev/mercato-backend/pkg/enums"
)

// AuditEvent records an immutable settlement-engine action. Writes are
// fire-and-forget: an audit failure never rolls back the ledger change it
// describes.
type AuditEvent struct {
	ID         uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	Action     enums.AuditAction `gorm:"column:action;not null;index"`
	ActorID    uuid.UUID         `gorm:"column:actor_id;type:uuid;not null"`
	ActorRole  enums.Role        `gorm:"column:actor_role;not null"`
	TargetType string            `gorm:"column:target_type;not null"`
	TargetID   uuid.UUID         `gorm:"column:target_id;type:uuid;not null;index"`
	Detail     json.RawMessage   `gorm:"column:detail;type:jsonb"`
	CreatedAt  time.Time         `gorm:"column:created_at;autoCreateTime"`
}
