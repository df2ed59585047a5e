package audit

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mercato-dev/mercato-backend/pkg/auth"
	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	"github.com/mercato-dev/mercato-backend/pkg/enums"
	"github.com/mercato-dev/mercato-backend/pkg/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:audit_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.AuditEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestRecordPersistsEvent(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	rec, err := NewRecorder(db, logger.New(logger.Options{ServiceName: "test"}))
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	actor := auth.Actor{UserID: uuid.New(), Role: enums.RoleAdmin}
	target := uuid.New()
	rec.Record(context.Background(), Entry{
		Action:     enums.AuditActionRefundApproved,
		Actor:      actor,
		TargetType: "refund_request",
		TargetID:   target,
		Detail:     map[string]any{"amount_cents": 500},
	})

	var event models.AuditEvent
	if err := db.First(&event, "target_id = ?", target).Error; err != nil {
		t.Fatalf("load event: %v", err)
	}
	if event.Action != enums.AuditActionRefundApproved {
		t.Fatalf("unexpected action %s", event.Action)
	}
	if event.ActorID != actor.UserID || event.ActorRole != enums.RoleAdmin {
		t.Fatalf("actor not recorded: %+v", event)
	}
	if len(event.Detail) == 0 {
		t.Fatalf("detail not recorded")
	}
}

func TestRecordSurvivesBadDetail(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	rec, err := NewRecorder(db, logger.New(logger.Options{ServiceName: "test"}))
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	target := uuid.New()
	rec.Record(context.Background(), Entry{
		Action:     enums.AuditActionOrderConfirmed,
		Actor:      auth.Actor{UserID: uuid.New(), Role: enums.RoleBuyer},
		TargetType: "order",
		TargetID:   target,
		Detail:     make(chan int),
	})

	var event models.AuditEvent
	if err := db.First(&event, "target_id = ?", target).Error; err != nil {
		t.Fatalf("event not written despite bad detail: %v", err)
	}
	if len(event.Detail) != 0 {
		t.Fatalf("expected empty detail, got %s", string(event.Detail))
	}
}
