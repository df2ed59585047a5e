package enums

import "fmt"

// AuditAction names the settlement-engine events recorded in the audit log.
type AuditAction string

const (
	AuditActionReservationCreated  AuditAction = "reservation.created"
	AuditActionReservationReleased AuditAction = "reservation.released"
	AuditActionReservationExpired  AuditAction = "reservation.expired"
	AuditActionOrderConfirmed      AuditAction = "order.confirmed"
	AuditActionOrderCancelled      AuditAction = "order.cancelled"
	AuditActionOrderTransitioned   AuditAction = "order.transitioned"
	AuditActionRefundRequested     AuditAction = "refund.requested"
	AuditActionRefundApproved      AuditAction = "refund.approved"
	AuditActionRefundRejected      AuditAction = "refund.rejected"
	AuditActionEarningCleared      AuditAction = "earning.cleared"
	AuditActionEarningReversed     AuditAction = "earning.reversed"
	AuditActionPayoutRequested     AuditAction = "payout.requested"
	AuditActionPayoutApproved      AuditAction = "payout.approved"
	AuditActionPayoutRejected      AuditAction = "payout.rejected"
	AuditActionPayoutCancelled     AuditAction = "payout.cancelled"
	AuditActionPayoutCompleted     AuditAction = "payout.completed"
	AuditActionInventoryAdjusted   AuditAction = "inventory.adjusted"
)

var validAuditActions = []AuditAction{
	AuditActionReservationCreated,
	AuditActionReservationReleased,
	AuditActionReservationExpired,
	AuditActionOrderConfirmed,
	AuditActionOrderCancelled,
	AuditActionOrderTransitioned,
	AuditActionRefundRequested,
	AuditActionRefundApproved,
	AuditActionRefundRejected,
	AuditActionEarningCleared,
	AuditActionEarningReversed,
	AuditActionPayoutRequested,
	AuditActionPayoutApproved,
	AuditActionPayoutRejected,
	AuditActionPayoutCancelled,
	AuditActionPayoutCompleted,
	AuditActionInventoryAdjusted,
}

// String implements fmt.Stringer.
func (a AuditAction) String() string {
	return string(a)
}

// IsValid reports whether the value is a known AuditAction.
func (a AuditAction) IsValid() bool {
	for _, candidate := range validAuditActions {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseAuditAction converts raw input into an AuditAction.
func ParseAuditAction(value string) (AuditAction, error) {
	for _, candidate := range validAuditActions {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid audit action %q", value)
}
