package enums

import "fmt"

// EarningStatus tracks a seller earning from creation through payout.
// reserved_for_payout is the draw-down lock that keeps two concurrent payout
// requests from claiming the same row.
type EarningStatus string

const (
	EarningStatusPendingClearing   EarningStatus = "pending_clearing"
	EarningStatusAvailable         EarningStatus = "available"
	EarningStatusReservedForPayout EarningStatus = "reserved_for_payout"
	EarningStatusPaid              EarningStatus = "paid"
	EarningStatusReversed          EarningStatus = "reversed"
)

var validEarningStatuses = []EarningStatus{
	EarningStatusPendingClearing,
	EarningStatusAvailable,
	EarningStatusReservedForPayout,
	EarningStatusPaid,
	EarningStatusReversed,
}

// String implements fmt.Stringer.
func (e EarningStatus) String() string {
	return string(e)
}

// IsValid reports whether the value is a known EarningStatus.
func (e EarningStatus) IsValid() bool {
	for _, candidate := range validEarningStatuses {
		if candidate == e {
			return true
		}
	}
	return false
}

// IsReversible reports whether a refund may still claw the earning back.
func (e EarningStatus) IsReversible() bool {
	return e == EarningStatusPendingClearing || e == EarningStatusAvailable
}

// ParseEarningStatus converts raw input into an EarningStatus.
func ParseEarningStatus(value string) (EarningStatus, error) {
	for _, candidate := range validEarningStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid earning status %q", value)
}
