package vpsstate

import (
	"github.com/welldanyogia/webrana-cloud-sub000/app/models"
)

// transitions is the complete order status transition table. A status with
// no entry (or an empty entry) is terminal.
var transitions = map[string][]string{
	models.OrderStatusPendingPayment: {models.OrderStatusPaid, models.OrderStatusCanceled},
	models.OrderStatusPaid:           {models.OrderStatusProvisioning},
	models.OrderStatusProvisioning:   {models.OrderStatusActive, models.OrderStatusFailed},
	models.OrderStatusFailed:         {models.OrderStatusProcessing},
	models.OrderStatusProcessing:     {models.OrderStatusProvisioning},
	models.OrderStatusActive: {
		models.OrderStatusExpiringSoon,
		models.OrderStatusExpired,
		models.OrderStatusSuspended,
		models.OrderStatusTerminated,
	},
	models.OrderStatusExpiringSoon: {
		models.OrderStatusActive,
		models.OrderStatusExpired,
		models.OrderStatusSuspended,
		models.OrderStatusTerminated,
	},
	models.OrderStatusExpired: {
		models.OrderStatusActive,
		models.OrderStatusSuspended,
		models.OrderStatusTerminated,
	},
	models.OrderStatusSuspended: {
		models.OrderStatusActive,
		models.OrderStatusTerminated,
	},
	models.OrderStatusTerminated: {},
	models.OrderStatusCanceled:   {},
}

// IsValidTransition reports whether from -> to is allowed by the table
func IsValidTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalState reports whether the status has no outgoing transitions
func IsTerminalState(status string) bool {
	next, known := transitions[status]
	return known && len(next) == 0
}

// ValidNextStates returns a copy of the allowed next statuses
func ValidNextStates(status string) []string {
	next := transitions[status]
	out := make([]string, len(next))
	copy(out, next)
	return out
}
