package providers

import (
	"strings"

	"atlas-payment-service/models"
)

// Canonical gateway-agnostic statuses used for comparison.
const (
	NormalizedPaid          = "paid"
	NormalizedPending       = "pending"
	NormalizedFailed        = "failed"
	NormalizedRefunded      = "refunded"
	NormalizedPartialRefund = "partial-refund"
)

var statusAliases = map[string]string{
	// paid
	"captured":        NormalizedPaid,
	"successful":      NormalizedPaid,
	"success":         NormalizedPaid,
	"completed":       NormalizedPaid,
	"succeeded":       NormalizedPaid,
	"credit":          NormalizedPaid,
	"txn_success":     NormalizedPaid,
	"payment_success": NormalizedPaid,
	"paid":            NormalizedPaid,
	// pending
	"authorized":              NormalizedPending,
	"created":                 NormalizedPending,
	"initiated":               NormalizedPending,
	"pending":                 NormalizedPending,
	"active":                  NormalizedPending,
	"processing":              NormalizedPending,
	"requires_payment_method": NormalizedPending,
	"requires_confirmation":   NormalizedPending,
	"requires_action":         NormalizedPending,
	"requires_capture":        NormalizedPending,
	"payment_pending":         NormalizedPending,
	"partially_paid":          NormalizedPending,
	"open":                    NormalizedPending,
	// failed
	"failed":        NormalizedFailed,
	"failure":       NormalizedFailed,
	"cancelled":     NormalizedFailed,
	"canceled":      NormalizedFailed,
	"expired":       NormalizedFailed,
	"txn_failure":   NormalizedFailed,
	"payment_error": NormalizedFailed,
	"bounced":       NormalizedFailed,
	"dropped":       NormalizedFailed,
	"usercancelled": NormalizedFailed,
	"user_dropped":  NormalizedFailed,
	// refunds
	"refunded":           NormalizedRefunded,
	"auto-refund":        NormalizedRefunded,
	"partial-refund":     NormalizedPartialRefund,
	"partially_refunded": NormalizedPartialRefund,
}

// NormalizeStatus maps gateway vocabulary onto the canonical set. Unknown
// values come back lower-cased and trimmed, so NormalizeStatus is idempotent.
func NormalizeStatus(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if n, ok := statusAliases[s]; ok {
		return n
	}
	return s
}

// ToPaymentStatus converts a gateway status to the local record status.
// Pending and unknown statuses become initiated.
func ToPaymentStatus(raw string) models.PaymentStatus {
	switch NormalizeStatus(raw) {
	case NormalizedPaid:
		return models.PaymentStatusPaid
	case NormalizedFailed:
		return models.PaymentStatusFailed
	case NormalizedRefunded:
		return models.PaymentStatusRefunded
	case NormalizedPartialRefund:
		return models.PaymentStatusPartialRefund
	default:
		return models.PaymentStatusInitiated
	}
}

// MergeableStatus drops refund statuses from a gateway update. A record only
// moves into a refund status when a refund entry is booked against it.
func MergeableStatus(status models.PaymentStatus) models.PaymentStatus {
	if status == models.PaymentStatusRefunded || status == models.PaymentStatusPartialRefund {
		return ""
	}
	return status
}
