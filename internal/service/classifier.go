package service

import (
	"math"
	"time"

	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/utils"
)

// InfiniteGrace is the grace period to pass for members on an active
// payment plan. It keeps them at Overdue at most.
const InfiniteGrace = math.MaxInt32

const lateDays = 7

// Classify maps the age of the oldest unpaid invoice to a payment status.
// First match wins:
//
//	no unpaid invoice      -> Current
//	days <= 0              -> Current
//	days <= 7              -> Late
//	days <= grace          -> Overdue
//	days <= grace + 30     -> SeriouslyOverdue
//	otherwise              -> Suspended
func Classify(oldestUnpaidDue *time.Time, today time.Time, graceDays int) models.PaymentStatus {
	if oldestUnpaidDue == nil {
		return models.StatusCurrent
	}
	return ClassifyDays(DaysOverdue(*oldestUnpaidDue, today), graceDays)
}

// ClassifyDays is Classify on an already computed age.
func ClassifyDays(days, graceDays int) models.PaymentStatus {
	if graceDays < 0 {
		graceDays = 0
	}
	switch {
	case days <= 0:
		return models.StatusCurrent
	case days <= lateDays:
		return models.StatusLate
	case days <= graceDays:
		return models.StatusOverdue
	case int64(days) <= int64(graceDays)+30:
		return models.StatusSeriouslyOverdue
	default:
		return models.StatusSuspended
	}
}

// DaysOverdue counts calendar days from due to today. Negative values mean
// the invoice is not due yet.
func DaysOverdue(due, today time.Time) int {
	return utils.DaysBetween(due, today)
}
