package service

import (
	"time"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/utils"
	"github.com/shopspring/decimal"
)

// SplitInstallments spreads total over n monthly installments starting at
// firstDue. Every installment but the last is total/n truncated to the
// minor unit; the last one takes the remainder so the parts sum to total.
func SplitInstallments(total decimal.Decimal, n int, firstDue time.Time, currency string) ([]models.Installment, error) {
	if n < 1 {
		return nil, ierr.NewError("installment count must be at least 1").Mark(ierr.ErrValidation)
	}
	if total.IsNegative() {
		return nil, ierr.NewError("installment total must not be negative").Mark(ierr.ErrValidation)
	}
	places := models.MinorUnits(currency)
	if !total.Equal(total.Round(places)) {
		return nil, ierr.NewErrorf("total %s has more precision than %s allows", total, currency).
			Mark(ierr.ErrValidation)
	}

	first := utils.Day(firstDue)
	part := total.Div(decimal.NewFromInt(int64(n))).Truncate(places)
	out := make([]models.Installment, n)
	remaining := total
	for i := 0; i < n; i++ {
		amount := part
		if i == n-1 {
			amount = remaining
		}
		remaining = remaining.Sub(amount)
		out[i] = models.Installment{
			Sequence: i + 1,
			DueDate:  utils.AddMonths(first, i, first.Day()),
			Amount:   amount,
		}
	}
	return out, nil
}
