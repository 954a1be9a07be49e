package service

import (
	"testing"
	"time"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitInstallments(t *testing.T) {
	parts, err := SplitInstallments(decimal.RequireFromString("100.00"), 3, utils.Date(2024, time.January, 31), "EUR")
	require.NoError(t, err)
	require.Len(t, parts, 3)

	assert.Equal(t, "33.33", parts[0].Amount.StringFixed(2))
	assert.Equal(t, "33.33", parts[1].Amount.StringFixed(2))
	assert.Equal(t, "33.34", parts[2].Amount.StringFixed(2))

	assert.Equal(t, utils.Date(2024, time.January, 31), parts[0].DueDate)
	assert.Equal(t, utils.Date(2024, time.February, 29), parts[1].DueDate)
	assert.Equal(t, utils.Date(2024, time.March, 31), parts[2].DueDate)
	assert.Equal(t, 3, parts[2].Sequence)
}

func TestSplitInstallmentsSumsToTotal(t *testing.T) {
	for _, total := range []string{"0.00", "0.01", "25.00", "99.99", "1234.57"} {
		for n := 1; n <= 12; n++ {
			parts, err := SplitInstallments(decimal.RequireFromString(total), n, utils.Date(2024, time.March, 1), "EUR")
			require.NoError(t, err)

			sum := decimal.Zero
			for _, p := range parts {
				assert.False(t, p.Amount.IsNegative(), "%s / %d", total, n)
				sum = sum.Add(p.Amount)
			}
			assert.True(t, sum.Equal(decimal.RequireFromString(total)), "%s / %d sums to %s", total, n, sum)
		}
	}
}

func TestSplitInstallmentsRejectsBadInput(t *testing.T) {
	_, err := SplitInstallments(decimal.RequireFromString("10.00"), 0, utils.Date(2024, time.March, 1), "EUR")
	assert.True(t, ierr.IsValidation(err))

	_, err = SplitInstallments(decimal.RequireFromString("-1.00"), 2, utils.Date(2024, time.March, 1), "EUR")
	assert.True(t, ierr.IsValidation(err))

	_, err = SplitInstallments(decimal.RequireFromString("10.005"), 2, utils.Date(2024, time.March, 1), "EUR")
	assert.True(t, ierr.IsValidation(err))
}
