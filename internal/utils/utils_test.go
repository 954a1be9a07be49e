package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddMonthsKeepsAnchor(t *testing.T) {
	jan31 := Date(2024, time.January, 31)

	feb := AddMonths(jan31, 1, 31)
	assert.Equal(t, Date(2024, time.February, 29), feb)
	assert.Equal(t, Date(2024, time.March, 31), AddMonths(feb, 1, 31))
	assert.Equal(t, Date(2025, time.February, 28), AddMonths(jan31, 13, 31))
	assert.Equal(t, Date(2024, time.April, 15), AddMonths(Date(2024, time.January, 15), 3, 0))
	assert.Equal(t, Date(2023, time.December, 31), AddMonths(jan31, -1, 0))
}

func TestDaysBetween(t *testing.T) {
	a := time.Date(2024, time.February, 28, 23, 0, 0, 0, time.UTC)
	b := time.Date(2024, time.March, 1, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, 2, DaysBetween(a, b))
	assert.Equal(t, -2, DaysBetween(b, a))
	assert.Equal(t, 0, DaysBetween(a, a))
}

func TestDaysInMonth(t *testing.T) {
	assert.Equal(t, 29, DaysInMonth(2024, time.February))
	assert.Equal(t, 28, DaysInMonth(2023, time.February))
	assert.Equal(t, 31, DaysInMonth(2024, time.December))
}

func TestBusinessCalendar(t *testing.T) {
	cal := NewBusinessCalendar([]time.Time{time.Date(2024, time.December, 25, 15, 0, 0, 0, time.UTC), Date(2024, time.December, 26)})

	assert.True(t, cal.IsBusinessDay(Date(2024, time.December, 24)))
	assert.False(t, cal.IsBusinessDay(Date(2024, time.December, 25)))
	assert.False(t, cal.IsBusinessDay(Date(2024, time.December, 28)))

	// Tue 24th + 1 skips both holidays.
	assert.Equal(t, Date(2024, time.December, 27), cal.AddBusinessDays(Date(2024, time.December, 24), 1))
	// Fri 27th + 1 skips the weekend.
	assert.Equal(t, Date(2024, time.December, 30), cal.AddBusinessDays(Date(2024, time.December, 27), 1))
	assert.Equal(t, Date(2024, time.December, 27), cal.NextBusinessDay(Date(2024, time.December, 25)))
	assert.Equal(t, Date(2024, time.December, 24), cal.NextBusinessDay(Date(2024, time.December, 24)))
	assert.Equal(t, []time.Time{Date(2024, time.December, 25), Date(2024, time.December, 26)}, cal.Holidays())

	var none *BusinessCalendar
	assert.True(t, none.IsBusinessDay(Date(2024, time.December, 25)))
	assert.False(t, none.IsBusinessDay(Date(2024, time.December, 29)))
	assert.Nil(t, none.Holidays())
}

func testCipher(t *testing.T) *FieldCipher {
	t.Helper()
	c, err := NewFieldCipher([]byte(strings.Repeat("k", 32)), []byte("fingerprint-secret"))
	require.NoError(t, err)
	return c
}

func TestFieldCipherRoundTrip(t *testing.T) {
	c := testCipher(t)

	a, err := c.Seal("DE89370400440532013000")
	require.NoError(t, err)
	b, err := c.Seal("DE89370400440532013000")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	plain, err := c.Open(a)
	require.NoError(t, err)
	assert.Equal(t, "DE89370400440532013000", plain)

	_, err = c.Seal("")
	assert.Error(t, err)
	_, err = c.Open("zz")
	assert.Error(t, err)
	_, err = c.Open("00ff")
	assert.Error(t, err)

	tampered := []byte(a)
	if tampered[len(tampered)-1] == '0' {
		tampered[len(tampered)-1] = '1'
	} else {
		tampered[len(tampered)-1] = '0'
	}
	_, err = c.Open(string(tampered))
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	c := testCipher(t)
	assert.Equal(t, c.Fingerprint("DE89370400440532013000"), c.Fingerprint("DE89370400440532013000"))
	assert.NotEqual(t, c.Fingerprint("DE89370400440532013000"), c.Fingerprint("NL91ABNA0417164300"))
	assert.Len(t, c.Fingerprint("x"), 64)

	other, err := NewFieldCipher([]byte(strings.Repeat("k", 32)), []byte("another-secret"))
	require.NoError(t, err)
	assert.NotEqual(t, c.Fingerprint("x"), other.Fingerprint("x"))
}

func TestNewFieldCipherRejectsBadKeys(t *testing.T) {
	_, err := NewFieldCipher([]byte("short"), []byte("s"))
	assert.Error(t, err)
	_, err = NewFieldCipher([]byte(strings.Repeat("k", 16)), nil)
	assert.Error(t, err)
}
