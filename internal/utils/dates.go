package utils

import (
	"sort"
	"time"
)

const DateLayout = "2006-01-02"

// Day returns t truncated to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Date builds a UTC calendar date.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses an ISO-8601 calendar date.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// DaysInMonth returns the number of days of the given month.
func DaysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// DateOnDay returns the date in the given month with the day clamped to the
// month's length (day 31 in February becomes the 28th or 29th).
func DateOnDay(year int, month time.Month, day int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	if last := DaysInMonth(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

// AddMonths moves t by n calendar months keeping the given anchor day,
// clamped to the target month's length.
func AddMonths(t time.Time, n int, anchorDay int) time.Time {
	if anchorDay <= 0 {
		anchorDay = t.Day()
	}
	return DateOnDay(t.Year(), t.Month()+time.Month(n), anchorDay)
}

// DaysBetween returns the number of calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// BusinessCalendar knows weekends and configured bank holidays.
type BusinessCalendar struct {
	holidays map[time.Time]struct{}
}

func NewBusinessCalendar(holidays []time.Time) *BusinessCalendar {
	c := &BusinessCalendar{holidays: make(map[time.Time]struct{}, len(holidays))}
	for _, h := range holidays {
		c.holidays[Day(h)] = struct{}{}
	}
	return c
}

func (c *BusinessCalendar) IsBusinessDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if c == nil {
		return true
	}
	_, holiday := c.holidays[Day(t)]
	return !holiday
}

// AddBusinessDays returns the date n business days after t.
func (c *BusinessCalendar) AddBusinessDays(t time.Time, n int) time.Time {
	d := Day(t)
	for n > 0 {
		d = d.AddDate(0, 0, 1)
		if c.IsBusinessDay(d) {
			n--
		}
	}
	return d
}

// NextBusinessDay returns t itself when it is a business day, otherwise the
// first business day after it.
func (c *BusinessCalendar) NextBusinessDay(t time.Time) time.Time {
	d := Day(t)
	for !c.IsBusinessDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func (c *BusinessCalendar) Holidays() []time.Time {
	if c == nil {
		return nil
	}
	out := make([]time.Time, 0, len(c.holidays))
	for h := range c.holidays {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
