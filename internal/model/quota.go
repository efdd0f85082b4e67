package model

import "time"

// DayLayout is the calendar-day key format stored in quota records.
const DayLayout = "2006-01-02"

// Blocked is the remaining-count sentinel reported when a consume attempt is
// refused because the day's allowance is used up.
const Blocked = -1

// QuotaRecord is a user's daily swipe allowance.
type QuotaRecord struct {
	UserID string
	Day    string
	Used   int
	Max    int
}

// DayKey returns the calendar-day key of t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DayLayout)
}

// StartOfNextDay returns midnight at the start of the calendar day after t
// in loc.
func StartOfNextDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return start.AddDate(0, 0, 1)
}

// RollOver returns q as it stands on day. A record from an earlier day has
// its usage reset.
func (q QuotaRecord) RollOver(day string) QuotaRecord {
	if q.Day != day {
		q.Day = day
		q.Used = 0
	}
	return q
}

// Remaining reports how many consumes are left, never below zero.
func (q QuotaRecord) Remaining() int {
	if q.Used >= q.Max {
		return 0
	}
	return q.Max - q.Used
}

// Exhausted reports whether another consume must be refused.
func (q QuotaRecord) Exhausted() bool {
	return q.Used >= q.Max
}

// Consume returns q with one more use recorded. The caller checks Exhausted
// first.
func (q QuotaRecord) Consume() QuotaRecord {
	q.Used++
	return q
}

// Grant returns q with amount uses given back, floored at zero.
func (q QuotaRecord) Grant(amount int) QuotaRecord {
	q.Used -= amount
	if q.Used < 0 {
		q.Used = 0
	}
	return q
}
