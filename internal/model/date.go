package model

import "time"

const day = 24 * time.Hour

// Day отбрасывает время суток, оставляя календарную дату в UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AddDays сдвигает дату на n календарных дней.
func AddDays(t time.Time, n int) time.Time {
	return Day(t).AddDate(0, 0, n)
}

// DaysBetween возвращает число календарных дней от from до to.
func DaysBetween(from, to time.Time) int {
	return int(Day(to).Sub(Day(from)) / day)
}
