package store

import (
	"fmt"
	"time"
)

// WeekIDFor derives the stable aggregate key for the Monday-to-Sunday week
// containing t, from the ISO year and week number of that week's Monday.
func WeekIDFor(t time.Time) string {
	year, week := WeekStart(t).ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// WeekStart returns midnight UTC on the Monday of the week containing t.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	monday := t.AddDate(0, 0, -(weekday - 1))
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, time.UTC)
}

// WeekEnd returns the last instant of the week containing t (Sunday 23:59:59).
func WeekEnd(t time.Time) time.Time {
	return WeekStart(t).AddDate(0, 0, 7).Add(-time.Second)
}
