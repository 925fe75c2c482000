package core

import "time"

// TimeFormat is the timestamp layout used in events and API responses.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTime formats t in UTC with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// NowFormatted returns the current time formatted with FormatTime.
func NowFormatted() string {
	return FormatTime(time.Now())
}
