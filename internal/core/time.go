package core

import "time"

// TimeFormat is the timestamp layout used on the wire.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime formats t in UTC with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

