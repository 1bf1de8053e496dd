package artifact

import (
	"errors"
	"time"
)

const (
	layoutMinute = "200601021504" // yyyyMMddHHmm
	layoutDay    = "20060102"     // yyyyMMdd
)

// ErrNoDatePattern is returned when a string matches none of the accepted date patterns.
var ErrNoDatePattern = errors.New("no date pattern matched")

var datePatterns = []string{layoutMinute, layoutDay}

// ParseDate parses yyyyMMddHHmm or yyyyMMdd in UTC. The first pattern that
// matches wins.
func ParseDate(value string) (time.Time, error) {
	for _, layout := range datePatterns {
		if len(value) != len(layout) {
			continue
		}
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &FormatError{Kind: "date", Value: value, Err: ErrNoDatePattern}
}

// FormatDate renders t as yyyyMMddHHmm in UTC.
func FormatDate(t time.Time) string {
	return t.UTC().Format(layoutMinute)
}
