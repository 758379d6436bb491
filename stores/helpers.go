package stores

import (
	"time"

	"github.com/oarkflow/date"
)

// parseFlexibleTime accepts the assorted timestamp formats drivers
// hand back (RFC3339, sqlite's space-separated form, unix strings).
func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// scanTime converts a raw driver value into a time.Time, tolerating
// drivers that return strings or bytes.
func scanTime(raw any) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t
		}
	}
	return time.Time{}
}
