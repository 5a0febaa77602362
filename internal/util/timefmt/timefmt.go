// Package timefmt renders timestamps for API responses. The store
// keeps epoch millis; everything client-facing goes through here.
package timefmt

import "time"

// ISO8601 is the wire format for timestamps, always UTC with
// millisecond precision.
const ISO8601 = "2006-01-02T15:04:05.000Z"

// Format renders t in the wire format.
func Format(t time.Time) string {
	return t.UTC().Format(ISO8601)
}
