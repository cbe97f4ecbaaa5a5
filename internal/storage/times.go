package storage

import (
	"strings"
	"time"

	mederrors "medidash/internal/errors"
)

// timestampFormats lists accepted input layouts, RFC3339 first.
// Zone-less forms appear in older snapshots and hand-written CSV files
// and are taken as UTC.
var timestampFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp parses an input timestamp in any accepted layout and
// normalizes it to UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, mederrors.Validationf("unparseable timestamp %q", s)
}
