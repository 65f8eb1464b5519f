package sqlite

import (
	"database/sql"
	"fmt"
	"time"
)

// SQLite has no datetime type; timestamps are stored as RFC3339 TEXT in UTC.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseRFC3339(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullable(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseRFC3339(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
