package database

import "time"

// sqlTimeLayout is what Postgres accepts for plain timestamp literals.
const sqlTimeLayout = "2006-01-02 15:04:05"

// ToSQLTime converts an ISO-8601 timestamp (the CAPTCHA provider's
// challenge_ts format) into a SQL-friendly literal. Unparseable input is
// returned unchanged so the raw value is still recorded.
func ToSQLTime(iso string) string {
	if iso == "" {
		return ""
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, iso); err == nil {
			return t.UTC().Format(sqlTimeLayout)
		}
	}
	return iso
}
