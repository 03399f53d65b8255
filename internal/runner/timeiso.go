package runner

import (
	"strings"
	"time"
)

// utcNowISO formats the current instant as an RFC 3339 UTC timestamp with a
// trailing Z, matching every timestamp the supervisor writes.
func utcNowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// normalizeISO parses a timestamp leniently and re-renders it as RFC 3339
// UTC. Unparseable or blank input normalizes to "".
func normalizeISO(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	parsed, err := parseISO(trimmed)
	if err != nil {
		return ""
	}
	return parsed.UTC().Format(time.RFC3339)
}

func parseISO(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	// Timestamps without an explicit offset are taken as UTC.
	return time.Parse("2006-01-02T15:04:05", value)
}

// minutesSince returns whole minutes between start and now, floored at zero.
// Either side failing to normalize yields zero.
func minutesSince(startISO, nowISO string) int {
	seconds := secondsSince(startISO, nowISO)
	return seconds / 60
}

// secondsSince returns whole seconds between start and now, floored at zero.
func secondsSince(startISO, nowISO string) int {
	start := normalizeISO(startISO)
	now := normalizeISO(nowISO)
	if start == "" || now == "" {
		return 0
	}
	startTime, _ := time.Parse(time.RFC3339, start)
	nowTime, _ := time.Parse(time.RFC3339, now)
	delta := nowTime.Sub(startTime)
	if delta <= 0 {
		return 0
	}
	return int(delta.Seconds())
}

// isAfterISO reports whether left is strictly later than right. Either side
// failing to normalize yields false.
func isAfterISO(leftISO, rightISO string) bool {
	left := normalizeISO(leftISO)
	right := normalizeISO(rightISO)
	if left == "" || right == "" {
		return false
	}
	leftTime, _ := time.Parse(time.RFC3339, left)
	rightTime, _ := time.Parse(time.RFC3339, right)
	return leftTime.After(rightTime)
}
