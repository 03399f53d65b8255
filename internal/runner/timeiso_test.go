package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeISO(t *testing.T) {
	assert.Equal(t, "2026-08-24T10:00:00Z", normalizeISO("2026-08-24T10:00:00Z"))
	assert.Equal(t, "2026-08-24T10:00:00Z", normalizeISO("2026-08-24T12:00:00+02:00"))
	assert.Equal(t, "2026-08-24T10:00:00Z", normalizeISO("2026-08-24T10:00:00.123456Z"))
	assert.Equal(t, "2026-08-24T10:00:00Z", normalizeISO("2026-08-24T10:00:00"))
	assert.Equal(t, "", normalizeISO(""))
	assert.Equal(t, "", normalizeISO("   "))
	assert.Equal(t, "", normalizeISO("not-a-timestamp"))
}

func TestSecondsSince(t *testing.T) {
	assert.Equal(t, 90, secondsSince("2026-08-24T10:00:00Z", "2026-08-24T10:01:30Z"))
	assert.Equal(t, 0, secondsSince("2026-08-24T10:01:30Z", "2026-08-24T10:00:00Z"))
	assert.Equal(t, 0, secondsSince("garbage", "2026-08-24T10:00:00Z"))
	assert.Equal(t, 0, secondsSince("", "2026-08-24T10:00:00Z"))
}

func TestMinutesSince(t *testing.T) {
	assert.Equal(t, 0, minutesSince("2026-08-24T10:00:00Z", "2026-08-24T10:00:59Z"))
	assert.Equal(t, 1, minutesSince("2026-08-24T10:00:00Z", "2026-08-24T10:01:00Z"))
	assert.Equal(t, 15, minutesSince("2026-08-24T10:00:00Z", "2026-08-24T10:15:30Z"))
}

func TestIsAfterISO(t *testing.T) {
	assert.True(t, isAfterISO("2026-08-24T10:01:00Z", "2026-08-24T10:00:00Z"))
	assert.False(t, isAfterISO("2026-08-24T10:00:00Z", "2026-08-24T10:00:00Z"))
	assert.False(t, isAfterISO("2026-08-24T10:00:00Z", "2026-08-24T10:01:00Z"))
	assert.False(t, isAfterISO("", "2026-08-24T10:00:00Z"))
	assert.False(t, isAfterISO("2026-08-24T10:00:00Z", "garbage"))
}
