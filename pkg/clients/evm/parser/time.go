package parser

import "time"

const (
	// Event timestamps above this value are absolute unix times, below it they
	// are delays in seconds.
	ABSOLUTE_TIME_THRESHOLD = 1_420_000_000
	MAX_QUERY_DELAY         = 60 * 24 * time.Hour
)

// GetQueryUnixTime turns the event timestamp into the unix time the oracle
// should answer at. Zero means immediately.
func GetQueryUnixTime(timestamp int64, now int64) int64 {
	switch {
	case timestamp < now && timestamp > ABSOLUTE_TIME_THRESHOLD:
		return 0
	case timestamp < ABSOLUTE_TIME_THRESHOLD && timestamp > 5:
		return positive(now + timestamp)
	case timestamp > ABSOLUTE_TIME_THRESHOLD:
		return positive(timestamp)
	default:
		return 0
	}
}

// IsValidTime rejects targets more than 60 days ahead.
func IsValidTime(target int64, now int64) bool {
	return target <= now+int64(MAX_QUERY_DELAY/time.Second)
}

func positive(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
