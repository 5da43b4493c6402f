package service

import (
	"time"

	"github.com/google/uuid"
)

func newID() string {
	return uuid.NewString()
}

func durationMs(start time.Time, now time.Time) int64 {
	return now.Sub(start).Milliseconds()
}
