package domain

import (
	"errors"
	"time"
)

var (
	ErrInvalidBytesUp      = errors.New("invalid_bytes_up")
	ErrInvalidBytesDown    = errors.New("invalid_bytes_down")
	ErrEventTimeOutOfRange = errors.New("event_time_out_of_window")
	ErrInvalidSource       = errors.New("invalid_source")
	ErrInvalidUserID       = errors.New("invalid_user_id")
)

// Window bounds the event times accepted relative to now.
type Window struct {
	LateArrival time.Duration
	ClockSkew   time.Duration
}

// Validate checks a single sample. Checks run in a fixed order so the
// reported reason is stable.
func Validate(ev NewEvent, now time.Time, window Window) error {
	if ev.BytesUp < 0 {
		return ErrInvalidBytesUp
	}
	if ev.BytesDown < 0 {
		return ErrInvalidBytesDown
	}
	if ev.EventTime.Before(now.Add(-window.LateArrival)) || ev.EventTime.After(now.Add(window.ClockSkew)) {
		return ErrEventTimeOutOfRange
	}
	if !ev.Source.Valid() {
		return ErrInvalidSource
	}
	return nil
}
