package timeslot

import (
	"fmt"
	"time"
)

// InvalidRangeError is returned when an interval does not end strictly after it starts.
type InvalidRangeError struct {
	Start string
	End   string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range: end %s must be after start %s", e.End, e.Start)
}

// UnknownDayError is returned for day names outside Monday..Sunday.
type UnknownDayError struct {
	Day string
}

func (e *UnknownDayError) Error() string {
	return fmt.Sprintf("unknown day %q", e.Day)
}

func newRangeError(start, end time.Time) *InvalidRangeError {
	return &InvalidRangeError{Start: start.Format(time.RFC3339), End: end.Format(time.RFC3339)}
}
