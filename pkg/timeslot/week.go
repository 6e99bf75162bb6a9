package timeslot

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the calendar date format accepted for week anchors.
const DateLayout = "2006-01-02"

// Weekday is a day of the school week, Monday first.
type Weekday int

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var weekdayNames = [...]string{"MONDAY", "TUESDAY", "WEDNESDAY", "THURSDAY", "FRIDAY", "SATURDAY", "SUNDAY"}

// Weekdays lists every day Monday..Sunday.
func Weekdays() []Weekday {
	return []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}
}

// ParseWeekday accepts full English day names and three letter abbreviations, in any case.
func ParseWeekday(name string) (Weekday, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	if normalized == "" {
		return 0, &UnknownDayError{Day: name}
	}
	for i, full := range weekdayNames {
		if normalized == full || (len(normalized) == 3 && strings.HasPrefix(full, normalized)) {
			return Weekday(i), nil
		}
	}
	return 0, &UnknownDayError{Day: name}
}

// WeekdayOf returns the day of t in its own location.
func WeekdayOf(t time.Time) Weekday {
	return Weekday((int(t.Weekday()) + 6) % 7)
}

// Offset is the number of days after Monday.
func (d Weekday) Offset() int {
	return int(d)
}

func (d Weekday) String() string {
	if d < Monday || d > Sunday {
		return "Weekday(" + strconv.Itoa(int(d)) + ")"
	}
	return weekdayNames[d]
}

// StartOfWeek returns midnight of the Monday of t's week in t's location.
func StartOfWeek(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7
	y, m, d := t.Date()
	return time.Date(y, m, d-offset, 0, 0, 0, 0, t.Location())
}

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay parses HH:MM or HH:MM:SS.
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
		}
	}
	return TimeOfDay{}, fmt.Errorf("invalid time of day %q: expected HH:MM", raw)
}

func (t TimeOfDay) seconds() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// Before reports whether t is earlier in the day than other.
func (t TimeOfDay) Before(other TimeOfDay) bool {
	return t.seconds() < other.seconds()
}

func (t TimeOfDay) String() string {
	if t.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
	}
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// On places the time of day on the calendar date of day, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, t.Second, 0, day.Location())
}

// Resolver turns symbolic week slots into absolute intervals.
// No timezone conversion happens: computed instants live in the anchor's location.
type Resolver struct {
	loc *time.Location
}

// NewResolver builds a resolver that parses raw dates in loc. A nil loc means time.Local.
func NewResolver(loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.Local
	}
	return &Resolver{loc: loc}
}

// Location returns the location used for parsed anchor dates.
func (r *Resolver) Location() *time.Location {
	return r.loc
}

// Resolve normalizes anchor to its Monday, moves to day and attaches the times of day.
func (r *Resolver) Resolve(anchor time.Time, day Weekday, start, end TimeOfDay) (Interval, error) {
	if day < Monday || day > Sunday {
		return Interval{}, &UnknownDayError{Day: day.String()}
	}
	monday := StartOfWeek(anchor)
	y, m, d := monday.Date()
	date := time.Date(y, m, d+day.Offset(), 0, 0, 0, 0, monday.Location())
	return NewInterval(start.On(date), end.On(date))
}

// ResolveStrings parses raw form values and resolves them.
func (r *Resolver) ResolveStrings(anchorDate, day, start, end string) (Interval, error) {
	weekday, err := ParseWeekday(day)
	if err != nil {
		return Interval{}, err
	}
	anchor, err := r.ParseDate(anchorDate)
	if err != nil {
		return Interval{}, err
	}
	from, err := ParseTimeOfDay(start)
	if err != nil {
		return Interval{}, err
	}
	to, err := ParseTimeOfDay(end)
	if err != nil {
		return Interval{}, err
	}
	return r.Resolve(anchor, weekday, from, to)
}

// ParseDate parses a YYYY-MM-DD date in the resolver's location.
func (r *Resolver) ParseDate(raw string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(raw), r.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", raw)
	}
	return t, nil
}
