package models

import "time"

// WeeklyTimetable groups a teacher's bookings for one Monday-based week.
type WeeklyTimetable struct {
	TeacherID string         `json:"teacher_id"`
	WeekStart time.Time      `json:"week_start"`
	Days      []TimetableDay `json:"days"`
	Total     int            `json:"total"`
}

// TimetableDay lists the bookings of one calendar day, ordered by start.
type TimetableDay struct {
	Day      string    `json:"day"`
	Date     string    `json:"date"`
	Bookings []Booking `json:"bookings"`
}
