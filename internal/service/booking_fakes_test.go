package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/sma-timetable-api/internal/models"
	"github.com/noah-isme/sma-timetable-api/pkg/errors"
)

type memoryBookingRepo struct {
	mu       sync.Mutex
	items    map[string]models.Booking
	seq      int
	listErr  error
	writeErr error
	listHook func()

	// windowHook runs after ListByTeacherBetween has taken its snapshot.
	windowHook func()
}

func newMemoryBookingRepo(seed ...models.Booking) *memoryBookingRepo {
	repo := &memoryBookingRepo{items: make(map[string]models.Booking)}
	for _, b := range seed {
		repo.items[b.ID] = b
	}
	return repo
}

func (m *memoryBookingRepo) sorted(match func(models.Booking) bool) []models.Booking {
	var out []models.Booking
	for _, b := range m.items {
		if match(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out
}

func (m *memoryBookingRepo) ListByTeacher(ctx context.Context, teacherID, excludeID string) ([]models.Booking, error) {
	if m.listHook != nil {
		m.listHook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.sorted(func(b models.Booking) bool {
		return b.TeacherID == teacherID && (excludeID == "" || b.ID != excludeID)
	}), nil
}

func (m *memoryBookingRepo) ListByTeacherBetween(ctx context.Context, teacherID string, from, to time.Time) ([]models.Booking, error) {
	m.mu.Lock()
	if m.listErr != nil {
		m.mu.Unlock()
		return nil, m.listErr
	}
	out := m.sorted(func(b models.Booking) bool {
		return b.TeacherID == teacherID && b.StartsAt.Before(to) && b.EndsAt.After(from)
	})
	hook := m.windowHook
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (m *memoryBookingRepo) List(ctx context.Context, filter models.BookingFilter) ([]models.Booking, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(b models.Booking) bool {
		return (filter.TeacherID == "" || b.TeacherID == filter.TeacherID) &&
			(filter.DayOfWeek == "" || b.DayOfWeek == filter.DayOfWeek)
	})
	return out, len(out), nil
}

func (m *memoryBookingRepo) FindByID(ctx context.Context, id string) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.items[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &b, nil
}

func (m *memoryBookingRepo) Create(ctx context.Context, booking *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.seq++
	booking.ID = fmt.Sprintf("b-%d", m.seq)
	m.items[booking.ID] = *booking
	return nil
}

func (m *memoryBookingRepo) BulkCreate(ctx context.Context, bookings []models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	for i := range bookings {
		m.seq++
		bookings[i].ID = fmt.Sprintf("b-%d", m.seq)
		m.items[bookings[i].ID] = bookings[i]
	}
	return nil
}

func (m *memoryBookingRepo) Update(ctx context.Context, booking *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	if _, ok := m.items[booking.ID]; !ok {
		return sql.ErrNoRows
	}
	m.items[booking.ID] = *booking
	return nil
}

func (m *memoryBookingRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *memoryBookingRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type teacherStub struct {
	items map[string]*models.Teacher
	err   error
}

func (s *teacherStub) FindByID(ctx context.Context, id string) (*models.Teacher, error) {
	if s.err != nil {
		return nil, s.err
	}
	if t, ok := s.items[id]; ok {
		return t, nil
	}
	return nil, sql.ErrNoRows
}

type subjectStub struct {
	items map[string]bool
}

func (s *subjectStub) FindByID(ctx context.Context, id string) (*models.Subject, error) {
	if s.items[id] {
		return &models.Subject{ID: id, Code: id, Name: id}, nil
	}
	return nil, sql.ErrNoRows
}

type memoryCacheRepo struct {
	mu          sync.Mutex
	values      map[string]interface{}
	counters    map[string]int64
	invalidated []string
	deleteFails int
}

func newMemoryCacheRepo() *memoryCacheRepo {
	return &memoryCacheRepo{values: make(map[string]interface{}), counters: make(map[string]int64)}
}

func (c *memoryCacheRepo) Counter(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[key], nil
}

func (c *memoryCacheRepo) Incr(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}

func (c *memoryCacheRepo) Get(ctx context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	if !ok {
		return errors.ErrCacheMiss
	}
	week, ok := v.(*models.WeeklyTimetable)
	target, okDest := dest.(*models.WeeklyTimetable)
	if !ok || !okDest {
		return fmt.Errorf("unexpected cache types")
	}
	*target = *week
	return nil
}

func (c *memoryCacheRepo) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

func (c *memoryCacheRepo) DeleteByPattern(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleteFails > 0 {
		c.deleteFails--
		return fmt.Errorf("redis: connection refused")
	}
	c.invalidated = append(c.invalidated, pattern)
	prefix := pattern[:len(pattern)-1]
	for key := range c.values {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.values, key)
		}
	}
	return nil
}

func (c *memoryCacheRepo) invalidatedPatterns() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.invalidated...)
}
