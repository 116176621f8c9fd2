package timer

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Manual is a Timer driven by a virtual clock. Nothing runs until the clock
// is advanced, which makes deferred work and wall-clock deadlines
// deterministic in tests and in single-stepped simulations.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int64
	seq     int64
	pending map[string]manualEntry
}

type manualEntry struct {
	due time.Time
	seq int64
	fn  func()
}

var _ Timer = (*Manual)(nil)

// NewManual creates a Manual timer whose clock starts at now.
func NewManual(now time.Time) *Manual {
	return &Manual{now: now, pending: make(map[string]manualEntry)}
}

// Now returns the virtual clock reading.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// ScheduleAfter registers fn to run once the clock reaches now+delay.
func (m *Manual) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	return m.addLocked(m.now.Add(delay), fn)
}

// ScheduleAt registers fn to run once the clock reaches when.
func (m *Manual) ScheduleAt(when time.Time, fn func()) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(when, fn)
}

func (m *Manual) addLocked(due time.Time, fn func()) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("timer function cannot be nil")
	}
	m.nextID++
	m.seq++
	id := fmt.Sprintf("manual_%d", m.nextID)
	m.pending[id] = manualEntry{due: due, seq: m.seq, fn: fn}
	return id, nil
}

// Cancel drops a pending function.
func (m *Manual) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
	return nil
}

// Stop drops every pending function.
func (m *Manual) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[string]manualEntry)
}

// Pending returns the number of functions waiting to run.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// NextDue returns the earliest pending deadline.
func (m *Manual) NextDue() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next time.Time
	found := false
	for _, e := range m.pending {
		if !found || e.due.Before(next) {
			next = e.due
			found = true
		}
	}
	return next, found
}

// RunDue runs every function whose deadline has passed, including ones
// scheduled by the functions it runs, in deadline then scheduling order.
// It returns the number of functions executed.
func (m *Manual) RunDue() int {
	ran := 0
	for {
		fn, ok := m.popDue()
		if !ok {
			return ran
		}
		fn()
		ran++
	}
}

// Advance moves the clock forward by d, running due functions as their
// deadlines are crossed.
func (m *Manual) Advance(d time.Duration) int {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	return m.AdvanceTo(target)
}

// AdvanceTo moves the clock to target, running due functions as their
// deadlines are crossed. The clock never moves backwards.
func (m *Manual) AdvanceTo(target time.Time) int {
	ran := 0
	for {
		next, ok := m.NextDue()
		if !ok || next.After(target) {
			break
		}
		m.mu.Lock()
		if next.After(m.now) {
			m.now = next
		}
		m.mu.Unlock()
		ran += m.RunDue()
	}
	m.mu.Lock()
	if target.After(m.now) {
		m.now = target
	}
	m.mu.Unlock()
	return ran
}

func (m *Manual) popDue() (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type candidate struct {
		id string
		manualEntry
	}
	var due []candidate
	for id, e := range m.pending {
		if !e.due.After(m.now) {
			due = append(due, candidate{id, e})
		}
	}
	if len(due) == 0 {
		return nil, false
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].due.Equal(due[j].due) {
			return due[i].due.Before(due[j].due)
		}
		return due[i].seq < due[j].seq
	})
	delete(m.pending, due[0].id)
	return due[0].fn, true
}
