package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/MindfulCoach/internal/events"
	"github.com/BTreeMap/MindfulCoach/internal/models"
	"github.com/BTreeMap/MindfulCoach/internal/store"
	"github.com/BTreeMap/MindfulCoach/internal/tasks"
	"github.com/BTreeMap/MindfulCoach/internal/timer"
)

// mockNotifier implements Notifier for testing.
type mockNotifier struct {
	mu         sync.Mutex
	current    models.PermissionState
	answer     models.PermissionState
	requestErr error
	showErr    error
	requests   int
	shown      []models.Notification
}

func (m *mockNotifier) Permission(ctx context.Context) (models.PermissionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == "" {
		return models.PermissionDefault, nil
	}
	return m.current, nil
}

func (m *mockNotifier) RequestPermission(ctx context.Context) (models.PermissionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if m.requestErr != nil {
		return "", m.requestErr
	}
	m.current = m.answer
	return m.answer, nil
}

func (m *mockNotifier) Show(ctx context.Context, n models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.showErr != nil {
		return m.showErr
	}
	m.shown = append(m.shown, n)
	return nil
}

func (m *mockNotifier) shownIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.shown))
	for i, n := range m.shown {
		ids[i] = n.TaskID
	}
	return ids
}

// fakeTicker records registered jobs.
type fakeTicker struct {
	exprs   []string
	jobs    map[int]func()
	removed []int
	asked   []int
}

func (f *fakeTicker) AddJob(expr string, fn func()) (int, error) {
	if f.jobs == nil {
		f.jobs = make(map[int]func())
	}
	id := len(f.exprs) + 1
	f.exprs = append(f.exprs, expr)
	f.jobs[id] = fn
	return id, nil
}

func (f *fakeTicker) RemoveJob(id int) {
	f.removed = append(f.removed, id)
	delete(f.jobs, id)
}

func (f *fakeTicker) NextRun(id int) (time.Time, bool) {
	f.asked = append(f.asked, id)
	_, ok := f.jobs[id]
	return time.Time{}, ok
}

var testTasks = []models.DailyTask{
	{ID: "t1", Title: "Дыхание", Time: "12:00"},
	{ID: "t2", Title: "Дневник", Time: "12:00"},
	{ID: "t3", Title: "Аффирмация", Time: "09:00"},
}

type fixture struct {
	sched    *Scheduler
	notifier *mockNotifier
	settings *store.InMemoryStore
	clock    *timer.Manual
	bus      *events.Bus
}

func newFixture(t *testing.T, notifier *mockNotifier, opts ...Option) *fixture {
	t.Helper()
	reg, err := tasks.New(testTasks)
	if err != nil {
		t.Fatalf("tasks.New() error = %v", err)
	}
	clock := timer.NewManual(time.Date(2026, 3, 2, 11, 59, 30, 0, time.Local))
	settings := store.NewInMemoryStore()
	bus := events.New()
	opts = append([]Option{WithTimer(clock), WithClock(clock.Now), WithBus(bus)}, opts...)
	var n Notifier
	if notifier != nil {
		n = notifier
	}
	return &fixture{
		sched:    NewScheduler(n, settings, reg, opts...),
		notifier: notifier,
		settings: settings,
		clock:    clock,
		bus:      bus,
	}
}

func (f *fixture) enabled(t *testing.T, id string) bool {
	t.Helper()
	on, err := f.settings.IsNotificationEnabled(id)
	if err != nil {
		t.Fatalf("IsNotificationEnabled(%q) error = %v", id, err)
	}
	return on
}

func TestToggleTask_PermissionDeniedStoresFalse(t *testing.T) {
	f := newFixture(t, &mockNotifier{answer: models.PermissionDenied})

	got, err := f.sched.ToggleTask(context.Background(), "t1", true)
	if err != nil {
		t.Fatalf("ToggleTask() error = %v", err)
	}
	if got {
		t.Error("ToggleTask() = true, want false")
	}
	if f.enabled(t, "t1") {
		t.Error("t1 stored as enabled after denial")
	}
	if f.sched.Permission() != models.PermissionDenied {
		t.Errorf("Permission() = %q, want denied", f.sched.Permission())
	}
	if f.notifier.requests != 1 {
		t.Errorf("permission requests = %d, want 1", f.notifier.requests)
	}
}

func TestToggleTask(t *testing.T) {
	tests := []struct {
		name         string
		notifier     *mockNotifier
		preRequest   bool
		enable       bool
		wantStored   bool
		wantRequests int
		wantPerm     models.PermissionState
	}{
		{
			name:         "granted on prompt",
			notifier:     &mockNotifier{answer: models.PermissionGranted},
			enable:       true,
			wantStored:   true,
			wantRequests: 1,
			wantPerm:     models.PermissionGranted,
		},
		{
			name:         "disable does not prompt",
			notifier:     &mockNotifier{answer: models.PermissionGranted},
			enable:       false,
			wantStored:   false,
			wantRequests: 0,
			wantPerm:     models.PermissionDefault,
		},
		{
			name:         "prompt failure counts as denied",
			notifier:     &mockNotifier{requestErr: errors.New("dismissed")},
			enable:       true,
			wantStored:   false,
			wantRequests: 1,
			wantPerm:     models.PermissionDenied,
		},
		{
			name:         "already denied stores requested value without prompting",
			notifier:     &mockNotifier{answer: models.PermissionDenied},
			preRequest:   true,
			enable:       true,
			wantStored:   true,
			wantRequests: 1,
			wantPerm:     models.PermissionDenied,
		},
		{
			name:         "no notifier",
			enable:       true,
			wantStored:   false,
			wantRequests: 0,
			wantPerm:     models.PermissionDenied,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.notifier)
			ctx := context.Background()
			if tt.preRequest {
				f.sched.RequestPermission(ctx)
			}
			got, err := f.sched.ToggleTask(ctx, "t1", tt.enable)
			if err != nil {
				t.Fatalf("ToggleTask() error = %v", err)
			}
			if got != tt.wantStored || f.enabled(t, "t1") != tt.wantStored {
				t.Errorf("stored = %v (returned %v), want %v", f.enabled(t, "t1"), got, tt.wantStored)
			}
			if tt.notifier != nil && tt.notifier.requests != tt.wantRequests {
				t.Errorf("permission requests = %d, want %d", tt.notifier.requests, tt.wantRequests)
			}
			if p := f.sched.Permission(); p != tt.wantPerm {
				t.Errorf("Permission() = %q, want %q", p, tt.wantPerm)
			}
		})
	}
}

func TestToggleTask_UnknownTask(t *testing.T) {
	f := newFixture(t, &mockNotifier{})
	if _, err := f.sched.ToggleTask(context.Background(), "nope", true); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("ToggleTask() = %v, want ErrUnknownTask", err)
	}
	if _, err := f.sched.ToggleTask(context.Background(), "", true); !errors.Is(err, models.ErrEmptyTaskID) {
		t.Errorf("ToggleTask() = %v, want ErrEmptyTaskID", err)
	}
}

func grantedFixture(t *testing.T, enable ...string) *fixture {
	t.Helper()
	f := newFixture(t, &mockNotifier{answer: models.PermissionGranted})
	for _, id := range enable {
		if _, err := f.sched.ToggleTask(context.Background(), id, true); err != nil {
			t.Fatalf("ToggleTask(%q) error = %v", id, err)
		}
	}
	return f
}

func TestPoll_FiresOncePerDay(t *testing.T) {
	f := grantedFixture(t, "t1")
	ctx := context.Background()

	if n := f.sched.Poll(ctx); n != 0 {
		t.Fatalf("Poll() at 11:59 = %d, want 0", n)
	}
	f.clock.Advance(35 * time.Second)
	if n := f.sched.Poll(ctx); n != 1 {
		t.Fatalf("Poll() at 12:00 = %d, want 1", n)
	}
	for i := 0; i < 3; i++ {
		if n := f.sched.Poll(ctx); n != 0 {
			t.Errorf("repeat Poll() = %d, want 0", n)
		}
	}
	f.clock.Advance(20 * time.Second)
	if n := f.sched.Poll(ctx); n != 0 {
		t.Errorf("Poll() later in the same minute = %d, want 0", n)
	}

	if len(f.notifier.shown) != 1 {
		t.Fatalf("shown = %d, want 1", len(f.notifier.shown))
	}
	got := f.notifier.shown[0]
	if got.Title != "Время для: Дыхание" || got.Body != ReminderBody || got.TaskID != "t1" {
		t.Errorf("notification = %+v", got)
	}
	if !f.sched.FiredToday("t1") || f.sched.FiredToday("t2") {
		t.Error("fired set does not match shown reminders")
	}
}

func TestPoll_Skips(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{
			name:  "permission default",
			setup: func(f *fixture) {},
		},
		{
			name: "permission denied",
			setup: func(f *fixture) {
				f.notifier.answer = models.PermissionDenied
				f.sched.RequestPermission(context.Background())
				_ = f.settings.SetNotificationEnabled("t1", true)
			},
		},
		{
			name: "task disabled",
			setup: func(f *fixture) {
				f.notifier.answer = models.PermissionGranted
				f.sched.RequestPermission(context.Background())
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &mockNotifier{})
			tt.setup(f)
			f.clock.Advance(time.Minute)
			if n := f.sched.Poll(context.Background()); n != 0 {
				t.Errorf("Poll() = %d, want 0", n)
			}
			if len(f.notifier.shownIDs()) != 0 {
				t.Errorf("shown = %v", f.notifier.shownIDs())
			}
		})
	}
}

func TestPoll_ShowFailureStillMarksFired(t *testing.T) {
	f := grantedFixture(t, "t1", "t2")
	f.notifier.showErr = errors.New("offline")
	f.clock.Advance(time.Minute)

	if n := f.sched.Poll(context.Background()); n != 2 {
		t.Errorf("Poll() = %d, want 2", n)
	}
	f.notifier.showErr = nil
	if n := f.sched.Poll(context.Background()); n != 0 {
		t.Errorf("Poll() after failure = %d, want 0", n)
	}
}

// stallingNotifier blocks in Show until its context ends.
type stallingNotifier struct {
	mockNotifier
	hadDeadline chan bool
}

func (n *stallingNotifier) Show(ctx context.Context, note models.Notification) error {
	_, ok := ctx.Deadline()
	n.hadDeadline <- ok
	<-ctx.Done()
	return ctx.Err()
}

func TestPoll_StalledShowTimesOut(t *testing.T) {
	reg, err := tasks.New(testTasks)
	if err != nil {
		t.Fatalf("tasks.New() error = %v", err)
	}
	clock := timer.NewManual(time.Date(2026, 3, 2, 12, 0, 5, 0, time.Local))
	settings := store.NewInMemoryStore()
	if err := settings.SetNotificationEnabled("t1", true); err != nil {
		t.Fatal(err)
	}
	ticker := &fakeTicker{}
	n := &stallingNotifier{
		mockNotifier: mockNotifier{current: models.PermissionGranted},
		hadDeadline:  make(chan bool, 1),
	}
	sched := NewScheduler(n, settings, reg,
		WithTimer(clock), WithClock(clock.Now), WithTicker(ticker), WithShowTimeout(50*time.Millisecond))
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer sched.Stop()

	done := make(chan struct{})
	go func() {
		ticker.jobs[1]()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Poll still blocked in Show")
	}
	if !<-n.hadDeadline {
		t.Error("Show context had no deadline")
	}
	if !sched.FiredToday("t1") {
		t.Error("timed out reminder not marked fired")
	}
}

func TestPoll_DateChangeClearsFiredSet(t *testing.T) {
	f := grantedFixture(t, "t1")
	ctx := context.Background()

	var resets int
	f.bus.Listen(func(e events.Event) {
		if e.Kind == events.KindDailyReset {
			resets++
		}
	})

	f.clock.Advance(time.Minute)
	if n := f.sched.Poll(ctx); n != 1 {
		t.Fatalf("Poll() = %d, want 1", n)
	}

	// Midnight timer not run, as after a suspend across midnight.
	next := time.Date(2026, 3, 3, 12, 0, 10, 0, time.Local)
	f.sched.now = func() time.Time { return next }

	if n := f.sched.Poll(ctx); n != 1 {
		t.Errorf("Poll() on the next date = %d, want 1", n)
	}
	if n := f.sched.Poll(ctx); n != 0 {
		t.Errorf("repeat Poll() on the next date = %d, want 0", n)
	}
	if resets != 1 {
		t.Errorf("resets = %d, want 1", resets)
	}
}

func TestMidnightReset(t *testing.T) {
	f := grantedFixture(t, "t1")
	ctx := context.Background()
	if err := f.sched.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer f.sched.Stop()

	var resets int
	f.bus.Listen(func(e events.Event) {
		if e.Kind == events.KindDailyReset {
			resets++
		}
	})

	f.clock.Advance(time.Minute)
	if n := f.sched.Poll(ctx); n != 1 {
		t.Fatalf("Poll() = %d, want 1", n)
	}

	f.clock.AdvanceTo(time.Date(2026, 3, 2, 23, 59, 59, 0, time.Local))
	if !f.sched.FiredToday("t1") {
		t.Fatal("fired set cleared before midnight")
	}

	f.clock.AdvanceTo(time.Date(2026, 3, 3, 12, 0, 5, 0, time.Local))
	if resets != 1 {
		t.Errorf("resets = %d, want 1", resets)
	}
	if f.sched.FiredToday("t1") {
		t.Error("fired set not cleared at midnight")
	}
	if n := f.sched.Poll(ctx); n != 1 {
		t.Errorf("Poll() next day = %d, want 1", n)
	}

	next, ok := f.clock.NextDue()
	if !ok || !next.Equal(time.Date(2026, 3, 4, 0, 0, 0, 0, time.Local)) {
		t.Errorf("next reset = %v (%v), want 2026-03-04 00:00", next, ok)
	}

	f.clock.AdvanceTo(time.Date(2026, 3, 6, 0, 0, 1, 0, time.Local))
	if resets != 4 {
		t.Errorf("resets after three more days = %d, want 4", resets)
	}
}

func TestStartStop(t *testing.T) {
	ticker := &fakeTicker{}
	f := newFixture(t, &mockNotifier{current: models.PermissionGranted}, WithTicker(ticker))
	ctx := context.Background()
	if err := f.settings.SetNotificationEnabled("t2", true); err != nil {
		t.Fatal(err)
	}

	if err := f.sched.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.sched.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
	if f.sched.Permission() != models.PermissionGranted {
		t.Errorf("Permission() = %q, want granted from host", f.sched.Permission())
	}
	if len(ticker.exprs) != 1 || ticker.exprs[0] != "* * * * *" {
		t.Fatalf("ticker exprs = %v", ticker.exprs)
	}
	if len(ticker.asked) != 1 || ticker.asked[0] != 1 {
		t.Errorf("NextRun asked for %v, want [1]", ticker.asked)
	}

	f.clock.Advance(time.Minute)
	ticker.jobs[1]()
	if ids := f.notifier.shownIDs(); len(ids) != 1 || ids[0] != "t2" {
		t.Errorf("shown = %v, want [t2]", ids)
	}

	f.sched.Stop()
	f.sched.Stop()
	if len(ticker.removed) != 1 || ticker.removed[0] != 1 {
		t.Errorf("removed jobs = %v", ticker.removed)
	}
	if f.clock.Pending() != 0 {
		t.Errorf("pending timers after Stop = %d", f.clock.Pending())
	}
}

func TestRequestPermission_NoNotifier(t *testing.T) {
	f := newFixture(t, nil)
	if p := f.sched.RequestPermission(context.Background()); p != models.PermissionDenied {
		t.Errorf("RequestPermission() = %q, want denied", p)
	}
}

func TestSettings(t *testing.T) {
	f := grantedFixture(t, "t3")
	list, err := f.sched.Settings()
	if err != nil {
		t.Fatalf("Settings() error = %v", err)
	}
	if len(list) != len(testTasks) {
		t.Fatalf("len = %d, want %d", len(list), len(testTasks))
	}
	for _, s := range list {
		if s.Enabled != (s.Task.ID == "t3") {
			t.Errorf("%s enabled = %v", s.Task.ID, s.Enabled)
		}
	}
}

// brokenSettings fails bulk reads.
type brokenSettings struct {
	*store.InMemoryStore
}

func (brokenSettings) NotificationSettings() (map[string]bool, error) {
	return nil, errors.New("disk gone")
}

func TestSettings_ReadsStoreOnce(t *testing.T) {
	f := grantedFixture(t, "t1")
	if err := f.settings.SetNotificationEnabled("retired-task", true); err != nil {
		t.Fatal(err)
	}
	list, err := f.sched.Settings()
	if err != nil {
		t.Fatalf("Settings() error = %v", err)
	}
	if len(list) != len(testTasks) {
		t.Fatalf("len = %d, want %d; ids outside the registry must be ignored", len(list), len(testTasks))
	}

	clock := timer.NewManual(time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local))
	sched := NewScheduler(&mockNotifier{}, brokenSettings{store.NewInMemoryStore()}, f.sched.registry,
		WithTimer(clock), WithClock(clock.Now))
	if _, err := sched.Settings(); err == nil {
		t.Error("Settings() error = nil, want store failure")
	}
}

func TestNextMidnight(t *testing.T) {
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC), time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := NextMidnight(tt.now); !got.Equal(tt.want) {
			t.Errorf("NextMidnight(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}
