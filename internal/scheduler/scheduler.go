// Package scheduler provides cron-driven polling for MindfulCoach.
//
// The notification scheduler registers its minute poll here; jobs use the
// standard 5-field cron syntax and run in local time.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// EveryMinute fires at the start of every wall-clock minute.
const EveryMinute = "* * * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler. Panicking jobs are
// recovered and logged through slog.
func NewScheduler() *Scheduler {
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn))
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.Local),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression and returns an
// id that can be passed to RemoveJob.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) (int, error) {
	id, err := s.cron.AddFunc(expr, task)
	if err != nil {
		return 0, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	slog.Debug("Scheduler.AddJob: job registered", "expr", expr, "id", id)
	return int(id), nil
}

// RemoveJob unregisters a job. Unknown ids are ignored.
func (s *Scheduler) RemoveJob(id int) {
	s.cron.Remove(cron.EntryID(id))
}

// NextRun reports when a job fires next.
func (s *Scheduler) NextRun(id int) (time.Time, bool) {
	e := s.cron.Entry(cron.EntryID(id))
	if !e.Valid() {
		return time.Time{}, false
	}
	return e.Next, true
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
