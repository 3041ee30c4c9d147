// Package cron evaluates cron schedules for a single trigger and guards it against
// overlapping runs.
package cron

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flowbaker/flowguard/pkg/domain"

	"github.com/robfig/cron/v3"
)

// State is safe for concurrent use. The scheduler loop peeks and consumes while run
// completion releases runs from other goroutines.
type State struct {
	mu sync.Mutex

	config   domain.CronTriggerConfig
	schedule cron.Schedule
	location *time.Location

	// pointer is the earliest instant the next occurrence may have. Zero until the
	// first evaluation, which anchors it at the later of now and start.
	pointer time.Time
	start   time.Time

	activeRuns map[string]struct{}
}

func NewState(config domain.CronTriggerConfig) (*State, error) {
	expression := strings.TrimSpace(config.Expression)
	if expression == "" {
		return nil, &domain.CronValidationError{Expression: config.Expression, Timezone: config.Timezone, Err: errors.New("expression is empty")}
	}

	if strings.HasPrefix(expression, "CRON_TZ=") || strings.HasPrefix(expression, "TZ=") {
		return nil, &domain.CronValidationError{Expression: config.Expression, Timezone: config.Timezone, Err: errors.New("set the timezone field instead of a TZ prefix")}
	}

	timezone := config.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	location, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, &domain.CronValidationError{Expression: config.Expression, Timezone: config.Timezone, Err: fmt.Errorf("unknown timezone: %w", err)}
	}

	schedule, err := cron.ParseStandard(expression)
	if err != nil {
		return nil, &domain.CronValidationError{Expression: config.Expression, Timezone: config.Timezone, Err: err}
	}

	if config.StartAt != nil && config.EndAt != nil && config.EndAt.Before(*config.StartAt) {
		return nil, &domain.CronValidationError{Expression: config.Expression, Timezone: config.Timezone, Err: errors.New("end_at is before start_at")}
	}

	config.Expression = expression
	config.Timezone = timezone

	state := &State{
		config:     config,
		schedule:   schedule,
		location:   location,
		activeRuns: make(map[string]struct{}),
	}

	if config.StartAt != nil {
		state.start = ceilSecond(*config.StartAt)
	}

	return state, nil
}

func (s *State) Config() domain.CronTriggerConfig {
	return s.config
}

// PeekDue returns the next occurrence at or after the pointer if it is not after now.
// Repeated calls return the same occurrence until it is consumed.
func (s *State) PeekDue(now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.peekLocked(now)
}

// ConsumeDue returns the due occurrence and moves the pointer past it.
func (s *State) ConsumeDue(now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	occurrence, ok := s.peekLocked(now)
	if !ok {
		return time.Time{}, false
	}

	s.pointer = occurrence.Add(time.Second)

	return occurrence, true
}

// Next returns the upcoming occurrence whether or not it is due yet.
func (s *State) Next(now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.anchorLocked(now)

	return s.occurrenceLocked()
}

func (s *State) peekLocked(now time.Time) (time.Time, bool) {
	s.anchorLocked(now)

	occurrence, ok := s.occurrenceLocked()
	if !ok || occurrence.After(now) {
		return time.Time{}, false
	}

	return occurrence, true
}

// anchorLocked keeps a start_at in the past from replaying occurrences that predate
// the trigger's first evaluation.
func (s *State) anchorLocked(now time.Time) {
	if !s.pointer.IsZero() {
		return
	}

	s.pointer = now.Truncate(time.Minute)
	if s.start.After(s.pointer) {
		s.pointer = s.start
	}
}

func (s *State) occurrenceLocked() (time.Time, bool) {
	// Next returns instants strictly after its argument, truncated to the second.
	occurrence := s.schedule.Next(s.pointer.In(s.location).Add(-time.Second))
	if occurrence.IsZero() {
		return time.Time{}, false
	}

	if s.config.EndAt != nil && occurrence.After(*s.config.EndAt) {
		return time.Time{}, false
	}

	return occurrence, true
}

func (s *State) RegisterRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeRuns[runID] = struct{}{}
}

// TryRegisterRun registers runID only if a dispatch is currently allowed.
func (s *State) TryRegisterRun(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canDispatchLocked() {
		return false
	}

	s.activeRuns[runID] = struct{}{}
	return true
}

// ReleaseRun reports whether runID was active.
func (s *State) ReleaseRun(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.activeRuns[runID]; !ok {
		return false
	}

	delete(s.activeRuns, runID)
	return true
}

func (s *State) CanDispatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.canDispatchLocked()
}

func (s *State) canDispatchLocked() bool {
	return s.config.AllowOverlapping || len(s.activeRuns) == 0
}

func (s *State) ActiveRuns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make([]string, 0, len(s.activeRuns))
	for runID := range s.activeRuns {
		runs = append(runs, runID)
	}
	sort.Strings(runs)

	return runs
}

func ceilSecond(t time.Time) time.Time {
	truncated := t.Truncate(time.Second)
	if truncated.Before(t) {
		return truncated.Add(time.Second)
	}
	return truncated
}
