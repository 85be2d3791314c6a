// Package scheduler implements the background timeout-index poller
// (spec §4.9) and recurring-action validation, grounded on the teacher's
// use of github.com/robfig/cron/v3 for cron parsing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/actionforge/gateway/core/state"
	"github.com/actionforge/gateway/core/types"
)

// Handler processes one due timeout-index key. The Kind on the key
// tells the scheduler which work table to dispatch to (spec §4.9:
// "group flush, state-machine timeout transition, approval retry,
// scheduled action, recurring action occurrence, chain step advance").
type Handler func(ctx context.Context, key state.Key) error

// Scheduler polls store's timeout index on Interval and dispatches due
// entries to the registered Handler per Kind, bounded by a semaphore
// (spec §4.9).
type Scheduler struct {
	store    state.Store
	handlers map[state.Kind]Handler
	interval time.Duration
	batch    int
	sem      chan struct{}
}

func New(store state.Store, interval time.Duration, maxConcurrent, batch int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	if batch <= 0 {
		batch = 100
	}
	return &Scheduler{
		store:    store,
		handlers: make(map[state.Kind]Handler),
		interval: interval,
		batch:    batch,
		sem:      make(chan struct{}, maxConcurrent),
	}
}

func (s *Scheduler) Register(kind state.Kind, h Handler) {
	s.handlers[kind] = h
}

// Run polls until ctx is cancelled, draining in-flight work before
// returning (spec §5 "Background tasks observe a shutdown signal at each
// polling boundary and drain in-flight work before exit").
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var wg doneTracker
	for {
		select {
		case <-ctx.Done():
			wg.wait()
			return
		case <-ticker.C:
			s.pollOnce(ctx, &wg)
		}
	}
}

func (s *Scheduler) pollOnce(ctx context.Context, wg *doneTracker) {
	due, err := s.store.PollDueTimeouts(ctx, time.Now().UnixMilli(), s.batch)
	if err != nil {
		return
	}
	for _, key := range due {
		h, ok := s.handlers[key.Kind]
		if !ok {
			continue
		}
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.add(1)
		go func(k state.Key, handle Handler) {
			defer func() { <-s.sem; wg.done() }()
			_ = handle(ctx, k)
		}(key, h)
	}
}

// doneTracker is a minimal WaitGroup-alike kept local so draining works
// without importing sync directly into the poll loop's hot path twice.
type doneTracker struct {
	n  int
	ch chan struct{}
}

func (d *doneTracker) add(n int) {
	if d.ch == nil {
		d.ch = make(chan struct{}, 1<<20)
	}
	d.n += n
}

func (d *doneTracker) done() {
	select {
	case d.ch <- struct{}{}:
	default:
	}
}

func (d *doneTracker) wait() {
	for i := 0; i < d.n; i++ {
		<-d.ch
	}
	d.n = 0
}

// RecurrenceConfig is validated on creation (spec §4.9 "Recurring
// actions are validated on creation").
type RecurrenceConfig struct {
	CronExpr            string
	Timezone             string
	MinIntervalSeconds   int64
}

var ErrIntervalTooShort = errors.New("scheduler: recurrence interval is below the configured minimum")

// ValidateRecurrence parses the cron expression, resolves the IANA
// timezone, and checks the minimum interval between the first two
// computed occurrences meets minFloorSeconds.
func ValidateRecurrence(cfg RecurrenceConfig, minFloorSeconds int64) (*cron.SpecSchedule, *time.Location, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, nil, fmt.Errorf("scheduler: invalid timezone %q: %w", cfg.Timezone, err)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(cfg.CronExpr)
	if err != nil {
		return nil, nil, fmt.Errorf("scheduler: invalid cron expression %q: %w", cfg.CronExpr, err)
	}
	specSched, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, nil, fmt.Errorf("scheduler: cron expression %q did not produce a schedule", cfg.CronExpr)
	}

	floor := time.Duration(minFloorSeconds) * time.Second
	if floor <= 0 {
		floor = 30 * time.Second
	}
	now := time.Now().In(loc)
	first := specSched.Next(now)
	second := specSched.Next(first)
	if second.Sub(first) < floor {
		return nil, nil, ErrIntervalTooShort
	}
	return specSched, loc, nil
}

// NextOccurrence computes the next fire time in the stored timezone
// (spec §4.9 "Each occurrence computes the next fire time from the cron
// in the stored timezone").
func NextOccurrence(sched *cron.SpecSchedule, loc *time.Location, after time.Time) time.Time {
	return sched.Next(after.In(loc))
}

// RecurringActionKey builds the timeout-index key for one recurring
// action definition.
func RecurringActionKey(scope types.Scope, actionID string) state.Key {
	return state.NewKey(scope, state.KindRecurringAction, actionID)
}
