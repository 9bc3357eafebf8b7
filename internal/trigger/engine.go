package trigger

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stellarlinkco/companion/internal/cron"
	"github.com/stellarlinkco/companion/internal/jsonstore"
)

const DefaultSweepInterval = time.Minute

// Options wires the condition probes. A nil probe makes its condition kind
// evaluate false; a nil QuietHours never suppresses.
type Options struct {
	Patterns      PatternSource
	QuietHours    QuietHoursProbe
	Activity      ActivityProbe
	Tasks         TaskSource
	Clock         func() time.Time
	Location      *time.Location
	SweepInterval time.Duration
}

type FireFunc func(ctx context.Context, ft FiredTrigger) error

type Engine struct {
	path string
	opts Options

	mu       sync.Mutex
	triggers map[string]*Trigger
	onFire   []FireFunc

	runner *cron.Runner
}

// NewEngine loads the trigger list from path. An empty path keeps triggers
// in memory only.
func NewEngine(path string, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	e := &Engine{
		path:     path,
		opts:     opts,
		triggers: make(map[string]*Trigger),
		runner:   cron.NewRunner("trigger"),
	}
	e.load()
	return e
}

func (e *Engine) now() time.Time {
	return e.opts.Clock().In(e.opts.Location)
}

func (e *Engine) today(now time.Time) string {
	return now.In(e.opts.Location).Format(dateLayout)
}

func (e *Engine) OnFire(fn FireFunc) {
	e.mu.Lock()
	e.onFire = append(e.onFire, fn)
	e.mu.Unlock()
}

// Add stores a new trigger. ID, CreatedAt and LastResetDate are assigned;
// firing counters start at zero.
func (e *Engine) Add(t Trigger) (Trigger, error) {
	if strings.TrimSpace(t.UserID) == "" {
		return Trigger{}, fmt.Errorf("trigger: user id is required")
	}
	if err := t.Conditions.validate(); err != nil {
		return Trigger{}, err
	}
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.insertLocked(&t, now)
	return t.clone(), nil
}

func (e *Engine) insertLocked(t *Trigger, now time.Time) {
	t.ID = uuid.NewString()
	t.CreatedAt = now
	t.LastResetDate = e.today(now)
	t.LastFired = nil
	t.TotalFirings = 0
	t.TodayFirings = 0
	if t.Action == "" {
		t.Action = ActionMessage
	}
	stored := t.clone()
	e.triggers[t.ID] = &stored
	e.saveLocked()
}

func (e *Engine) Get(id string) (Trigger, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.triggers[id]
	if !ok {
		return Trigger{}, false
	}
	return t.clone(), true
}

// List returns the user's triggers, or every trigger when userID is empty,
// highest priority first.
func (e *Engine) List(userID string) []Trigger {
	e.mu.Lock()
	out := make([]Trigger, 0, len(e.triggers))
	for _, t := range e.triggers {
		if userID == "" || t.UserID == userID {
			out = append(out, t.clone())
		}
	}
	e.mu.Unlock()
	sortTriggers(out)
	return out
}

func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.triggers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(e.triggers, id)
	e.saveLocked()
	return nil
}

func (e *Engine) SetEnabled(id string, enabled bool) (Trigger, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.triggers[id]
	if !ok {
		return Trigger{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.Enabled = enabled
	e.saveLocked()
	return t.clone(), nil
}

// ResetDaily zeroes TodayFirings on every trigger whose LastResetDate is not
// today and reports how many were reset.
func (e *Engine) ResetDaily(now time.Time) int {
	today := e.today(now)
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.triggers {
		if t.LastResetDate == today {
			continue
		}
		t.TodayFirings = 0
		t.LastResetDate = today
		n++
	}
	if n > 0 {
		e.saveLocked()
		log.Printf("[trigger] daily reset for %d triggers (%s)", n, today)
	}
	return n
}

// Sweep evaluates every enabled trigger once and returns what fired.
func (e *Engine) Sweep(ctx context.Context) []FiredTrigger {
	return e.evaluate(ctx, "", "")
}

// RaiseEvent evaluates the user's triggers that wait on an event. Only these
// triggers can match Event conditions.
func (e *Engine) RaiseEvent(ctx context.Context, userID, event string) []FiredTrigger {
	if strings.TrimSpace(event) == "" {
		return nil
	}
	return e.evaluate(ctx, userID, event)
}

func (e *Engine) evaluate(ctx context.Context, userID, event string) []FiredTrigger {
	now := e.now()
	e.ResetDaily(now)

	var fired []FiredTrigger
	for _, t := range e.candidates(userID, event) {
		if ctx.Err() != nil {
			break
		}
		if !e.passesGates(ctx, t, now) {
			continue
		}
		ok, err := e.matchAll(ctx, t.UserID, t.Conditions, now, event)
		if err != nil {
			log.Printf("[trigger] %s: condition probe failed: %v", t.ID, err)
			continue
		}
		if !ok {
			continue
		}
		ft, ok := e.fire(t.ID, now)
		if !ok {
			continue
		}
		e.dispatch(ctx, ft)
		fired = append(fired, ft)
	}
	return fired
}

func (e *Engine) candidates(userID, event string) []Trigger {
	e.mu.Lock()
	out := make([]Trigger, 0, len(e.triggers))
	for _, t := range e.triggers {
		if !t.Enabled {
			continue
		}
		if userID != "" && t.UserID != userID {
			continue
		}
		if event != "" && !t.Conditions.hasEvent() {
			continue
		}
		out = append(out, t.clone())
	}
	e.mu.Unlock()
	sortTriggers(out)
	return out
}

// passesGates applies cooldown, daily cap and quiet hours, in that order.
func (e *Engine) passesGates(ctx context.Context, t Trigger, now time.Time) bool {
	if t.coolingDown(now) {
		return false
	}
	if t.capped() {
		return false
	}
	if t.QuietHoursRespect && e.opts.QuietHours != nil {
		quiet, err := e.opts.QuietHours.IsQuietHours(ctx, t.UserID, now)
		if err != nil {
			log.Printf("[trigger] %s: quiet hours probe failed, skipping: %v", t.ID, err)
			return false
		}
		if quiet {
			return false
		}
	}
	return true
}

// matchAll requires every condition to match. An empty list never matches.
func (e *Engine) matchAll(ctx context.Context, userID string, cs Conditions, now time.Time, event string) (bool, error) {
	if len(cs) == 0 {
		return false, nil
	}
	for _, c := range cs {
		ok, err := e.match(ctx, userID, c, now, event)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (e *Engine) match(ctx context.Context, userID string, c Condition, now time.Time, event string) (bool, error) {
	switch c := c.(type) {
	case Schedule:
		return c.Matches(now), nil
	case PatternMatch:
		if e.opts.Patterns == nil {
			return false, nil
		}
		patterns, err := e.opts.Patterns.Patterns(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("patterns: %w", err)
		}
		for _, p := range patterns {
			if (c.PatternID != "" && p.ID == c.PatternID) || (c.ShortForm != "" && p.ShortForm == c.ShortForm) {
				if p.Confidence >= c.MinConfidence {
					return true, nil
				}
			}
		}
		return false, nil
	case Inactivity:
		if e.opts.Activity == nil {
			return false, nil
		}
		active, err := e.opts.Activity.IsUserActive(ctx, userID, c.window())
		if err != nil {
			return false, fmt.Errorf("activity: %w", err)
		}
		return !active, nil
	case TaskState:
		if e.opts.Tasks == nil {
			return false, nil
		}
		task, err := e.opts.Tasks.TaskState(ctx, userID, c.TaskID)
		if err != nil {
			return false, fmt.Errorf("task %s: %w", c.TaskID, err)
		}
		if task == nil {
			return false, nil
		}
		if c.Status != "" && !strings.EqualFold(task.Status, c.Status) {
			return false, nil
		}
		return task.DaysOld >= c.MinDaysOld, nil
	case Event:
		return event != "" && (c.Name == "" || c.Name == event), nil
	case Compound:
		if len(c.Conditions) == 0 {
			return false, nil
		}
		for _, sub := range c.Conditions {
			ok, err := e.match(ctx, userID, sub, now, event)
			if err != nil {
				return false, err
			}
			if c.Operator == OpOr && ok {
				return true, nil
			}
			if c.Operator != OpOr && !ok {
				return false, nil
			}
		}
		return c.Operator != OpOr, nil
	default:
		return false, nil
	}
}

// fire re-checks the gates against the stored trigger, records the firing
// and persists it. ok is false if the trigger changed since the snapshot.
func (e *Engine) fire(id string, now time.Time) (FiredTrigger, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.triggers[id]
	if !ok || !t.Enabled || t.coolingDown(now) || t.capped() {
		return FiredTrigger{}, false
	}
	fired := now
	t.LastFired = &fired
	t.TotalFirings++
	t.TodayFirings++
	e.saveLocked()

	snapshot := t.clone()
	log.Printf("[trigger] fired %s for %s (%s)", t.ID, t.UserID, t.Action)
	return FiredTrigger{
		TriggerID:    snapshot.ID,
		UserID:       snapshot.UserID,
		AgentID:      snapshot.AgentID,
		Action:       snapshot.Action,
		ActionConfig: snapshot.ActionConfig,
		FiredAt:      fired,
		Reason:       snapshot.Conditions.Describe(),
	}, true
}

func (e *Engine) dispatch(ctx context.Context, ft FiredTrigger) {
	e.mu.Lock()
	callbacks := append([]FireFunc(nil), e.onFire...)
	e.mu.Unlock()
	for _, fn := range callbacks {
		if err := safeFire(ctx, fn, ft); err != nil {
			log.Printf("[trigger] fire callback for %s failed: %v", ft.TriggerID, err)
		}
	}
}

func safeFire(ctx context.Context, fn FireFunc, ft FiredTrigger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return fn(ctx, ft)
}

// Start runs Sweep every SweepInterval until Stop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.runner.Every("sweep", e.opts.SweepInterval, func() { e.Sweep(ctx) }); err != nil {
		return err
	}
	e.runner.Start()
	return nil
}

func (e *Engine) Stop() {
	e.runner.Stop()
}

func (e *Engine) load() {
	if e.path == "" {
		return
	}
	var list []Trigger
	ok, err := jsonstore.Read(e.path, &list)
	if err != nil {
		log.Printf("[trigger] warning: failed to load %s, starting empty: %v", e.path, err)
		return
	}
	if !ok {
		return
	}
	for i := range list {
		t := list[i]
		if t.ID == "" {
			continue
		}
		e.triggers[t.ID] = &t
	}
	log.Printf("[trigger] loaded %d triggers", len(e.triggers))
}

func (e *Engine) saveLocked() {
	if e.path == "" {
		return
	}
	list := make([]Trigger, 0, len(e.triggers))
	for _, t := range e.triggers {
		list = append(list, *t)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	if err := jsonstore.WriteAtomic(e.path, list); err != nil {
		log.Printf("[trigger] warning: save failed: %v", err)
	}
}

func sortTriggers(ts []Trigger) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Priority != ts[j].Priority {
			return ts[i].Priority > ts[j].Priority
		}
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}
