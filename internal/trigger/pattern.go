package trigger

import (
	"fmt"
	"log"
	"strings"
	"time"
	"unicode"
)

const (
	CategoryTaskAvoidance = "task_avoidance"
	CategoryTemporal      = "temporal"
	CategoryEmotional     = "emotional"
	CategoryGrowth        = "growth"

	ValencePositive = "positive"
	ValenceNegative = "negative"
)

const (
	eveningHour            = 20
	autoMinConfidence      = 0.6
	autoCooldownMinutes    = 24 * 60
	avoidanceMinDaysOld    = 2
	avoidancePendingStatus = "pending"
)

// CreateFromPattern derives a trigger from a detected pattern. It is
// idempotent per pattern id: a second call returns the trigger created by
// the first.
func (e *Engine) CreateFromPattern(p Pattern) (Trigger, error) {
	if strings.TrimSpace(p.ID) == "" {
		return Trigger{}, fmt.Errorf("trigger: pattern id is required")
	}
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.triggers {
		if t.CreatedFrom == p.ID {
			return t.clone(), nil
		}
	}
	derived, err := FromPattern(p)
	if err != nil {
		return Trigger{}, err
	}
	e.insertLocked(&derived, now)
	log.Printf("[trigger] created %s trigger %s from pattern %s", derived.Type, derived.ID, p.ID)
	return derived.clone(), nil
}

// FromPattern maps a pattern onto an unsaved trigger:
//
//	task avoidance         -> task condition, nudge
//	temporal               -> schedule at the pattern hour, check_in
//	negative emotional day -> schedule 20:00 the evening before, check_in
//	positive growth        -> event, celebrate
func FromPattern(p Pattern) (Trigger, error) {
	t := Trigger{
		UserID:            p.UserID,
		Enabled:           true,
		CooldownMinutes:   autoCooldownMinutes,
		MaxFiringsPerDay:  1,
		QuietHoursRespect: true,
		CreatedFrom:       p.ID,
		ActionConfig: map[string]any{
			"patternId":   p.ID,
			"shortForm":   p.ShortForm,
			"description": p.Description,
		},
	}
	category := strings.ToLower(strings.TrimSpace(p.Category))
	valence := strings.ToLower(strings.TrimSpace(p.Valence))

	switch {
	case category == CategoryTaskAvoidance:
		if p.TaskID == "" {
			return Trigger{}, fmt.Errorf("%w: avoidance pattern %s names no task", ErrUnmappedPattern, p.ID)
		}
		t.Type = TypeTask
		t.Action = ActionNudge
		t.Priority = 6
		t.Conditions = Conditions{TaskState{TaskID: p.TaskID, Status: avoidancePendingStatus, MinDaysOld: avoidanceMinDaysOld}}
	case category == CategoryTemporal:
		if p.Hour == nil {
			return Trigger{}, fmt.Errorf("%w: temporal pattern %s has no hour", ErrUnmappedPattern, p.ID)
		}
		sched := Schedule{Hour: *p.Hour}
		if p.Weekday != nil {
			sched.DaysOfWeek = []time.Weekday{*p.Weekday}
		}
		t.Type = TypeScheduled
		t.Action = ActionCheckIn
		t.Priority = 5
		t.Conditions = Conditions{sched, PatternMatch{PatternID: p.ID, MinConfidence: autoMinConfidence}}
	case category == CategoryEmotional && valence == ValenceNegative:
		day, ok := weekdayOf(p)
		if !ok {
			return Trigger{}, fmt.Errorf("%w: emotional pattern %s is not tied to a weekday", ErrUnmappedPattern, p.ID)
		}
		eve := (day + 6) % 7
		t.Type = TypeScheduled
		t.Action = ActionCheckIn
		t.Priority = 7
		t.Conditions = Conditions{Schedule{Hour: eveningHour, DaysOfWeek: []time.Weekday{eve}}}
	case category == CategoryGrowth && valence == ValencePositive:
		name := p.ShortForm
		if name == "" {
			name = p.ID
		}
		t.Type = TypeEvent
		t.Action = ActionCelebrate
		t.Priority = 4
		t.Conditions = Conditions{Event{Name: "pattern:" + name}}
	default:
		return Trigger{}, fmt.Errorf("%w: %s/%s", ErrUnmappedPattern, p.Category, p.Valence)
	}
	return t, nil
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// weekdayOf prefers the explicit weekday and falls back to a weekday token
// in the short form, e.g. "monday_blues" or "sun-scaries".
func weekdayOf(p Pattern) (time.Weekday, bool) {
	if p.Weekday != nil {
		return *p.Weekday, true
	}
	tokens := strings.FieldsFunc(strings.ToLower(p.ShortForm), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, tok := range tokens {
		if d, ok := weekdayNames[tok]; ok {
			return d, true
		}
	}
	return 0, false
}
