package trigger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ConditionKind string

const (
	KindSchedule   ConditionKind = "schedule"
	KindPattern    ConditionKind = "pattern"
	KindInactivity ConditionKind = "inactivity"
	KindTask       ConditionKind = "task"
	KindEvent      ConditionKind = "event"
	KindCompound   ConditionKind = "compound"
)

// scheduleWindow is how long after the configured minute a Schedule with an
// explicit minute keeps matching.
const scheduleWindow = 5

// Condition is one variant of the trigger condition union. The set of
// variants is closed: Schedule, PatternMatch, Inactivity, TaskState, Event
// and Compound.
type Condition interface {
	Kind() ConditionKind
	condition()
}

// Schedule matches during the configured hour. With Minute set it matches
// only in [Minute, Minute+5). DaysOfWeek, when present, restricts the days.
type Schedule struct {
	Hour       int            `json:"hour" yaml:"hour"`
	Minute     *int           `json:"minute,omitempty" yaml:"minute,omitempty"`
	DaysOfWeek []time.Weekday `json:"daysOfWeek,omitempty" yaml:"daysOfWeek,omitempty"`
}

// PatternMatch matches when the pattern source reports the pattern, by id
// or short form, with at least MinConfidence.
type PatternMatch struct {
	PatternID     string  `json:"patternId,omitempty" yaml:"patternId,omitempty"`
	ShortForm     string  `json:"shortForm,omitempty" yaml:"shortForm,omitempty"`
	MinConfidence float64 `json:"minConfidence" yaml:"minConfidence"`
}

// Inactivity matches when the user has not been active for Minutes. Zero
// Minutes defers to the activity probe's default window.
type Inactivity struct {
	Minutes int `json:"minutes,omitempty" yaml:"minutes,omitempty"`
}

func (c Inactivity) window() time.Duration {
	if c.Minutes <= 0 {
		return 0
	}
	return time.Duration(c.Minutes) * time.Minute
}

// TaskState matches when the task has the given status (any, if empty) and
// is at least MinDaysOld days old.
type TaskState struct {
	TaskID     string `json:"taskId" yaml:"taskId"`
	Status     string `json:"status,omitempty" yaml:"status,omitempty"`
	MinDaysOld int    `json:"minDaysOld,omitempty" yaml:"minDaysOld,omitempty"`
}

// Event matches only when the named event is raised through RaiseEvent; the
// periodic sweep never matches it. An empty Name matches any event.
type Event struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

type Operator string

const (
	OpAnd Operator = "AND"
	OpOr  Operator = "OR"
)

type Compound struct {
	Operator   Operator   `json:"operator" yaml:"operator"`
	Conditions Conditions `json:"conditions" yaml:"conditions"`
}

func (Schedule) Kind() ConditionKind     { return KindSchedule }
func (PatternMatch) Kind() ConditionKind { return KindPattern }
func (Inactivity) Kind() ConditionKind   { return KindInactivity }
func (TaskState) Kind() ConditionKind    { return KindTask }
func (Event) Kind() ConditionKind        { return KindEvent }
func (Compound) Kind() ConditionKind     { return KindCompound }

func (Schedule) condition()     {}
func (PatternMatch) condition() {}
func (Inactivity) condition()   {}
func (TaskState) condition()    {}
func (Event) condition()        {}
func (Compound) condition()     {}

// Matches reports whether t falls in the schedule. t must already be in the
// trigger's time zone.
func (s Schedule) Matches(t time.Time) bool {
	if t.Hour() != s.Hour {
		return false
	}
	if s.Minute != nil {
		m := t.Minute()
		if m < *s.Minute || m >= *s.Minute+scheduleWindow {
			return false
		}
	}
	if len(s.DaysOfWeek) > 0 {
		for _, d := range s.DaysOfWeek {
			if d == t.Weekday() {
				return true
			}
		}
		return false
	}
	return true
}

func (s Schedule) validate() error {
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("%w: schedule hour %d out of range", ErrInvalidCondition, s.Hour)
	}
	if s.Minute != nil && (*s.Minute < 0 || *s.Minute > 59) {
		return fmt.Errorf("%w: schedule minute %d out of range", ErrInvalidCondition, *s.Minute)
	}
	for _, d := range s.DaysOfWeek {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: weekday %d out of range", ErrInvalidCondition, d)
		}
	}
	return nil
}

// Conditions is a conjunctive list; it is also the wire form of every
// condition tree.
type Conditions []Condition

func (cs Conditions) validate() error {
	for _, c := range cs {
		switch c := c.(type) {
		case Schedule:
			if err := c.validate(); err != nil {
				return err
			}
		case PatternMatch:
			if c.PatternID == "" && c.ShortForm == "" {
				return fmt.Errorf("%w: pattern condition needs an id or short form", ErrInvalidCondition)
			}
		case TaskState:
			if c.TaskID == "" {
				return fmt.Errorf("%w: task condition needs a task id", ErrInvalidCondition)
			}
		case Compound:
			if c.Operator != OpAnd && c.Operator != OpOr {
				return fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, c.Operator)
			}
			if err := c.Conditions.validate(); err != nil {
				return err
			}
		case nil:
			return fmt.Errorf("%w: nil condition", ErrInvalidCondition)
		}
	}
	return nil
}

func (cs Conditions) hasEvent() bool {
	for _, c := range cs {
		switch c := c.(type) {
		case Event:
			return true
		case Compound:
			if c.Conditions.hasEvent() {
				return true
			}
		}
	}
	return false
}

// Describe renders the conditions for logs and fire reasons.
func (cs Conditions) Describe() string {
	parts := make([]string, 0, len(cs))
	for _, c := range cs {
		parts = append(parts, describe(c))
	}
	return strings.Join(parts, " and ")
}

func describe(c Condition) string {
	switch c := c.(type) {
	case Schedule:
		s := fmt.Sprintf("schedule %02d:", c.Hour)
		if c.Minute != nil {
			s += fmt.Sprintf("%02d", *c.Minute)
		} else {
			s += "xx"
		}
		if len(c.DaysOfWeek) > 0 {
			days := make([]string, 0, len(c.DaysOfWeek))
			for _, d := range c.DaysOfWeek {
				days = append(days, d.String()[:3])
			}
			s += " on " + strings.Join(days, ",")
		}
		return s
	case PatternMatch:
		key := c.PatternID
		if key == "" {
			key = c.ShortForm
		}
		return fmt.Sprintf("pattern %s >= %.2f", key, c.MinConfidence)
	case Inactivity:
		if c.Minutes > 0 {
			return fmt.Sprintf("user inactive %dm", c.Minutes)
		}
		return "user inactive"
	case TaskState:
		return fmt.Sprintf("task %s %s >= %dd", c.TaskID, c.Status, c.MinDaysOld)
	case Event:
		return "event " + c.Name
	case Compound:
		parts := make([]string, 0, len(c.Conditions))
		for _, sub := range c.Conditions {
			parts = append(parts, describe(sub))
		}
		return "(" + strings.Join(parts, " "+string(c.Operator)+" ") + ")"
	default:
		return "unknown"
	}
}

type kindHeader struct {
	Kind ConditionKind `json:"kind" yaml:"kind"`
}

func (cs Conditions) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(cs))
	for _, c := range cs {
		if c == nil {
			return nil, fmt.Errorf("%w: nil condition", ErrInvalidCondition)
		}
		body, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
		if fields == nil {
			fields = make(map[string]json.RawMessage)
		}
		fields["kind"] = json.RawMessage(strconv.Quote(string(c.Kind())))
		raw, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

func (cs *Conditions) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	parsed := make(Conditions, 0, len(raws))
	for _, raw := range raws {
		var head kindHeader
		if err := json.Unmarshal(raw, &head); err != nil {
			return err
		}
		c, err := decodeCondition(head.Kind, func(v any) error { return json.Unmarshal(raw, v) })
		if err != nil {
			return err
		}
		parsed = append(parsed, c)
	}
	*cs = parsed
	return nil
}

func (cs *Conditions) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("%w: conditions must be a list (line %d)", ErrInvalidCondition, node.Line)
	}
	parsed := make(Conditions, 0, len(node.Content))
	for _, item := range node.Content {
		var head kindHeader
		if err := item.Decode(&head); err != nil {
			return err
		}
		c, err := decodeCondition(head.Kind, item.Decode)
		if err != nil {
			return fmt.Errorf("line %d: %w", item.Line, err)
		}
		parsed = append(parsed, c)
	}
	*cs = parsed
	return nil
}

func decodeCondition(kind ConditionKind, decode func(any) error) (Condition, error) {
	switch kind {
	case KindSchedule:
		return decodeAs[Schedule](decode)
	case KindPattern:
		return decodeAs[PatternMatch](decode)
	case KindInactivity:
		return decodeAs[Inactivity](decode)
	case KindTask:
		return decodeAs[TaskState](decode)
	case KindEvent:
		return decodeAs[Event](decode)
	case KindCompound:
		return decodeAs[Compound](decode)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidCondition, kind)
	}
}

func decodeAs[T Condition](decode func(any) error) (Condition, error) {
	var v T
	if err := decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
