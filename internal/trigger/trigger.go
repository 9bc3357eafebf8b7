// Package trigger evaluates user-scoped condition→action rules on a periodic
// sweep and hands every firing to delivery callbacks.
package trigger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("trigger: not found")
	ErrInvalidCondition = errors.New("trigger: invalid condition")
	ErrUnmappedPattern  = errors.New("trigger: pattern has no trigger mapping")
)

type Type string

const (
	TypeScheduled  Type = "scheduled"
	TypePattern    Type = "pattern"
	TypeEvent      Type = "event"
	TypeInactivity Type = "inactivity"
	TypeTask       Type = "task"
	TypeCompound   Type = "compound"
)

type Action string

const (
	ActionCheckIn   Action = "check_in"
	ActionNudge     Action = "nudge"
	ActionCelebrate Action = "celebrate"
	ActionMessage   Action = "message"
)

const dateLayout = "2006-01-02"

// Trigger is a persisted rule. Conditions are conjunctive: all of them must
// match. MaxFiringsPerDay <= 0 means no daily cap.
type Trigger struct {
	ID                string         `json:"id"`
	UserID            string         `json:"userId"`
	Type              Type           `json:"type"`
	Conditions        Conditions     `json:"conditions"`
	Action            Action         `json:"action"`
	ActionConfig      map[string]any `json:"actionConfig,omitempty"`
	AgentID           string         `json:"agentId,omitempty"`
	Enabled           bool           `json:"enabled"`
	CooldownMinutes   int            `json:"cooldownMinutes"`
	MaxFiringsPerDay  int            `json:"maxFiringsPerDay"`
	QuietHoursRespect bool           `json:"quietHoursRespect"`
	LastFired         *time.Time     `json:"lastFired,omitempty"`
	TotalFirings      int            `json:"totalFirings"`
	TodayFirings      int            `json:"todayFirings"`
	LastResetDate     string         `json:"lastResetDate"`
	CreatedAt         time.Time      `json:"createdAt"`
	CreatedFrom       string         `json:"createdFrom,omitempty"`
	Priority          int            `json:"priority"`
}

func (t Trigger) clone() Trigger {
	out := t
	if t.LastFired != nil {
		lf := *t.LastFired
		out.LastFired = &lf
	}
	if t.ActionConfig != nil {
		out.ActionConfig = make(map[string]any, len(t.ActionConfig))
		for k, v := range t.ActionConfig {
			out.ActionConfig[k] = v
		}
	}
	out.Conditions = append(Conditions(nil), t.Conditions...)
	return out
}

// coolingDown reports whether the cooldown since the last firing is still
// running at now.
func (t Trigger) coolingDown(now time.Time) bool {
	if t.LastFired == nil || t.CooldownMinutes <= 0 {
		return false
	}
	return now.Sub(*t.LastFired) < time.Duration(t.CooldownMinutes)*time.Minute
}

func (t Trigger) capped() bool {
	return t.MaxFiringsPerDay > 0 && t.TodayFirings >= t.MaxFiringsPerDay
}

// FiredTrigger is produced once per successful firing.
type FiredTrigger struct {
	TriggerID    string
	UserID       string
	AgentID      string
	Action       Action
	ActionConfig map[string]any
	FiredAt      time.Time
	Reason       string
}

// Pattern is a behavioural pattern reported by an external analyzer.
type Pattern struct {
	ID          string
	UserID      string
	Category    string
	Valence     string
	ShortForm   string
	Description string
	Confidence  float64
	// Hour and Weekday locate temporal patterns; TaskID names the task an
	// avoidance pattern is about.
	Hour    *int
	Weekday *time.Weekday
	TaskID  string
}

// Task is the probe view of a task.
type Task struct {
	Status  string
	DaysOld int
}

type PatternSource interface {
	Patterns(ctx context.Context, userID string) ([]Pattern, error)
}

type QuietHoursProbe interface {
	IsQuietHours(ctx context.Context, userID string, now time.Time) (bool, error)
}

// ActivityProbe reports whether the user was active within the given
// window. within <= 0 asks for the host's own notion of active.
type ActivityProbe interface {
	IsUserActive(ctx context.Context, userID string, within time.Duration) (bool, error)
}

// TaskSource returns nil when the task is unknown.
type TaskSource interface {
	TaskState(ctx context.Context, userID, taskID string) (*Task, error)
}

type PatternFunc func(ctx context.Context, userID string) ([]Pattern, error)

func (f PatternFunc) Patterns(ctx context.Context, userID string) ([]Pattern, error) {
	return f(ctx, userID)
}

type QuietHoursFunc func(ctx context.Context, userID string, now time.Time) (bool, error)

func (f QuietHoursFunc) IsQuietHours(ctx context.Context, userID string, now time.Time) (bool, error) {
	return f(ctx, userID, now)
}

type ActivityFunc func(ctx context.Context, userID string, within time.Duration) (bool, error)

func (f ActivityFunc) IsUserActive(ctx context.Context, userID string, within time.Duration) (bool, error) {
	return f(ctx, userID, within)
}

type TaskFunc func(ctx context.Context, userID, taskID string) (*Task, error)

func (f TaskFunc) TaskState(ctx context.Context, userID, taskID string) (*Task, error) {
	return f(ctx, userID, taskID)
}
