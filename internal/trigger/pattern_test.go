package trigger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func weekdayPtr(d time.Weekday) *time.Weekday { return &d }

func TestFromPattern_Mappings(t *testing.T) {
	t.Run("task avoidance", func(t *testing.T) {
		tr, err := FromPattern(Pattern{ID: "p1", UserID: "u1", Category: CategoryTaskAvoidance, TaskID: "t9"})
		if err != nil {
			t.Fatal(err)
		}
		want := TaskState{TaskID: "t9", Status: "pending", MinDaysOld: 2}
		if tr.Type != TypeTask || tr.Action != ActionNudge || len(tr.Conditions) != 1 || tr.Conditions[0] != want {
			t.Errorf("trigger = %+v", tr)
		}
	})

	t.Run("temporal", func(t *testing.T) {
		tr, err := FromPattern(Pattern{ID: "p2", UserID: "u1", Category: CategoryTemporal, Hour: intPtr(14)})
		if err != nil {
			t.Fatal(err)
		}
		if tr.Type != TypeScheduled || tr.Action != ActionCheckIn || len(tr.Conditions) != 2 {
			t.Fatalf("trigger = %+v", tr)
		}
		if s := tr.Conditions[0].(Schedule); s.Hour != 14 || s.Minute != nil {
			t.Errorf("schedule = %+v", s)
		}
		if pm := tr.Conditions[1].(PatternMatch); pm.PatternID != "p2" || pm.MinConfidence != 0.6 {
			t.Errorf("pattern condition = %+v", pm)
		}
	})

	t.Run("negative emotional weekday", func(t *testing.T) {
		tr, err := FromPattern(Pattern{ID: "p3", UserID: "u1", Category: CategoryEmotional, Valence: ValenceNegative, ShortForm: "monday_blues"})
		if err != nil {
			t.Fatal(err)
		}
		s := tr.Conditions[0].(Schedule)
		if s.Hour != 20 || len(s.DaysOfWeek) != 1 || s.DaysOfWeek[0] != time.Sunday {
			t.Errorf("schedule = %+v, want 20:00 Sunday", s)
		}
		if tr.Action != ActionCheckIn {
			t.Errorf("action = %s", tr.Action)
		}
	})

	t.Run("sunday wraps to saturday", func(t *testing.T) {
		tr, err := FromPattern(Pattern{ID: "p4", UserID: "u1", Category: CategoryEmotional, Valence: ValenceNegative, Weekday: weekdayPtr(time.Sunday)})
		if err != nil {
			t.Fatal(err)
		}
		if d := tr.Conditions[0].(Schedule).DaysOfWeek[0]; d != time.Saturday {
			t.Errorf("day = %s, want Saturday", d)
		}
	})

	t.Run("positive growth", func(t *testing.T) {
		tr, err := FromPattern(Pattern{ID: "p5", UserID: "u1", Category: CategoryGrowth, Valence: ValencePositive, ShortForm: "streak"})
		if err != nil {
			t.Fatal(err)
		}
		if tr.Type != TypeEvent || tr.Action != ActionCelebrate || tr.Conditions[0] != (Event{Name: "pattern:streak"}) {
			t.Errorf("trigger = %+v", tr)
		}
	})
}

func TestFromPattern_Defaults(t *testing.T) {
	tr, err := FromPattern(Pattern{ID: "p1", UserID: "u1", Category: CategoryGrowth, Valence: ValencePositive, ShortForm: "streak", Description: "kept going"})
	if err != nil {
		t.Fatal(err)
	}
	if !tr.Enabled || tr.CooldownMinutes != 1440 || tr.MaxFiringsPerDay != 1 || !tr.QuietHoursRespect || tr.CreatedFrom != "p1" {
		t.Errorf("defaults = %+v", tr)
	}
	if tr.ActionConfig["description"] != "kept going" || tr.ActionConfig["patternId"] != "p1" {
		t.Errorf("actionConfig = %v", tr.ActionConfig)
	}
}

func TestFromPattern_Unmapped(t *testing.T) {
	for _, p := range []Pattern{
		{ID: "a", Category: CategoryTaskAvoidance},
		{ID: "b", Category: CategoryTemporal},
		{ID: "c", Category: CategoryEmotional, Valence: ValenceNegative, ShortForm: "rainy_days"},
		{ID: "d", Category: CategoryGrowth, Valence: ValenceNegative},
		{ID: "e", Category: "social"},
	} {
		if _, err := FromPattern(p); !errors.Is(err, ErrUnmappedPattern) {
			t.Errorf("pattern %s: err = %v, want ErrUnmappedPattern", p.ID, err)
		}
	}
}

func TestWeekdayOf(t *testing.T) {
	tests := []struct {
		short string
		want  time.Weekday
		ok    bool
	}{
		{"monday_blues", time.Monday, true},
		{"sun-scaries", time.Sunday, true},
		{"Late Thurs slump", time.Thursday, true},
		{"mondays", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := weekdayOf(Pattern{ShortForm: tt.short})
		if ok != tt.ok || got != tt.want {
			t.Errorf("weekdayOf(%q) = %s, %v; want %s, %v", tt.short, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCreateFromPattern_Idempotent(t *testing.T) {
	clock := &fakeClock{now: at(1, 9, 0)}
	e := newTestEngine(t, "", clock, Options{})
	p := Pattern{ID: "p1", UserID: "u1", Category: CategoryTaskAvoidance, TaskID: "t1"}

	first, err := e.CreateFromPattern(p)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.CreateFromPattern(p)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("ids differ: %s vs %s", first.ID, second.ID)
	}
	if n := len(e.List("u1")); n != 1 {
		t.Errorf("triggers = %d, want 1", n)
	}
	if _, err := e.CreateFromPattern(Pattern{UserID: "u1"}); err == nil {
		t.Error("expected error for pattern without id")
	}
}

func TestCreateFromPattern_GrowthFiresOnEvent(t *testing.T) {
	clock := &fakeClock{now: at(1, 9, 0)}
	e := newTestEngine(t, "", clock, Options{})
	if _, err := e.CreateFromPattern(Pattern{ID: "p1", UserID: "u1", Category: CategoryGrowth, Valence: ValencePositive, ShortForm: "streak"}); err != nil {
		t.Fatal(err)
	}
	got := e.RaiseEvent(t.Context(), "u1", "pattern:streak")
	if len(got) != 1 || got[0].Action != ActionCelebrate {
		t.Fatalf("fired = %+v", got)
	}
	// one per day and a day-long cooldown
	if again := e.RaiseEvent(t.Context(), "u1", "pattern:streak"); len(again) != 0 {
		t.Errorf("second event fired %d", len(again))
	}
}

const definitionsYAML = `
triggers:
  - userId: u1
    type: scheduled
    action: check_in
    cooldownMinutes: 60
    maxFiringsPerDay: 2
    priority: 3
    conditions:
      - kind: schedule
        hour: 9
        minute: 30
      - kind: compound
        operator: OR
        conditions:
          - kind: inactivity
          - kind: pattern
            shortForm: morning_focus
            minConfidence: 0.5
  - userId: u1
    enabled: false
    action: celebrate
    conditions:
      - kind: event
        name: streak
`

func TestParseDefinitions(t *testing.T) {
	defs, err := ParseDefinitions([]byte(definitionsYAML))
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 2 {
		t.Fatalf("defs = %d, want 2", len(defs))
	}
	first := defs[0].Trigger()
	if !first.Enabled || first.CooldownMinutes != 60 || first.MaxFiringsPerDay != 2 || len(first.Conditions) != 2 {
		t.Errorf("first = %+v", first)
	}
	if s := first.Conditions[0].(Schedule); s.Minute == nil || *s.Minute != 30 {
		t.Errorf("schedule = %+v", s)
	}
	c := first.Conditions[1].(Compound)
	if c.Operator != OpOr || len(c.Conditions) != 2 {
		t.Errorf("compound = %+v", c)
	}
	if defs[1].Trigger().Enabled {
		t.Error("second definition should be disabled")
	}
}

func TestParseDefinitions_Errors(t *testing.T) {
	cases := map[string]string{
		"missing user":  "triggers:\n  - conditions:\n      - kind: schedule\n        hour: 9\n",
		"unknown kind":  "triggers:\n  - userId: u1\n    conditions:\n      - kind: weather\n",
		"bad hour":      "triggers:\n  - userId: u1\n    conditions:\n      - kind: schedule\n        hour: 25\n",
		"not a mapping": "triggers: nope\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseDefinitions([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEngine_ImportFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triggers.yaml")
	if err := os.WriteFile(path, []byte(definitionsYAML), 0644); err != nil {
		t.Fatal(err)
	}
	defs, err := LoadDefinitions(path)
	if err != nil {
		t.Fatal(err)
	}
	clock := &fakeClock{now: at(1, 9, 31)}
	e := newTestEngine(t, "", clock, Options{Activity: ActivityFunc(func(ctx context.Context, userID string, within time.Duration) (bool, error) {
		return false, nil
	})})
	stored, err := e.Import(defs)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 || stored[0].ID == "" {
		t.Fatalf("stored = %+v", stored)
	}
	fired := e.Sweep(t.Context())
	if len(fired) != 1 || fired[0].TriggerID != stored[0].ID {
		t.Errorf("fired = %+v", fired)
	}

	if _, err := LoadDefinitions(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
