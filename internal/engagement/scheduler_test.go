package engagement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/companion/internal/presence"
	"github.com/stellarlinkco/companion/internal/reunion"
	"github.com/stellarlinkco/companion/internal/thought"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRoster struct {
	agents  map[string][]Agent
	failFor map[string]bool
}

func (r *fakeRoster) Agents(_ context.Context, userID string) ([]Agent, error) {
	if r.failFor[userID] {
		return nil, errors.New("roster unavailable")
	}
	return r.agents[userID], nil
}

func (r *fakeRoster) UserContext(_ context.Context, userID string, awayMinutes float64) (UserContext, error) {
	return UserContext{UserID: userID, AwayMinutes: awayMinutes}, nil
}

type generateFunc func(ctx context.Context, agent Agent, uc UserContext, trg GenerationTrigger) ([]thought.Thought, error)

func (f generateFunc) GenerateThoughts(ctx context.Context, agent Agent, uc UserContext, trg GenerationTrigger) ([]thought.Thought, error) {
	return f(ctx, agent, uc, trg)
}

type reunionRecorder struct {
	mu       sync.Mutex
	payloads []reunion.Payload
	messages []reunion.Message
	err      error
}

func (r *reunionRecorder) hook(_ context.Context, p reunion.Payload, msg reunion.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
	r.messages = append(r.messages, msg)
	return r.err
}

type fixture struct {
	clock    *fakeClock
	presence *presence.Store
	ledger   *thought.MemoryLedger
	roster   *fakeRoster
	reunions *reunionRecorder
	sched    *Scheduler
}

func newFixture(t *testing.T, gen Generator) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 11, 9, 0, 0, 0, time.UTC)}
	p := presence.NewStore("", presence.Config{AwayAfter: 30 * time.Minute, DormantAfter: 24 * time.Hour}, presence.WithClock(clock.Now))
	f := &fixture{
		clock:    clock,
		presence: p,
		ledger:   thought.NewMemoryLedger(0),
		roster:   &fakeRoster{agents: map[string][]Agent{}, failFor: map[string]bool{}},
		reunions: &reunionRecorder{},
	}
	f.sched = New(p, f.ledger, Options{
		Roster:    f.roster,
		Generator: gen,
		Clock:     clock.Now,
		Hooks:     Hooks{OnReunion: f.reunions.hook},
	})
	return f
}

func importanceByAgent(ctx context.Context, agent Agent, uc UserContext, trg GenerationTrigger) ([]thought.Thought, error) {
	imp := map[string]int{"a1": 5, "a2": 8}[agent.ID]
	return []thought.Thought{{Type: "observation", Content: agent.ID + " thought", Importance: imp}}, nil
}

func TestScheduler_ReunionEndToEnd(t *testing.T) {
	f := newFixture(t, generateFunc(importanceByAgent))
	f.roster.agents["u1"] = []Agent{{ID: "a1"}, {ID: "a2"}}
	ctx := context.Background()

	f.presence.RecordActivity(ctx, "u1")
	f.clock.Advance(35 * time.Minute)
	f.sched.Tick(ctx)

	if got, _ := f.ledger.Unshared("u1"); len(got) != 2 {
		t.Fatalf("unshared after tick = %d, want 2", len(got))
	}

	f.clock.Advance(10 * time.Minute)
	f.presence.RecordActivity(ctx, "u1")

	if len(f.reunions.payloads) != 1 {
		t.Fatalf("reunions = %d, want 1", len(f.reunions.payloads))
	}
	p := f.reunions.payloads[0]
	if p.AwayMinutes != 45 || p.PreviousStatus != presence.StatusAway {
		t.Errorf("payload = %+v", p)
	}
	if len(p.Thoughts) != 2 || p.Thoughts[0].Importance != 5 || p.Thoughts[1].Importance != 8 {
		t.Fatalf("payload thoughts = %+v, want importance 5 then 8", p.Thoughts)
	}

	// composing must not consume the thoughts
	if got, _ := f.ledger.Unshared("u1"); len(got) != 2 {
		t.Fatalf("unshared after reunion = %d, want 2 until delivery is confirmed", len(got))
	}
	if _, err := f.sched.MarkThoughtsShared("u1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := f.ledger.Unshared("u1"); len(got) != 0 {
		t.Errorf("unshared after MarkThoughtsShared = %d, want 0", len(got))
	}
}

func TestScheduler_FailedDeliveryKeepsThoughtsForRetry(t *testing.T) {
	f := newFixture(t, generateFunc(importanceByAgent))
	f.roster.agents["u1"] = []Agent{{ID: "a1"}}
	f.reunions.err = errors.New("telegram down")
	ctx := context.Background()

	f.presence.RecordActivity(ctx, "u1")
	f.clock.Advance(time.Hour)
	f.sched.Tick(ctx)
	f.presence.RecordActivity(ctx, "u1")

	if len(f.reunions.payloads) != 1 {
		t.Fatalf("reunions = %d, want 1", len(f.reunions.payloads))
	}
	p, msg := f.sched.ComposeReunion(ctx, "u1", 60, presence.StatusAway)
	if p == nil || msg == nil {
		t.Fatal("retry composition should succeed")
	}
	if len(p.Thoughts) != 1 || p.Thoughts[0].ThoughtID != f.reunions.payloads[0].Thoughts[0].ThoughtID {
		t.Errorf("retry payload = %+v, want the same unshared thought", p.Thoughts)
	}
}

func TestScheduler_SuppressesEmptyShortReunion(t *testing.T) {
	f := newFixture(t, generateFunc(importanceByAgent))
	ctx := context.Background()

	f.presence.RecordActivity(ctx, "u1")
	f.clock.Advance(10 * time.Minute)

	msg, err := f.sched.TriggerReunion(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Errorf("reunion = %+v, want suppressed", msg)
	}
	if p, _ := f.sched.ComposeReunion(ctx, "u1", 10, presence.StatusActive); p != nil {
		t.Error("ComposeReunion should also suppress")
	}
}

func TestScheduler_EmptyLongAbsenceStillGreets(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.presence.RecordActivity(ctx, "u1")
	f.clock.Advance(3 * time.Hour)
	f.presence.RecordActivity(ctx, "u1")

	if len(f.reunions.messages) != 1 {
		t.Fatalf("reunions = %d, want 1", len(f.reunions.messages))
	}
	if f.reunions.messages[0].Text == "" {
		t.Error("reunion text should not be empty")
	}
}

func TestScheduler_TriggerReunionMarksShared(t *testing.T) {
	f := newFixture(t, generateFunc(importanceByAgent))
	f.roster.agents["u1"] = []Agent{{ID: "a1"}, {ID: "a2"}}
	ctx := context.Background()

	f.presence.RecordActivity(ctx, "u1")
	if err := f.sched.TriggerGeneration(ctx, "u1"); err != nil {
		t.Fatalf("TriggerGeneration error: %v", err)
	}
	msg, err := f.sched.TriggerReunion(ctx, "u1")
	if err != nil || msg == nil {
		t.Fatalf("TriggerReunion = %v, %v", msg, err)
	}
	if len(msg.ThoughtIDs) != 2 {
		t.Errorf("thought ids = %v", msg.ThoughtIDs)
	}
	if got, _ := f.ledger.Unshared("u1"); len(got) != 0 {
		t.Errorf("unshared = %d, want 0", len(got))
	}
	if len(f.reunions.payloads) != 0 {
		t.Error("TriggerReunion must not go through the delivery hook")
	}
}

func TestScheduler_TriggerGenerationUnknownUser(t *testing.T) {
	f := newFixture(t, generateFunc(importanceByAgent))
	err := f.sched.TriggerGeneration(context.Background(), "ghost")
	if !errors.Is(err, ErrUnknownUser) {
		t.Errorf("err = %v, want ErrUnknownUser", err)
	}
	if _, err := f.sched.TriggerReunion(context.Background(), "ghost"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("TriggerReunion err = %v, want ErrUnknownUser", err)
	}
}

func TestScheduler_TickSkipsActiveUsers(t *testing.T) {
	var calls int
	f := newFixture(t, generateFunc(func(ctx context.Context, agent Agent, uc UserContext, trg GenerationTrigger) ([]thought.Thought, error) {
		calls++
		return nil, nil
	}))
	f.roster.agents["u1"] = []Agent{{ID: "a1"}}
	f.presence.RecordActivity(context.Background(), "u1")

	f.sched.Tick(context.Background())
	if calls != 0 {
		t.Errorf("generator calls = %d for an active user, want 0", calls)
	}
}

func TestScheduler_GeneratorTriggerDescriptor(t *testing.T) {
	var got GenerationTrigger
	var gotCtx UserContext
	f := newFixture(t, generateFunc(func(ctx context.Context, agent Agent, uc UserContext, trg GenerationTrigger) ([]thought.Thought, error) {
		got, gotCtx = trg, uc
		return []thought.Thought{{Content: "x"}}, nil
	}))
	f.roster.agents["u1"] = []Agent{{ID: "a1"}}
	var generated []thought.Thought
	f.sched.opts.Hooks.OnThoughtGenerated = func(ctx context.Context, th thought.Thought) {
		generated = append(generated, th)
	}
	f.presence.RecordActivity(context.Background(), "u1")
	f.clock.Advance(90 * time.Minute)

	f.sched.Tick(context.Background())
	if got.Type != "time" || got.AfterMinutes != 90 || gotCtx.AwayMinutes != 90 {
		t.Errorf("trigger = %+v, context = %+v", got, gotCtx)
	}
	if len(generated) != 1 || generated[0].ID == "" || generated[0].AgentID != "a1" || generated[0].UserID != "u1" || generated[0].TriggeredBy != "time" {
		t.Errorf("generated hook = %+v", generated)
	}
}

func TestScheduler_IsolatesFailures(t *testing.T) {
	f := newFixture(t, generateFunc(func(ctx context.Context, agent Agent, uc UserContext, trg GenerationTrigger) ([]thought.Thought, error) {
		switch agent.ID {
		case "bad":
			return nil, errors.New("llm timeout")
		case "panics":
			panic("generator bug")
		}
		return []thought.Thought{{Content: agent.ID + " for " + uc.UserID}}, nil
	}))
	f.roster.agents["u1"] = []Agent{{ID: "bad"}, {ID: "panics"}, {ID: "good"}}
	f.roster.agents["u2"] = []Agent{{ID: "good"}}
	f.roster.agents["u3"] = []Agent{{ID: "good"}}
	f.roster.failFor["u2"] = true

	ctx := context.Background()
	for _, u := range []string{"u1", "u2", "u3"} {
		f.presence.RecordActivity(ctx, u)
	}
	f.clock.Advance(time.Hour)
	f.sched.Tick(ctx)

	if got, _ := f.ledger.Unshared("u1"); len(got) != 1 || got[0].Content != "good for u1" {
		t.Errorf("u1 thoughts = %+v", got)
	}
	if got, _ := f.ledger.Unshared("u3"); len(got) != 1 {
		t.Errorf("u3 thoughts = %d, want 1 despite u2 roster failure", len(got))
	}
}

func TestScheduler_DiscardsThoughtsWhenUserReturnsMidGeneration(t *testing.T) {
	var f *fixture
	f = newFixture(t, generateFunc(func(ctx context.Context, agent Agent, uc UserContext, trg GenerationTrigger) ([]thought.Thought, error) {
		// the user messages while the LLM call is in flight
		f.presence.RecordActivity(ctx, uc.UserID)
		return []thought.Thought{{Content: "late"}}, nil
	}))
	f.roster.agents["u1"] = []Agent{{ID: "a1"}, {ID: "a2"}}
	ctx := context.Background()

	f.presence.RecordActivity(ctx, "u1")
	f.clock.Advance(time.Hour)
	f.sched.Tick(ctx)

	if got, _ := f.ledger.Unshared("u1"); len(got) != 0 {
		t.Errorf("unshared = %d, want generated thoughts discarded", len(got))
	}
	if len(f.reunions.payloads) != 1 {
		t.Errorf("reunions = %d, want the return to be handled once", len(f.reunions.payloads))
	}
}

func TestScheduler_StopDiscardsInFlightResults(t *testing.T) {
	var f *fixture
	f = newFixture(t, generateFunc(func(ctx context.Context, agent Agent, uc UserContext, trg GenerationTrigger) ([]thought.Thought, error) {
		f.sched.Stop()
		return []thought.Thought{{Content: "after stop"}}, nil
	}))
	f.roster.agents["u1"] = []Agent{{ID: "a1"}}
	f.presence.RecordActivity(context.Background(), "u1")
	f.clock.Advance(time.Hour)

	f.sched.Tick(context.Background())
	if got, _ := f.ledger.Unshared("u1"); len(got) != 0 {
		t.Errorf("unshared = %d, want results discarded after Stop", len(got))
	}
}

func TestScheduler_DepartureHook(t *testing.T) {
	f := newFixture(t, nil)
	var departed []string
	f.sched.opts.Hooks.OnDeparture = func(ctx context.Context, userID string) {
		departed = append(departed, userID)
	}
	f.presence.RecordActivity(context.Background(), "u1")
	f.clock.Advance(time.Hour)
	f.presence.Sweep(context.Background())
	if len(departed) != 1 || departed[0] != "u1" {
		t.Errorf("departed = %v", departed)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.sched.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	f.sched.Stop()
}

func TestScheduler_MarkDeliveredKeepsLateThoughts(t *testing.T) {
	f := newFixture(t, generateFunc(importanceByAgent))
	f.roster.agents["u1"] = []Agent{{ID: "a1"}, {ID: "a2"}}
	ctx := context.Background()

	f.presence.RecordActivity(ctx, "u1")
	if err := f.sched.TriggerGeneration(ctx, "u1"); err != nil {
		t.Fatalf("TriggerGeneration error: %v", err)
	}
	_, msg := f.sched.ComposeReunion(ctx, "u1", 45, presence.StatusAway)
	if msg == nil {
		t.Fatal("ComposeReunion suppressed")
	}

	late, err := f.ledger.Add(thought.Thought{UserID: "u1", AgentID: "a1", Content: "arrived mid-send", Importance: 9})
	if err != nil {
		t.Fatal(err)
	}

	n, err := f.sched.MarkDelivered(*msg)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(msg.ThoughtIDs) {
		t.Errorf("marked = %d, want %d", n, len(msg.ThoughtIDs))
	}
	got, _ := f.ledger.Unshared("u1")
	if len(got) != 1 || got[0].ID != late.ID {
		t.Errorf("unshared = %+v, want only %s", got, late.ID)
	}
}
