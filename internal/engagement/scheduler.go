// Package engagement drives proactive contact: while users are away it asks
// each of their agents for thoughts, and when they return it composes a
// reunion message from whatever accumulated.
package engagement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/stellarlinkco/companion/internal/cron"
	"github.com/stellarlinkco/companion/internal/presence"
	"github.com/stellarlinkco/companion/internal/reunion"
	"github.com/stellarlinkco/companion/internal/thought"
)

const DefaultIdleInterval = 10 * time.Minute

var ErrUnknownUser = errors.New("engagement: unknown user")

type Agent struct {
	ID      string
	Name    string
	Persona string
}

// UserContext is the snapshot handed to the thought generator.
type UserContext struct {
	UserID      string
	DisplayName string
	AwayMinutes float64
	Facts       []string
	Extra       map[string]string
}

// GenerationTrigger tells the generator why it is being asked for thoughts.
type GenerationTrigger struct {
	Type         string
	AfterMinutes float64
}

type Roster interface {
	Agents(ctx context.Context, userID string) ([]Agent, error)
	UserContext(ctx context.Context, userID string, awayMinutes float64) (UserContext, error)
}

type Generator interface {
	GenerateThoughts(ctx context.Context, agent Agent, uc UserContext, trg GenerationTrigger) ([]thought.Thought, error)
}

// Hooks are optional. OnReunion receives a composed reunion; whoever
// implements it calls MarkDelivered with that message once delivery is
// confirmed.
type Hooks struct {
	OnReunion          func(ctx context.Context, p reunion.Payload, msg reunion.Message) error
	OnThoughtGenerated func(ctx context.Context, t thought.Thought)
	OnDeparture        func(ctx context.Context, userID string)
}

type Options struct {
	IdleInterval time.Duration
	Roster       Roster
	Generator    Generator
	Composer     *reunion.Composer
	Hooks        Hooks
	Clock        func() time.Time
}

type Scheduler struct {
	presence *presence.Store
	ledger   thought.Ledger
	opts     Options
	runner   *cron.Runner

	stopped atomic.Bool
	ticking atomic.Bool
}

// New wires a scheduler to the presence store's return and departure events.
func New(p *presence.Store, ledger thought.Ledger, opts Options) *Scheduler {
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = DefaultIdleInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Composer == nil {
		opts.Composer = reunion.NewComposer(nil)
	}
	s := &Scheduler{
		presence: p,
		ledger:   ledger,
		opts:     opts,
		runner:   cron.NewRunner("engagement"),
	}
	p.OnReturn(s.handleReturn)
	p.OnDeparture(func(ctx context.Context, userID string) {
		if s.opts.Hooks.OnDeparture != nil {
			s.opts.Hooks.OnDeparture(ctx, userID)
		}
	})
	return s
}

// Start begins the presence sweep and the idle tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.stopped.Store(false)
	if err := s.presence.Start(ctx); err != nil {
		return fmt.Errorf("start presence sweep: %w", err)
	}
	if err := s.runner.Every("idle-tick", s.opts.IdleInterval, func() { s.Tick(ctx) }); err != nil {
		s.presence.Stop()
		return fmt.Errorf("start idle tick: %w", err)
	}
	s.runner.Start()
	return nil
}

// Stop clears both timers. Work already in flight finishes but its results
// are dropped.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
	s.runner.Stop()
	s.presence.Stop()
}

// Tick generates thoughts for every away or dormant user. Ticks never
// overlap; a tick that fires while another runs is skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		log.Printf("[engagement] previous idle tick still running, skipping")
		return
	}
	defer s.ticking.Store(false)

	for _, p := range s.presence.AwayUsers() {
		if s.stopped.Load() || ctx.Err() != nil {
			return
		}
		if err := s.generateFor(ctx, p.UserID, false); err != nil {
			log.Printf("[engagement] generation for %s failed: %v", p.UserID, err)
		}
	}
}

// TriggerGeneration runs one idle-tick body for a single user regardless of
// their presence status.
func (s *Scheduler) TriggerGeneration(ctx context.Context, userID string) error {
	return s.generateFor(ctx, userID, true)
}

func (s *Scheduler) generateFor(ctx context.Context, userID string, force bool) error {
	p, ok := s.presence.Get(userID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	if s.opts.Roster == nil || s.opts.Generator == nil {
		return nil
	}
	awayMinutes := s.opts.Clock().Sub(p.LastSeen).Minutes()

	agents, err := s.opts.Roster.Agents(ctx, userID)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	uc, err := s.opts.Roster.UserContext(ctx, userID, awayMinutes)
	if err != nil {
		return fmt.Errorf("load user context: %w", err)
	}
	trg := GenerationTrigger{Type: "time", AfterMinutes: awayMinutes}

	for _, agent := range agents {
		if !force && s.presence.IsActive(userID) {
			log.Printf("[engagement] %s came back mid-tick, stopping generation", userID)
			return nil
		}
		thoughts, err := s.generate(ctx, agent, uc, trg)
		if err != nil {
			log.Printf("[engagement] agent %s failed for %s: %v", agent.ID, userID, err)
			continue
		}
		if s.stopped.Load() {
			log.Printf("[engagement] stopped during generation, discarding %d thoughts for %s", len(thoughts), userID)
			return nil
		}
		// the user may have returned while the generator was running
		if !force && s.presence.IsActive(userID) {
			log.Printf("[engagement] %s returned during generation, discarding %d thoughts", userID, len(thoughts))
			return nil
		}
		for _, t := range thoughts {
			t.UserID = userID
			if t.AgentID == "" {
				t.AgentID = agent.ID
			}
			if t.TriggeredBy == "" {
				t.TriggeredBy = trg.Type
			}
			stored, err := s.ledger.Add(t)
			if err != nil {
				log.Printf("[engagement] store thought for %s failed: %v", userID, err)
				continue
			}
			if s.opts.Hooks.OnThoughtGenerated != nil {
				s.opts.Hooks.OnThoughtGenerated(ctx, stored)
			}
		}
	}
	return nil
}

func (s *Scheduler) generate(ctx context.Context, agent Agent, uc UserContext, trg GenerationTrigger) (thoughts []thought.Thought, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panicked: %v", r)
		}
	}()
	return s.opts.Generator.GenerateThoughts(ctx, agent, uc, trg)
}

func (s *Scheduler) handleReturn(ctx context.Context, ret presence.Return) {
	payload, msg, ok := s.compose(ctx, ret.UserID, ret.AwayMinutes, ret.PreviousStatus)
	if !ok {
		return
	}
	if s.opts.Hooks.OnReunion == nil {
		log.Printf("[engagement] reunion ready for %s but no hook registered", ret.UserID)
		return
	}
	if err := s.opts.Hooks.OnReunion(ctx, payload, msg); err != nil {
		log.Printf("[engagement] reunion delivery for %s failed, thoughts stay unshared: %v", ret.UserID, err)
	}
}

// compose builds and formats a reunion without touching the ledger. ok is
// false when the reunion is suppressed.
func (s *Scheduler) compose(ctx context.Context, userID string, awayMinutes float64, prev presence.Status) (reunion.Payload, reunion.Message, bool) {
	thoughts, err := s.ledger.Unshared(userID)
	if err != nil {
		log.Printf("[engagement] load unshared thoughts for %s failed: %v", userID, err)
		thoughts = nil
	}
	awayAfter := s.presence.Config().AwayAfter.Minutes()
	if reunion.ShouldSuppress(len(thoughts), awayMinutes, awayAfter) {
		return reunion.Payload{}, reunion.Message{}, false
	}
	payload := s.opts.Composer.Build(userID, thoughts, awayMinutes, prev)
	msg := s.opts.Composer.Format(ctx, payload)
	return payload, msg, true
}

// ComposeReunion rebuilds the reunion for a user from the current unshared
// set, for retrying a delivery that failed.
func (s *Scheduler) ComposeReunion(ctx context.Context, userID string, awayMinutes float64, prev presence.Status) (*reunion.Payload, *reunion.Message) {
	payload, msg, ok := s.compose(ctx, userID, awayMinutes, prev)
	if !ok {
		return nil, nil
	}
	return &payload, &msg
}

// MarkThoughtsShared records that all of the user's pending thoughts were
// delivered.
func (s *Scheduler) MarkThoughtsShared(userID string) (int, error) {
	return s.ledger.MarkAllShared(userID)
}

// MarkDelivered marks only the thoughts msg was composed from. Thoughts
// generated while the message was in flight stay unshared.
func (s *Scheduler) MarkDelivered(msg reunion.Message) (int, error) {
	return s.ledger.MarkShared(msg.UserID, msg.ThoughtIDs)
}

// TriggerReunion builds a reunion from the user's current state and marks
// its thoughts shared immediately, without waiting for delivery. It returns
// nil when the reunion is suppressed.
func (s *Scheduler) TriggerReunion(ctx context.Context, userID string) (*reunion.Message, error) {
	p, ok := s.presence.Get(userID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	awayMinutes := s.opts.Clock().Sub(p.LastSeen).Minutes()
	_, msg, ok := s.compose(ctx, userID, awayMinutes, p.Status)
	if !ok {
		return nil, nil
	}
	if _, err := s.MarkDelivered(msg); err != nil {
		return &msg, fmt.Errorf("mark thoughts shared: %w", err)
	}
	return &msg, nil
}
