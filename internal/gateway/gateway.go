package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/stellarlinkco/companion/internal/bus"
	"github.com/stellarlinkco/companion/internal/channel"
	"github.com/stellarlinkco/companion/internal/config"
	"github.com/stellarlinkco/companion/internal/engagement"
	"github.com/stellarlinkco/companion/internal/generator"
	"github.com/stellarlinkco/companion/internal/presence"
	"github.com/stellarlinkco/companion/internal/reunion"
	"github.com/stellarlinkco/companion/internal/thought"
	"github.com/stellarlinkco/companion/internal/trigger"
)

const (
	EventMessage = "message"
	EventReturn  = "return"
)

type Options struct {
	RuntimeFactory generator.RuntimeFactory
	SignalChan     chan os.Signal // for testing signal handling
	Clock          func() time.Time

	// Patterns and Tasks back PatternMatch and TaskState trigger conditions.
	// Left nil, those conditions never match.
	Patterns trigger.PatternSource
	Tasks    trigger.TaskSource
}

// route is where proactive messages for a user go: the chat they last wrote
// from.
type route struct {
	Channel string
	ChatID  string
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	runtime    generator.Runtime
	channels   *channel.ChannelManager
	presence   *presence.Store
	ledger     thought.Ledger
	roster     *generator.StaticRoster
	engagement *engagement.Scheduler
	triggers   *trigger.Engine
	signalChan chan os.Signal
	now        func() time.Time

	mu     sync.RWMutex
	routes map[string]route
}

func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		signalChan: opts.SignalChan,
		routes:     make(map[string]route),
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	g.now = clock

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Agent.Workspace, 0755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	factory := opts.RuntimeFactory
	if factory == nil {
		factory = generator.NewRuntime
	}
	rt, err := factory(cfg, g.buildSystemPrompt())
	if err != nil {
		return nil, err
	}
	g.runtime = rt

	g.ledger = OpenLedger(cfg)

	g.presence = presence.NewStore(cfg.PresencePath(), presence.Config{
		AwayAfter:     config.Duration(cfg.Presence.AwayAfter, presence.DefaultAwayAfter),
		DormantAfter:  config.Duration(cfg.Presence.DormantAfter, presence.DefaultDormantAfter),
		SweepInterval: config.Duration(cfg.Presence.SweepInterval, presence.DefaultSweepInterval),
	}, presence.WithClock(clock))

	g.roster = generator.NewStaticRoster(cfg.Agents, g.ledger)
	var formatter reunion.Formatter
	if len(cfg.Agents) > 0 {
		lead := cfg.Agents[0]
		formatter = generator.NewVoiceFormatter(rt, lead.Name, lead.Persona)
	}
	g.engagement = engagement.New(g.presence, g.ledger, engagement.Options{
		IdleInterval: config.Duration(cfg.Engagement.IdleInterval, engagement.DefaultIdleInterval),
		Roster:       g.roster,
		Generator:    generator.NewLLMGenerator(rt, 0),
		Composer:     reunion.NewComposer(formatter),
		Clock:        clock,
		Hooks: engagement.Hooks{
			OnReunion: g.deliverReunion,
			OnThoughtGenerated: func(ctx context.Context, t thought.Thought) {
				log.Printf("[gateway] %s thought for %s: %s", t.AgentID, t.UserID, truncate(t.Content, 60))
			},
		},
	})

	loc := cfg.Location()
	trigOpts := trigger.Options{
		Activity:      trigger.ActivityFunc(g.userActive),
		Patterns:      opts.Patterns,
		Tasks:         opts.Tasks,
		Clock:         clock,
		Location:      loc,
		SweepInterval: config.Duration(cfg.Triggers.SweepInterval, trigger.DefaultSweepInterval),
	}
	if qh := strings.TrimSpace(cfg.Triggers.QuietHours); qh != "" {
		window, err := trigger.ParseQuietWindow(qh, loc)
		if err != nil {
			log.Printf("[gateway] ignoring quiet hours %q: %v", qh, err)
		} else {
			trigOpts.QuietHours = window
		}
	}
	g.triggers = trigger.NewEngine(cfg.TriggersPath(), trigOpts)
	g.triggers.OnFire(g.deliverTrigger)

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		g.closeLedger()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

// OpenLedger opens the SQLite thought ledger, degrading to an in-memory
// ledger when the database cannot be opened.
func OpenLedger(cfg *config.Config) thought.Ledger {
	limit := cfg.Engagement.MaxUnsharedPerUser
	ledger, err := thought.NewSQLiteLedger(cfg.ThoughtsDBPath(), limit)
	if err != nil {
		log.Printf("[gateway] thought database unavailable, keeping thoughts in memory: %v", err)
		return thought.NewMemoryLedger(limit)
	}
	return ledger
}

// Triggers returns the trigger engine so callers can add triggers or raise
// events of their own.
func (g *Gateway) Triggers() *trigger.Engine {
	return g.triggers
}

func (g *Gateway) Engagement() *engagement.Scheduler {
	return g.engagement
}

// userActive answers trigger inactivity checks. A non-positive window falls
// back to the presence store's active status.
func (g *Gateway) userActive(ctx context.Context, userID string, within time.Duration) (bool, error) {
	if within <= 0 {
		return g.presence.IsActive(userID), nil
	}
	p, ok := g.presence.Get(userID)
	if !ok {
		return false, nil
	}
	return g.now().Sub(p.LastSeen) < within, nil
}

func (g *Gateway) buildSystemPrompt() string {
	var sb strings.Builder
	for _, name := range []string{"AGENTS.md", "SOUL.md"} {
		if data, err := os.ReadFile(filepath.Join(g.cfg.Agent.Workspace, name)); err == nil {
			sb.Write(data)
			sb.WriteString("\n\n")
		}
	}
	if len(g.cfg.Agents) > 0 {
		lead := g.cfg.Agents[0]
		fmt.Fprintf(&sb, "You are %s. %s\n", lead.Name, lead.Persona)
	}
	return sb.String()
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.engagement.Start(ctx); err != nil {
		return fmt.Errorf("start engagement: %w", err)
	}
	if err := g.triggers.Start(ctx); err != nil {
		log.Printf("[gateway] trigger sweep start warning: %v", err)
	}

	go g.processLoop(ctx)

	log.Printf("[gateway] running with %d agents", len(g.cfg.Agents))

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.handleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// handleInbound records the activity first so a returning user gets the
// reunion before the reply to what they wrote.
func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	userID := msg.UserKey()
	log.Printf("[gateway] inbound from %s: %s", userID, truncate(msg.Content, 80))

	g.setRoute(userID, route{Channel: msg.Channel, ChatID: msg.ChatID})
	g.roster.SetDisplayName(userID, msg.DisplayName())

	if _, returned := g.presence.RecordActivity(ctx, userID); returned {
		g.triggers.RaiseEvent(ctx, userID, EventReturn)
	}
	g.triggers.RaiseEvent(ctx, userID, EventMessage)

	result, err := generator.Ask(ctx, g.runtime, msg.SessionKey(), msg.Content)
	if err != nil {
		log.Printf("[gateway] agent error: %v", err)
		result = "Sorry, I encountered an error processing your message."
	}
	if result != "" {
		g.bus.Outbound <- bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: result,
		}
	}
}

func (g *Gateway) setRoute(userID string, r route) {
	g.mu.Lock()
	g.routes[userID] = r
	g.mu.Unlock()
}

// routeFor returns the user's last chat, falling back to the channel and
// sender encoded in the user key for users seen before a restart.
func (g *Gateway) routeFor(userID string) (route, bool) {
	g.mu.RLock()
	r, ok := g.routes[userID]
	g.mu.RUnlock()
	if ok {
		return r, true
	}
	ch, sender, found := strings.Cut(userID, ":")
	if !found || ch == "" || sender == "" {
		return route{}, false
	}
	return route{Channel: ch, ChatID: sender}, true
}

// send delivers text synchronously so callers know whether it arrived.
func (g *Gateway) send(userID, text string) error {
	r, ok := g.routeFor(userID)
	if !ok {
		return fmt.Errorf("no route to %s", userID)
	}
	return g.channels.Send(bus.OutboundMessage{Channel: r.Channel, ChatID: r.ChatID, Content: text})
}

// deliverReunion sends the reunion and marks the thoughts it carried shared
// only once the channel accepted it.
func (g *Gateway) deliverReunion(ctx context.Context, p reunion.Payload, msg reunion.Message) error {
	if err := g.send(p.UserID, msg.Text); err != nil {
		return err
	}
	n, err := g.engagement.MarkDelivered(msg)
	if err != nil {
		return fmt.Errorf("mark thoughts shared: %w", err)
	}
	log.Printf("[gateway] reunion delivered to %s (%d thoughts)", p.UserID, n)
	return nil
}

func (g *Gateway) deliverTrigger(ctx context.Context, ft trigger.FiredTrigger) error {
	return g.send(ft.UserID, TriggerText(ft))
}

// TriggerText renders a fired trigger. An explicit "message" in the action
// config wins over the per-action default.
func TriggerText(ft trigger.FiredTrigger) string {
	if text, ok := ft.ActionConfig["message"].(string); ok && strings.TrimSpace(text) != "" {
		return text
	}
	desc, _ := ft.ActionConfig["description"].(string)
	switch ft.Action {
	case trigger.ActionCheckIn:
		if desc != "" {
			return "Just checking in. I noticed " + lowerFirst(desc) + ". How are you doing?"
		}
		return "Just checking in. How are you doing?"
	case trigger.ActionNudge:
		if desc != "" {
			return "A gentle nudge: " + desc
		}
		return "A gentle nudge about something you wanted to get to."
	case trigger.ActionCelebrate:
		if desc != "" {
			return "Nice work! " + desc
		}
		return "Nice work, that's worth celebrating!"
	default:
		return "Thinking of you."
	}
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}

func (g *Gateway) Shutdown() error {
	g.engagement.Stop()
	g.triggers.Stop()
	_ = g.channels.StopAll()
	g.closeLedger()
	if g.runtime != nil {
		g.runtime.Close()
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func (g *Gateway) closeLedger() {
	if c, ok := g.ledger.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			log.Printf("[gateway] close thought ledger warning: %v", err)
		}
	}
}

// truncate keeps at most n bytes of s, backing off to a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
