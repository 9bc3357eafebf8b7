package generator

import (
	"context"
	"sync"

	"github.com/stellarlinkco/companion/internal/config"
	"github.com/stellarlinkco/companion/internal/engagement"
	"github.com/stellarlinkco/companion/internal/thought"
)

const rosterFactLimit = 5

// StaticRoster gives every user the configured agents. User context is
// built from display names the gateway learns and the user's recent thought
// history.
type StaticRoster struct {
	agents  []engagement.Agent
	history thought.Ledger

	mu    sync.RWMutex
	names map[string]string
}

func NewStaticRoster(profiles []config.AgentProfile, history thought.Ledger) *StaticRoster {
	agents := make([]engagement.Agent, 0, len(profiles))
	for _, p := range profiles {
		if p.ID == "" {
			continue
		}
		name := p.Name
		if name == "" {
			name = p.ID
		}
		agents = append(agents, engagement.Agent{ID: p.ID, Name: name, Persona: p.Persona})
	}
	return &StaticRoster{agents: agents, history: history, names: make(map[string]string)}
}

func (r *StaticRoster) Agents(ctx context.Context, userID string) ([]engagement.Agent, error) {
	return append([]engagement.Agent(nil), r.agents...), nil
}

func (r *StaticRoster) SetDisplayName(userID, name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.names[userID] = name
	r.mu.Unlock()
}

func (r *StaticRoster) UserContext(ctx context.Context, userID string, awayMinutes float64) (engagement.UserContext, error) {
	r.mu.RLock()
	name := r.names[userID]
	r.mu.RUnlock()

	uc := engagement.UserContext{UserID: userID, DisplayName: name, AwayMinutes: awayMinutes}
	if r.history != nil {
		recent, err := r.history.History(userID, rosterFactLimit)
		if err != nil {
			return uc, err
		}
		for _, t := range recent {
			uc.Facts = append(uc.Facts, t.Content)
		}
	}
	return uc, nil
}
