package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/stellarlinkco/companion/internal/engagement"
	"github.com/stellarlinkco/companion/internal/thought"
)

const defaultMaxThoughts = 3

// LLMGenerator asks the runtime, in the agent's persona, what it has been
// thinking about while the user was away.
type LLMGenerator struct {
	runtime     Runtime
	maxThoughts int
}

func NewLLMGenerator(rt Runtime, maxThoughts int) *LLMGenerator {
	if maxThoughts <= 0 {
		maxThoughts = defaultMaxThoughts
	}
	return &LLMGenerator{runtime: rt, maxThoughts: maxThoughts}
}

type generatedThought struct {
	Type           string `json:"type"`
	Content        string `json:"content"`
	Importance     int    `json:"importance"`
	AboutUser      bool   `json:"aboutUser"`
	DiscussionWith string `json:"discussionWith,omitempty"`
}

func (g *LLMGenerator) GenerateThoughts(ctx context.Context, agent engagement.Agent, uc engagement.UserContext, trg engagement.GenerationTrigger) ([]thought.Thought, error) {
	prompt := g.prompt(agent, uc, trg)
	out, err := Ask(ctx, g.runtime, "idle:"+agent.ID+":"+uc.UserID, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate thoughts for %s: %w", agent.ID, err)
	}
	parsed, err := parseThoughts(out)
	if err != nil {
		return nil, err
	}
	if len(parsed) > g.maxThoughts {
		parsed = parsed[:g.maxThoughts]
	}

	thoughts := make([]thought.Thought, 0, len(parsed))
	for _, p := range parsed {
		if strings.TrimSpace(p.Content) == "" {
			continue
		}
		thoughts = append(thoughts, thought.Thought{
			UserID:         uc.UserID,
			AgentID:        agent.ID,
			Type:           p.Type,
			Content:        p.Content,
			Importance:     p.Importance,
			AboutUser:      p.AboutUser,
			TriggeredBy:    trg.Type,
			DiscussionWith: p.DiscussionWith,
		})
	}
	log.Printf("[generator] %s produced %d thoughts for %s", agent.ID, len(thoughts), uc.UserID)
	return thoughts, nil
}

func (g *LLMGenerator) prompt(agent engagement.Agent, uc engagement.UserContext, trg engagement.GenerationTrigger) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s. %s\n\n", agent.Name, agent.Persona)
	name := uc.DisplayName
	if name == "" {
		name = "the user"
	}
	fmt.Fprintf(&sb, "%s has been away for about %.0f minutes (%s).\n", name, uc.AwayMinutes, trg.Type)
	if len(uc.Facts) > 0 {
		sb.WriteString("Things you remember:\n")
		for _, f := range uc.Facts {
			sb.WriteString("- " + f + "\n")
		}
	}
	keys := make([]string, 0, len(uc.Extra))
	for k := range uc.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, uc.Extra[k])
	}
	fmt.Fprintf(&sb, "\nWrite up to %d short things you thought about or want to tell %s when they return. ", g.maxThoughts, name)
	sb.WriteString(`Reply with only a JSON array of objects with fields "type" (observation, idea, question or memory), "content", "importance" (0-10) and "aboutUser" (boolean). Reply [] if nothing is worth saying.`)
	return sb.String()
}

// parseThoughts extracts the JSON array from a model reply, tolerating code
// fences and surrounding prose.
func parseThoughts(out string) ([]generatedThought, error) {
	start := strings.Index(out, "[")
	end := strings.LastIndex(out, "]")
	if start == -1 || end < start {
		if strings.TrimSpace(out) == "" {
			return nil, nil
		}
		return nil, fmt.Errorf("generator: no JSON array in reply")
	}
	var parsed []generatedThought
	if err := json.Unmarshal([]byte(out[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("generator: decode thoughts: %w", err)
	}
	return parsed, nil
}
