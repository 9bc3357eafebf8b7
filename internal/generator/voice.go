package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/companion/internal/reunion"
)

// VoiceFormatter rewrites the template reunion in the agent's voice. It
// returns an error on any runtime failure so the composer falls back to the
// template.
type VoiceFormatter struct {
	runtime Runtime
	name    string
	persona string
}

func NewVoiceFormatter(rt Runtime, name, persona string) *VoiceFormatter {
	return &VoiceFormatter{runtime: rt, name: name, persona: persona}
}

func (f *VoiceFormatter) Format(ctx context.Context, p reunion.Payload) (reunion.Message, error) {
	draft, _ := reunion.TemplateFormatter{}.Format(ctx, p)

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s. %s\n\n", f.name, f.persona)
	fmt.Fprintf(&sb, "The user just came back after %s away (%s absence).\n", humanAway(p.AwayMinutes), p.Bucket)
	sb.WriteString("Rewrite this welcome-back message in your own voice. Keep every item, keep it short, and reply with only the message:\n\n")
	sb.WriteString(draft.Text)

	out, err := Ask(ctx, f.runtime, "reunion:"+p.UserID, sb.String())
	if err != nil {
		return reunion.Message{}, fmt.Errorf("voice reunion: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return reunion.Message{}, fmt.Errorf("voice reunion: empty reply")
	}
	return reunion.Message{UserID: p.UserID, Text: out}, nil
}

func humanAway(minutes float64) string {
	if minutes < 60 {
		return fmt.Sprintf("%.0f minutes", minutes)
	}
	if minutes < 24*60 {
		return fmt.Sprintf("%.1f hours", minutes/60)
	}
	return fmt.Sprintf("%.1f days", minutes/(24*60))
}
