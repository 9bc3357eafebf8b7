// Package reunion composes the greeting sent to a user who returns after an
// absence, from the thoughts that accumulated while they were gone.
package reunion

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/stellarlinkco/companion/internal/presence"
	"github.com/stellarlinkco/companion/internal/thought"
)

type Bucket string

const (
	BucketShort  Bucket = "short"
	BucketMedium Bucket = "medium"
	BucketLong   Bucket = "long"
)

const (
	shortLimitMinutes  = 120
	mediumLimitMinutes = 24 * 60
)

// BucketFor classifies an absence length.
func BucketFor(awayMinutes float64) Bucket {
	switch {
	case awayMinutes < shortLimitMinutes:
		return BucketShort
	case awayMinutes < mediumLimitMinutes:
		return BucketMedium
	default:
		return BucketLong
	}
}

type ThoughtSummary struct {
	ThoughtID  string `json:"thoughtId"`
	AgentID    string `json:"agentId"`
	Type       string `json:"type"`
	Content    string `json:"content"`
	Importance int    `json:"importance"`
}

type Payload struct {
	UserID         string           `json:"userId"`
	AwayMinutes    float64          `json:"awayMinutes"`
	Bucket         Bucket           `json:"bucket"`
	PreviousStatus presence.Status  `json:"previousStatus"`
	Thoughts       []ThoughtSummary `json:"thoughts"`
	// Highlight is the id of the most important thought, earliest on ties.
	Highlight string `json:"highlight,omitempty"`
}

type Message struct {
	UserID     string
	Text       string
	ThoughtIDs []string
}

// Build assembles a payload. It has no side effects.
func Build(userID string, thoughts []thought.Thought, awayMinutes float64, previousStatus presence.Status) Payload {
	p := Payload{
		UserID:         userID,
		AwayMinutes:    awayMinutes,
		Bucket:         BucketFor(awayMinutes),
		PreviousStatus: previousStatus,
		Thoughts:       make([]ThoughtSummary, 0, len(thoughts)),
	}
	best := -1
	for _, t := range thoughts {
		p.Thoughts = append(p.Thoughts, ThoughtSummary{
			ThoughtID:  t.ID,
			AgentID:    t.AgentID,
			Type:       t.Type,
			Content:    t.Content,
			Importance: t.Importance,
		})
		if t.Importance > best {
			best = t.Importance
			p.Highlight = t.ID
		}
	}
	return p
}

// ShouldSuppress reports whether a return produces no reunion at all: nothing
// accumulated and the absence was shorter than the away threshold.
func ShouldSuppress(thoughtCount int, awayMinutes, awayAfterMinutes float64) bool {
	return thoughtCount == 0 && awayMinutes < awayAfterMinutes
}

type Formatter interface {
	Format(ctx context.Context, p Payload) (Message, error)
}

// Composer renders payloads with a pluggable formatter, falling back to the
// template when the custom one fails.
type Composer struct {
	formatter Formatter
}

func NewComposer(f Formatter) *Composer {
	return &Composer{formatter: f}
}

func (c *Composer) Build(userID string, thoughts []thought.Thought, awayMinutes float64, previousStatus presence.Status) Payload {
	return Build(userID, thoughts, awayMinutes, previousStatus)
}

func (c *Composer) Format(ctx context.Context, p Payload) Message {
	if c != nil && c.formatter != nil {
		msg, err := c.formatter.Format(ctx, p)
		if err == nil && strings.TrimSpace(msg.Text) != "" {
			msg.UserID = p.UserID
			msg.ThoughtIDs = thoughtIDs(p)
			return msg
		}
		log.Printf("[reunion] formatter failed for %s, using template: %v", p.UserID, err)
	}
	msg, _ := TemplateFormatter{}.Format(ctx, p)
	return msg
}

// TemplateFormatter renders a plain greeting followed by one line per thought.
type TemplateFormatter struct{}

func (TemplateFormatter) Format(_ context.Context, p Payload) (Message, error) {
	var b strings.Builder
	b.WriteString(greeting(p))
	if len(p.Thoughts) > 0 {
		b.WriteString("\n\nWhile you were away:")
		for _, t := range p.Thoughts {
			b.WriteString("\n- ")
			if t.ThoughtID == p.Highlight && len(p.Thoughts) > 1 {
				b.WriteString("**" + t.Content + "**")
			} else {
				b.WriteString(t.Content)
			}
		}
	}
	return Message{UserID: p.UserID, Text: b.String(), ThoughtIDs: thoughtIDs(p)}, nil
}

func greeting(p Payload) string {
	switch p.Bucket {
	case BucketShort:
		return "Welcome back!"
	case BucketMedium:
		return fmt.Sprintf("Welcome back, it's been about %s.", humanizeMinutes(p.AwayMinutes))
	default:
		return fmt.Sprintf("Hey, good to see you again. It's been %s!", humanizeMinutes(p.AwayMinutes))
	}
}

func humanizeMinutes(m float64) string {
	switch {
	case m < 60:
		return plural(int(math.Round(m)), "minute")
	case m < 24*60:
		return plural(int(math.Round(m/60)), "hour")
	default:
		return plural(int(math.Round(m/(24*60))), "day")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func thoughtIDs(p Payload) []string {
	ids := make([]string, 0, len(p.Thoughts))
	for _, t := range p.Thoughts {
		ids = append(ids, t.ThoughtID)
	}
	return ids
}
