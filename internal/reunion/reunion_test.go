package reunion

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stellarlinkco/companion/internal/presence"
	"github.com/stellarlinkco/companion/internal/thought"
)

func TestBucketFor(t *testing.T) {
	tests := []struct {
		minutes float64
		want    Bucket
	}{
		{30, BucketShort},
		{119, BucketShort},
		{120, BucketMedium},
		{23 * 60, BucketMedium},
		{24 * 60, BucketLong},
	}
	for _, tt := range tests {
		if got := BucketFor(tt.minutes); got != tt.want {
			t.Errorf("BucketFor(%v) = %s, want %s", tt.minutes, got, tt.want)
		}
	}
}

func TestShouldSuppress(t *testing.T) {
	if !ShouldSuppress(0, 10, 30) {
		t.Error("no thoughts and short absence should be suppressed")
	}
	if ShouldSuppress(1, 10, 30) {
		t.Error("pending thoughts must not be suppressed")
	}
	if ShouldSuppress(0, 30, 30) {
		t.Error("absence at the threshold must not be suppressed")
	}
}

func TestBuild_KeepsOrderAndDoesNotMutate(t *testing.T) {
	thoughts := []thought.Thought{
		{ID: "t1", AgentID: "a1", Type: "observation", Content: "first", Importance: 5},
		{ID: "t2", AgentID: "a2", Type: "celebration", Content: "second", Importance: 8},
		{ID: "t3", AgentID: "a1", Type: "discussion", Content: "third", Importance: 8},
	}
	p := Build("u1", thoughts, 45, presence.StatusAway)

	if p.UserID != "u1" || p.Bucket != BucketShort || p.PreviousStatus != presence.StatusAway {
		t.Errorf("payload header = %+v", p)
	}
	if len(p.Thoughts) != 3 {
		t.Fatalf("thoughts = %d, want 3", len(p.Thoughts))
	}
	for i, id := range []string{"t1", "t2", "t3"} {
		if p.Thoughts[i].ThoughtID != id {
			t.Errorf("thought %d = %s, want %s", i, p.Thoughts[i].ThoughtID, id)
		}
	}
	if p.Highlight != "t2" {
		t.Errorf("highlight = %s, want t2 (earliest of the most important)", p.Highlight)
	}
	for _, th := range thoughts {
		if th.Shared {
			t.Error("Build must not mark thoughts shared")
		}
	}
}

func TestTemplateFormatter(t *testing.T) {
	p := Build("u1", []thought.Thought{
		{ID: "t1", Content: "saw a great article"},
		{ID: "t2", Content: "your plant needs water", Importance: 9},
	}, 3*24*60, presence.StatusDormant)

	msg, err := TemplateFormatter{}.Format(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg.Text, "3 days") {
		t.Errorf("text %q should mention the absence", msg.Text)
	}
	if !strings.Contains(msg.Text, "- saw a great article") || !strings.Contains(msg.Text, "**your plant needs water**") {
		t.Errorf("text %q missing thoughts", msg.Text)
	}
	if strings.Index(msg.Text, "article") > strings.Index(msg.Text, "plant") {
		t.Error("thoughts out of creation order")
	}
	if len(msg.ThoughtIDs) != 2 || msg.UserID != "u1" {
		t.Errorf("message = %+v", msg)
	}
}

func TestTemplateFormatter_NoThoughts(t *testing.T) {
	msg, _ := TemplateFormatter{}.Format(context.Background(), Build("u1", nil, 200, presence.StatusAway))
	if msg.Text != "Welcome back, it's been about 3 hours." {
		t.Errorf("text = %q", msg.Text)
	}
}

type failingFormatter struct{}

func (failingFormatter) Format(context.Context, Payload) (Message, error) {
	return Message{}, errors.New("llm down")
}

type voiceFormatter struct{}

func (voiceFormatter) Format(_ context.Context, p Payload) (Message, error) {
	return Message{Text: "yo " + p.UserID}, nil
}

func TestComposer_FallsBackToTemplate(t *testing.T) {
	c := NewComposer(failingFormatter{})
	msg := c.Format(context.Background(), Build("u1", nil, 10, presence.StatusAway))
	if msg.Text != "Welcome back!" {
		t.Errorf("text = %q, want template fallback", msg.Text)
	}
}

func TestComposer_CustomFormatter(t *testing.T) {
	c := NewComposer(voiceFormatter{})
	p := Build("u1", []thought.Thought{{ID: "t1", Content: "x"}}, 10, presence.StatusAway)
	msg := c.Format(context.Background(), p)
	if msg.Text != "yo u1" || msg.UserID != "u1" || len(msg.ThoughtIDs) != 1 {
		t.Errorf("message = %+v", msg)
	}
}

func TestComposer_NilUsesTemplate(t *testing.T) {
	var c *Composer
	msg := c.Format(context.Background(), Build("u1", nil, 10, presence.StatusAway))
	if msg.Text != "Welcome back!" {
		t.Errorf("text = %q", msg.Text)
	}
}
