// Package thought holds the per-user ledger of agent-generated things worth
// telling the user once they come back.
package thought

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxUnsharedPerUser bounds how many undelivered thoughts a user keeps.
const DefaultMaxUnsharedPerUser = 50

type Thought struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	AgentID        string    `json:"agentId"`
	Type           string    `json:"type"`
	Content        string    `json:"content"`
	Importance     int       `json:"importance"`
	AboutUser      bool      `json:"aboutUser"`
	TriggeredBy    string    `json:"triggeredBy,omitempty"`
	DiscussionWith string    `json:"discussionWith,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Shared         bool      `json:"shared"`
}

// Ledger stores thoughts in creation order. Shared is monotonic: once a
// thought is marked shared it never becomes unshared again.
type Ledger interface {
	// Add stores t as unshared with a fresh id and timestamp.
	Add(t Thought) (Thought, error)
	// Unshared returns the user's undelivered thoughts, oldest first.
	Unshared(userID string) ([]Thought, error)
	// MarkAllShared flips every currently unshared thought of the user and
	// reports how many changed.
	MarkAllShared(userID string) (int, error)
	// MarkShared flips only the listed thoughts of the user. Unknown or
	// already shared ids are ignored.
	MarkShared(userID string, ids []string) (int, error)
	// History returns up to limit of the user's most recent thoughts,
	// oldest first. limit <= 0 returns all of them.
	History(userID string, limit int) ([]Thought, error)
	// CountUnshared reports the number of undelivered thoughts per user.
	CountUnshared() (map[string]int, error)
}

func prepare(t Thought, now time.Time) Thought {
	t.ID = uuid.NewString()
	t.CreatedAt = now
	t.Shared = false
	t.Type = strings.TrimSpace(t.Type)
	if t.Type == "" {
		t.Type = "observation"
	}
	t.Content = strings.TrimSpace(t.Content)
	if t.Importance < 0 {
		t.Importance = 0
	}
	if t.Importance > 10 {
		t.Importance = 10
	}
	return t
}
