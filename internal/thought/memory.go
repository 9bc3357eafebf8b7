package thought

import (
	"log"
	"sync"
	"time"
)

// MemoryLedger keeps thoughts in process memory.
type MemoryLedger struct {
	mu          sync.Mutex
	byUser      map[string][]Thought
	maxUnshared int
	now         func() time.Time
}

func NewMemoryLedger(maxUnshared int) *MemoryLedger {
	if maxUnshared <= 0 {
		maxUnshared = DefaultMaxUnsharedPerUser
	}
	return &MemoryLedger{
		byUser:      make(map[string][]Thought),
		maxUnshared: maxUnshared,
		now:         time.Now,
	}
}

func (l *MemoryLedger) Add(t Thought) (Thought, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t = prepare(t, l.now())
	list := append(l.byUser[t.UserID], t)
	l.byUser[t.UserID] = l.trim(t.UserID, list)
	return t, nil
}

// trim drops the oldest unshared thoughts beyond the cap.
func (l *MemoryLedger) trim(userID string, list []Thought) []Thought {
	unshared := 0
	for _, t := range list {
		if !t.Shared {
			unshared++
		}
	}
	excess := unshared - l.maxUnshared
	if excess <= 0 {
		return list
	}
	log.Printf("[ledger] dropping %d oldest unshared thoughts for %s", excess, userID)
	kept := list[:0]
	for _, t := range list {
		if !t.Shared && excess > 0 {
			excess--
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

func (l *MemoryLedger) Unshared(userID string) ([]Thought, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Thought
	for _, t := range l.byUser[userID] {
		if !t.Shared {
			out = append(out, t)
		}
	}
	return out, nil
}

func (l *MemoryLedger) MarkAllShared(userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.byUser[userID]
	n := 0
	for i := range list {
		if !list[i].Shared {
			list[i].Shared = true
			n++
		}
	}
	return n, nil
}

func (l *MemoryLedger) MarkShared(userID string, ids []string) (int, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.byUser[userID]
	n := 0
	for i := range list {
		if !list[i].Shared && want[list[i].ID] {
			list[i].Shared = true
			n++
		}
	}
	return n, nil
}

func (l *MemoryLedger) History(userID string, limit int) ([]Thought, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.byUser[userID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return append([]Thought(nil), list...), nil
}

func (l *MemoryLedger) CountUnshared() (map[string]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[string]int)
	for userID, list := range l.byUser {
		for _, t := range list {
			if !t.Shared {
				counts[userID]++
			}
		}
	}
	return counts, nil
}
