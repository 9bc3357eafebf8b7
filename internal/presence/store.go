// Package presence tracks per-user activity and derives whether each user is
// active, away or dormant from elapsed idle time.
package presence

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/stellarlinkco/companion/internal/cron"
	"github.com/stellarlinkco/companion/internal/jsonstore"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusAway    Status = "away"
	StatusDormant Status = "dormant"
)

const (
	DefaultAwayAfter     = 30 * time.Minute
	DefaultDormantAfter  = 24 * time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

// UserPresence is the persisted activity record of one user. Status is a
// cache of DeriveStatus and is reconciled on every read.
type UserPresence struct {
	UserID                string    `json:"userId"`
	LastSeen              time.Time `json:"lastSeen"`
	LastSessionStart      time.Time `json:"lastSessionStart"`
	Status                Status    `json:"status"`
	TotalSessions         int       `json:"totalSessions"`
	AverageSessionMinutes float64   `json:"averageSessionMinutes"`
}

// Return describes a user coming back after at least AwayAfter of silence.
// LastSeen and PreviousStatus are taken from the record before the activity
// was applied.
type Return struct {
	UserID         string
	AwayMinutes    float64
	PreviousStatus Status
	LastSeen       time.Time
}

type Config struct {
	AwayAfter     time.Duration
	DormantAfter  time.Duration
	SweepInterval time.Duration
}

func (c Config) normalized() Config {
	if c.AwayAfter <= 0 {
		c.AwayAfter = DefaultAwayAfter
	}
	if c.DormantAfter <= 0 {
		c.DormantAfter = DefaultDormantAfter
	}
	if c.DormantAfter < c.AwayAfter {
		c.DormantAfter = c.AwayAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

type (
	ReturnFunc    func(ctx context.Context, ret Return)
	DepartureFunc func(ctx context.Context, userID string)
)

type Option func(*Store)

// WithClock overrides the wall clock used for all idle computations.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

type Store struct {
	path string
	cfg  Config
	now  func() time.Time

	mu          sync.Mutex
	users       map[string]*UserPresence
	onReturn    []ReturnFunc
	onDeparture []DepartureFunc

	runner *cron.Runner
}

// NewStore creates a store persisted at path. An empty path keeps state in
// memory only. A missing or unreadable document starts the store empty.
func NewStore(path string, cfg Config, opts ...Option) *Store {
	s := &Store{
		path:   path,
		cfg:    cfg.normalized(),
		now:    time.Now,
		users:  make(map[string]*UserPresence),
		runner: cron.NewRunner("presence"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.load()
	return s
}

func (s *Store) Config() Config {
	return s.cfg
}

// DeriveStatus maps an idle duration onto a presence status.
func DeriveStatus(idle, awayAfter, dormantAfter time.Duration) Status {
	switch {
	case idle >= dormantAfter:
		return StatusDormant
	case idle >= awayAfter:
		return StatusAway
	default:
		return StatusActive
	}
}

func (s *Store) derive(lastSeen, now time.Time) Status {
	return DeriveStatus(now.Sub(lastSeen), s.cfg.AwayAfter, s.cfg.DormantAfter)
}

// OnReturn registers fn to run synchronously inside RecordActivity. Handlers
// run after the record was updated: Get and IsActive already report the new
// LastSeen and StatusActive, so a handler needing the time of the previous
// activity must read Return.LastSeen instead.
func (s *Store) OnReturn(fn ReturnFunc) {
	s.mu.Lock()
	s.onReturn = append(s.onReturn, fn)
	s.mu.Unlock()
}

func (s *Store) OnDeparture(fn DepartureFunc) {
	s.mu.Lock()
	s.onDeparture = append(s.onDeparture, fn)
	s.mu.Unlock()
}

// RecordActivity marks the user active. When the previous activity is at
// least AwayAfter old the call is a return and every return handler receives
// the pre-activity snapshot. Detection and update happen in one critical
// section, so concurrent messages from the same user yield a single return.
func (s *Store) RecordActivity(ctx context.Context, userID string) (Return, bool) {
	now := s.now()

	s.mu.Lock()
	rec, ok := s.users[userID]
	if !ok {
		s.users[userID] = &UserPresence{
			UserID:           userID,
			LastSeen:         now,
			LastSessionStart: now,
			Status:           StatusActive,
			TotalSessions:    1,
		}
		s.saveLocked()
		s.mu.Unlock()
		log.Printf("[presence] new user %s", userID)
		return Return{}, false
	}

	var ret Return
	idle := now.Sub(rec.LastSeen)
	returned := idle >= s.cfg.AwayAfter
	if returned {
		ret = Return{
			UserID:         userID,
			AwayMinutes:    idle.Minutes(),
			PreviousStatus: s.derive(rec.LastSeen, now),
			LastSeen:       rec.LastSeen,
		}
		completed := rec.TotalSessions
		if completed < 1 {
			completed = 1
		}
		session := rec.LastSeen.Sub(rec.LastSessionStart).Minutes()
		rec.AverageSessionMinutes += (session - rec.AverageSessionMinutes) / float64(completed)
		rec.LastSessionStart = now
		rec.TotalSessions++
	}
	rec.LastSeen = now
	rec.Status = StatusActive
	s.saveLocked()
	handlers := append([]ReturnFunc(nil), s.onReturn...)
	s.mu.Unlock()

	if !returned {
		return Return{}, false
	}
	log.Printf("[presence] %s returned after %.0f min (%s)", userID, ret.AwayMinutes, ret.PreviousStatus)
	for _, fn := range handlers {
		invoke("return", userID, func() { fn(ctx, ret) })
	}
	return ret, true
}

// Get returns the user's record with its status reconciled against now.
func (s *Store) Get(userID string) (UserPresence, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[userID]
	if !ok {
		return UserPresence{}, false
	}
	out := *rec
	out.Status = s.derive(rec.LastSeen, now)
	return out, true
}

// IsActive reports whether the user is currently active. Unknown users are
// not active.
func (s *Store) IsActive(userID string) bool {
	p, ok := s.Get(userID)
	return ok && p.Status == StatusActive
}

// Users lists every known user id in sorted order.
func (s *Store) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns reconciled copies of every record, sorted by user id.
func (s *Store) All() []UserPresence {
	now := s.now()
	s.mu.Lock()
	out := make([]UserPresence, 0, len(s.users))
	for _, rec := range s.users {
		p := *rec
		p.Status = s.derive(rec.LastSeen, now)
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// AwayUsers returns the users whose live status is away or dormant.
func (s *Store) AwayUsers() []UserPresence {
	all := s.All()
	away := all[:0]
	for _, p := range all {
		if p.Status != StatusActive {
			away = append(away, p)
		}
	}
	return away
}

// Reset forgets a user entirely.
func (s *Store) Reset(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return false
	}
	delete(s.users, userID)
	s.saveLocked()
	return true
}

// Sweep reconciles every cached status. A transition out of active fires the
// departure handlers once; away to dormant is only recorded.
func (s *Store) Sweep(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var departed []string
	changed := false
	for id, rec := range s.users {
		next := s.derive(rec.LastSeen, now)
		if next == rec.Status {
			continue
		}
		if rec.Status == StatusActive {
			departed = append(departed, id)
		}
		rec.Status = next
		changed = true
	}
	if changed {
		s.saveLocked()
	}
	handlers := append([]DepartureFunc(nil), s.onDeparture...)
	s.mu.Unlock()

	sort.Strings(departed)
	for _, id := range departed {
		log.Printf("[presence] %s departed", id)
		for _, fn := range handlers {
			userID := id
			invoke("departure", userID, func() { fn(ctx, userID) })
		}
	}
}

// Start runs Sweep every SweepInterval until Stop.
func (s *Store) Start(ctx context.Context) error {
	if err := s.runner.Every("sweep", s.cfg.SweepInterval, func() { s.Sweep(ctx) }); err != nil {
		return err
	}
	s.runner.Start()
	return nil
}

func (s *Store) Stop() {
	s.runner.Stop()
}

func (s *Store) load() {
	if s.path == "" {
		return
	}
	var users map[string]*UserPresence
	ok, err := jsonstore.Read(s.path, &users)
	if err != nil {
		log.Printf("[presence] warning: failed to load %s, starting empty: %v", s.path, err)
		return
	}
	if !ok {
		return
	}
	for id, rec := range users {
		if rec == nil {
			continue
		}
		rec.UserID = id
		s.users[id] = rec
	}
	log.Printf("[presence] loaded %d users", len(s.users))
}

// saveLocked persists the map; failures leave the in-memory state as the
// only copy until the next successful save.
func (s *Store) saveLocked() {
	if s.path == "" {
		return
	}
	if err := jsonstore.WriteAtomic(s.path, s.users); err != nil {
		log.Printf("[presence] warning: save failed: %v", err)
	}
}

func invoke(kind, userID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[presence] %s handler for %s panicked: %v", kind, userID, r)
		}
	}()
	fn()
}
