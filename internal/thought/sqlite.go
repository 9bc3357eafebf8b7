package thought

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLedger persists thoughts so unshared context survives restarts.
type SQLiteLedger struct {
	db          *sql.DB
	mu          sync.Mutex
	maxUnshared int
	now         func() time.Time
}

func NewSQLiteLedger(dbPath string, maxUnshared int) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if maxUnshared <= 0 {
		maxUnshared = DefaultMaxUnsharedPerUser
	}
	l := &SQLiteLedger{db: db, maxUnshared: maxUnshared, now: time.Now}
	if err := l.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) initSchema() error {
	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS thoughts (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'observation',
			content TEXT NOT NULL,
			importance INTEGER NOT NULL DEFAULT 0,
			about_user INTEGER NOT NULL DEFAULT 0,
			triggered_by TEXT NOT NULL DEFAULT '',
			discussion_with TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			shared INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thoughts_user_shared ON thoughts(user_id, shared, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("init thoughts schema: %w", err)
		}
	}
	return nil
}

func (l *SQLiteLedger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *SQLiteLedger) Add(t Thought) (Thought, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t = prepare(t, l.now())
	_, err := l.db.Exec(`
		INSERT INTO thoughts (id, user_id, agent_id, type, content, importance, about_user,
		                      triggered_by, discussion_with, created_at, shared)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, t.ID, t.UserID, t.AgentID, t.Type, t.Content, t.Importance, boolToInt(t.AboutUser),
		t.TriggeredBy, t.DiscussionWith, t.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Thought{}, fmt.Errorf("insert thought: %w", err)
	}

	// keep only the newest maxUnshared undelivered thoughts
	_, err = l.db.Exec(`
		DELETE FROM thoughts WHERE seq IN (
			SELECT seq FROM thoughts
			WHERE user_id = ? AND shared = 0
			ORDER BY seq DESC
			LIMIT -1 OFFSET ?
		)
	`, t.UserID, l.maxUnshared)
	if err != nil {
		return t, fmt.Errorf("trim unshared thoughts: %w", err)
	}
	return t, nil
}

func (l *SQLiteLedger) Unshared(userID string) ([]Thought, error) {
	rows, err := l.db.Query(`
		SELECT id, user_id, agent_id, type, content, importance, about_user,
		       triggered_by, discussion_with, created_at, shared
		FROM thoughts
		WHERE user_id = ? AND shared = 0
		ORDER BY seq ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query unshared thoughts: %w", err)
	}
	defer rows.Close()
	return scanThoughts(rows)
}

func (l *SQLiteLedger) MarkAllShared(userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.db.Exec(`UPDATE thoughts SET shared = 1 WHERE user_id = ? AND shared = 0`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark thoughts shared: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark thoughts shared: %w", err)
	}
	return int(n), nil
}

func (l *SQLiteLedger) MarkShared(userID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE thoughts SET shared = 1 WHERE user_id = ? AND shared = 0 AND id IN (?` +
		strings.Repeat(", ?", len(ids)-1) + `)`

	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark thoughts shared: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark thoughts shared: %w", err)
	}
	return int(n), nil
}

func (l *SQLiteLedger) History(userID string, limit int) ([]Thought, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.Query(`
		SELECT id, user_id, agent_id, type, content, importance, about_user,
		       triggered_by, discussion_with, created_at, shared
		FROM (
			SELECT * FROM thoughts WHERE user_id = ? ORDER BY seq DESC LIMIT ?
		)
		ORDER BY seq ASC
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query thought history: %w", err)
	}
	defer rows.Close()
	return scanThoughts(rows)
}

func (l *SQLiteLedger) CountUnshared() (map[string]int, error) {
	rows, err := l.db.Query(`SELECT user_id, COUNT(*) FROM thoughts WHERE shared = 0 GROUP BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("count unshared thoughts: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var userID string
		var n int
		if err := rows.Scan(&userID, &n); err != nil {
			return nil, fmt.Errorf("scan unshared count: %w", err)
		}
		counts[userID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unshared counts: %w", err)
	}
	return counts, nil
}

func scanThoughts(rows *sql.Rows) ([]Thought, error) {
	var out []Thought
	for rows.Next() {
		var (
			t         Thought
			aboutUser int
			shared    int
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.AgentID, &t.Type, &t.Content, &t.Importance,
			&aboutUser, &t.TriggeredBy, &t.DiscussionWith, &createdAt, &shared); err != nil {
			return nil, fmt.Errorf("scan thought: %w", err)
		}
		t.AboutUser = aboutUser != 0
		t.Shared = shared != 0
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			t.CreatedAt = ts
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thoughts: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
