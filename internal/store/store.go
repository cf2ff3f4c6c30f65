// Package store is the Store Adapter (C1): typed, atomic access to the three
// per-task documents (task record, conversation, inbox) and to pub/sub
// channels, backed by a single modernc.org/sqlite database file shared by
// every task process.
//
// Each document is one row holding a JSON blob; every mutation runs inside a
// short transaction so a caller never observes a half-written document, and
// append-then-reread call sites use AppendMessages/AppendTurn, which hand
// back the fresh state under the same transaction instead of letting callers
// juggle stale indices themselves.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/microcore/taskcore/internal/model"
)

// ErrUnavailable wraps any failure to reach the backing database.
var ErrUnavailable = errors.New("store: unavailable")

// ErrNotFound is returned by Get-style calls when the document is absent.
var ErrNotFound = errors.New("store: not found")

// Store is the C1 Store Adapter.
type Store struct {
	db *sql.DB

	mu   sync.Mutex // serializes the in-process subscriber registry
	subs map[string][]chan Event
}

// Event is one published pub/sub message.
type Event struct {
	Channel   string
	Payload   string
	Sequence  int64
	CreatedAt time.Time
}

// Open opens (creating if needed) the sqlite database at path and prepares
// its schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; WAL still allows concurrent readers across processes
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, pragma, err)
		}
	}
	s := &Store{db: db, subs: make(map[string][]chan Event)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("%w: read user_version: %v", ErrUnavailable, err)
	}
	if version >= 1 {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_data (
			task_id TEXT PRIMARY KEY,
			data    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			task_id TEXT PRIMARY KEY,
			data    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS inboxes (
			task_id TEXT PRIMARY KEY,
			data    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			channel    TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_channel ON events(channel, id)`,
		`PRAGMA user_version = 1`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: migrate %q: %v", ErrUnavailable, stmt, err)
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrUnavailable, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return nil
}

// GetTask reads the task record for taskID.
func (s *Store) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM task_data WHERE task_id = ?`, taskID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get task: %v", ErrUnavailable, err)
	}
	var t model.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("store: decode task %s: %w", taskID, err)
	}
	return &t, nil
}

// SetTask writes the full task record, creating it if absent. The task
// record is object-typed per the data model: a whole-document set.
func (s *Store) SetTask(ctx context.Context, t *model.Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("store: encode task: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_data(task_id, data) VALUES(?, ?)
			ON CONFLICT(task_id) DO UPDATE SET data = excluded.data
		`, t.TaskID, string(raw))
		if err != nil {
			return fmt.Errorf("%w: set task: %v", ErrUnavailable, err)
		}
		return nil
	})
}

// PatchTask atomically reads the task record, applies fn, and writes it
// back within one transaction, so concurrent patchers never interleave.
func (s *Store) PatchTask(ctx context.Context, taskID string, fn func(*model.Task) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT data FROM task_data WHERE task_id = ?`, taskID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: patch task read: %v", ErrUnavailable, err)
		}
		var t model.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return fmt.Errorf("store: decode task %s: %w", taskID, err)
		}
		if err := fn(&t); err != nil {
			return err
		}
		encoded, err := json.Marshal(&t)
		if err != nil {
			return fmt.Errorf("store: encode task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE task_data SET data = ? WHERE task_id = ?`, string(encoded), taskID); err != nil {
			return fmt.Errorf("%w: patch task write: %v", ErrUnavailable, err)
		}
		return nil
	})
}

// HasConversation reports whether a conversation document exists for taskID,
// independent of liveness — the presence check the lifecycle manager's
// critical invariant depends on.
func (s *Store) HasConversation(ctx context.Context, taskID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM conversations WHERE task_id = ?`, taskID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: has conversation: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// GetConversation reads the full conversation document.
func (s *Store) GetConversation(ctx context.Context, taskID string) (*model.Conversation, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM conversations WHERE task_id = ?`, taskID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get conversation: %v", ErrUnavailable, err)
	}
	var c model.Conversation
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("store: decode conversation %s: %w", taskID, err)
	}
	return &c, nil
}

// CreateConversation writes a brand-new conversation document. Callers must
// have already checked HasConversation; CreateConversation itself still
// refuses to clobber an existing row, mapping that race to an error rather
// than silent overwrite.
func (s *Store) CreateConversation(ctx context.Context, c *model.Conversation) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("store: encode conversation: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO conversations(task_id, data) VALUES(?, ?)`, c.TaskID, string(raw))
		if err != nil {
			return fmt.Errorf("%w: create conversation: %v", ErrUnavailable, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("store: conversation %s already exists", c.TaskID)
		}
		return nil
	})
}

// AppendTurn appends a new turn to the conversation tail and returns the
// conversation as re-read after the append, so the caller's next index is
// always correct (the append-and-reread-tail pattern, centralized here).
func (s *Store) AppendTurn(ctx context.Context, taskID string, turn model.Turn) (*model.Conversation, error) {
	var updated model.Conversation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := s.getConversationTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		c.Turns = append(c.Turns, turn)
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("store: encode conversation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET data = ? WHERE task_id = ?`, string(raw), taskID); err != nil {
			return fmt.Errorf("%w: append turn: %v", ErrUnavailable, err)
		}
		updated = *c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// AppendMessages appends messages to the given turn number and returns the
// new length of that turn's message list plus the full refreshed
// conversation, again following the append-and-reread-tail discipline.
func (s *Store) AppendMessages(ctx context.Context, taskID string, turnNumber int, messages []model.Message) (newLen int, conv *model.Conversation, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := s.getConversationTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		idx := -1
		for i := range c.Turns {
			if c.Turns[i].TurnNumber == turnNumber {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("store: turn %d not found for task %s", turnNumber, taskID)
		}
		start := len(c.Turns[idx].Messages)
		for i := range messages {
			messages[i].Index = start + i
		}
		c.Turns[idx].Messages = append(c.Turns[idx].Messages, messages...)
		newLen = len(c.Turns[idx].Messages)
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("store: encode conversation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET data = ? WHERE task_id = ?`, string(raw), taskID); err != nil {
			return fmt.Errorf("%w: append messages: %v", ErrUnavailable, err)
		}
		conv = c
		return nil
	})
	return newLen, conv, err
}

// SetTurnSummary writes turn_summary into the turn numbered turnNumber. It
// does not check that the turn is closed, and it replaces any summary the
// turn already has.
func (s *Store) SetTurnSummary(ctx context.Context, taskID string, turnNumber int, summary string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := s.getConversationTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		idx := -1
		for i := range c.Turns {
			if c.Turns[i].TurnNumber == turnNumber {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("store: turn %d not found for task %s", turnNumber, taskID)
		}
		c.Turns[idx].TurnSummary = summary
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("store: encode conversation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET data = ? WHERE task_id = ?`, string(raw), taskID); err != nil {
			return fmt.Errorf("%w: set turn summary: %v", ErrUnavailable, err)
		}
		return nil
	})
}

func (s *Store) getConversationTx(ctx context.Context, tx *sql.Tx, taskID string) (*model.Conversation, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT data FROM conversations WHERE task_id = ?`, taskID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get conversation: %v", ErrUnavailable, err)
	}
	var c model.Conversation
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("store: decode conversation %s: %w", taskID, err)
	}
	return &c, nil
}

// Enqueue atomically appends env to taskID's inbox, creating the inbox
// lazily. It never inspects the conversation.
func (s *Store) Enqueue(ctx context.Context, taskID string, env model.Envelope) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		envelopes, err := s.getInboxTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		envelopes = append(envelopes, env)
		raw, err := json.Marshal(envelopes)
		if err != nil {
			return fmt.Errorf("store: encode inbox: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO inboxes(task_id, data) VALUES(?, ?)
			ON CONFLICT(task_id) DO UPDATE SET data = excluded.data
		`, taskID, string(raw))
		if err != nil {
			return fmt.Errorf("%w: enqueue: %v", ErrUnavailable, err)
		}
		return nil
	})
}

// Drain atomically reads and empties taskID's inbox, returning the
// envelopes that were pending.
func (s *Store) Drain(ctx context.Context, taskID string) ([]model.Envelope, error) {
	var drained []model.Envelope
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		envelopes, err := s.getInboxTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		drained = envelopes
		if len(envelopes) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO inboxes(task_id, data) VALUES(?, '[]')
			ON CONFLICT(task_id) DO UPDATE SET data = '[]'
		`, taskID)
		if err != nil {
			return fmt.Errorf("%w: drain: %v", ErrUnavailable, err)
		}
		return nil
	})
	return drained, err
}

func (s *Store) getInboxTx(ctx context.Context, tx *sql.Tx, taskID string) ([]model.Envelope, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT data FROM inboxes WHERE task_id = ?`, taskID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get inbox: %v", ErrUnavailable, err)
	}
	var envelopes []model.Envelope
	if err := json.Unmarshal([]byte(raw), &envelopes); err != nil {
		return nil, fmt.Errorf("store: decode inbox %s: %w", taskID, err)
	}
	return envelopes, nil
}

// Publish appends payload to the durable events log for channel and fans it
// out to any in-process subscribers. A subscriber that starts after the
// publish still sees it by polling Since.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	var seq int64
	var createdAt time.Time
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO events(channel, payload) VALUES(?, ?)`, channel, payload)
		if err != nil {
			return fmt.Errorf("%w: publish: %v", ErrUnavailable, err)
		}
		seq, _ = res.LastInsertId()
		return tx.QueryRowContext(ctx, `SELECT created_at FROM events WHERE id = ?`, seq).Scan(&createdAt)
	})
	if err != nil {
		return err
	}
	s.broadcast(Event{Channel: channel, Payload: payload, Sequence: seq, CreatedAt: createdAt})
	return nil
}

func (s *Store) broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[ev.Channel] {
		select {
		case ch <- ev:
		default: // slow subscriber; it can still catch up via Since
		}
	}
}

// Subscribe registers an in-process listener for channel. Call cancel to
// stop receiving and release the channel.
func (s *Store) Subscribe(channel string) (events <-chan Event, cancel func()) {
	ch := make(chan Event, 32)
	s.mu.Lock()
	s.subs[channel] = append(s.subs[channel], ch)
	s.mu.Unlock()

	cancelFn := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.subs[channel]
		for i, c := range list {
			if c == ch {
				s.subs[channel] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, cancelFn
}

// Since returns every event published on channel with sequence > after,
// letting a freshly reactivated process catch up on what it missed while
// dead instead of relying solely on the in-process broadcast.
func (s *Store) Since(ctx context.Context, channel string, after int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, created_at FROM events
		WHERE channel = ? AND id > ?
		ORDER BY id ASC
	`, channel, after)
	if err != nil {
		return nil, fmt.Errorf("%w: since: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		ev.Channel = channel
		if err := rows.Scan(&ev.Sequence, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: since scan: %v", ErrUnavailable, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// TaskChannel returns the pub/sub channel name a task's own events are
// published on (process_ended, messages_appended).
func TaskChannel(taskID string) string { return "task:" + taskID }

// ThrottleChannel returns the pub/sub channel name for a model's shared
// throttle state.
func ThrottleChannel(modelID string) string { return "throttle:" + modelID }
