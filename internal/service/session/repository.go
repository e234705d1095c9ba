package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
)

// MaxTitleLen is the schema limit on session titles, in runes.
const MaxTitleLen = 200

var (
	// ErrNotFound reports an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrEmptyTitle reports a title that is empty after trimming.
	ErrEmptyTitle = errors.New("title cannot be empty")
	// ErrTitleTooLong reports a title above the schema limit.
	ErrTitleTooLong = errors.New("title too long")
	// ErrNoMessages reports a session without any user message yet.
	ErrNoMessages = errors.New("session has no messages")
)

// Repository provides session and message persistence on top of *sql.DB.
type Repository struct {
	db           *sql.DB
	defaultTitle string
}

// New constructs a Repository. An empty defaultTitle falls back to the
// package-wide default placeholder.
func New(db *sql.DB, defaultTitle string) *Repository {
	if defaultTitle == "" {
		defaultTitle = config.DefaultTitle
	}
	return &Repository{db: db, defaultTitle: defaultTitle}
}

// Create inserts a new session and returns the record.
func (r *Repository) Create(ctx context.Context, title string) (*models.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = r.defaultTitle
	}
	if utf8.RuneCountInString(title) > MaxTitleLen {
		return nil, ErrTitleTooLong
	}
	now := time.Now().UTC()
	session := &models.Session{
		ID:        models.NewID(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		session.ID, session.Title, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// List returns all sessions ordered by last activity, newest first.
func (r *Repository) List(ctx context.Context) ([]models.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.id, s.title, s.created_at, s.updated_at, COUNT(m.id)
		 FROM sessions s
		 LEFT JOIN messages m ON m.session_id = s.id
		 GROUP BY s.id, s.title, s.created_at, s.updated_at
		 ORDER BY s.updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0)
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.Title, &s.CreatedAt, &s.UpdatedAt, &s.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Get returns one session with its derived message count.
func (r *Repository) Get(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	err := r.db.QueryRowContext(ctx,
		`SELECT s.id, s.title, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		 FROM sessions s WHERE s.id = ?`,
		id,
	).Scan(&s.ID, &s.Title, &s.CreatedAt, &s.UpdatedAt, &s.MessageCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// Rename updates a session title and bumps updated_at.
func (r *Repository) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	if utf8.RuneCountInString(title) > MaxTitleLen {
		return ErrTitleTooLong
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a session and all owned messages as one atomic unit.
func (r *Repository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		err = ErrNotFound
		return err
	}
	// The schema cascades, but mysql configurations without the FK still
	// need the owned rows gone.
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	return nil
}

// Messages returns a session's full history in chronological order.
func (r *Repository) Messages(ctx context.Context, id string) ([]models.Message, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, timestamp FROM messages
		 WHERE session_id = ? ORDER BY timestamp ASC, id ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Recent returns the most recent n messages in chronological order. This is
// the context window handed to the model, loaded before the new user turn is
// appended.
func (r *Repository) Recent(ctx context.Context, id string, n int) ([]models.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, timestamp FROM messages
		 WHERE session_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		id, n,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// AppendTurn inserts the user and assistant messages of one completed turn in
// a single transaction and bumps the session's updated_at. A session's history
// never contains a user turn without its paired reply once committed.
func (r *Repository) AppendTurn(ctx context.Context, id string, user, assistant *models.Message) error {
	for _, m := range []*models.Message{user, assistant} {
		if m.ID == "" {
			m.ID = models.NewID()
		}
		m.SessionID = id
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now().UTC()
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrNotFound
			return err
		}
		return fmt.Errorf("check session: %w", err)
	}

	for _, m := range []*models.Message{user, assistant} {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, role, content, timestamp) VALUES (?, ?, ?, ?, ?)`,
			m.ID, m.SessionID, m.Role, m.Content, m.Timestamp,
		); err != nil {
			return fmt.Errorf("insert %s message: %w", m.Role, err)
		}
	}

	touched := assistant.Timestamp
	if user.Timestamp.After(touched) {
		touched = user.Timestamp
	}
	if _, err = tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, touched, id); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	return nil
}

// FirstUserMessage returns the session's earliest user message, used for
// title generation.
func (r *Repository) FirstUserMessage(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	err := r.db.QueryRowContext(ctx,
		`SELECT id, session_id, role, content, timestamp FROM messages
		 WHERE session_id = ? AND role = ? ORDER BY timestamp ASC, id ASC LIMIT 1`,
		id, models.RoleUser,
	).Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoMessages
		}
		return nil, fmt.Errorf("first user message: %w", err)
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	messages := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
