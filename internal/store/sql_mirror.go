package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatrouter/internal/models"
)

// SQLMirror persists sessions to the sessions/messages tables created by
// storage.Migrate. It works against both sqlite and mysql.
type SQLMirror struct {
	db     *sql.DB
	driver string
}

func NewSQLMirror(db *sql.DB, driver string) *SQLMirror {
	return &SQLMirror{db: db, driver: strings.ToLower(driver)}
}

func (m *SQLMirror) Kind() string { return m.driver }

func (m *SQLMirror) Put(ctx context.Context, session *models.Session) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, last_activity) VALUES (?, ?, ?)`,
		session.ID, session.CreatedAt.UTC(), session.LastActivity.UTC())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (m *SQLMirror) Append(ctx context.Context, id string, msgs []*models.Message, at time.Time) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET last_activity = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// the session was created before the mirror was attached
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, created_at, last_activity) VALUES (?, ?, ?)`, id, at.UTC(), at.UTC()); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE session_id = ?`, id).Scan(&next); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO messages
		(session_id, seq, role, content, tool_calls, tool_call_id, tool_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, msg := range msgs {
		var toolCalls sql.NullString
		if len(msg.ToolCalls) > 0 {
			raw, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("encode tool calls: %w", err)
			}
			toolCalls = sql.NullString{String: string(raw), Valid: true}
		}
		created := msg.CreatedAt
		if created.IsZero() {
			created = at
		}
		if _, err := stmt.ExecContext(ctx, id, next+i, string(msg.Role), msg.Content, toolCalls,
			nullString(msg.ToolCallID), nullString(msg.ToolName), created.UTC()); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

func (m *SQLMirror) Load(ctx context.Context, id string) (*models.Session, error) {
	session := &models.Session{ID: id}
	err := m.db.QueryRowContext(ctx,
		`SELECT created_at, last_activity FROM sessions WHERE id = ?`, id).
		Scan(&session.CreatedAt, &session.LastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `SELECT role, content, tool_calls, tool_call_id, tool_name, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msg        models.Message
			role       string
			toolCalls  sql.NullString
			toolCallID sql.NullString
			toolName   sql.NullString
		)
		if err := rows.Scan(&role, &msg.Content, &toolCalls, &toolCallID, &toolName, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Role = models.Role(role)
		msg.ToolCallID = toolCallID.String
		msg.ToolName = toolName.String
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		session.Messages = append(session.Messages, &msg)
	}
	return session, rows.Err()
}

func (m *SQLMirror) Delete(ctx context.Context, id string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
