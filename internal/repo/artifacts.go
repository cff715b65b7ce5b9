package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"reviewflow/internal/domain"
)

func (r Repo) InsertContextPack(ctx context.Context, p domain.ContextPack) error {
	items, err := json.Marshal(p.Items)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO context_packs(id,step_id,items,created_at) VALUES (?,?,?,?)`,
		p.ID, p.StepID, string(items), p.CreatedAt)
	return err
}

func (r Repo) InsertContextPackTx(ctx context.Context, tx *sql.Tx, p domain.ContextPack) error {
	items, err := json.Marshal(p.Items)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO context_packs(id,step_id,items,created_at) VALUES (?,?,?,?)`,
		p.ID, p.StepID, string(items), p.CreatedAt)
	return err
}

// GetContextPackByStep returns the newest pack for a step.
func (r Repo) GetContextPackByStep(ctx context.Context, stepID string) (domain.ContextPack, error) {
	var p domain.ContextPack
	var items string
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,step_id,items,created_at FROM context_packs WHERE step_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, stepID).
		Scan(&p.ID, &p.StepID, &items, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if items != "" {
		if err := json.Unmarshal([]byte(items), &p.Items); err != nil {
			return p, fmt.Errorf("decode context pack %s: %w", p.ID, err)
		}
	}
	return p, nil
}

func (r Repo) InsertChatMessage(ctx context.Context, m domain.ChatMessage) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO chat_messages(id,step_id,role,body,created_at) VALUES (?,?,?,?,?)`,
		m.ID, m.StepID, m.Role, m.Body, m.CreatedAt)
	return err
}

func (r Repo) ListChatMessages(ctx context.Context, stepID string) ([]domain.ChatMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,step_id,role,body,created_at FROM chat_messages WHERE step_id=? ORDER BY created_at ASC, id ASC`, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		if err := rows.Scan(&m.ID, &m.StepID, &m.Role, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// CountStepArtifacts reports how many dependent records reference any of the
// given step ids. Used by regeneration tests to prove the cascade left no
// orphans.
func (r Repo) CountStepArtifacts(ctx context.Context, stepIDs []string) (int, error) {
	if len(stepIDs) == 0 {
		return 0, nil
	}
	placeholders, args := inClause(stepIDs)
	total := 0
	for _, table := range []string{"context_packs", "chat_messages", "draft_comments"} {
		var n int
		query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE step_id IN (%s)`, table, placeholders)
		if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// LatestEvents returns the most recent events, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, sessionID, evtType string) ([]domain.Event, error) {
	clauses := "1=1"
	var args []any
	if sessionID != "" {
		clauses += " AND session_id=?"
		args = append(args, sessionID)
	}
	if evtType != "" {
		clauses += " AND type=?"
		args = append(args, evtType)
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,session_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE `+clauses+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var sessionID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &sessionID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.SessionID = sessionID.String
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}
