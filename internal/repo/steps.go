package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"reviewflow/internal/domain"
)

const stepCols = `id,session_id,order_index,title,category,complexity,risk_tags,status,diff_hunks,guidance,inline_explanations,created_at`

func scanStep(scan func(dest ...any) error) (domain.ReviewStep, error) {
	var st domain.ReviewStep
	var riskTags, diffHunks, guidance, inline sql.NullString
	err := scan(&st.ID, &st.SessionID, &st.OrderIndex, &st.Title, &st.Category, &st.Complexity, &riskTags, &st.Status, &diffHunks, &guidance, &inline, &st.CreatedAt)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	if err != nil {
		return st, err
	}
	if riskTags.Valid && riskTags.String != "" {
		if err := json.Unmarshal([]byte(riskTags.String), &st.RiskTags); err != nil {
			return st, fmt.Errorf("decode risk_tags for step %s: %w", st.ID, err)
		}
	}
	if diffHunks.Valid && diffHunks.String != "" {
		if err := json.Unmarshal([]byte(diffHunks.String), &st.DiffHunks); err != nil {
			return st, fmt.Errorf("decode diff_hunks for step %s: %w", st.ID, err)
		}
	}
	if guidance.Valid {
		st.Guidance = &guidance.String
	}
	if inline.Valid {
		st.Inline = &inline.String
	}
	return st, nil
}

func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, st domain.ReviewStep) error {
	riskTags, err := marshalOrNil(st.RiskTags)
	if err != nil {
		return err
	}
	diffHunks, err := json.Marshal(st.DiffHunks)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO steps(`+stepCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		st.ID, st.SessionID, st.OrderIndex, st.Title, st.Category, st.Complexity, riskTags, st.Status, string(diffHunks),
		nullableStringPtr(st.Guidance), nullableStringPtr(st.Inline), st.CreatedAt)
	return err
}

func (r Repo) GetStep(ctx context.Context, id string) (domain.ReviewStep, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stepCols+` FROM steps WHERE id=?`, id)
	return scanStep(row.Scan)
}

func (r Repo) ListSteps(ctx context.Context, sessionID string) ([]domain.ReviewStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepCols+` FROM steps WHERE session_id=? ORDER BY order_index ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewStep
	for rows.Next() {
		st, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

func (r Repo) ListStepIDsTx(ctx context.Context, tx *sql.Tx, sessionID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM steps WHERE session_id=?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteStepCascadeTx removes everything owned by the given steps, children
// first so foreign keys hold: context packs, chat messages, draft comments,
// then the steps themselves. Runs inside the caller's transaction.
func (r Repo) DeleteStepCascadeTx(ctx context.Context, tx *sql.Tx, stepIDs []string) error {
	if len(stepIDs) == 0 {
		return nil
	}
	placeholders, args := inClause(stepIDs)
	for _, table := range []string{"context_packs", "chat_messages", "draft_comments", "steps"} {
		col := "step_id"
		if table == "steps" {
			col = "id"
		}
		query := fmt.Sprintf(`DELETE FROM %s WHERE %s IN (%s)`, table, col, placeholders)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("cascade delete %s: %w", table, err)
		}
	}
	return nil
}

func (r Repo) UpdateStepStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE steps SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetStepGuidance(ctx context.Context, id, guidance string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE steps SET guidance=? WHERE id=?`, guidance, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetStepInlineExplanations(ctx context.Context, id, inline string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE steps SET inline_explanations=? WHERE id=?`, inline, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalOrNil(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func inClause(ids []string) (string, []any) {
	placeholders := ""
	args := make([]any, 0, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	return placeholders, args
}
