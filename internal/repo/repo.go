package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"reviewflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const sessionCols = `id,pr_owner,pr_repo,pr_number,head_sha,status,is_stale,summary,created_by,generation,created_at,updated_at`

func scanSession(scan func(dest ...any) error) (domain.ReviewSession, error) {
	var s domain.ReviewSession
	var stale int
	var summary sql.NullString
	err := scan(&s.ID, &s.PROwner, &s.PRRepo, &s.PRNumber, &s.HeadSHA, &s.Status, &stale, &summary, &s.CreatedBy, &s.Generation, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.IsStale = stale != 0
	if summary.Valid {
		s.Summary = &summary.String
	}
	return s, nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.ReviewSession) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(`+sessionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.PROwner, s.PRRepo, s.PRNumber, s.HeadSHA, s.Status, boolInt(s.IsStale), nullableStringPtr(s.Summary), s.CreatedBy, s.Generation, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.ReviewSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.ReviewSession, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

// SessionFilters narrows ListSessions.
type SessionFilters struct {
	Status    string
	CreatedBy string
	Limit     int
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.ReviewSession, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	query := `SELECT ` + sessionCols + ` FROM sessions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewSession
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// RefreshSessionHead records the commit the next step materialization is
// built from, clears staleness, and bumps the generation stamp. Returns the
// new generation.
func (r Repo) RefreshSessionHead(ctx context.Context, tx *sql.Tx, id, headSHA, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET head_sha=?, is_stale=0, generation=generation+1, updated_at=? WHERE id=?`, headSHA, now, id)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var gen int64
	if err := tx.QueryRowContext(ctx, `SELECT generation FROM sessions WHERE id=?`, id).Scan(&gen); err != nil {
		return 0, err
	}
	return gen, nil
}

// MarkSessionsStale flags active sessions for a PR whose recorded head no
// longer matches the remote head. Returns the ids of flagged sessions.
func (r Repo) MarkSessionsStale(ctx context.Context, ref domain.PullRef, remoteHead string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id FROM sessions WHERE pr_owner=? AND pr_repo=? AND pr_number=? AND status='active' AND head_sha<>? AND is_stale=0`,
		ref.Owner, ref.Repo, ref.Number, remoteHead)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := r.DB.ExecContext(ctx, `UPDATE sessions SET is_stale=1 WHERE id=?`, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (r Repo) CompleteSession(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status='completed', updated_at=? WHERE id=?`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetSessionSummary(ctx context.Context, id, summary, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sessions SET summary=?, updated_at=? WHERE id=?`, summary, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
