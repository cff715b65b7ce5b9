package repo

import (
	"context"
	"database/sql"
	"strings"

	"reviewflow/internal/domain"
)

const commentCols = `id,step_id,session_id,author_id,status,target_type,body,path,side,line,start_line,start_side,remote_comment_id,error_message,created_at,updated_at`

func scanComment(scan func(dest ...any) error) (domain.DraftComment, error) {
	var c domain.DraftComment
	var path, side, startSide, errMsg sql.NullString
	var line, startLine sql.NullInt64
	var remoteID sql.NullInt64
	err := scan(&c.ID, &c.StepID, &c.SessionID, &c.AuthorID, &c.Status, &c.TargetType, &c.Body,
		&path, &side, &line, &startLine, &startSide, &remoteID, &errMsg, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if path.Valid {
		c.Path = &path.String
	}
	if side.Valid {
		c.Side = &side.String
	}
	if line.Valid {
		v := int(line.Int64)
		c.Line = &v
	}
	if startLine.Valid {
		v := int(startLine.Int64)
		c.StartLine = &v
	}
	if startSide.Valid {
		c.StartSide = &startSide.String
	}
	if remoteID.Valid {
		c.RemoteCommentID = &remoteID.Int64
	}
	if errMsg.Valid {
		c.ErrorMessage = &errMsg.String
	}
	return c, nil
}

func (r Repo) InsertDraftComment(ctx context.Context, c domain.DraftComment) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO draft_comments(`+commentCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.StepID, c.SessionID, c.AuthorID, c.Status, c.TargetType, c.Body,
		nullableStringPtr(c.Path), nullableStringPtr(c.Side), nullableIntPtr(c.Line), nullableIntPtr(c.StartLine), nullableStringPtr(c.StartSide),
		nullableInt64Ptr(c.RemoteCommentID), nullableStringPtr(c.ErrorMessage), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetDraftComment(ctx context.Context, id string) (domain.DraftComment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+commentCols+` FROM draft_comments WHERE id=?`, id)
	return scanComment(row.Scan)
}

// CommentFilters narrows ListDraftComments.
type CommentFilters struct {
	SessionID string
	StepID    string
	Status    string
}

func (r Repo) ListDraftComments(ctx context.Context, f CommentFilters) ([]domain.DraftComment, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.StepID != "" {
		clauses = append(clauses, "step_id=?")
		args = append(args, f.StepID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + commentCols + ` FROM draft_comments WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DraftComment
	for rows.Next() {
		c, err := scanComment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// Comment status transitions below are owned by the submission engine; no
// other component writes status, remote_comment_id, or error_message.

func (r Repo) MarkCommentPublishing(ctx context.Context, id, now string) error {
	return r.setCommentStatus(ctx, id, domain.CommentPublishing, nil, nil, now)
}

func (r Repo) MarkCommentPublished(ctx context.Context, id string, remoteID int64, now string) error {
	return r.setCommentStatus(ctx, id, domain.CommentPublished, &remoteID, nil, now)
}

func (r Repo) MarkCommentFailed(ctx context.Context, id, errMsg, now string) error {
	return r.setCommentStatus(ctx, id, domain.CommentFailed, nil, &errMsg, now)
}

func (r Repo) setCommentStatus(ctx context.Context, id, status string, remoteID *int64, errMsg *string, now string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE draft_comments SET status=?, remote_comment_id=COALESCE(?, remote_comment_id), error_message=?, updated_at=? WHERE id=?`,
		status, nullableInt64Ptr(remoteID), nullableStringPtr(errMsg), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
