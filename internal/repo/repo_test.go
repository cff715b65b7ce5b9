package repo

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewflow/internal/db"
	"reviewflow/internal/domain"
	"reviewflow/internal/migrate"
)

func newTestEnv(t *testing.T) (*sql.DB, Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, Repo{DB: conn}
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

func insertSession(t *testing.T, conn *sql.DB, r Repo, head string) domain.ReviewSession {
	t.Helper()
	s := domain.ReviewSession{
		ID: uuid.NewString(), PROwner: "octo", PRRepo: "widgets", PRNumber: 7,
		HeadSHA: head, Status: "active", CreatedBy: "alice",
		CreatedAt: now(), UpdatedAt: now(),
	}
	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, r.InsertSession(context.Background(), tx, s))
	require.NoError(t, tx.Commit())
	return s
}

func insertStep(t *testing.T, conn *sql.DB, r Repo, sessionID string, idx int) domain.ReviewStep {
	t.Helper()
	st := domain.ReviewStep{
		ID: uuid.NewString(), SessionID: sessionID, OrderIndex: idx,
		Title: "step", Category: "code", Complexity: "S", Status: "not_started",
		RiskTags:  []string{"high-impact"},
		DiffHunks: []domain.DiffHunk{{Path: "a.go", Patch: "@@"}},
		CreatedAt: now(),
	}
	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, r.InsertStep(context.Background(), tx, st))
	require.NoError(t, tx.Commit())
	return st
}

func TestStepRoundTrip(t *testing.T) {
	conn, r := newTestEnv(t)
	session := insertSession(t, conn, r, "abc")
	st := insertStep(t, conn, r, session.ID, 3)

	got, err := r.GetStep(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"high-impact"}, got.RiskTags)
	require.Len(t, got.DiffHunks, 1)
	assert.Equal(t, "a.go", got.DiffHunks[0].Path)
	assert.Equal(t, 3, got.OrderIndex)
}

func TestDeleteStepCascade(t *testing.T) {
	conn, r := newTestEnv(t)
	ctx := context.Background()
	session := insertSession(t, conn, r, "abc")
	st := insertStep(t, conn, r, session.ID, 0)

	require.NoError(t, r.InsertContextPack(ctx, domain.ContextPack{
		ID: uuid.NewString(), StepID: st.ID, Items: []domain.ContextItem{{Type: "note"}}, CreatedAt: now(),
	}))
	require.NoError(t, r.InsertChatMessage(ctx, domain.ChatMessage{
		ID: uuid.NewString(), StepID: st.ID, Role: "user", Body: "q", CreatedAt: now(),
	}))
	require.NoError(t, r.InsertDraftComment(ctx, domain.DraftComment{
		ID: uuid.NewString(), StepID: st.ID, SessionID: session.ID, AuthorID: "alice",
		Status: domain.CommentDraft, TargetType: domain.TargetConversation, Body: "note",
		CreatedAt: now(), UpdatedAt: now(),
	}))

	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, r.DeleteStepCascadeTx(ctx, tx, []string{st.ID}))
	require.NoError(t, tx.Commit())

	_, err = r.GetStep(ctx, st.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	orphans, err := r.CountStepArtifacts(ctx, []string{st.ID})
	require.NoError(t, err)
	assert.Zero(t, orphans)
}

func TestRefreshSessionHeadBumpsGeneration(t *testing.T) {
	conn, r := newTestEnv(t)
	ctx := context.Background()
	session := insertSession(t, conn, r, "abc")

	ids, err := r.MarkSessionsStale(ctx, session.Ref(), "def")
	require.NoError(t, err)
	require.Equal(t, []string{session.ID}, ids)

	tx, err := conn.Begin()
	require.NoError(t, err)
	gen, err := r.RefreshSessionHead(ctx, tx, session.ID, "def", now())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, int64(1), gen)

	got, err := r.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "def", got.HeadSHA)
	assert.False(t, got.IsStale)
	assert.Equal(t, int64(1), got.Generation)
}

func TestMarkSessionsStaleSkipsCompletedAndMatching(t *testing.T) {
	conn, r := newTestEnv(t)
	ctx := context.Background()
	stale := insertSession(t, conn, r, "abc")
	matching := insertSession(t, conn, r, "def")
	completed := insertSession(t, conn, r, "abc")
	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, r.CompleteSession(ctx, tx, completed.ID, now()))
	require.NoError(t, tx.Commit())

	ids, err := r.MarkSessionsStale(ctx, stale.Ref(), "def")
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, ids)

	got, err := r.GetSession(ctx, matching.ID)
	require.NoError(t, err)
	assert.False(t, got.IsStale)
	got, err = r.GetSession(ctx, completed.ID)
	require.NoError(t, err)
	assert.False(t, got.IsStale)
}

func TestCommentStatusKeepsRemoteIDOnLaterFailure(t *testing.T) {
	conn, r := newTestEnv(t)
	ctx := context.Background()
	session := insertSession(t, conn, r, "abc")
	st := insertStep(t, conn, r, session.ID, 0)
	c := domain.DraftComment{
		ID: uuid.NewString(), StepID: st.ID, SessionID: session.ID, AuthorID: "alice",
		Status: domain.CommentDraft, TargetType: domain.TargetConversation, Body: "note",
		CreatedAt: now(), UpdatedAt: now(),
	}
	require.NoError(t, r.InsertDraftComment(ctx, c))

	require.NoError(t, r.MarkCommentPublishing(ctx, c.ID, now()))
	require.NoError(t, r.MarkCommentPublished(ctx, c.ID, 42, now()))
	got, err := r.GetDraftComment(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RemoteCommentID)
	assert.Equal(t, int64(42), *got.RemoteCommentID)

	// remote_comment_id survives a later status write with no id.
	require.NoError(t, r.MarkCommentFailed(ctx, c.ID, "late error", now()))
	got, err = r.GetDraftComment(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RemoteCommentID)
	assert.Equal(t, int64(42), *got.RemoteCommentID)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "late error", *got.ErrorMessage)
}

func TestListDraftCommentsOrderAndFilters(t *testing.T) {
	conn, r := newTestEnv(t)
	ctx := context.Background()
	session := insertSession(t, conn, r, "abc")
	st := insertStep(t, conn, r, session.ID, 0)

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		require.NoError(t, r.InsertDraftComment(ctx, domain.DraftComment{
			ID: uuid.NewString(), StepID: st.ID, SessionID: session.ID, AuthorID: "alice",
			Status: domain.CommentDraft, TargetType: domain.TargetConversation,
			Body: ts, CreatedAt: ts, UpdatedAt: ts,
		}))
	}

	comments, err := r.ListDraftComments(ctx, CommentFilters{SessionID: session.ID, Status: domain.CommentDraft})
	require.NoError(t, err)
	require.Len(t, comments, 3)
	for i := 1; i < len(comments); i++ {
		assert.LessOrEqual(t, comments[i-1].CreatedAt, comments[i].CreatedAt)
	}

	none, err := r.ListDraftComments(ctx, CommentFilters{SessionID: session.ID, Status: domain.CommentPublished})
	require.NoError(t, err)
	assert.Empty(t, none)
}
