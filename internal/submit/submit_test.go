package submit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewflow/internal/db"
	"reviewflow/internal/domain"
	"reviewflow/internal/migrate"
	"reviewflow/internal/repo"
	"reviewflow/internal/vcs"
)

// fakeVCS records every mutating call so ordering and call counts can be
// asserted.
type fakeVCS struct {
	head  string
	state string

	calls         []string
	issueBodies   []string
	inlineInputs  []vcs.ReviewCommentInput
	reviewEvents  []string
	reviewBodies  []string
	nextRemoteID  int64
	failIssueWith func(body string) error
	inlineErr     error
}

func (f *fakeVCS) remoteID() int64 {
	f.nextRemoteID++
	return f.nextRemoteID
}

func (f *fakeVCS) GetPullRequest(ctx context.Context, ref domain.PullRef) (vcs.PullRequest, error) {
	f.calls = append(f.calls, "GetPullRequest")
	return vcs.PullRequest{HeadSHA: f.head, State: f.state}, nil
}

func (f *fakeVCS) GetDiffAndFiles(ctx context.Context, ref domain.PullRef) (string, []domain.ChangedFile, error) {
	f.calls = append(f.calls, "GetDiffAndFiles")
	return "", nil, nil
}

func (f *fakeVCS) CreateReview(ctx context.Context, ref domain.PullRef, event, body, commitSHA string) (int64, error) {
	f.calls = append(f.calls, "CreateReview")
	f.reviewEvents = append(f.reviewEvents, event)
	f.reviewBodies = append(f.reviewBodies, body)
	return f.remoteID(), nil
}

func (f *fakeVCS) CreateIssueComment(ctx context.Context, ref domain.PullRef, body string) (int64, error) {
	f.calls = append(f.calls, "CreateIssueComment")
	if f.failIssueWith != nil {
		if err := f.failIssueWith(body); err != nil {
			return 0, err
		}
	}
	f.issueBodies = append(f.issueBodies, body)
	return f.remoteID(), nil
}

func (f *fakeVCS) CreateReviewComment(ctx context.Context, ref domain.PullRef, in vcs.ReviewCommentInput) (int64, error) {
	f.calls = append(f.calls, "CreateReviewComment")
	if f.inlineErr != nil {
		return 0, f.inlineErr
	}
	f.inlineInputs = append(f.inlineInputs, in)
	return f.remoteID(), nil
}

func (f *fakeVCS) mutations() int {
	n := 0
	for _, c := range f.calls {
		if c != "GetPullRequest" && c != "GetDiffAndFiles" {
			n++
		}
	}
	return n
}

func newTestEnv(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func seedSession(t *testing.T, conn *sql.DB, headSHA string) domain.ReviewSession {
	t.Helper()
	r := repo.Repo{DB: conn}
	now := time.Now().UTC().Format(time.RFC3339)
	s := domain.ReviewSession{
		ID:        uuid.NewString(),
		PROwner:   "octo",
		PRRepo:    "widgets",
		PRNumber:  7,
		HeadSHA:   headSHA,
		Status:    "active",
		CreatedBy: "alice",
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.InsertSession(context.Background(), tx, s); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return s
}

func seedStep(t *testing.T, conn *sql.DB, sessionID string) domain.ReviewStep {
	t.Helper()
	r := repo.Repo{DB: conn}
	st := domain.ReviewStep{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		OrderIndex: 0,
		Title:      "Changes in main.go",
		Category:   "code",
		Complexity: "S",
		Status:     "not_started",
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.InsertStep(context.Background(), tx, st); err != nil {
		t.Fatalf("insert step: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return st
}

type draftSpec struct {
	target string
	body   string
	path   string
	line   int
}

func seedDraft(t *testing.T, conn *sql.DB, session domain.ReviewSession, step domain.ReviewStep, spec draftSpec) domain.DraftComment {
	t.Helper()
	r := repo.Repo{DB: conn}
	now := time.Now().UTC().Format(time.RFC3339)
	c := domain.DraftComment{
		ID:         uuid.NewString(),
		StepID:     step.ID,
		SessionID:  session.ID,
		AuthorID:   "alice",
		Status:     domain.CommentDraft,
		TargetType: spec.target,
		Body:       spec.body,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if spec.path != "" {
		c.Path = &spec.path
	}
	if spec.line > 0 {
		c.Line = &spec.line
	}
	if err := r.InsertDraftComment(context.Background(), c); err != nil {
		t.Fatalf("insert draft: %v", err)
	}
	return c
}

func newEngine(conn *sql.DB, fake *fakeVCS) *Engine {
	return NewEngine(conn, fake, nil)
}

func TestSubmitRejectsUnknownEvent(t *testing.T) {
	conn := newTestEnv(t)
	session := seedSession(t, conn, "abc123")
	fake := &fakeVCS{head: "abc123", state: vcs.StateOpen}

	_, err := newEngine(conn, fake).SubmitReview(context.Background(), Input{SessionID: session.ID, Event: "SHIP_IT"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Empty(t, fake.calls, "no network call before validation")
}

func TestSubmitRequestChangesRequiresBody(t *testing.T) {
	conn := newTestEnv(t)
	session := seedSession(t, conn, "abc123")
	fake := &fakeVCS{head: "abc123", state: vcs.StateOpen}

	_, err := newEngine(conn, fake).SubmitReview(context.Background(), Input{SessionID: session.ID, Event: vcs.EventRequestChanges})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Empty(t, fake.calls)
}

func TestSubmitStaleHeadConflictsWithZeroMutations(t *testing.T) {
	conn := newTestEnv(t)
	session := seedSession(t, conn, "abc123")
	step := seedStep(t, conn, session.ID)
	seedDraft(t, conn, session, step, draftSpec{target: domain.TargetConversation, body: "nit"})
	fake := &fakeVCS{head: "def456", state: vcs.StateOpen}

	_, err := newEngine(conn, fake).SubmitReview(context.Background(), Input{SessionID: session.ID, Event: vcs.EventComment, Body: "hi"})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Zero(t, fake.mutations(), "stale head must not mutate anything")

	r := repo.Repo{DB: conn}
	got, err := r.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, "active", got.Status)
	assert.True(t, got.IsStale, "conflict detection flags the session for refresh")
	drafts, err := r.ListDraftComments(context.Background(), repo.CommentFilters{SessionID: session.ID})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, domain.CommentDraft, drafts[0].Status)
}

func TestSubmitOrderingReviewBeforeInline(t *testing.T) {
	conn := newTestEnv(t)
	session := seedSession(t, conn, "abc123")
	step := seedStep(t, conn, session.ID)
	seedDraft(t, conn, session, step, draftSpec{target: domain.TargetInline, body: "check this", path: "main.go", line: 12})
	seedDraft(t, conn, session, step, draftSpec{target: domain.TargetConversation, body: "overall fine"})
	fake := &fakeVCS{head: "abc123", state: vcs.StateOpen}

	res, err := newEngine(conn, fake).SubmitReview(context.Background(), Input{SessionID: session.ID, Event: vcs.EventComment, Body: "review body"})
	require.NoError(t, err)
	require.NotNil(t, res.ReviewID)
	assert.Equal(t, 2, res.Published)

	reviewIdx, inlineIdx := -1, -1
	for i, c := range fake.calls {
		if c == "CreateReview" && reviewIdx == -1 {
			reviewIdx = i
		}
		if c == "CreateReviewComment" && inlineIdx == -1 {
			inlineIdx = i
		}
	}
	require.NotEqual(t, -1, reviewIdx)
	require.NotEqual(t, -1, inlineIdx)
	assert.Less(t, reviewIdx, inlineIdx, "inline comments must follow review creation")
	require.Len(t, fake.inlineInputs, 1)
	assert.Equal(t, session.HeadSHA, fake.inlineInputs[0].CommitSHA)
}

func TestSubmitPartialFailureIsolation(t *testing.T) {
	conn := newTestEnv(t)
	session := seedSession(t, conn, "abc123")
	step := seedStep(t, conn, session.ID)
	first := seedDraft(t, conn, session, step, draftSpec{target: domain.TargetConversation, body: "boom this one"})
	second := seedDraft(t, conn, session, step, draftSpec{target: domain.TargetConversation, body: "this one lands"})
	fake := &fakeVCS{head: "abc123", state: vcs.StateOpen}
	fake.failIssueWith = func(body string) error {
		if strings.Contains(body, "boom") {
			return fmt.Errorf("posting failed")
		}
		return nil
	}

	res, err := newEngine(conn, fake).SubmitReview(context.Background(), Input{SessionID: session.ID, Event: vcs.EventComment, Body: "review body"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)
	assert.Equal(t, 1, res.Failed)

	r := repo.Repo{DB: conn}
	failed, err := r.GetDraftComment(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CommentFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "posting failed")

	published, err := r.GetDraftComment(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CommentPublished, published.Status)
	require.NotNil(t, published.RemoteCommentID)

	got, err := r.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status, "session completes despite comment failures")
}

func TestSubmitBodySynthesisFromConversation(t *testing.T) {
	conn := newTestEnv(t)
	session := seedSession(t, conn, "abc123")
	step := seedStep(t, conn, session.ID)
	seedDraft(t, conn, session, step, draftSpec{target: domain.TargetConversation, body: "first thought"})
	seedDraft(t, conn, session, step, draftSpec{target: domain.TargetConversation, body: "second thought"})
	fake := &fakeVCS{head: "abc123", state: vcs.StateOpen}

	_, err := newEngine(conn, fake).SubmitReview(context.Background(), Input{SessionID: session.ID, Event: vcs.EventComment})
	require.NoError(t, err)
	require.Len(t, fake.reviewBodies, 1)
	assert.Equal(t, "first thought\n\n---\n\nsecond thought", fake.reviewBodies[0])
}

func TestSubmitPlaceholderBodyForInlineOnly(t *testing.T) {
	for _, tc := range []struct {
		event string
		want  string
	}{
		{vcs.EventApprove, "Approved. See inline comments."},
		{vcs.EventComment, "See inline comments."},
	} {
		t.Run(tc.event, func(t *testing.T) {
			conn := newTestEnv(t)
			session := seedSession(t, conn, "abc123")
			step := seedStep(t, conn, session.ID)
			seedDraft(t, conn, session, step, draftSpec{target: domain.TargetInline, body: "look here", path: "main.go", line: 3})
			fake := &fakeVCS{head: "abc123", state: vcs.StateOpen}

			_, err := newEngine(conn, fake).SubmitReview(context.Background(), Input{SessionID: session.ID, Event: tc.event})
			require.NoError(t, err)
			require.Len(t, fake.reviewBodies, 1)
			assert.Equal(t, tc.want, fake.reviewBodies[0])
		})
	}
}

func TestSubmitNoBodyNoCommentsFails(t *testing.T) {
	conn := newTestEnv(t)
	session := seedSession(t, conn, "abc123")
	fake := &fakeVCS{head: "abc123", state: vcs.StateOpen}

	_, err := newEngine(conn, fake).SubmitReview(context.Background(), Input{SessionID: session.ID, Event: vcs.EventComment})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Zero(t, fake.mutations())
}

func TestSubmitClosedPRPostsPlainComment(t *testing.T) {
	conn := newTestEnv(t)
	session := seedSession(t, conn, "abc123")
	fake := &fakeVCS{head: "abc123", state: vcs.StateClosed}

	_, err := newEngine(conn, fake).SubmitReview(context.Background(), Input{SessionID: session.ID, Event: vcs.EventComment, Body: "post-merge note"})
	require.NoError(t, err)
	assert.NotContains(t, fake.calls, "CreateReview")
	require.Len(t, fake.issueBodies, 1)
	assert.Equal(t, "post-merge note", fake.issueBodies[0])
}

func TestSubmitClosedPRSynthesizedBodyNotDuplicated(t *testing.T) {
	conn := newTestEnv(t)
	session := seedSession(t, conn, "abc123")
	step := seedStep(t, conn, session.ID)
	seedDraft(t, conn, session, step, draftSpec{target: domain.TargetConversation, body: "only thought"})
	fake := &fakeVCS{head: "abc123", state: vcs.StateClosed}

	res, err := newEngine(conn, fake).SubmitReview(context.Background(), Input{SessionID: session.ID, Event: vcs.EventComment})
	require.NoError(t, err)
	assert.NotContains(t, fake.calls, "CreateReview")
	// The conversation draft publishes itself in step 6; the synthesized
	// body must not also land as a separate comment.
	require.Len(t, fake.issueBodies, 1)
	assert.Equal(t, "only thought", fake.issueBodies[0])
	assert.Equal(t, 1, res.Published)
}

func TestSubmitInlineRejectionFallsBackToAnnotatedComment(t *testing.T) {
	conn := newTestEnv(t)
	session := seedSession(t, conn, "abc123")
	step := seedStep(t, conn, session.ID)
	draft := seedDraft(t, conn, session, step, draftSpec{target: domain.TargetInline, body: "line moved", path: "pkg/io.go", line: 42})
	fake := &fakeVCS{head: "abc123", state: vcs.StateOpen}
	fake.inlineErr = &vcs.RequestError{StatusCode: 422, Message: "line not in diff"}

	res, err := newEngine(conn, fake).SubmitReview(context.Background(), Input{SessionID: session.ID, Event: vcs.EventComment, Body: "body"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)
	require.Len(t, fake.issueBodies, 1)
	assert.Equal(t, "**pkg/io.go:42**\n\nline moved", fake.issueBodies[0])

	r := repo.Repo{DB: conn}
	got, err := r.GetDraftComment(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CommentPublished, got.Status)
	require.NotNil(t, got.RemoteCommentID)
}

func TestSubmitInlineTransientFailureMarksFailed(t *testing.T) {
	conn := newTestEnv(t)
	session := seedSession(t, conn, "abc123")
	step := seedStep(t, conn, session.ID)
	draft := seedDraft(t, conn, session, step, draftSpec{target: domain.TargetInline, body: "flaky", path: "a.go", line: 1})
	fake := &fakeVCS{head: "abc123", state: vcs.StateOpen}
	fake.inlineErr = fmt.Errorf("connection reset")

	res, err := newEngine(conn, fake).SubmitReview(context.Background(), Input{SessionID: session.ID, Event: vcs.EventComment, Body: "body"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.NotContains(t, fake.calls, "CreateIssueComment", "transient failures do not use the fallback")

	r := repo.Repo{DB: conn}
	got, err := r.GetDraftComment(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CommentFailed, got.Status)
}

func TestSubmitSkipsIncompleteInlineDrafts(t *testing.T) {
	conn := newTestEnv(t)
	session := seedSession(t, conn, "abc123")
	step := seedStep(t, conn, session.ID)
	incomplete := seedDraft(t, conn, session, step, draftSpec{target: domain.TargetInline, body: "where does this go"})
	fake := &fakeVCS{head: "abc123", state: vcs.StateOpen}

	res, err := newEngine(conn, fake).SubmitReview(context.Background(), Input{SessionID: session.ID, Event: vcs.EventComment, Body: "body"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.NotContains(t, fake.calls, "CreateReviewComment")

	r := repo.Repo{DB: conn}
	got, err := r.GetDraftComment(context.Background(), incomplete.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CommentDraft, got.Status, "incomplete drafts survive the run untouched")
}

func TestSubmitUnknownSessionNotFound(t *testing.T) {
	conn := newTestEnv(t)
	fake := &fakeVCS{head: "abc123", state: vcs.StateOpen}
	_, err := newEngine(conn, fake).SubmitReview(context.Background(), Input{SessionID: "nope", Event: vcs.EventComment, Body: "x"})
	require.ErrorIs(t, err, repo.ErrNotFound)
}
