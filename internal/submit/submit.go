// Package submit implements the review-submission protocol: it turns a
// session's draft comments into a formal review on the origin system,
// tracking each comment through draft -> publishing -> published|failed.
package submit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"reviewflow/internal/domain"
	"reviewflow/internal/events"
	"reviewflow/internal/logging"
	"reviewflow/internal/repo"
	"reviewflow/internal/vcs"
)

// ValidationError rejects a submission before any external call is made.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid submission: " + e.Reason }

// ConflictError rejects a submission because the session no longer matches
// the remote state. The session and its drafts are untouched.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "submission conflict: " + e.Reason }

const bodySeparator = "\n\n---\n\n"

// Input is one user-triggered submission.
type Input struct {
	SessionID string
	Event     string
	Body      string
	ActorID   string
}

// Result reports what the submission produced. Per-comment failures are
// recorded on the comments themselves, not here.
type Result struct {
	SessionID string `json:"session_id"`
	Event     string `json:"event"`
	ReviewID  *int64 `json:"review_id,omitempty"`
	Published int    `json:"published"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	VCS    vcs.Client
	Logger *slog.Logger
	Now    func() time.Time
}

func NewEngine(db *sql.DB, vc vcs.Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		VCS:    vc,
		Logger: logger,
		Now:    time.Now,
	}
}

// SubmitReview runs the full protocol synchronously. It blocks on each
// external call in sequence; the inline comments in particular must not be
// published before the review itself exists.
func (e *Engine) SubmitReview(ctx context.Context, in Input) (Result, error) {
	res := Result{SessionID: in.SessionID, Event: in.Event}

	if in.Event != vcs.EventApprove && in.Event != vcs.EventRequestChanges && in.Event != vcs.EventComment {
		return res, &ValidationError{Reason: fmt.Sprintf("unknown review event %q", in.Event)}
	}
	if in.Event == vcs.EventRequestChanges && strings.TrimSpace(in.Body) == "" {
		return res, &ValidationError{Reason: "REQUEST_CHANGES requires a body"}
	}

	session, err := e.Repo.GetSession(ctx, in.SessionID)
	if err != nil {
		return res, err
	}

	// Hard precondition: the drafts were written against session.HeadSHA.
	// If the branch moved, nothing below may run.
	pr, err := e.VCS.GetPullRequest(ctx, session.Ref())
	if err != nil {
		return res, fmt.Errorf("submit %s: pull request: %w", session.ID, err)
	}
	if pr.HeadSHA != session.HeadSHA {
		e.markStale(ctx, session, pr.HeadSHA)
		return res, &ConflictError{Reason: fmt.Sprintf("remote head %s does not match session head %s", pr.HeadSHA, session.HeadSHA)}
	}

	drafts, err := e.Repo.ListDraftComments(ctx, repo.CommentFilters{SessionID: session.ID, Status: domain.CommentDraft})
	if err != nil {
		return res, err
	}
	var inline, conversation []domain.DraftComment
	for _, d := range drafts {
		switch {
		case d.TargetType == domain.TargetConversation:
			conversation = append(conversation, d)
		case d.Submittable():
			inline = append(inline, d)
		default:
			// Incomplete inline draft: excluded from this run, left as draft.
			res.Skipped++
		}
	}

	body, synthesized := resolveBody(in.Event, in.Body, inline, conversation)
	if body == "" && len(inline) == 0 {
		return res, &ValidationError{Reason: "a review needs a body or at least one inline comment"}
	}

	if pr.State == vcs.StateOpen {
		reviewID, err := e.VCS.CreateReview(ctx, session.Ref(), in.Event, body, session.HeadSHA)
		if err != nil {
			return res, fmt.Errorf("submit %s: create review: %w", session.ID, err)
		}
		res.ReviewID = &reviewID
	} else if body != "" && !synthesized {
		// Closed PR: no review state to set. Post the body as a plain comment
		// unless it would duplicate the conversation drafts published below.
		if _, err := e.VCS.CreateIssueComment(ctx, session.Ref(), body); err != nil {
			return res, fmt.Errorf("submit %s: closed-PR comment: %w", session.ID, err)
		}
	}

	for _, d := range conversation {
		e.publishConversation(ctx, session, d, &res)
	}
	// Inline drafts go last: publishing them first would let the origin
	// system bucket them outside the review created above.
	for _, d := range inline {
		e.publishInline(ctx, session, d, &res)
	}

	if err := e.completeSession(ctx, session, in, res); err != nil {
		return res, err
	}
	e.Logger.Info("review submitted", "session", session.ID, "event", in.Event,
		"published", res.Published, "failed", res.Failed, "skipped", res.Skipped)
	return res, nil
}

// resolveBody applies the body precedence: explicit user body, then a
// synthesis of conversation drafts when there is nothing inline, then a
// placeholder when inline comments will carry the content.
func resolveBody(event, explicit string, inline, conversation []domain.DraftComment) (string, bool) {
	if strings.TrimSpace(explicit) != "" {
		return explicit, false
	}
	if len(inline) == 0 && len(conversation) > 0 {
		parts := make([]string, 0, len(conversation))
		for _, d := range conversation {
			parts = append(parts, d.Body)
		}
		return strings.Join(parts, bodySeparator), true
	}
	if len(inline) > 0 {
		if event == vcs.EventApprove {
			return "Approved. See inline comments.", false
		}
		return "See inline comments.", false
	}
	return "", false
}

// markStale records that the staleness check caught a moved branch. The
// drafts and their statuses stay untouched; the flag is what the refresh
// surface keys off.
func (e *Engine) markStale(ctx context.Context, session domain.ReviewSession, remoteHead string) {
	ids, err := e.Repo.MarkSessionsStale(ctx, session.Ref(), remoteHead)
	if err != nil {
		e.Logger.Warn("mark session stale", "session", session.ID, "err", err)
		return
	}
	for _, id := range ids {
		e.appendEvent(ctx, events.SessionStale, id, "session", id, "submission",
			events.EventPayload{"remote_head": remoteHead})
	}
}

func (e *Engine) publishConversation(ctx context.Context, session domain.ReviewSession, d domain.DraftComment, res *Result) {
	if err := e.Repo.MarkCommentPublishing(ctx, d.ID, e.now()); err != nil {
		e.Logger.Warn("mark publishing failed", "comment", d.ID, "err", err)
	}
	remoteID, err := e.VCS.CreateIssueComment(ctx, session.Ref(), d.Body)
	e.recordOutcome(ctx, session, d, remoteID, err, res)
}

// publishInline tries the review-comment call first; a client-side rejection
// (e.g. the target line fell out of the diff) falls back to a plain comment
// carrying a location annotation.
func (e *Engine) publishInline(ctx context.Context, session domain.ReviewSession, d domain.DraftComment, res *Result) {
	if err := e.Repo.MarkCommentPublishing(ctx, d.ID, e.now()); err != nil {
		e.Logger.Warn("mark publishing failed", "comment", d.ID, "err", err)
	}
	input := vcs.ReviewCommentInput{
		Body:      d.Body,
		CommitSHA: session.HeadSHA,
		Path:      *d.Path,
		Line:      *d.Line,
		StartLine: d.StartLine,
		StartSide: d.StartSide,
	}
	if d.Side != nil {
		input.Side = *d.Side
	}
	remoteID, err := e.VCS.CreateReviewComment(ctx, session.Ref(), input)
	if err != nil && vcs.IsClientError(err) {
		e.Logger.Warn("inline comment rejected, falling back to plain comment", "comment", d.ID, "err", err)
		fallback := fmt.Sprintf("**%s:%d**\n\n%s", *d.Path, *d.Line, d.Body)
		remoteID, err = e.VCS.CreateIssueComment(ctx, session.Ref(), fallback)
	}
	e.recordOutcome(ctx, session, d, remoteID, err, res)
}

// recordOutcome finalizes one comment's state machine. Errors recording the
// outcome are logged, not propagated: they must not stop the remaining
// comments.
func (e *Engine) recordOutcome(ctx context.Context, session domain.ReviewSession, d domain.DraftComment, remoteID int64, callErr error, res *Result) {
	now := e.now()
	if callErr != nil {
		res.Failed++
		if err := e.Repo.MarkCommentFailed(ctx, d.ID, callErr.Error(), now); err != nil {
			e.Logger.Error("mark comment failed", "comment", d.ID, "err", err)
		}
		e.appendEvent(ctx, events.CommentFailed, session.ID, "comment", d.ID, "submission", events.EventPayload{"error": callErr.Error()})
		return
	}
	res.Published++
	if err := e.Repo.MarkCommentPublished(ctx, d.ID, remoteID, now); err != nil {
		e.Logger.Error("mark comment published", "comment", d.ID, "err", err)
	}
	e.appendEvent(ctx, events.CommentPublished, session.ID, "comment", d.ID, "submission", events.EventPayload{"remote_id": remoteID})
}

func (e *Engine) appendEvent(ctx context.Context, evtType, sessionID, refKind, refID, actor string, payload events.EventPayload) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.Logger.Error("event tx", "err", err)
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, sessionID, refKind, refID, actor, payload); err != nil {
		e.Logger.Error("append event", "type", evtType, "err", err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.Logger.Error("commit event", "type", evtType, "err", err)
	}
}

// completeSession marks the session done regardless of per-comment outcomes.
func (e *Engine) completeSession(ctx context.Context, session domain.ReviewSession, in Input, res Result) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.CompleteSession(ctx, tx, session.ID, e.now()); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	payload := events.EventPayload{
		"event":     in.Event,
		"published": res.Published,
		"failed":    res.Failed,
		"skipped":   res.Skipped,
	}
	if res.ReviewID != nil {
		payload["review_id"] = *res.ReviewID
	}
	actor := in.ActorID
	if actor == "" {
		actor = "submission"
	}
	if err := e.Events.Append(ctx, tx, events.ReviewSubmitted, session.ID, "session", session.ID, actor, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) now() string {
	if e.Now == nil {
		e.Now = time.Now
	}
	return e.Now().UTC().Format(time.RFC3339)
}
