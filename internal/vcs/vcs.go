// Package vcs defines the origin-system client used by the pipeline and the
// submission engine, plus a GitHub REST implementation.
package vcs

import (
	"context"
	"errors"
	"fmt"

	"reviewflow/internal/domain"
)

// Review events accepted by the origin system.
const (
	EventApprove        = "APPROVE"
	EventRequestChanges = "REQUEST_CHANGES"
	EventComment        = "COMMENT"
)

// PR states as reported by the origin system.
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// PullRequest is the remote-state snapshot the core needs.
type PullRequest struct {
	HeadSHA string
	State   string
	Title   string
	Author  string
}

// ReviewCommentInput targets an inline review comment.
type ReviewCommentInput struct {
	Body      string
	CommitSHA string
	Path      string
	Line      int
	Side      string
	StartLine *int
	StartSide *string
}

// Client is the origin-system capability consumed by the core. A failed
// call is transient unless it is a RequestError.
type Client interface {
	GetPullRequest(ctx context.Context, ref domain.PullRef) (PullRequest, error)
	GetDiffAndFiles(ctx context.Context, ref domain.PullRef) (string, []domain.ChangedFile, error)
	CreateReview(ctx context.Context, ref domain.PullRef, event, body, commitSHA string) (int64, error)
	CreateIssueComment(ctx context.Context, ref domain.PullRef, body string) (int64, error)
	CreateReviewComment(ctx context.Context, ref domain.PullRef, in ReviewCommentInput) (int64, error)
}

// RequestError is a client-side rejection (4xx): the request itself was
// refused, retrying will not help. Anything else is treated as transient.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("vcs: request rejected (%d): %s", e.StatusCode, e.Message)
}

// IsClientError reports whether err is a client-side rejection rather than
// a transient failure.
func IsClientError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}
