package domain

// PullRef identifies a pull request on the origin system.
type PullRef struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

// ReviewSession is one reviewer's pass over one PR at one commit.
// HeadSHA always reflects the commit the currently-materialized steps
// were generated from.
type ReviewSession struct {
	ID         string  `json:"id"`
	PROwner    string  `json:"pr_owner"`
	PRRepo     string  `json:"pr_repo"`
	PRNumber   int     `json:"pr_number"`
	HeadSHA    string  `json:"head_sha"`
	Status     string  `json:"status" enum:"active,completed"`
	IsStale    bool    `json:"is_stale"`
	Summary    *string `json:"summary,omitempty"`
	CreatedBy  string  `json:"created_by"`
	Generation int64   `json:"generation"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

// Ref returns the session's pull request reference.
func (s ReviewSession) Ref() PullRef {
	return PullRef{Owner: s.PROwner, Repo: s.PRRepo, Number: s.PRNumber}
}

// DiffHunk is one patch fragment belonging to a step, in presentation order.
type DiffHunk struct {
	Path  string `json:"path"`
	Patch string `json:"patch"`
}

// ReviewStep is one logical unit of change within a session. Steps are
// created in a batch and replaced wholesale on regeneration; the pipeline
// never patches an individual step.
type ReviewStep struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	OrderIndex int        `json:"order_index"`
	Title      string     `json:"title"`
	Category   string     `json:"category"`
	Complexity string     `json:"complexity" enum:"S,M,L"`
	RiskTags   []string   `json:"risk_tags,omitempty"`
	Status     string     `json:"status" enum:"not_started,in_progress,reviewed,follow_up"`
	DiffHunks  []DiffHunk `json:"diff_hunks"`
	Guidance   *string    `json:"guidance,omitempty"`
	Inline     *string    `json:"inline_explanations,omitempty"`
	CreatedAt  string     `json:"created_at" format:"date-time"`
}

// ContextItem is one entry of a step's context pack. The core treats the
// content as opaque advisory data.
type ContextItem struct {
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// ContextPack is the ordered context attached to a single step.
type ContextPack struct {
	ID        string        `json:"id"`
	StepID    string        `json:"step_id"`
	Items     []ContextItem `json:"items"`
	CreatedAt string        `json:"created_at" format:"date-time"`
}

// Draft comment target types.
const (
	TargetInline       = "inline"
	TargetConversation = "conversation"
)

// Draft comment statuses. Transitions are owned exclusively by the
// submission engine: draft -> publishing -> published|failed.
const (
	CommentDraft      = "draft"
	CommentPublishing = "publishing"
	CommentPublished  = "published"
	CommentFailed     = "failed"
)

// DraftComment is a reviewer's feedback item scoped to a step. Inline
// comments need Path and Line before they are eligible for submission;
// incomplete inline comments are skipped, not failed.
type DraftComment struct {
	ID              string  `json:"id"`
	StepID          string  `json:"step_id"`
	SessionID       string  `json:"session_id"`
	AuthorID        string  `json:"author_id"`
	Status          string  `json:"status" enum:"draft,publishing,published,failed"`
	TargetType      string  `json:"target_type" enum:"inline,conversation"`
	Body            string  `json:"body"`
	Path            *string `json:"path,omitempty"`
	Side            *string `json:"side,omitempty" enum:"LEFT,RIGHT"`
	Line            *int    `json:"line,omitempty"`
	StartLine       *int    `json:"start_line,omitempty"`
	StartSide       *string `json:"start_side,omitempty" enum:"LEFT,RIGHT"`
	RemoteCommentID *int64  `json:"remote_comment_id,omitempty"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// Submittable reports whether the comment carries enough targeting data to
// be part of a submission attempt.
func (c DraftComment) Submittable() bool {
	if c.TargetType != TargetInline {
		return true
	}
	return c.Path != nil && *c.Path != "" && c.Line != nil
}

// ChatMessage is one turn of the per-step review chat.
type ChatMessage struct {
	ID        string `json:"id"`
	StepID    string `json:"step_id"`
	Role      string `json:"role" enum:"user,assistant"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is one row of the append-only activity log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// ChangedFile is per-file metadata for a PR at a given commit, as reported
// by the origin system.
type ChangedFile struct {
	Path      string `json:"path"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch,omitempty"`
}
