package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded by the core.
const (
	SessionCreated   = "session.created"
	SessionRefreshed = "session.refreshed"
	SessionStale     = "session.stale"
	StepsGenerated   = "steps.generated"
	GuidanceWritten  = "guidance.generated"
	ContextPackBuilt = "context_pack.built"
	ReviewSubmitted  = "review.submitted"
	CommentPublished = "comment.published"
	CommentFailed    = "comment.failed"
	ChatMessage      = "chat.message"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside the caller's transaction so the log row
// commits or rolls back with the mutation it records.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, sessionID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,session_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(sessionID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
