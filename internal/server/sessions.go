package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"reviewflow/internal/domain"
	"reviewflow/internal/events"
	"reviewflow/internal/repo"
	"reviewflow/internal/submit"
)

type SessionPath struct {
	SessionID string `path:"session_id"`
}

// CreateSessionRequest starts a review of one pull request.
type CreateSessionRequest struct {
	Owner     string `json:"owner" minLength:"1"`
	Repo      string `json:"repo" minLength:"1"`
	Number    int    `json:"number" minimum:"1"`
	CreatedBy string `json:"created_by" minLength:"1"`
}

// SubmitRequest triggers the submission protocol for a session.
type SubmitRequest struct {
	Event   string `json:"event" enum:"APPROVE,REQUEST_CHANGES,COMMENT"`
	Body    string `json:"body,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
}

func (s *server) registerSessions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start a review session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*struct {
		Body domain.ReviewSession `json:"body"`
	}, error) {
		now := s.now()
		session := domain.ReviewSession{
			ID:        uuid.NewString(),
			PROwner:   input.Body.Owner,
			PRRepo:    input.Body.Repo,
			PRNumber:  input.Body.Number,
			Status:    "active",
			CreatedBy: input.Body.CreatedBy,
			CreatedAt: now,
			UpdatedAt: now,
		}
		tx, err := s.cfg.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := s.repo.InsertSession(ctx, tx, session); err != nil {
			return nil, handleError(err)
		}
		if err := s.events.Append(ctx, tx, events.SessionCreated, session.ID, "session", session.ID, session.CreatedBy,
			events.EventPayload{"owner": session.PROwner, "repo": session.PRRepo, "number": session.PRNumber}); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		if err := s.cfg.Pipeline.EnqueueIngest(ctx, session.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewSession `json:"body"`
		}{Body: session}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List review sessions",
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"active,completed,"`
		CreatedBy string `query:"created_by"`
		Limit     int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.ReviewSession `json:"body"`
	}, error) {
		sessions, err := s.repo.ListSessions(ctx, repo.SessionFilters{
			Status:    input.Status,
			CreatedBy: input.CreatedBy,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ReviewSession `json:"body"`
		}{Body: sessions}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get a review session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *SessionPath) (*struct {
		Body domain.ReviewSession `json:"body"`
	}, error) {
		session, err := s.repo.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewSession `json:"body"`
		}{Body: session}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "refresh-session",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/refresh",
		Summary:       "Re-ingest the session at the current remote head",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *SessionPath) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		session, err := s.repo.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		if session.Status != "active" {
			return nil, newAPIError(http.StatusConflict, "conflict", "session is completed", nil)
		}
		if err := s.cfg.Pipeline.EnqueueIngest(ctx, session.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"session_id": session.ID, "status": "refresh enqueued"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-review",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/submit",
		Summary:     "Publish the session's draft comments as a review",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body SubmitRequest `json:"body"`
	}) (*struct {
		Body submit.Result `json:"body"`
	}, error) {
		res, err := s.cfg.Submit.SubmitReview(ctx, submit.Input{
			SessionID: input.SessionID,
			Event:     strings.ToUpper(strings.TrimSpace(input.Body.Event)),
			Body:      input.Body.Body,
			ActorID:   input.Body.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body submit.Result `json:"body"`
		}{Body: res}, nil
	})
}

func (s *server) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the activity log",
	}, func(ctx context.Context, input *struct {
		SessionID string `query:"session_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 50
		}
		evts, err := s.repo.LatestEvents(ctx, limit, input.SessionID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}

// VCSWebhookRequest is the subset of a GitHub pull_request event the
// staleness detector needs.
type VCSWebhookRequest struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

func (s *server) registerWebhooks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "vcs-webhook",
		Method:      http.MethodPost,
		Path:        "/webhooks/vcs",
		Summary:     "Receive origin-system push notifications",
	}, func(ctx context.Context, input *struct {
		Body VCSWebhookRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		stale := []string{}
		if input.Body.Action == "synchronize" && input.Body.PullRequest.Head.SHA != "" {
			ref := domain.PullRef{
				Owner:  input.Body.Repository.Owner.Login,
				Repo:   input.Body.Repository.Name,
				Number: input.Body.Number,
			}
			ids, err := s.repo.MarkSessionsStale(ctx, ref, input.Body.PullRequest.Head.SHA)
			if err != nil {
				return nil, handleError(err)
			}
			stale = ids
			for _, id := range ids {
				s.appendEvent(ctx, events.SessionStale, id, "session", id, "webhook",
					events.EventPayload{"remote_head": input.Body.PullRequest.Head.SHA})
			}
			if len(ids) > 0 {
				s.logger.Info("sessions marked stale", "ref", ref, "sessions", len(ids))
			}
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"stale_sessions": stale}}, nil
	})
}

// appendEvent writes a log row outside any caller transaction. Failures are
// logged only; the triggering request already succeeded.
func (s *server) appendEvent(ctx context.Context, evtType, sessionID, entityKind, entityID, actorID string, payload events.EventPayload) {
	tx, err := s.cfg.DB.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("event tx", "err", err)
		return
	}
	defer tx.Rollback()
	if err := s.events.Append(ctx, tx, evtType, sessionID, entityKind, entityID, actorID, payload); err != nil {
		s.logger.Error("append event", "type", evtType, "err", err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("commit event", "type", evtType, "err", err)
	}
}
