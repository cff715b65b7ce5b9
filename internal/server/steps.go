package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"reviewflow/internal/ai"
	"reviewflow/internal/domain"
	"reviewflow/internal/events"
	"reviewflow/internal/repo"
)

type StepPath struct {
	StepID string `path:"step_id"`
}

// UpdateStepRequest moves a step through the reviewer's workflow.
type UpdateStepRequest struct {
	Status string `json:"status" enum:"not_started,in_progress,reviewed,follow_up"`
}

// CreateCommentRequest drafts one feedback item on a step.
type CreateCommentRequest struct {
	AuthorID   string  `json:"author_id" minLength:"1"`
	TargetType string  `json:"target_type" enum:"inline,conversation"`
	Body       string  `json:"body" minLength:"1"`
	Path       *string `json:"path,omitempty"`
	Side       *string `json:"side,omitempty" enum:"LEFT,RIGHT"`
	Line       *int    `json:"line,omitempty"`
	StartLine  *int    `json:"start_line,omitempty"`
	StartSide  *string `json:"start_side,omitempty" enum:"LEFT,RIGHT"`
}

func (s *server) registerSteps(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-session-steps",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/steps",
		Summary:     "List a session's review steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *SessionPath) (*struct {
		Body []domain.ReviewStep `json:"body"`
	}, error) {
		if _, err := s.repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		steps, err := s.repo.ListSteps(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ReviewStep `json:"body"`
		}{Body: steps}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-step",
		Method:      http.MethodGet,
		Path:        "/steps/{step_id}",
		Summary:     "Get a review step",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *StepPath) (*struct {
		Body domain.ReviewStep `json:"body"`
	}, error) {
		step, err := s.repo.GetStep(ctx, input.StepID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewStep `json:"body"`
		}{Body: step}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-step",
		Method:      http.MethodPatch,
		Path:        "/steps/{step_id}",
		Summary:     "Update a step's review status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StepPath
		Body UpdateStepRequest `json:"body"`
	}) (*struct {
		Body domain.ReviewStep `json:"body"`
	}, error) {
		if err := s.repo.UpdateStepStatus(ctx, input.StepID, input.Body.Status); err != nil {
			return nil, handleError(err)
		}
		step, err := s.repo.GetStep(ctx, input.StepID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewStep `json:"body"`
		}{Body: step}, nil
	})
}

func (s *server) registerComments(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-comment",
		Method:        http.MethodPost,
		Path:          "/steps/{step_id}/comments",
		Summary:       "Draft a comment on a step",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StepPath
		Body CreateCommentRequest `json:"body"`
	}) (*struct {
		Body domain.DraftComment `json:"body"`
	}, error) {
		step, err := s.repo.GetStep(ctx, input.StepID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.TargetType == domain.TargetInline {
			if input.Body.Path == nil && input.Body.Line != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "inline comment with a line requires a path", nil)
			}
		} else if input.Body.Path != nil || input.Body.Line != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "conversation comments cannot target a file location", nil)
		}
		now := s.now()
		comment := domain.DraftComment{
			ID:         uuid.NewString(),
			StepID:     step.ID,
			SessionID:  step.SessionID,
			AuthorID:   input.Body.AuthorID,
			Status:     domain.CommentDraft,
			TargetType: input.Body.TargetType,
			Body:       input.Body.Body,
			Path:       input.Body.Path,
			Side:       input.Body.Side,
			Line:       input.Body.Line,
			StartLine:  input.Body.StartLine,
			StartSide:  input.Body.StartSide,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.repo.InsertDraftComment(ctx, comment); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DraftComment `json:"body"`
		}{Body: comment}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-step-comments",
		Method:      http.MethodGet,
		Path:        "/steps/{step_id}/comments",
		Summary:     "List a step's comments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StepPath
		Status string `query:"status" enum:"draft,publishing,published,failed,"`
	}) (*struct {
		Body []domain.DraftComment `json:"body"`
	}, error) {
		if _, err := s.repo.GetStep(ctx, input.StepID); err != nil {
			return nil, handleError(err)
		}
		comments, err := s.repo.ListDraftComments(ctx, repo.CommentFilters{StepID: input.StepID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DraftComment `json:"body"`
		}{Body: comments}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-comments",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/comments",
		Summary:     "List a session's comments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionPath
		Status string `query:"status" enum:"draft,publishing,published,failed,"`
	}) (*struct {
		Body []domain.DraftComment `json:"body"`
	}, error) {
		if _, err := s.repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		comments, err := s.repo.ListDraftComments(ctx, repo.CommentFilters{SessionID: input.SessionID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DraftComment `json:"body"`
		}{Body: comments}, nil
	})
}

// ChatRequest is one user turn of a step's review chat.
type ChatRequest struct {
	Body    string `json:"body" minLength:"1"`
	ActorID string `json:"actor_id,omitempty"`
}

// ChatResponse returns the stored user turn and the assistant's reply.
type ChatResponse struct {
	User      domain.ChatMessage `json:"user"`
	Assistant domain.ChatMessage `json:"assistant"`
}

func (s *server) registerChat(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "step-chat",
		Method:      http.MethodPost,
		Path:        "/steps/{step_id}/chat",
		Summary:     "Ask the assistant about a step",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		StepPath
		Body ChatRequest `json:"body"`
	}) (*struct {
		Body ChatResponse `json:"body"`
	}, error) {
		step, err := s.repo.GetStep(ctx, input.StepID)
		if err != nil {
			return nil, handleError(err)
		}
		history, err := s.repo.ListChatMessages(ctx, step.ID)
		if err != nil {
			return nil, handleError(err)
		}
		pack, err := s.repo.GetContextPackByStep(ctx, step.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}

		userMsg := domain.ChatMessage{
			ID:        uuid.NewString(),
			StepID:    step.ID,
			Role:      "user",
			Body:      input.Body.Body,
			CreatedAt: s.now(),
		}
		if err := s.repo.InsertChatMessage(ctx, userMsg); err != nil {
			return nil, handleError(err)
		}

		reply, err := s.cfg.AI.Complete(ctx, chatPrompt(step, pack, history, input.Body.Body))
		if err != nil {
			return nil, handleError(fmt.Errorf("assistant reply: %w", err))
		}
		assistantMsg := domain.ChatMessage{
			ID:        uuid.NewString(),
			StepID:    step.ID,
			Role:      "assistant",
			Body:      reply,
			CreatedAt: s.now(),
		}
		if err := s.repo.InsertChatMessage(ctx, assistantMsg); err != nil {
			return nil, handleError(err)
		}
		actor := input.Body.ActorID
		if actor == "" {
			actor = "anonymous"
		}
		s.appendEvent(ctx, events.ChatMessage, step.SessionID, "step", step.ID, actor, events.EventPayload{"turns": len(history) + 2})

		return &struct {
			Body ChatResponse `json:"body"`
		}{Body: ChatResponse{User: userMsg, Assistant: assistantMsg}}, nil
	})
}

func chatPrompt(step domain.ReviewStep, pack domain.ContextPack, history []domain.ChatMessage, question string) ai.Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "You are helping review: %s (category %s)\n", step.Title, step.Category)
	for _, h := range step.DiffHunks {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", h.Path, h.Patch)
	}
	if step.Guidance != nil {
		fmt.Fprintf(&b, "\nGuidance: %s\n", *step.Guidance)
	}
	for _, item := range pack.Items {
		fmt.Fprintf(&b, "\nContext (%s %s):\n%s\n", item.Type, item.Path, item.Snippet)
	}
	for _, m := range history {
		fmt.Fprintf(&b, "\n%s: %s", m.Role, m.Body)
	}
	fmt.Fprintf(&b, "\nuser: %s", question)
	return ai.Prompt{System: "You are a concise code review assistant.", User: b.String()}
}
