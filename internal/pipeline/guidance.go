package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"reviewflow/internal/ai"
	"reviewflow/internal/domain"
	"reviewflow/internal/events"
	"reviewflow/internal/queue"
	"reviewflow/internal/repo"
)

// handleGenerateGuidance writes advisory guidance onto every step and a
// summary onto the session. Each step's model call is isolated: one failure
// never aborts the siblings, and partial stream output is persisted as the
// raw fallback so the step is not left empty.
func (o *Orchestrator) handleGenerateGuidance(ctx context.Context, payload []byte) error {
	var p guidancePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return queue.Permanent(fmt.Errorf("decode generate_guidance payload: %w", err))
	}
	session, err := o.Repo.GetSession(ctx, p.SessionID)
	if errors.Is(err, repo.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("generate_guidance: session %s: %w", p.SessionID, err))
	}
	if err != nil {
		return err
	}
	steps, err := o.Repo.ListSteps(ctx, session.ID)
	if err != nil {
		return err
	}

	written := 0
	for _, step := range steps {
		o.explainHunks(ctx, step)
		text, err := o.streamGuidance(ctx, step)
		if err != nil && text == "" {
			o.Logger.Warn("step guidance failed", "step", step.ID, "err", err)
			continue
		}
		if err != nil {
			o.Logger.Warn("step guidance truncated, keeping partial text", "step", step.ID, "err", err)
		}
		encoded := ai.EncodeGuidance(ai.DecodeGuidance(text))
		if err := o.Repo.SetStepGuidance(ctx, step.ID, encoded); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return err
		}
		written++
	}

	if text, err := o.AI.Complete(ctx, summaryPrompt(session, steps)); err != nil {
		o.Logger.Warn("session summary failed", "session", session.ID, "err", err)
	} else {
		encoded := ai.EncodeGuidance(ai.DecodeGuidance(text))
		if err := o.Repo.SetSessionSummary(ctx, session.ID, encoded, o.now()); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
	}

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := o.Events.Append(ctx, tx, events.GuidanceWritten, session.ID, "session", session.ID, systemActor,
		events.EventPayload{"steps": written, "of": len(steps)}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	o.Logger.Info("guidance generated", "session", session.ID, "steps", written, "of", len(steps))
	return nil
}

// explainHunks attaches per-hunk explanations to a step. Purely advisory:
// any failure is logged and the step stays without them.
func (o *Orchestrator) explainHunks(ctx context.Context, step domain.ReviewStep) {
	if len(step.DiffHunks) == 0 {
		return
	}
	text, err := o.AI.Complete(ctx, inlinePrompt(step))
	if err != nil {
		o.Logger.Warn("hunk explanations failed", "step", step.ID, "err", err)
		return
	}
	if err := o.Repo.SetStepInlineExplanations(ctx, step.ID, strings.TrimSpace(text)); err != nil && !errors.Is(err, repo.ErrNotFound) {
		o.Logger.Warn("store hunk explanations", "step", step.ID, "err", err)
	}
}

// streamGuidance consumes the model stream for one step. On a stream error
// the accumulated text is returned alongside the error so the caller can
// checkpoint it.
func (o *Orchestrator) streamGuidance(ctx context.Context, step domain.ReviewStep) (string, error) {
	stream, err := o.AI.StreamComplete(ctx, guidancePrompt(step))
	if err != nil {
		return "", err
	}
	return ai.Collect(stream)
}

const guidanceSystem = `You are a code review assistant. Respond with JSON:
{"summary": "...", "checklist": ["..."], "hotspots": ["..."]}`

func guidancePrompt(step domain.ReviewStep) ai.Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Review step: %s (category %s, complexity %s)\n", step.Title, step.Category, step.Complexity)
	if len(step.RiskTags) > 0 {
		fmt.Fprintf(&b, "Risk tags: %s\n", strings.Join(step.RiskTags, ", "))
	}
	for _, h := range step.DiffHunks {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", h.Path, h.Patch)
	}
	return ai.Prompt{System: guidanceSystem, User: b.String()}
}

func summaryPrompt(session domain.ReviewSession, steps []domain.ReviewStep) ai.Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Pull request %s/%s#%d at %s has %d review steps:\n",
		session.PROwner, session.PRRepo, session.PRNumber, session.HeadSHA, len(steps))
	for _, st := range steps {
		fmt.Fprintf(&b, "- [%s/%s] %s\n", st.Category, st.Complexity, st.Title)
	}
	b.WriteString("\nSummarize what this change does and where review effort should go.")
	return ai.Prompt{System: guidanceSystem, User: b.String()}
}

func inlinePrompt(step domain.ReviewStep) ai.Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Explain each hunk of: %s\n", step.Title)
	for _, h := range step.DiffHunks {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", h.Path, h.Patch)
	}
	b.WriteString("\nRespond with a JSON array of {\"path\": \"...\", \"explanation\": \"...\"}, one entry per hunk.")
	return ai.Prompt{System: "You explain diffs to a reviewer. JSON only.", User: b.String()}
}

func contextPrompt(step domain.ReviewStep) ai.Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Gather supporting context for reviewing: %s\n", step.Title)
	for _, h := range step.DiffHunks {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", h.Path, h.Patch)
	}
	b.WriteString("\nRespond with a JSON array of items: {\"type\": \"definition|usage|note\", \"path\": \"...\", \"snippet\": \"...\"}.")
	return ai.Prompt{System: "You surface context a reviewer needs. JSON only.", User: b.String()}
}
