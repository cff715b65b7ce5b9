// Package pipeline holds the asynchronous job handlers that move a review
// session from creation to fully materialized steps with advisory content.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"reviewflow/internal/ai"
	"reviewflow/internal/domain"
	"reviewflow/internal/events"
	"reviewflow/internal/logging"
	"reviewflow/internal/partition"
	"reviewflow/internal/queue"
	"reviewflow/internal/repo"
	"reviewflow/internal/vcs"
)

// Job types consumed from the queue.
const (
	JobIngest           = "ingest"
	JobGenerateSteps    = "generate_steps"
	JobGenerateGuidance = "generate_guidance"
	JobBuildContextPack = "build_context_pack"
)

const systemActor = "pipeline"

type Orchestrator struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	VCS         vcs.Client
	AI          ai.Client
	Partitioner partition.Partitioner
	Queue       *queue.Queue
	Logger      *slog.Logger
	Now         func() time.Time
}

func New(db *sql.DB, vc vcs.Client, aic ai.Client, q *queue.Queue, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Orchestrator{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Events:      events.Writer{DB: db},
		VCS:         vc,
		AI:          aic,
		Partitioner: partition.PerFile{},
		Queue:       q,
		Logger:      logger,
		Now:         time.Now,
	}
}

// Register binds all pipeline handlers to the queue.
func (o *Orchestrator) Register() {
	o.Queue.Register(JobIngest, o.handleIngest)
	o.Queue.Register(JobGenerateSteps, o.handleGenerateSteps)
	o.Queue.Register(JobGenerateGuidance, o.handleGenerateGuidance)
	o.Queue.Register(JobBuildContextPack, o.handleBuildContextPack)
}

type ingestPayload struct {
	SessionID string `json:"session_id"`
}

type generateStepsPayload struct {
	SessionID  string               `json:"session_id"`
	Generation int64                `json:"generation"`
	Diff       string               `json:"diff"`
	Files      []domain.ChangedFile `json:"files"`
	PRTitle    string               `json:"pr_title,omitempty"`
	PRAuthor   string               `json:"pr_author,omitempty"`
}

type guidancePayload struct {
	SessionID string `json:"session_id"`
}

type contextPackPayload struct {
	StepID string `json:"step_id"`
}

// EnqueueIngest schedules (re)ingestion for a session. The dedupe key makes
// a second trigger while one is pending a no-op.
func (o *Orchestrator) EnqueueIngest(ctx context.Context, sessionID string) error {
	_, err := o.Queue.Enqueue(ctx, JobIngest, ingestPayload{SessionID: sessionID},
		queue.WithDedupeKey("ingest:"+sessionID))
	return err
}

// handleIngest fetches the PR's remote state, records the head the steps
// will be generated from, and fans out step generation.
func (o *Orchestrator) handleIngest(ctx context.Context, payload []byte) error {
	var p ingestPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return queue.Permanent(fmt.Errorf("decode ingest payload: %w", err))
	}
	session, err := o.Repo.GetSession(ctx, p.SessionID)
	if errors.Is(err, repo.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("ingest: session %s: %w", p.SessionID, err))
	}
	if err != nil {
		return err
	}

	pr, err := o.VCS.GetPullRequest(ctx, session.Ref())
	if err != nil {
		return fmt.Errorf("ingest %s: pull request: %w", session.ID, err)
	}
	diff, files, err := o.VCS.GetDiffAndFiles(ctx, session.Ref())
	if err != nil {
		return fmt.Errorf("ingest %s: diff: %w", session.ID, err)
	}

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	gen, err := o.Repo.RefreshSessionHead(ctx, tx, session.ID, pr.HeadSHA, o.now())
	if err != nil {
		return err
	}
	if err := o.Events.Append(ctx, tx, events.SessionRefreshed, session.ID, "session", session.ID, systemActor,
		events.EventPayload{"head_sha": pr.HeadSHA, "generation": gen, "files": len(files)}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	o.Logger.Info("session ingested", "session", session.ID, "head", pr.HeadSHA, "files", len(files))
	_, err = o.Queue.Enqueue(ctx, JobGenerateSteps, generateStepsPayload{
		SessionID:  session.ID,
		Generation: gen,
		Diff:       diff,
		Files:      files,
		PRTitle:    pr.Title,
		PRAuthor:   pr.Author,
	})
	return err
}

// handleGenerateSteps replaces the session's steps wholesale. The cascade
// delete and the bulk insert share one transaction, and the session's
// generation stamp is checked inside it so a concurrent re-ingest cannot
// interleave stale steps.
func (o *Orchestrator) handleGenerateSteps(ctx context.Context, payload []byte) error {
	var p generateStepsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return queue.Permanent(fmt.Errorf("decode generate_steps payload: %w", err))
	}

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	session, err := o.Repo.GetSessionTx(ctx, tx, p.SessionID)
	if errors.Is(err, repo.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("generate_steps: session %s: %w", p.SessionID, err))
	}
	if err != nil {
		return err
	}
	if session.Generation != p.Generation {
		o.Logger.Info("dropping stale step generation", "session", session.ID,
			"job_generation", p.Generation, "session_generation", session.Generation)
		return nil
	}

	oldIDs, err := o.Repo.ListStepIDsTx(ctx, tx, session.ID)
	if err != nil {
		return err
	}
	if err := o.Repo.DeleteStepCascadeTx(ctx, tx, oldIDs); err != nil {
		return err
	}

	defs := o.Partitioner.Partition(p.Files, partition.PullMeta{Title: p.PRTitle, Author: p.PRAuthor})
	now := o.now()
	stepIDs := make([]string, 0, len(defs))
	for i, def := range defs {
		st := domain.ReviewStep{
			ID:         uuid.NewString(),
			SessionID:  session.ID,
			OrderIndex: i,
			Title:      def.Title,
			Category:   def.Category,
			Complexity: def.Complexity,
			RiskTags:   def.RiskTags,
			Status:     "not_started",
			DiffHunks:  def.DiffHunks,
			CreatedAt:  now,
		}
		if err := o.Repo.InsertStep(ctx, tx, st); err != nil {
			return fmt.Errorf("insert step %d: %w", i, err)
		}
		stepIDs = append(stepIDs, st.ID)
	}
	if err := o.Events.Append(ctx, tx, events.StepsGenerated, session.ID, "session", session.ID, systemActor,
		events.EventPayload{"steps": len(stepIDs), "replaced": len(oldIDs), "generation": p.Generation}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	o.Logger.Info("steps generated", "session", session.ID, "steps", len(stepIDs), "replaced", len(oldIDs))
	if _, err := o.Queue.Enqueue(ctx, JobGenerateGuidance, guidancePayload{SessionID: session.ID}); err != nil {
		return err
	}
	for _, id := range stepIDs {
		if _, err := o.Queue.Enqueue(ctx, JobBuildContextPack, contextPackPayload{StepID: id}); err != nil {
			return err
		}
	}
	return nil
}

// handleBuildContextPack asks the model for supporting context and stores it
// on the step. Malformed model output is wrapped, never fatal. A step deleted
// by a concurrent regeneration makes the job a quiet no-op.
func (o *Orchestrator) handleBuildContextPack(ctx context.Context, payload []byte) error {
	var p contextPackPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return queue.Permanent(fmt.Errorf("decode build_context_pack payload: %w", err))
	}
	step, err := o.Repo.GetStep(ctx, p.StepID)
	if errors.Is(err, repo.ErrNotFound) {
		o.Logger.Info("context pack skipped, step gone", "step", p.StepID)
		return nil
	}
	if err != nil {
		return err
	}

	text, err := o.AI.Complete(ctx, contextPrompt(step))
	if err != nil {
		return fmt.Errorf("build_context_pack %s: %w", step.ID, err)
	}
	pack := domain.ContextPack{
		ID:        uuid.NewString(),
		StepID:    step.ID,
		Items:     ai.DecodeContextItems(text),
		CreatedAt: o.now(),
	}

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := o.Repo.InsertContextPackTx(ctx, tx, pack); err != nil {
		return err
	}
	if err := o.Events.Append(ctx, tx, events.ContextPackBuilt, step.SessionID, "step", step.ID, systemActor,
		events.EventPayload{"items": len(pack.Items)}); err != nil {
		return err
	}
	return tx.Commit()
}

func (o *Orchestrator) now() string {
	if o.Now == nil {
		o.Now = time.Now
	}
	return o.Now().UTC().Format(time.RFC3339)
}
