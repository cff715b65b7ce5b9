package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reviewflow/internal/ai"
	"reviewflow/internal/config"
	"reviewflow/internal/db"
	"reviewflow/internal/domain"
	"reviewflow/internal/events"
	"reviewflow/internal/logging"
	"reviewflow/internal/migrate"
	"reviewflow/internal/pipeline"
	"reviewflow/internal/queue"
	"reviewflow/internal/repo"
	"reviewflow/internal/server"
	"reviewflow/internal/submit"
	"reviewflow/internal/vcs"
)

var rootCmd = &cobra.Command{
	Use:   "rf",
	Short: "Reviewflow CLI",
	Long: `Reviewflow walks a reviewer through a pull request step by step.
A session tracks one reviewer's pass over one PR at one commit. Ingestion
splits the diff into ordered steps, attaches AI guidance and context, and
collects draft comments. Submitting a session publishes the drafts back to
the origin system as a formal review.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REVIEWFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(commentCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(logCmd())
}

// deps bundles everything a command can need, built once per invocation
// from the workspace config.
type deps struct {
	Conn   *sql.DB
	Cfg    *config.Config
	Repo   repo.Repo
	Events events.Writer
	Queue  *queue.Queue
	Orch   *pipeline.Orchestrator
	Engine *submit.Engine
	AI     ai.Client
	Logger *slog.Logger
}

func withDeps(ctx context.Context, fn func(context.Context, *deps) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	logger := logging.NewLogger(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	logger.Debug("workspace opened", "db", db.Path(workspace), "config", config.Path(workspace))
	vcsClient := vcs.NewGitHub(cfg.VCS.BaseURL, cfg.VCS.Token)
	aiClient := ai.NewOpenAI(cfg.AI.BaseURL, cfg.AI.Model, cfg.AI.APIKey)
	q := queue.New(conn, queue.Options{
		Workers:      cfg.Queue.Workers,
		PollInterval: time.Duration(cfg.Queue.PollInterval) * time.Millisecond,
		Logger:       logger,
	})
	orch := pipeline.New(conn, vcsClient, aiClient, q, logger)
	orch.Register()
	d := &deps{
		Conn:   conn,
		Cfg:    cfg,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{DB: conn},
		Queue:  q,
		Orch:   orch,
		Engine: submit.NewEngine(conn, vcsClient, logger),
		AI:     aiClient,
		Logger: logger,
	}
	return fn(ctx, d)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and queue workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				if addr == "" {
					addr = d.Cfg.Server.Addr
				}
				if basePath == "" {
					basePath = d.Cfg.Server.BasePath
				}
				handler, err := server.New(server.Config{
					DB:       d.Conn,
					Pipeline: d.Orch,
					Submit:   d.Engine,
					AI:       d.AI,
					BasePath: basePath,
					Logger:   d.Logger,
				})
				if err != nil {
					return err
				}
				workerCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				go d.Queue.Run(workerCtx)

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancelShutdown()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Reviewflow API on http://%s%s (OpenAPI at %s/openapi.json, docs at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run queue workers only",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				fmt.Printf("Running %d queue workers (Ctrl-C to stop)\n", d.Cfg.Queue.Workers)
				d.Queue.Run(ctx)
				return nil
			})
		},
	}
}

func sessionCmd() *cobra.Command {
	c := &cobra.Command{Use: "session", Short: "Manage review sessions"}
	c.AddCommand(sessionStartCmd())
	c.AddCommand(sessionListCmd())
	c.AddCommand(sessionShowCmd())
	c.AddCommand(sessionRefreshCmd())
	return c
}

func sessionStartCmd() *cobra.Command {
	var owner, repoName string
	var number int
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a review session for a pull request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" || repoName == "" || number <= 0 {
				return fmt.Errorf("--owner, --repo and --number are required")
			}
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				now := time.Now().UTC().Format(time.RFC3339)
				session := domain.ReviewSession{
					ID:        uuid.NewString(),
					PROwner:   owner,
					PRRepo:    repoName,
					PRNumber:  number,
					Status:    "active",
					CreatedBy: viper.GetString("actor-id"),
					CreatedAt: now,
					UpdatedAt: now,
				}
				tx, err := d.Conn.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := d.Repo.InsertSession(ctx, tx, session); err != nil {
					return err
				}
				if err := d.Events.Append(ctx, tx, events.SessionCreated, session.ID, "session", session.ID, session.CreatedBy,
					events.EventPayload{"owner": owner, "repo": repoName, "number": number}); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if err := d.Orch.EnqueueIngest(ctx, session.ID); err != nil {
					return err
				}
				fmt.Printf("session %s created, ingest enqueued (run 'rf worker' to process)\n", session.ID)
				return printJSONOrTable(session)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "repository owner")
	cmd.Flags().StringVar(&repoName, "repo", "", "repository name")
	cmd.Flags().IntVar(&number, "number", 0, "pull request number")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List review sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				sessions, err := r.ListSessions(ctx, repo.SessionFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sessions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "PR", "Head", "Status", "Stale", "Created By"})
				for _, s := range sessions {
					tw.AppendRow(table.Row{
						s.ID,
						fmt.Sprintf("%s/%s#%d", s.PROwner, s.PRRepo, s.PRNumber),
						short(s.HeadSHA),
						s.Status,
						s.IsStale,
						s.CreatedBy,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active|completed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max sessions to list")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a review session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				session, err := r.GetSession(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(session)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "session id")
	return cmd
}

func sessionRefreshCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Re-ingest a session at the current remote head",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				session, err := d.Repo.GetSession(ctx, id)
				if err != nil {
					return err
				}
				if session.Status != "active" {
					return fmt.Errorf("session %s is completed", id)
				}
				if err := d.Orch.EnqueueIngest(ctx, session.ID); err != nil {
					return err
				}
				fmt.Printf("refresh enqueued for session %s\n", session.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "session id")
	return cmd
}

func stepCmd() *cobra.Command {
	c := &cobra.Command{Use: "step", Short: "Inspect and update review steps"}
	c.AddCommand(stepListCmd())
	c.AddCommand(stepStatusCmd())
	return c
}

func stepListCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a session's steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return fmt.Errorf("--session required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				steps, err := r.ListSteps(ctx, sessionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "ID", "Title", "Category", "Complexity", "Risk", "Status"})
				for _, st := range steps {
					tw.AppendRow(table.Row{
						st.OrderIndex,
						st.ID,
						st.Title,
						st.Category,
						st.Complexity,
						strings.Join(st.RiskTags, ","),
						st.Status,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	return cmd
}

func stepStatusCmd() *cobra.Command {
	var id, status string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Set a step's review status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || status == "" {
				return fmt.Errorf("--id and --status are required")
			}
			switch status {
			case "not_started", "in_progress", "reviewed", "follow_up":
			default:
				return fmt.Errorf("invalid status %q", status)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpdateStepStatus(ctx, id, status); err != nil {
					return err
				}
				fmt.Printf("step %s -> %s\n", id, status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "step id")
	cmd.Flags().StringVar(&status, "status", "", "not_started|in_progress|reviewed|follow_up")
	return cmd
}

func commentCmd() *cobra.Command {
	c := &cobra.Command{Use: "comment", Short: "Manage draft comments"}
	c.AddCommand(commentAddCmd())
	c.AddCommand(commentListCmd())
	return c
}

func commentAddCmd() *cobra.Command {
	var stepID, target, body, path, side string
	var line, startLine int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Draft a comment on a step",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stepID == "" || body == "" {
				return fmt.Errorf("--step and --body are required")
			}
			if target != domain.TargetInline && target != domain.TargetConversation {
				return fmt.Errorf("--target must be inline or conversation")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				step, err := r.GetStep(ctx, stepID)
				if err != nil {
					return err
				}
				now := time.Now().UTC().Format(time.RFC3339)
				comment := domain.DraftComment{
					ID:         uuid.NewString(),
					StepID:     step.ID,
					SessionID:  step.SessionID,
					AuthorID:   viper.GetString("actor-id"),
					Status:     domain.CommentDraft,
					TargetType: target,
					Body:       body,
					CreatedAt:  now,
					UpdatedAt:  now,
				}
				if path != "" {
					comment.Path = &path
				}
				if side != "" {
					comment.Side = &side
				}
				if line > 0 {
					comment.Line = &line
				}
				if startLine > 0 {
					comment.StartLine = &startLine
				}
				if err := r.InsertDraftComment(ctx, comment); err != nil {
					return err
				}
				return printJSONOrTable(comment)
			})
		},
	}
	cmd.Flags().StringVar(&stepID, "step", "", "step id")
	cmd.Flags().StringVar(&target, "target", "conversation", "inline|conversation")
	cmd.Flags().StringVar(&body, "body", "", "comment body")
	cmd.Flags().StringVar(&path, "path", "", "file path (inline)")
	cmd.Flags().StringVar(&side, "side", "", "LEFT|RIGHT (inline)")
	cmd.Flags().IntVar(&line, "line", 0, "line number (inline)")
	cmd.Flags().IntVar(&startLine, "start-line", 0, "multi-line start (inline)")
	return cmd
}

func commentListCmd() *cobra.Command {
	var sessionID, stepID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List draft comments",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" && stepID == "" {
				return fmt.Errorf("--session or --step is required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				comments, err := r.ListDraftComments(ctx, repo.CommentFilters{SessionID: sessionID, StepID: stepID, Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(comments)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Target", "Status", "Location", "Body"})
				for _, c := range comments {
					loc := ""
					if c.Path != nil && c.Line != nil {
						loc = fmt.Sprintf("%s:%d", *c.Path, *c.Line)
					}
					tw.AppendRow(table.Row{c.ID, c.TargetType, c.Status, loc, truncate(c.Body, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&stepID, "step", "", "step id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func submitCmd() *cobra.Command {
	var sessionID, event, body string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Publish a session's drafts as a review",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return fmt.Errorf("--session required")
			}
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				res, err := d.Engine.SubmitReview(ctx, submit.Input{
					SessionID: sessionID,
					Event:     strings.ToUpper(event),
					Body:      body,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&event, "event", "COMMENT", "APPROVE|REQUEST_CHANGES|COMMENT")
	cmd.Flags().StringVar(&body, "body", "", "review body")
	return cmd
}

func chatCmd() *cobra.Command {
	var stepID, body string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Ask the assistant about a step",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stepID == "" || body == "" {
				return fmt.Errorf("--step and --body are required")
			}
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				step, err := d.Repo.GetStep(ctx, stepID)
				if err != nil {
					return err
				}
				now := time.Now().UTC().Format(time.RFC3339)
				userMsg := domain.ChatMessage{ID: uuid.NewString(), StepID: step.ID, Role: "user", Body: body, CreatedAt: now}
				if err := d.Repo.InsertChatMessage(ctx, userMsg); err != nil {
					return err
				}
				var prompt strings.Builder
				fmt.Fprintf(&prompt, "Review step: %s\n", step.Title)
				for _, h := range step.DiffHunks {
					fmt.Fprintf(&prompt, "\n--- %s ---\n%s\n", h.Path, h.Patch)
				}
				fmt.Fprintf(&prompt, "\nuser: %s", body)
				reply, err := d.AI.Complete(ctx, ai.Prompt{System: "You are a concise code review assistant.", User: prompt.String()})
				if err != nil {
					return err
				}
				assistant := domain.ChatMessage{
					ID: uuid.NewString(), StepID: step.ID, Role: "assistant", Body: reply,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := d.Repo.InsertChatMessage(ctx, assistant); err != nil {
					return err
				}
				fmt.Println(reply)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stepID, "step", "", "step id")
	cmd.Flags().StringVar(&body, "body", "", "question")
	return cmd
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Inspect the activity log"}
	c.AddCommand(logTailCmd())
	return c
}

func logTailCmd() *cobra.Command {
	var sessionID, evtType string
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := r.LatestEvents(ctx, limit, sessionID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Session", "Entity", "Actor"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, short(e.SessionID), e.EntityKind + ":" + short(e.EntityID), e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "filter by session id")
	cmd.Flags().StringVar(&evtType, "type", "", "filter by event type")
	cmd.Flags().IntVar(&limit, "limit", 30, "max events")
	return cmd
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
