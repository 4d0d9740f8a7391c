package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vetline/internal/config"
	"vetline/internal/db"
	"vetline/internal/domain"
	"vetline/internal/migrate"
	"vetline/internal/orchestrator"
	"vetline/internal/repo"
	"vetline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "vt",
	Short: "Vetline CLI",
	Long: `Vetline coordinates AI-driven UI test runs through a fixed lifecycle.
Core concepts:
- Workspace: the .vetline directory holding the database and per-run artifacts; vetline.yml beside it carries project settings.
- Run: one end-to-end pass over a product's PRD: parse requirements, wait for human approval of the plan, execute in the browser, have a second agent review, cross-validate verdicts, and wait for human confirmation of the report.
- Gates: two human checkpoints (approval, confirmation) with fixed SLAs; runs that sit too long fail with a timeout reason code.
- Quality gate: requirement coverage and assertion pass rate thresholds plus a hard P0-coverage check that no metric can override.
- Decision log: every state change is an append-only entry explaining what happened and why; 'vt run log' shows it.
- Event log: the global audit diary, view with 'vt log tail'.`,
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
	viper.SetEnvPrefix("VETLINE")
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
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(timeoutsCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var projectID, baseURL string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--project required")
			}
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("%s already exists", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, orc *orchestrator.Orchestrator) error {
				p, err := orc.InitProject(ctx, projectID, "", baseURL, "", viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("Initialized workspace for project %s (config at %s)\n", p.ID, cfgPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "base URL of the product under test")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectStatusCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Base URL", "Status", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.BaseURL, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, name, baseURL, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, orc *orchestrator.Orchestrator) error {
				p, err := orc.InitProject(ctx, id, name, baseURL, desc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "base URL of the product under test")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show project run counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				projectID := resolveProject(args)
				p, err := r.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := r.CountRunsByState(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project_id": p.ID, "status": p.Status, "run_counts": counts})
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Println("Runs:")
				for state, c := range counts {
					fmt.Printf("  %s: %d\n", state, c)
				}
				return nil
			})
		},
	}
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Manage test runs",
		Long:  "Runs flow created -> parsing -> awaiting_approval -> executing -> codex_reviewing -> cross_validating -> report_ready -> completed, with failed as the other exit. Events come from the pipeline driver; approvals and confirmations come from humans.",
	}
	run.AddCommand(runCreateCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runEventCmd())
	run.AddCommand(runApproveCmd())
	run.AddCommand(runConfirmCmd())
	run.AddCommand(runValidateCmd())
	run.AddCommand(runLogCmd())
	run.AddCommand(runDefectsCmd())
	return run
}

func runCreateCmd() *cobra.Command {
	var projectID, prdPath string
	var routes []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, orc *orchestrator.Orchestrator) error {
				pid := projectID
				if pid == "" && orc.Config != nil {
					pid = orc.Config.Project.ID
				}
				run, err := orc.CreateRun(ctx, orchestrator.RunCreateOptions{
					ProjectID:    pid,
					PRDPath:      prdPath,
					TestedRoutes: routes,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id (defaults to config)")
	cmd.Flags().StringVar(&prdPath, "prd", "", "path to the PRD document")
	cmd.Flags().StringArrayVar(&routes, "route", []string{}, "tested route (repeatable)")
	return cmd
}

func runListCmd() *cobra.Command {
	var projectID, state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, repo.RunFilters{ProjectID: projectID, State: state, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "State", "Reason", "Created"})
				for _, run := range runs {
					reason := ""
					if run.ReasonCode != nil {
						reason = *run.ReasonCode
					}
					tw.AppendRow(table.Row{run.ID, run.ProjectID, run.State, reason, run.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id filter")
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its decision log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
}

func runEventCmd() *cobra.Command {
	var reason, errorType, shardID string
	cmd := &cobra.Command{
		Use:   "event <run-id> <event>",
		Short: "Apply a lifecycle event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, orc *orchestrator.Orchestrator) error {
				run, err := orc.Transition(ctx, args[0], orchestrator.TransitionOptions{
					Event:     domain.RunEvent(strings.ToUpper(args[1])),
					ShardID:   shardID,
					Reason:    reason,
					ErrorType: errorType,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "free-text reason recorded in the decision log")
	cmd.Flags().StringVar(&errorType, "error-type", "", "error category (with ERROR)")
	cmd.Flags().StringVar(&shardID, "shard", "", "execution shard the event came from")
	return cmd
}

func runApproveCmd() *cobra.Command {
	var reject bool
	var comments string
	cmd := &cobra.Command{
		Use:   "approve <run-id>",
		Short: "Approve (or reject) a run's test plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, orc *orchestrator.Orchestrator) error {
				run, err := orc.HandleApproval(ctx, args[0], domain.ApprovalDecision{
					Approved:   !reject,
					ReviewerID: viper.GetString("actor-id"),
					Comments:   comments,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	cmd.Flags().StringVar(&comments, "comments", "", "reviewer comments")
	return cmd
}

func runConfirmCmd() *cobra.Command {
	var retest bool
	var comments string
	cmd := &cobra.Command{
		Use:   "confirm <run-id>",
		Short: "Confirm a run's report or request a retest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, orc *orchestrator.Orchestrator) error {
				run, err := orc.HandleConfirmation(ctx, args[0], domain.ConfirmationDecision{
					Confirmed:  !retest,
					Retest:     retest,
					ReviewerID: viper.GetString("actor-id"),
					Comments:   comments,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().BoolVar(&retest, "retest", false, "request a retest instead of confirming")
	cmd.Flags().StringVar(&comments, "comments", "", "reviewer comments")
	return cmd
}

// validationFile mirrors the /runs/{id}/validation request body.
type validationFile struct {
	Requirements []domain.Requirement     `json:"requirements"`
	TestCases    []domain.TestCase        `json:"test_cases"`
	Assertions   []domain.Assertion       `json:"assertions"`
	Reviews      []domain.AssertionReview `json:"reviews"`
	ReportPath   string                   `json:"report_path"`
}

func runValidateCmd() *cobra.Command {
	var inputPath string
	cmd := &cobra.Command{
		Use:   "validate <run-id>",
		Short: "Finalize cross-validation from a results file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" {
				return fmt.Errorf("--input required")
			}
			data, err := os.ReadFile(inputPath)
			if err != nil {
				return err
			}
			var file validationFile
			if err := json.Unmarshal(data, &file); err != nil {
				return fmt.Errorf("parse %s: %w", inputPath, err)
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, orc *orchestrator.Orchestrator) error {
				out, err := orc.FinalizeValidation(ctx, args[0], orchestrator.ValidationInput{
					Requirements: file.Requirements,
					TestCases:    file.TestCases,
					Assertions:   file.Assertions,
					Reviews:      file.Reviews,
					ReportPath:   file.ReportPath,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Gate: %s (rc=%.2f apr=%.2f flakiness=%.2f)\n",
					out.Gate.Status, out.Gate.RC.Value, out.Gate.APR.Value, out.Gate.Flakiness.Value)
				if len(out.Gate.P0Coverage.MissingP0IDs) > 0 {
					fmt.Printf("Missing P0 coverage: %s\n", strings.Join(out.Gate.P0Coverage.MissingP0IDs, ", "))
				}
				fmt.Printf("Arbitration: %d assertions, %d conflicts\n", out.Arbitration.Total, out.Arbitration.Conflicts)
				fmt.Printf("Defects: %d\n", len(out.Defects))
				fmt.Printf("Run %s -> %s\n", out.Run.ID, out.Run.State)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&inputPath, "input", "", "JSON file with requirements, test cases, assertions, and reviews")
	return cmd
}

func runLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <run-id>",
		Short: "Show a run's decision log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetRun(ctx, args[0]); err != nil {
					return err
				}
				entries, err := r.ListDecisionLog(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "From", "To", "Event", "Reason"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.TS, e.FromState, e.ToState, e.Event, e.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func runDefectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "defects <run-id>",
		Short: "Show a run's defects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetRun(ctx, args[0]); err != nil {
					return err
				}
				defects, err := r.ListDefects(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(defects)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Severity", "Assertion", "Case", "Requirement", "Route"})
				for _, d := range defects {
					tw.AppendRow(table.Row{d.Severity, d.AssertionID, d.CaseID, d.RequirementID, d.Route})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func timeoutsCmd() *cobra.Command {
	gates := &cobra.Command{Use: "timeouts", Short: "Gate SLA checks"}
	gates.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Fail runs past their gate SLAs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, orc *orchestrator.Orchestrator) error {
				fired, err := orc.CheckTimeouts(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"timed_out": fired})
				}
				if len(fired) == 0 {
					fmt.Println("No runs past SLA.")
					return nil
				}
				for _, id := range fired {
					fmt.Printf("Timed out: %s\n", id)
				}
				return nil
			})
		},
	})
	return gates
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys"}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyDeleteCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext, key, err := repo.NewAPIKey(actorID, name, time.Now())
				if err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": plaintext})
				}
				fmt.Printf("Created key %s for %s\n", key.ID, key.ActorID)
				fmt.Printf("Plaintext (shown once): %s\n", plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func keyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id filter")
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit events"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, orc *orchestrator.Orchestrator) error {
				projectID := ""
				if orc.Config != nil {
					projectID = orc.Config.Project.ID
				}
				events, err := orc.Repo.LatestEvents(ctx, n, projectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			orc := orchestrator.New(conn, cfg, workspace)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("VETLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" && !allowLegacyActor {
				return fmt.Errorf("VETLINE_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
			}
			handler, err := server.New(server.Config{Orc: orc, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Vetline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-actor-header", false, "accept X-Actor-Id without auth (development only)")
	return cmd
}

// --- helpers ---

func withOrchestrator(ctx context.Context, fn func(context.Context, *orchestrator.Orchestrator) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default("")
	}
	return fn(ctx, orchestrator.New(conn, cfg, workspace))
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

func resolveProject(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err == nil && cfg != nil {
		return cfg.Project.ID
	}
	return ""
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
