package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"foreman/internal/app"
	"foreman/internal/config"
	"foreman/internal/engine"
	"foreman/internal/model"
	"foreman/internal/sandbox"
)

// newModelClient builds the configured model provider.
func newModelClient(cfg config.ModelConfig) (model.Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "anthropic":
		key := ""
		if cfg.APIKeyEnv != "" {
			key = os.Getenv(cfg.APIKeyEnv)
		}
		return model.NewAnthropic(model.AnthropicConfig{
			APIKey:       key,
			DefaultModel: cfg.Default,
			MaxTokens:    cfg.MaxTokens,
			MaxRetries:   cfg.MaxRetries,
			InitialWait:  cfg.InitialWait,
		})
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

func newOrchestrator(ws *app.Workspace, registry *app.Registry, logger *slog.Logger) (*engine.Orchestrator, error) {
	client, err := newModelClient(ws.Config.Model)
	if err != nil {
		return nil, err
	}
	return engine.New(ws.Root, ws.Config, ws.Repo, client, registry, logger)
}

func runCmd() *cobra.Command {
	var opts engine.RunOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the execution loop over an epic",
		Long: `Each iteration plans the ready issues of the epic, gives each one a turn
(at most --concurrency at a time) and waits for all of them. The run ends when
every issue is terminal, when nothing can make progress, or after
--max-iterations. Ctrl-C cancels the run without penalizing in-flight issues.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace, logger *slog.Logger) error {
				registry := app.NewRegistry()
				defer registry.Shutdown()
				o, err := newOrchestrator(ws, registry, logger)
				if err != nil {
					return err
				}
				if opts.SessionID == "" {
					opts.SessionID = ulid.Make().String()
				}
				res, runErr := o.Run(ctx, opts)
				if viper.GetBool("json") {
					out := map[string]any{"result": res, "error": errString(runErr)}
					var ef *engine.ExecutionFailed
					if errors.As(runErr, &ef) {
						out["backlog"] = ef.Backlog
					}
					if err := printJSON(out); err != nil {
						return err
					}
					return runErr
				}
				fmt.Printf("session %s: %d iterations, %d turns\n", res.SessionID, res.Iterations, res.Turns)
				for _, f := range res.Failures {
					fmt.Println("  failure:", f)
				}
				var ef *engine.ExecutionFailed
				if errors.As(runErr, &ef) {
					tw := newTable(table.Row{"Issue", "Status", "Wait", "Depends on", "Retries"})
					for _, b := range ef.Backlog {
						tw.AppendRow(table.Row{b.ID, b.Status, b.WaitReason, strings.Join(b.DependsOn, ","), b.RetryCount})
					}
					tw.Render()
				}
				return runErr
			})
		},
	}
	cmd.Flags().StringVar(&opts.EpicID, "epic", "", "epic id")
	cmd.Flags().StringVar(&opts.IssueID, "issue", "", "stop once this issue is terminal")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "session id (generated when empty)")
	cmd.Flags().IntVar(&opts.MaxIterations, "max-iterations", 0, "iteration budget (0 uses run.max_iterations)")
	cmd.Flags().IntVar(&opts.ConcurrencyLimit, "concurrency", 0, "turns in flight (0 uses run.concurrency_limit)")
	_ = cmd.MarkFlagRequired("epic")
	return cmd
}

func verifyCmd() *cobra.Command {
	var previewURL string
	var record bool
	cmd := &cobra.Command{
		Use:   "verify <issue>",
		Short: "Run an issue's verification scenarios in the sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace, logger *slog.Logger) error {
				issue, err := ws.Repo.GetCard(ctx, args[0])
				if err != nil {
					return err
				}
				if issue.Verification == nil {
					return fmt.Errorf("issue %s has no verification block", issue.ID)
				}
				sb := &sandbox.Sandbox{
					Timeout:           ws.Config.Sandbox.Timeout,
					CPUSeconds:        ws.Config.Sandbox.CPUSeconds,
					AddressSpaceBytes: ws.Config.SandboxAddressSpaceBytes(),
					IsolateNetwork:    ws.Config.Sandbox.IsolateNetwork,
					VerificationDir:   ws.Config.Sandbox.VerificationDir,
					Logger:            logger,
				}
				res, err := sb.Verify(ctx, *issue.Verification, ws.Root)
				if err != nil {
					return err
				}
				if previewURL != "" {
					live := &sandbox.LiveVerifier{Client: &http.Client{Timeout: 10 * time.Second}}
					res.Merge(live.Verify(ctx, previewURL, issue.Verification.Scenarios))
				}
				if record {
					if _, err := ws.Repo.RecordVerification(ctx, issue.ID, "", res); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable(table.Row{"Scenario", "Status", "Error"})
				for _, sc := range res.Scenarios {
					tw.AppendRow(table.Row{sc.ID, sc.Status, sc.Error})
				}
				tw.AppendFooter(table.Row{"", fmt.Sprintf("%d/%d passed", res.Passed, res.TotalScenarios), ""})
				tw.Render()
				for _, l := range res.Logs {
					fmt.Println(l)
				}
				if !res.AllPassed() {
					return fmt.Errorf("verification failed for %s: %d of %d scenarios failed", issue.ID, res.Failed, res.TotalScenarios)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&previewURL, "preview", "", "also replay http scenarios against this preview base URL")
	cmd.Flags().BoolVar(&record, "record", true, "store the result on the issue")
	return cmd
}
