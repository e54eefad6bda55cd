package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"foreman/internal/app"
	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/logging"
	"foreman/internal/sandbox"
	"foreman/internal/telemetry"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fm",
	Short: "foreman CLI",
	Long: `foreman drives a team of model-backed seats through the issues of an epic.
- Cards: rocks hold epics, epics hold issues; issues depend on sibling issues.
- Seats: named team members with roles; routing maps a status to the seat that acts on it.
- Run: each iteration picks ready issues in critical-path order and gives each one turn.
- Guard: only the integrity guard seat can finalize an issue.
- Gates: decisions that wait for an operator (fm gate list / fm gate resolve).
- Event log: every change, view with 'fm log tail'.`,
	SilenceUsage: true,
}

func main() {
	// The verification sandbox re-executes this binary as its child.
	sandbox.MaybeRunChild()

	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FOREMAN")
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
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create foreman.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			ws, err := app.OpenWorkspace(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer ws.Close()
			if viper.GetBool("json") {
				return printJSON(map[string]string{"config": path, "database": db.Path(ws.Root)})
			}
			fmt.Printf("Initialized %s and %s\n", path, db.Path(ws.Root))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing foreman.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect foreman.yml",
		Long:  "Config holds run limits, tool policy, routing, the default team, sandbox limits and the model provider.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config (defaults merged)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate foreman.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- helpers ---

// withWorkspace opens the workspace, its logger and telemetry for one command.
func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace, *slog.Logger) error) error {
	ws, err := app.OpenWorkspace(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ws.Close()
	logger, err := logging.New(ws.Config.Logging, os.Stderr)
	if err != nil {
		return err
	}
	shutdown, err := telemetry.Init(ctx, ws.Config.Telemetry.Enabled, "foreman", version)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()
	return fn(ctx, ws, logger)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	return tw
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func actorID() string {
	if a := strings.TrimSpace(viper.GetString("actor-id")); a != "" {
		return a
	}
	return "local-user"
}
