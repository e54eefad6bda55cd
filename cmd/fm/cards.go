package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"

	"foreman/internal/app"
	"foreman/internal/critpath"
	"foreman/internal/domain"
	"foreman/internal/repo"
)

func cardCmd() *cobra.Command {
	card := &cobra.Command{
		Use:   "card",
		Short: "Manage rocks, epics and issues",
		Long:  "Cards form a tree: a rock holds epics, an epic holds issues. Issues may depend on sibling issues of the same epic.",
	}
	card.AddCommand(cardCreateCmd())
	card.AddCommand(cardListCmd())
	card.AddCommand(cardShowCmd())
	card.AddCommand(cardStatusCmd())
	return card
}

func cardCreateCmd() *cobra.Command {
	var (
		id, cardType, parent, summary, description, seat, verificationFile string
		priority                                                           float64
		maxRetries                                                         int
		dependsOn                                                          []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a card",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, ok := domain.ParseCardType(cardType)
			if !ok {
				return fmt.Errorf("invalid --type %q (rock, epic or issue)", cardType)
			}
			c := domain.Card{
				ID:          id,
				Type:        t,
				ParentID:    parent,
				Summary:     summary,
				Description: description,
				Seat:        seat,
				Priority:    priority,
				DependsOn:   dependsOn,
			}
			if cmd.Flags().Changed("max-retries") {
				c.MaxRetries = &maxRetries
			}
			if verificationFile != "" {
				v, err := loadVerification(verificationFile)
				if err != nil {
					return err
				}
				c.Verification = &v
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace, _ *slog.Logger) error {
				created, err := ws.Repo.CreateCard(ctx, c, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(created)
				}
				fmt.Printf("created %s %s\n", created.Type, created.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "card id (generated when empty)")
	cmd.Flags().StringVar(&cardType, "type", "issue", "rock, epic or issue")
	cmd.Flags().StringVar(&parent, "parent", "", "parent card id")
	cmd.Flags().StringVar(&summary, "summary", "", "one-line summary")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&seat, "seat", "", "seat that works the issue while ready or in progress")
	cmd.Flags().Float64Var(&priority, "priority", 1, "base priority")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "turn retries before a failure is catastrophic (default run.max_retries)")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "sibling issue ids")
	cmd.Flags().StringVar(&verificationFile, "verification", "", "JSON (comments allowed) file with fixture_path and scenarios")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

// loadVerification reads an issue verification block. Comments and trailing
// commas are accepted.
func loadVerification(path string) (domain.IssueVerification, error) {
	var v domain.IssueVerification
	data, err := os.ReadFile(path)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &v); err != nil {
		return v, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(v.Scenarios) == 0 {
		return v, fmt.Errorf("%s: at least one scenario is required", path)
	}
	for i := range v.Scenarios {
		if strings.TrimSpace(v.Scenarios[i].ID) == "" {
			return v, fmt.Errorf("%s: scenario %d has no id", path, i)
		}
		if v.Scenarios[i].Status == "" {
			v.Scenarios[i].Status = domain.ScenarioPending
		}
	}
	return v, nil
}

func cardListCmd() *cobra.Command {
	var f repo.CardFilter
	var cardType, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cardType != "" {
				t, ok := domain.ParseCardType(cardType)
				if !ok {
					return fmt.Errorf("invalid --type %q", cardType)
				}
				f.Type = t
			}
			if status != "" {
				st, ok := domain.ParseStatus(status)
				if !ok {
					return fmt.Errorf("invalid --status %q", status)
				}
				f.Status = st
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace, _ *slog.Logger) error {
				cards, err := ws.Repo.ListCards(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cards)
				}
				tw := newTable(table.Row{"ID", "Type", "Parent", "Status", "Wait", "Priority", "Depends on", "Summary"})
				for _, c := range cards {
					tw.AppendRow(table.Row{c.ID, c.Type, c.ParentID, c.Status, waitReason(c), c.Priority, strings.Join(c.DependsOn, ","), c.Summary})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cardType, "type", "", "type filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum cards")
	return cmd
}

func cardShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a card with its verification history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace, _ *slog.Logger) error {
				c, err := ws.Repo.GetCard(ctx, args[0])
				if err != nil {
					return err
				}
				runs, err := ws.Repo.ListVerificationRuns(ctx, c.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"card": c, "verification_runs": runs})
			})
		},
	}
}

func cardStatusCmd() *cobra.Command {
	var (
		wait         string
		roles        []string
		force        bool
		resetRetries bool
	)
	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Move a card to another status",
		Long:  "Transitions follow the card lifecycle. Finalizing an issue needs --role integrity_guard; blocked and waiting_for_developer need --wait-reason.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, ok := domain.ParseStatus(args[1])
			if !ok {
				return fmt.Errorf("invalid status %q", args[1])
			}
			ch := repo.StatusChange{To: to, Roles: roles, Force: force, ActorID: actorID()}
			if wait != "" {
				wr, ok := domain.ParseWaitReason(wait)
				if !ok {
					return fmt.Errorf("invalid --wait-reason %q", wait)
				}
				ch.WaitReason = &wr
			}
			if resetRetries {
				ch.Mutate = func(c *domain.Card) { c.RetryCount = 0 }
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace, _ *slog.Logger) error {
				c, err := ws.Repo.SetStatus(ctx, args[0], ch)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("%s is now %s\n", c.ID, c.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&wait, "wait-reason", "", "resource, dependency, review, input or system")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles of the actor making the change")
	cmd.Flags().BoolVar(&force, "force", false, "skip the transition graph (operator override)")
	cmd.Flags().BoolVar(&resetRetries, "reset-retries", false, "restore the card's full retry budget")
	return cmd
}

func queueCmd() *cobra.Command {
	var epicID string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the critical-path order of an epic's ready issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace, _ *slog.Logger) error {
				issues, err := ws.Repo.ListIssues(ctx, epicID)
				if err != nil {
					return err
				}
				ranked := critpath.Rank(issues)
				if viper.GetBool("json") {
					return printJSON(ranked)
				}
				tw := newTable(table.Row{"#", "ID", "Priority", "Unblocks", "Score"})
				for i, e := range ranked {
					tw.AppendRow(table.Row{i + 1, e.ID, e.Priority, e.Weight, e.Score})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&epicID, "epic", "", "epic id")
	_ = cmd.MarkFlagRequired("epic")
	return cmd
}

func waitReason(c domain.Card) string {
	if c.WaitReason == nil {
		return ""
	}
	return string(*c.WaitReason)
}
