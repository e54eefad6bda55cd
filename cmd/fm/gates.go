package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"foreman/internal/app"
	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/repo"
	"foreman/internal/server"
)

func gateCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "gate",
		Short: "Operator decisions",
		Long:  "Gate requests are raised when a tool call needs approval or a guard decision is malformed. Resolving one releases the parked issue.",
	}
	g.AddCommand(gateListCmd())
	g.AddCommand(gateResolveCmd())
	return g
}

func gateListCmd() *cobra.Command {
	var f repo.GateFilter
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List gate requests (pending by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all {
				f.Status = domain.GatePending
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace, _ *slog.Logger) error {
				gates, err := ws.Repo.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(gates)
				}
				tw := newTable(table.Row{"Request", "Issue", "Seat", "Mode", "Type", "Status", "Decision", "Reason"})
				for _, g := range gates {
					tw.AppendRow(table.Row{g.RequestID, g.IssueID, g.SeatName, g.GateMode, g.RequestType, g.Status, g.Decision, g.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.SessionID, "session", "", "session filter")
	cmd.Flags().StringVar(&f.IssueID, "issue", "", "issue filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum requests")
	cmd.Flags().BoolVar(&all, "all", false, "include resolved requests")
	return cmd
}

func gateResolveCmd() *cobra.Command {
	var resolution string
	cmd := &cobra.Command{
		Use:   "resolve <request-id> <approved|rejected|resolved>",
		Short: "Resolve a gate request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace, logger *slog.Logger) error {
				g, err := engine.ResolveGate(ctx, ws.Repo, args[0], args[1], resolution, actorID())
				if err != nil {
					return err
				}
				logger.Info("gate resolved", "request", g.RequestID, "decision", g.Decision, "issue", g.IssueID)
				if viper.GetBool("json") {
					return printJSON(g)
				}
				fmt.Printf("%s %s\n", g.RequestID, g.Decision)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&resolution, "note", "", "resolution note")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every card change, gate request, verification and run boundary is appended to the event log.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace, _ *slog.Logger) error {
				evts, err := ws.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable(table.Row{"ID", "Time", "Type", "Session", "Entity", "Actor", "Payload"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.SessionID, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.SessionID, "session", "", "session filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for fm serve",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys of the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner := actorID()
			if all {
				owner = ""
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace, _ *slog.Logger) error {
				keys, err := ws.Repo.ListAPIKeys(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list keys of every actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace, logger *slog.Logger) error {
				if err := ws.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				logger.Info("api key revoked", "id", args[0], "actor", actorID())
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace, _ *slog.Logger) error {
				plain, key, err := repo.NewAPIKey(actorID(), name)
				if err != nil {
					return err
				}
				if err := ws.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": plain})
				}
				fmt.Printf("API key %s for %s:\n%s\n", key.ID, key.ActorID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		roles, scopes []string
		ttl           time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with FOREMAN_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("FOREMAN_JWT_SECRET")
			if strings.TrimSpace(secret) == "" {
				return fmt.Errorf("FOREMAN_JWT_SECRET is required")
			}
			token, err := server.SignToken(secret, actorID(), roles, scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles claim")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{server.ScopeAll}, "scopes claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
