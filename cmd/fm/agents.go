package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"foreman/internal/domain"
	"foreman/internal/engine"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage the agent registry",
	}
	cmd.AddCommand(agentRegisterCmd())
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentGetCmd())
	cmd.AddCommand(agentStatusCmd())
	cmd.AddCommand(agentLimitsCmd())
	cmd.AddCommand(agentHeartbeatCmd())
	cmd.AddCommand(agentRunCmd())
	return cmd
}

func agentRegisterCmd() *cobra.Command {
	var name string
	var daily, perRun float64
	cmd := &cobra.Command{
		Use:   "register <id>",
		Short: "Register an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, actorID := actor()
			opts := engine.AgentOptions{
				ID:           args[0],
				Name:         name,
				BudgetDaily:  optionalFloat(cmd, "daily", daily),
				BudgetPerRun: optionalFloat(cmd, "per-run", perRun),
				ActorID:      actorID,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterAgent(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().Float64Var(&daily, "daily", 0, "daily budget in USD (policy default if omitted, 0 = unlimited)")
	cmd.Flags().Float64Var(&perRun, "per-run", 0, "per-run budget in USD (policy default if omitted, 0 = unlimited)")
	return cmd
}

func agentListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agents, err := e.ListAgents(ctx, domain.AgentStatus(strings.ToUpper(status)))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := newTable(table.Row{"ID", "Name", "Status", "Spend today", "Daily", "Per run", "Errors", "Last heartbeat"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Status, fmt.Sprintf("%.2f", a.SpendToday),
						fmt.Sprintf("%.2f", a.BudgetDaily), fmt.Sprintf("%.2f", a.BudgetPerRun), a.ErrorStreak, deref(a.LastHeartbeatAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func agentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func agentStatusCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "status <id> <ACTIVE|PAUSED|DRAINED|QUARANTINED|OFFLINE>",
		Short: "Change an agent's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, actorID := actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SetAgentStatus(ctx, args[0], domain.AgentStatus(strings.ToUpper(args[1])), actorID, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}

func agentLimitsCmd() *cobra.Command {
	var daily, perRun float64
	cmd := &cobra.Command{
		Use:   "limits <id>",
		Short: "Replace an agent's budget limits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				current, err := e.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("daily") {
					daily = current.BudgetDaily
				}
				if !cmd.Flags().Changed("per-run") {
					perRun = current.BudgetPerRun
				}
				a, err := e.UpdateAgentLimits(ctx, args[0], daily, perRun)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Float64Var(&daily, "daily", 0, "daily budget in USD (0 = unlimited)")
	cmd.Flags().Float64Var(&perRun, "per-run", 0, "per-run budget in USD (0 = unlimited)")
	return cmd
}

func agentHeartbeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <id>",
		Short: "Check in and print the agent's work queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Heartbeat(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func agentRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id> <ok|failed>",
		Short: "Report a run outcome; repeated failures quarantine the agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ok bool
			switch strings.ToLower(args[1]) {
			case "ok", "success", "succeeded":
				ok = true
			case "failed", "fail", "error":
			default:
				return fmt.Errorf("outcome must be ok or failed, got %q", args[1])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RecordRunOutcome(ctx, args[0], ok)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func spendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spend",
		Short: "Agent budget ledger",
	}
	cmd.AddCommand(spendRecordCmd())
	cmd.AddCommand(spendHistoryCmd())
	cmd.AddCommand(spendCheckCmd())
	return cmd
}

func spendRecordCmd() *cobra.Command {
	var taskID, runID string
	cmd := &cobra.Command{
		Use:   "record <agent-id> <usd>",
		Short: "Record spend an agent already incurred",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RecordSpend(ctx, engine.SpendRequest{AgentID: args[0], AmountUSD: amount, TaskID: taskID, RunID: runID})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	return cmd
}

func spendHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <agent-id>",
		Short: "List spend entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.SpendHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				total, err := e.SpendTotal(ctx, args[0])
				if err != nil {
					return err
				}
				tw := newTable(table.Row{"At", "USD", "Task", "Run", "Transition"})
				for _, s := range entries {
					tw.AppendRow(table.Row{s.CreatedAt, fmt.Sprintf("%.4f", s.AmountUSD), deref(s.TaskID), deref(s.RunID), deref(s.TransitionID)})
				}
				tw.AppendFooter(table.Row{"Total", fmt.Sprintf("%.4f", total)})
				tw.Render()
				return nil
			})
		},
	}
}

func spendCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <agent-id> <usd>",
		Short: "Ask whether an amount fits the remaining budget",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				check, err := e.CheckAndReserve(ctx, args[0], amount)
				if err != nil {
					return err
				}
				return printJSONOrTable(check)
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var name, forType string
	cmd := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Mint an API key; the key is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, createdBy := actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plain, err := e.CreateAPIKey(ctx, domain.ActorType(strings.ToUpper(forType)), args[0], name, createdBy)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_type": key.ActorType, "actor_id": key.ActorID, "key": plain})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label")
	cmd.Flags().StringVar(&forType, "type", string(domain.ActorAgent), "actor type the key authenticates as")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, string(k.ActorType) + ":" + k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, actorID := actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, args[0], actorID); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}
