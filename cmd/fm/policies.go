package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/policy"
)

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage governance policies",
		Long:  "Policies are versioned per scope (global or a task type). The active version of a task's type wins, then the active global one, then the built-in default.",
	}
	cmd.AddCommand(policyDefaultCmd())
	cmd.AddCommand(policyImportCmd())
	cmd.AddCommand(policyListCmd())
	cmd.AddCommand(policyActiveCmd())
	cmd.AddCommand(policyActivateCmd(true))
	cmd.AddCommand(policyActivateCmd(false))
	cmd.AddCommand(policyEvaluateCmd())
	return cmd
}

func policyDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default",
		Short: "Print the built-in policy as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(policy.DefaultYAML())
			return nil
		},
	}
}

func policyImportCmd() *cobra.Command {
	var scope string
	var activate bool
	cmd := &cobra.Command{
		Use:   "import <file.yml>",
		Short: "Store a policy document as the scope's next version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, err := policy.FromYAML(data)
			if err != nil {
				return err
			}
			_, actorID := actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.CreatePolicy(ctx, engine.PolicyCreateOptions{Scope: scope, Document: doc, Activate: activate, ActorID: actorID})
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", policy.GlobalScope, "global or a task type")
	cmd.Flags().BoolVar(&activate, "activate", true, "make this version active")
	return cmd
}

func policyListCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored policy versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				recs, err := e.ListPolicies(ctx, scope)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := newTable(table.Row{"ID", "Scope", "Version", "Active", "Created by", "Created"})
				for _, r := range recs {
					tw.AppendRow(table.Row{r.ID, r.Scope, r.Version, r.Active, r.CreatedBy, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "scope filter")
	return cmd
}

func policyActiveCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "active",
		Short: "Print the document in force for a scope as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				resolved, err := e.ActivePolicy(ctx, scope)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(resolved)
				}
				source := "built-in default"
				if resolved.PolicyID != "" {
					source = fmt.Sprintf("%s v%d (%s)", resolved.Scope, resolved.Version, resolved.PolicyID)
				}
				fmt.Printf("# source: %s\n", source)
				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(resolved.Document)
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", policy.GlobalScope, "global or a task type")
	return cmd
}

func policyActivateCmd(activate bool) *cobra.Command {
	use, short := "activate <id>", "Make a stored version active for its scope"
	if !activate {
		use, short = "deactivate <id>", "Retire a stored version"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, actorID := actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				change := e.ActivatePolicy
				if !activate {
					change = e.DeactivatePolicy
				}
				rec, err := change(ctx, args[0], actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
}

func policyEvaluateCmd() *cobra.Command {
	var scope, tool, command, from, to, taskType string
	var paths []string
	var write bool
	var estimate float64
	var depth, siblings int
	var spawn bool
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Dry-run the policy for a tool call, a transition or a spawn",
		Example: `  fm policy evaluate --actor-type AGENT --actor-id a1 --tool shell --command "git push"
  fm policy evaluate --from IN_PROGRESS --to REVIEW --estimate 4
  fm policy evaluate --spawn --depth 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var inv *policy.ToolInvocation
			if tool != "" {
				inv = &policy.ToolInvocation{Tool: tool, Command: command, Shell: command != "", Paths: paths, Write: write, EstimatedCostUSD: estimate}
			}
			var action policy.Action
			switch {
			case spawn:
				action = policy.SpawnRequest{Depth: depth, Siblings: siblings}
			case to != "":
				action = policy.TransitionRequest{
					TaskType:         domain.TaskType(strings.ToUpper(taskType)),
					From:             domain.Status(strings.ToUpper(from)),
					To:               domain.Status(strings.ToUpper(to)),
					EstimatedCostUSD: estimate,
					Tool:             inv,
				}
			case inv != nil:
				action = *inv
			default:
				return fmt.Errorf("one of --tool, --to or --spawn is required")
			}
			actorType, actorID := actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.EvaluateAction(ctx, scope, policy.Actor{Type: actorType, ID: actorID}, action)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("%s (%s) %s", d.Verdict, d.Risk, d.Reason)
				if d.Rule != "" {
					fmt.Printf(" [%s]", d.Rule)
				}
				fmt.Println()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", policy.GlobalScope, "policy scope")
	cmd.Flags().StringVar(&tool, "tool", "", "tool name")
	cmd.Flags().StringVar(&command, "command", "", "shell command")
	cmd.Flags().StringArrayVar(&paths, "path", nil, "path touched (repeatable)")
	cmd.Flags().BoolVar(&write, "write", false, "the tool writes")
	cmd.Flags().Float64Var(&estimate, "estimate", 0, "estimated USD cost")
	cmd.Flags().StringVar(&from, "from", "", "transition source status")
	cmd.Flags().StringVar(&to, "to", "", "transition target status")
	cmd.Flags().StringVar(&taskType, "task-type", "", "task type of the transition")
	cmd.Flags().BoolVar(&spawn, "spawn", false, "evaluate creating a subtask")
	cmd.Flags().IntVar(&depth, "depth", 1, "depth of the new subtask")
	cmd.Flags().IntVar(&siblings, "siblings", 0, "existing children of the parent")
	return cmd
}
