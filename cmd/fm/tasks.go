package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/lifecycle"
	"foreman/internal/policy"
	"foreman/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow INBOX -> ASSIGNED -> IN_PROGRESS -> REVIEW -> DONE. Each move needs the right actor and artifacts, and risky moves wait in NEEDS_APPROVAL.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskMoveCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskHistoryCmd())
	task.AddCommand(taskDependCmd())
	task.AddCommand(taskStatsCmd())
	task.AddCommand(taskRulesCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var taskType string
	var budgetUSD float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task in INBOX",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorType, opts.ActorID = actor()
			opts.Type = domain.TaskType(strings.ToUpper(taskType))
			opts.BudgetUSD = optionalFloat(cmd, "budget", budgetUSD)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (random UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&taskType, "type", string(domain.TaskEngineering), "task type")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority 1 (urgent) to 4 (low); default 3")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent task id")
	cmd.Flags().StringArrayVar(&opts.DependsOn, "depends-on", nil, "dependency task id (repeatable)")
	cmd.Flags().Float64Var(&budgetUSD, "budget", 0, "task budget in USD (policy default if omitted)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var status, taskType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.Status(strings.ToUpper(status))
			f.Type = domain.TaskType(strings.ToUpper(taskType))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable(table.Row{"ID", "Title", "Type", "Status", "Priority", "Assignees", "Budget left"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Type, t.Status, t.Priority, strings.Join(t.AssigneeIDs, ","), fmt.Sprintf("%.2f", t.BudgetRemaining)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&taskType, "type", "", "task type filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent task id")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

// transitionFlags are the artifact and policy inputs shared by move commands.
type transitionFlags struct {
	key        string
	reason     string
	expected   string
	cost       float64
	estimate   float64
	runID      string
	justify    string
	artifacts  domain.Artifacts
	tool       string
	command    string
	shell      bool
	paths      []string
	write      bool
	toolEstUSD float64
}

func (f *transitionFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.key, "key", "", "idempotency key (a fresh one is generated if omitted)")
	cmd.Flags().StringVar(&f.reason, "reason", "", "reason recorded in the ledger")
	cmd.Flags().StringVar(&f.expected, "expect", "", "status the move starts from (defaults to the task's status when read)")
	cmd.Flags().Float64Var(&f.cost, "cost", 0, "USD charged to the acting agent")
	cmd.Flags().Float64Var(&f.estimate, "estimate", 0, "estimated USD cost fed to the policy")
	cmd.Flags().StringVar(&f.runID, "run-id", "", "agent run id")
	cmd.Flags().StringVar(&f.justify, "justification", "", "justification shown to approvers")
	cmd.Flags().StringArrayVar(&f.artifacts.AssigneeIDs, "assignee", nil, "assignee agent id (repeatable)")
	cmd.Flags().StringVar(&f.artifacts.WorkPlan, "work-plan", "", "work plan")
	cmd.Flags().StringVar(&f.artifacts.Deliverable, "deliverable", "", "deliverable")
	cmd.Flags().StringVar(&f.artifacts.SelfReview, "self-review", "", "self review")
	cmd.Flags().StringArrayVar(&f.artifacts.ReviewChecklist, "checklist", nil, "review checklist item (repeatable)")
	cmd.Flags().StringVar(&f.artifacts.ApprovalRecord, "approval-record", "", "approval record")
	cmd.Flags().StringVar(&f.tool, "tool", "", "tool the move invokes")
	cmd.Flags().StringVar(&f.command, "command", "", "shell command the tool runs")
	cmd.Flags().BoolVar(&f.shell, "shell", false, "tool runs a shell command")
	cmd.Flags().StringArrayVar(&f.paths, "path", nil, "path the tool touches (repeatable)")
	cmd.Flags().BoolVar(&f.write, "write", false, "tool writes to the paths")
	cmd.Flags().Float64Var(&f.toolEstUSD, "tool-estimate", 0, "estimated USD cost of the tool call")
}

func (f *transitionFlags) request(taskID string, to domain.Status) engine.TransitionRequest {
	actorType, actorID := actor()
	key := f.key
	if key == "" {
		key = uuid.NewString()
	}
	req := engine.TransitionRequest{
		TaskID:           taskID,
		To:               to,
		ActorType:        actorType,
		ActorID:          actorID,
		IdempotencyKey:   key,
		Artifacts:        f.artifacts,
		Reason:           f.reason,
		ExpectedFrom:     domain.Status(strings.ToUpper(f.expected)),
		CostUSD:          f.cost,
		EstimatedCostUSD: f.estimate,
		RunID:            f.runID,
		Justification:    f.justify,
	}
	if f.tool != "" {
		req.Tool = &policy.ToolInvocation{
			Tool:             f.tool,
			Command:          f.command,
			Shell:            f.shell || f.command != "",
			Paths:            f.paths,
			Write:            f.write,
			EstimatedCostUSD: f.toolEstUSD,
		}
	}
	return req
}

// printTransition prints the result and turns a rejection into a non-zero exit.
func printTransition(res engine.TransitionResult) error {
	if viper.GetBool("json") {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		switch {
		case res.Replayed && res.Code == domain.CodeApprovalRequired:
			fmt.Printf("replayed: held for approval %s (%s)\n", res.Approval.ID, res.Approval.Status)
		case res.Replayed:
			fmt.Printf("replayed: task %s is %s\n", res.Task.ID, res.Task.Status)
		case res.Code == domain.CodeApprovalRequired:
			fmt.Printf("held for approval %s (%s risk)\n", res.Approval.ID, res.Approval.RiskLevel)
		case res.Success:
			fmt.Printf("task %s: %s -> %s\n", res.Task.ID, res.Transition.FromStatus, res.Transition.ToStatus)
		default:
			for _, v := range res.Errors {
				fmt.Printf("%s: %s\n", v.Code, v.Message)
			}
			if len(res.AllowedTransitions) > 0 {
				fmt.Printf("allowed: %v\n", res.AllowedTransitions)
			}
		}
	}
	if !res.Success && res.Code != domain.CodeApprovalRequired {
		return fmt.Errorf("transition rejected: %s", res.Code)
	}
	return nil
}

func taskMoveCmd() *cobra.Command {
	var f transitionFlags
	cmd := &cobra.Command{
		Use:   "move <id> <status>",
		Short: "Request a governed status change",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := f.request(args[0], domain.Status(strings.ToUpper(args[1])))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if req.ExpectedFrom == "" {
					t, err := e.GetTask(ctx, req.TaskID)
					if err != nil {
						return err
					}
					req.ExpectedFrom = t.Status
				}
				res, err := e.Transition(ctx, req)
				if err != nil {
					return err
				}
				return printTransition(res)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var key, reason, expected string
	cmd := &cobra.Command{
		Use:   "assign <id> <agent-id>...",
		Short: "Assign agents to an INBOX task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorType, actorID := actor()
			if key == "" {
				key = uuid.NewString()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Assign(ctx, engine.AssignRequest{
					TaskID:         args[0],
					AgentIDs:       args[1:],
					ActorType:      actorType,
					ActorID:        actorID,
					IdempotencyKey: key,
					Reason:         reason,
					ExpectedFrom:   domain.Status(strings.ToUpper(expected)),
				})
				if err != nil {
					return err
				}
				return printTransition(res)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().StringVar(&expected, "expect", "", "status the task is assigned from (default INBOX)")
	return cmd
}

func taskHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the transition ledger for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := newTable(table.Row{"At", "From", "To", "Actor", "Cost", "Approval", "Reason"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.CreatedAt, r.FromStatus, r.ToStatus, string(r.ActorType) + ":" + r.ActorID,
						fmt.Sprintf("%.2f", r.CostUSD), deref(r.ApprovalID), r.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskDependCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "depend <id> <depends-on-id>",
		Short: "Make a task wait for another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, actorID := actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddDependency(ctx, args[0], args[1], actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count tasks per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := newTable(table.Row{"Status", "Tasks"})
				total := 0
				for _, st := range domain.Statuses {
					tw.AppendRow(table.Row{st, counts[st]})
					total += counts[st]
				}
				tw.AppendFooter(table.Row{"Total", total})
				tw.Render()
				return nil
			})
		},
	}
}

func taskRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Print the lifecycle transition table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rules := lifecycle.Rules()
			if viper.GetBool("json") {
				return printJSON(rules)
			}
			tw := newTable(table.Row{"From", "To", "Actors", "Requires"})
			for _, r := range rules {
				actors := make([]string, len(r.Actors))
				for i, a := range r.Actors {
					actors[i] = string(a)
				}
				requires := make([]string, len(r.Requires))
				for i, k := range r.Requires {
					requires[i] = string(k)
				}
				tw.AppendRow(table.Row{r.From, r.To, strings.Join(actors, ","), strings.Join(requires, ",")})
			}
			tw.Render()
			return nil
		},
	}
}

func approvalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "Review and decide approvals",
	}
	cmd.AddCommand(approvalListCmd())
	cmd.AddCommand(approvalGetCmd())
	cmd.AddCommand(approvalRequestCmd())
	cmd.AddCommand(approvalDecideCmd("approve"))
	cmd.AddCommand(approvalDecideCmd("deny"))
	cmd.AddCommand(approvalCancelCmd())
	return cmd
}

func approvalListCmd() *cobra.Command {
	var f repo.ApprovalFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.ApprovalStatus(strings.ToUpper(status))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListApprovals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Status", "Risk", "Task", "Requestor", "Action", "Expires"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Status, a.RiskLevel, deref(a.TaskID), a.RequestorID, a.ActionSummary, a.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task id")
	cmd.Flags().StringVar(&f.RequestorID, "requestor", "", "requestor id")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func approvalGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetApproval(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func approvalRequestCmd() *cobra.Command {
	var req engine.ApprovalRequest
	var risk string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Ask for approval of an action outside a task move",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.RequestorType, req.RequestorID = actor()
			req.RiskLevel = domain.RiskLevel(strings.ToUpper(risk))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RequestApproval(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&req.TaskID, "task", "", "related task id")
	cmd.Flags().StringVar(&risk, "risk", string(domain.RiskYellow), "YELLOW or RED")
	cmd.Flags().StringVar(&req.ActionType, "action", "", "action type, e.g. deploy")
	cmd.Flags().StringVar(&req.ActionSummary, "summary", "", "what will happen")
	cmd.Flags().StringVar(&req.Justification, "justification", "", "why")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func approvalDecideCmd(verb string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   verb + " <id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorType, actorID := actor()
			d := engine.Decision{UserID: actorID, Reason: reason}
			if actorType == domain.ActorAgent {
				d = engine.Decision{AgentID: actorID, Reason: reason}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				decide := e.Approve
				if verb == "deny" {
					decide = e.Deny
				}
				res, err := decide(ctx, args[0], d)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "decision reason")
	return cmd
}

func approvalCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Withdraw a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorType, actorID := actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CancelApproval(ctx, args[0], actorType, actorID, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}
