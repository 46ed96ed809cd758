// Package policy classifies proposed actions into ALLOW, DENY or
// REQUIRES_APPROVAL with a risk tier. Evaluation is pure: it reads only the
// document and inputs it is given.
package policy

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"

	"foreman/internal/domain"
)

type Verdict string

const (
	Allow            Verdict = "ALLOW"
	Deny             Verdict = "DENY"
	RequiresApproval Verdict = "REQUIRES_APPROVAL"
)

// Decision is the outcome of one evaluation. Rule names the document field
// that produced it, empty for the default ALLOW.
type Decision struct {
	Verdict Verdict          `json:"verdict" enum:"ALLOW,DENY,REQUIRES_APPROVAL"`
	Risk    domain.RiskLevel `json:"risk" enum:"GREEN,YELLOW,RED"`
	Reason  string           `json:"reason"`
	Rule    string           `json:"rule,omitempty"`
}

// Actor is who proposes the action. RemainingBudgetUSD is nil when the actor
// has no budget ledger (humans, system jobs).
type Actor struct {
	Type               domain.ActorType
	ID                 string
	RemainingBudgetUSD *float64
}

// Action is a closed set of evaluable requests.
type Action interface {
	kind() string
}

// ToolInvocation is an agent calling a tool, optionally a shell command and
// optionally touching paths.
type ToolInvocation struct {
	Tool             string   `json:"tool"`
	Command          string   `json:"command,omitempty"`
	Shell            bool     `json:"shell,omitempty"`
	Paths            []string `json:"paths,omitempty"`
	Write            bool     `json:"write,omitempty"`
	EstimatedCostUSD float64  `json:"estimated_cost_usd,omitempty"`
}

// TransitionRequest is a task status change, optionally bundled with the
// tool call that motivates it.
type TransitionRequest struct {
	TaskID           string          `json:"task_id"`
	TaskType         domain.TaskType `json:"task_type"`
	Priority         int             `json:"priority"`
	From             domain.Status   `json:"from"`
	To               domain.Status   `json:"to"`
	EstimatedCostUSD float64         `json:"estimated_cost_usd,omitempty"`
	Tool             *ToolInvocation `json:"tool,omitempty"`
}

// SpawnRequest is an actor creating a child task.
type SpawnRequest struct {
	ParentTaskID string `json:"parent_task_id"`
	Depth        int    `json:"depth"`
	Siblings     int    `json:"siblings"`
}

func (ToolInvocation) kind() string    { return "tool" }
func (TransitionRequest) kind() string { return "transition" }
func (SpawnRequest) kind() string      { return "spawn" }

// Kind names the action variant.
func Kind(a Action) string { return a.kind() }

// Evaluate classifies action. DENY rules are checked before any approval rule,
// so a denied action is never redirected to approval. HUMAN actors are the
// approvers and are never asked to approve their own actions.
func Evaluate(doc Document, actor Actor, action Action) Decision {
	if d, ok := deny(doc, action); ok {
		return d
	}
	d := classify(doc, actor, action)
	if d.Verdict == RequiresApproval && actor.Type == domain.ActorHuman {
		d.Verdict = Allow
		d.Reason = "human actor: " + d.Reason
	}
	return d
}

func deny(doc Document, action Action) (Decision, bool) {
	switch a := action.(type) {
	case ToolInvocation:
		return denyTool(doc, a)
	case TransitionRequest:
		if a.Tool != nil {
			return denyTool(doc, *a.Tool)
		}
	case SpawnRequest:
		lim := doc.SpawnLimits
		if lim.MaxDepth > 0 && a.Depth > lim.MaxDepth {
			return Decision{Verdict: Deny, Risk: domain.RiskRed, Rule: "spawnLimits.maxDepth",
				Reason: fmt.Sprintf("spawn depth %d exceeds limit %d", a.Depth, lim.MaxDepth)}, true
		}
		if lim.MaxChildren > 0 && a.Siblings >= lim.MaxChildren {
			return Decision{Verdict: Deny, Risk: domain.RiskRed, Rule: "spawnLimits.maxChildren",
				Reason: fmt.Sprintf("parent already has %d children (limit %d)", a.Siblings, lim.MaxChildren)}, true
		}
	}
	return Decision{}, false
}

func denyTool(doc Document, t ToolInvocation) (Decision, bool) {
	if t.Shell || t.Command != "" {
		if rule, ok := blockedCommand(doc.ShellBlocklist, t.Command); ok {
			return Decision{Verdict: Deny, Risk: domain.RiskRed, Rule: "shellBlocklist",
				Reason: fmt.Sprintf("command matches blocked pattern %q", rule)}, true
		}
		if len(doc.ShellAllowlist) > 0 {
			if !allowedCommand(doc.ShellAllowlist, t.Command) {
				return Decision{Verdict: Deny, Risk: domain.RiskRed, Rule: "shellAllowlist",
					Reason: "command is not on the shell allowlist"}, true
			}
		}
	}
	if t.Write {
		for _, p := range t.Paths {
			if rule, ok := matchPath(doc.WriteBlockedPaths, p); ok {
				return Decision{Verdict: Deny, Risk: domain.RiskRed, Rule: "writeBlockedPaths",
					Reason: fmt.Sprintf("write to %s blocked by %q", p, rule)}, true
			}
		}
	}
	return Decision{}, false
}

func classify(doc Document, actor Actor, action Action) Decision {
	var cands []Decision
	switch a := action.(type) {
	case ToolInvocation:
		cands = append(cands, classifyTool(doc, a)...)
		cands = append(cands, classifyCost(doc, actor, a.EstimatedCostUSD)...)
	case TransitionRequest:
		if risk, ok := doc.TransitionRiskMap[TransitionKey(a.From, a.To)]; ok && risk != domain.RiskGreen {
			cands = append(cands, approval(risk, "transitionRiskMap",
				fmt.Sprintf("transition %s -> %s is %s", a.From, a.To, risk)))
		}
		if a.Tool != nil {
			cands = append(cands, classifyTool(doc, *a.Tool)...)
		}
		cost := a.EstimatedCostUSD
		if a.Tool != nil && a.Tool.EstimatedCostUSD > cost {
			cost = a.Tool.EstimatedCostUSD
		}
		cands = append(cands, classifyCost(doc, actor, cost)...)
	case SpawnRequest:
	}
	best := Decision{Verdict: Allow, Risk: domain.RiskGreen, Reason: "no rule requires approval"}
	for _, c := range cands {
		if rank(c.Risk) > rank(best.Risk) {
			best = c
		}
	}
	return best
}

func classifyTool(doc Document, t ToolInvocation) []Decision {
	var out []Decision
	for _, name := range doc.DestructiveTools {
		if name == t.Tool {
			out = append(out, approval(domain.RiskRed, "destructiveTools", fmt.Sprintf("tool %s is destructive", t.Tool)))
		}
	}
	if risk, ok := doc.ToolRiskMap[t.Tool]; ok && risk != domain.RiskGreen {
		out = append(out, approval(risk, "toolRiskMap", fmt.Sprintf("tool %s is %s", t.Tool, risk)))
	}
	if t.Write {
		for _, p := range t.Paths {
			if rule, ok := matchPath(doc.ProductionPaths, p); ok {
				out = append(out, approval(domain.RiskRed, "productionPaths", fmt.Sprintf("write to %s matches production path %q", p, rule)))
			}
		}
	}
	return out
}

func classifyCost(doc Document, actor Actor, cost float64) []Decision {
	if cost <= 0 || actor.RemainingBudgetUSD == nil {
		return nil
	}
	remaining := *actor.RemainingBudgetUSD
	if cost > remaining {
		return []Decision{approval(domain.RiskRed, "budget",
			fmt.Sprintf("estimated cost %.4f exceeds remaining budget %.4f", cost, remaining))}
	}
	if doc.ApprovalCostFraction > 0 && cost > doc.ApprovalCostFraction*remaining {
		return []Decision{approval(domain.RiskYellow, "approvalCostFraction",
			fmt.Sprintf("estimated cost %.4f exceeds %.0f%% of remaining budget %.4f", cost, doc.ApprovalCostFraction*100, remaining))}
	}
	return nil
}

func approval(risk domain.RiskLevel, rule, reason string) Decision {
	return Decision{Verdict: RequiresApproval, Risk: risk, Rule: rule, Reason: reason}
}

func rank(r domain.RiskLevel) int {
	switch r {
	case domain.RiskRed:
		return 2
	case domain.RiskYellow:
		return 1
	}
	return 0
}

func matchPath(patterns []string, p string) (string, bool) {
	clean := path.Clean(p)
	for _, pat := range patterns {
		if ok, _ := doublestar.Match(pat, clean); ok {
			return pat, true
		}
	}
	return "", false
}

// shellWords splits a command on whitespace and cuts the control operators
// ; & | (and their doubled forms) into words of their own, so "a;b" and
// "a ; b" tokenize alike.
func shellWords(command string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			flush()
		case r == ';' || r == '&' || r == '|':
			flush()
			op := string(r)
			if r != ';' && i+1 < len(runes) && runes[i+1] == r {
				op += string(r)
				i++
			}
			words = append(words, op)
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

func isOperator(w string) bool {
	switch w {
	case ";", "&", "&&", "|", "||":
		return true
	}
	return false
}

// blockedCommand reports the first blocklist rule found anywhere in the
// command. Rules float: words may precede the match and arguments may
// follow it, so "sudo rm -rf / --no-preserve-root" hits "rm ** -*r* ** /".
func blockedCommand(rules []string, command string) (string, bool) {
	words := shellWords(command)
	if len(words) == 0 {
		return "", false
	}
	for _, rule := range rules {
		pattern := append([]string{"**"}, shellWords(rule)...)
		pattern = append(pattern, "**")
		if matchWords(pattern, words) {
			return rule, true
		}
	}
	return "", false
}

// allowedCommand requires every segment between control operators to match
// an allowlist rule exactly, so "git status && curl x" is not let through by
// "git status".
func allowedCommand(rules []string, command string) bool {
	var segments [][]string
	var seg []string
	for _, w := range shellWords(command) {
		if isOperator(w) {
			segments = append(segments, seg)
			seg = nil
			continue
		}
		seg = append(seg, w)
	}
	segments = append(segments, seg)
	checked := 0
	for _, seg := range segments {
		if len(seg) == 0 {
			continue
		}
		checked++
		ok := false
		for _, rule := range rules {
			if matchWords(shellWords(rule), seg) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return checked > 0
}

// matchWords compares words against pattern one word at a time. Each pattern
// word is a doublestar glob; a bare "**" word absorbs any number of words.
func matchWords(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	if pattern[0] == "**" {
		for i := 0; i <= len(words); i++ {
			if matchWords(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	}
	if len(words) == 0 {
		return false
	}
	if ok, _ := doublestar.Match(pattern[0], words[0]); !ok {
		return false
	}
	return matchWords(pattern[1:], words[1:])
}
