package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hay-kot/criterio"
	"gopkg.in/yaml.v3"

	"foreman/internal/domain"
)

// GlobalScope is the fallback scope consulted when no task-type document is active.
const GlobalScope = "global"

// Document is one immutable version of the governance rules.
type Document struct {
	// ToolRiskMap classifies tools by name. Unlisted tools are GREEN.
	ToolRiskMap map[string]domain.RiskLevel `yaml:"toolRiskMap" json:"toolRiskMap,omitempty"`
	// TransitionRiskMap classifies task edges keyed "FROM->TO".
	TransitionRiskMap    map[string]domain.RiskLevel `yaml:"transitionRiskMap" json:"transitionRiskMap,omitempty"`
	DestructiveTools     []string                    `yaml:"destructiveTools" json:"destructiveTools,omitempty"`
	ShellAllowlist       []string                    `yaml:"shellAllowlist" json:"shellAllowlist,omitempty"`
	ShellBlocklist       []string                    `yaml:"shellBlocklist" json:"shellBlocklist,omitempty"`
	WriteBlockedPaths    []string                    `yaml:"writeBlockedPaths" json:"writeBlockedPaths,omitempty"`
	ProductionPaths      []string                    `yaml:"productionPaths" json:"productionPaths,omitempty"`
	ApprovalCostFraction float64                     `yaml:"approvalCostFraction" json:"approvalCostFraction"`
	ApprovalTimeouts     ApprovalTimeouts            `yaml:"approvalTimeouts" json:"approvalTimeouts"`
	BudgetDefaults       BudgetDefaults              `yaml:"budgetDefaults" json:"budgetDefaults"`
	SpawnLimits          SpawnLimits                 `yaml:"spawnLimits" json:"spawnLimits"`
	LoopThresholds       LoopThresholds              `yaml:"loopThresholds" json:"loopThresholds"`
}

type ApprovalTimeouts struct {
	YellowMinutes int `yaml:"yellowMinutes" json:"yellowMinutes"`
	RedMinutes    int `yaml:"redMinutes" json:"redMinutes"`
}

// For returns how long an approval at the given risk stays open.
func (t ApprovalTimeouts) For(risk domain.RiskLevel) time.Duration {
	if risk == domain.RiskRed {
		return time.Duration(t.RedMinutes) * time.Minute
	}
	return time.Duration(t.YellowMinutes) * time.Minute
}

type BudgetDefaults struct {
	AgentDailyUSD  float64 `yaml:"agentDailyUsd" json:"agentDailyUsd"`
	AgentPerRunUSD float64 `yaml:"agentPerRunUsd" json:"agentPerRunUsd"`
	TaskUSD        float64 `yaml:"taskUsd" json:"taskUsd"`
}

type SpawnLimits struct {
	MaxDepth    int `yaml:"maxDepth" json:"maxDepth"`
	MaxChildren int `yaml:"maxChildren" json:"maxChildren"`
}

type LoopThresholds struct {
	MaxErrorStreak int `yaml:"maxErrorStreak" json:"maxErrorStreak"`
}

// TransitionKey formats the TransitionRiskMap key for an edge.
func TransitionKey(from, to domain.Status) string {
	return string(from) + "->" + string(to)
}

// Default returns the built-in document used when no policy is active.
func Default() Document {
	var doc Document
	if err := yaml.Unmarshal([]byte(defaultTemplate), &doc); err != nil {
		panic(fmt.Sprintf("default policy: %v", err))
	}
	return doc
}

// DefaultYAML returns the built-in document as YAML, for scaffolding.
func DefaultYAML() string {
	return defaultTemplate
}

// FromYAML parses and validates a document.
func FromYAML(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("invalid policy yaml: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// FromJSON decodes a stored document.
func FromJSON(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("invalid policy json: %w", err)
	}
	return doc, nil
}

// JSON encodes the document for storage.
func (d Document) JSON() ([]byte, error) {
	return json.Marshal(d)
}

// Validate reports every malformed field at once.
func (d Document) Validate() error {
	return criterio.ValidateStruct(
		validateRiskMap("toolRiskMap", d.ToolRiskMap),
		d.validateTransitionRisk(),
		validateGlobs("writeBlockedPaths", d.WriteBlockedPaths),
		validateGlobs("productionPaths", d.ProductionPaths),
		validateShellRules("shellAllowlist", d.ShellAllowlist),
		validateShellRules("shellBlocklist", d.ShellBlocklist),
		d.validateNumbers(),
	)
}

func validateRiskMap(field string, m map[string]domain.RiskLevel) error {
	var errs criterio.FieldErrorsBuilder
	for name, risk := range m {
		if strings.TrimSpace(name) == "" {
			errs = errs.Append(field, fmt.Errorf("empty key"))
			continue
		}
		switch risk {
		case domain.RiskGreen, domain.RiskYellow, domain.RiskRed:
		default:
			errs = errs.Append(fmt.Sprintf("%s[%q]", field, name), fmt.Errorf("unknown risk level %q", risk))
		}
	}
	return errs.ToError()
}

func (d Document) validateTransitionRisk() error {
	if err := validateRiskMap("transitionRiskMap", d.TransitionRiskMap); err != nil {
		return err
	}
	var errs criterio.FieldErrorsBuilder
	for key := range d.TransitionRiskMap {
		from, to, ok := strings.Cut(key, "->")
		if !ok || !domain.Status(from).Valid() || !domain.Status(to).Valid() {
			errs = errs.Append(fmt.Sprintf("transitionRiskMap[%q]", key), fmt.Errorf("key must be FROM->TO with known statuses"))
		}
	}
	return errs.ToError()
}

func validateGlobs(field string, patterns []string) error {
	var errs criterio.FieldErrorsBuilder
	for i, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			errs = errs.Append(fmt.Sprintf("%s[%d]", field, i), fmt.Errorf("invalid glob %q", p))
		}
	}
	return errs.ToError()
}

func validateShellRules(field string, rules []string) error {
	var errs criterio.FieldErrorsBuilder
	for i, rule := range rules {
		words := shellWords(rule)
		if len(words) == 0 {
			errs = errs.Append(fmt.Sprintf("%s[%d]", field, i), fmt.Errorf("empty rule"))
			continue
		}
		for _, w := range words {
			if !doublestar.ValidatePattern(w) {
				errs = errs.Append(fmt.Sprintf("%s[%d]", field, i), fmt.Errorf("invalid glob %q", w))
				break
			}
		}
	}
	return errs.ToError()
}

func (d Document) validateNumbers() error {
	var errs criterio.FieldErrorsBuilder
	if d.ApprovalCostFraction < 0 || d.ApprovalCostFraction > 1 {
		errs = errs.Append("approvalCostFraction", fmt.Errorf("must be between 0 and 1"))
	}
	if d.ApprovalTimeouts.YellowMinutes <= 0 {
		errs = errs.Append("approvalTimeouts.yellowMinutes", fmt.Errorf("must be positive"))
	}
	if d.ApprovalTimeouts.RedMinutes <= 0 {
		errs = errs.Append("approvalTimeouts.redMinutes", fmt.Errorf("must be positive"))
	}
	if d.BudgetDefaults.AgentDailyUSD < 0 || d.BudgetDefaults.AgentPerRunUSD < 0 || d.BudgetDefaults.TaskUSD < 0 {
		errs = errs.Append("budgetDefaults", fmt.Errorf("amounts must not be negative"))
	}
	if d.SpawnLimits.MaxDepth < 0 || d.SpawnLimits.MaxChildren < 0 {
		errs = errs.Append("spawnLimits", fmt.Errorf("limits must not be negative"))
	}
	if d.LoopThresholds.MaxErrorStreak < 0 {
		errs = errs.Append("loopThresholds.maxErrorStreak", fmt.Errorf("must not be negative"))
	}
	return errs.ToError()
}

const defaultTemplate = `toolRiskMap:
  read_file: GREEN
  search: GREEN
  write_file: YELLOW
  shell: YELLOW
  http_request: YELLOW
  deploy: RED
  send_email: RED
  payment: RED

transitionRiskMap:
  REVIEW->DONE: GREEN

destructiveTools:
  - drop_database
  - delete_repository
  - force_push

shellAllowlist: []

shellBlocklist:
  - "rm ** -*[rR]* ** /"
  - 'rm ** -*[rR]* ** /\*'
  - "mkfs*"
  - "dd ** of=/dev/**"
  - "shutdown"
  - "reboot"
  - "curl ** | *sh"
  - "wget ** | *sh"

writeBlockedPaths:
  - "/etc/**"
  - "**/.git/**"
  - "**/.env"
  - "**/*.pem"

productionPaths:
  - "prod/**"
  - "deploy/production/**"

approvalCostFraction: 0.5

approvalTimeouts:
  yellowMinutes: 30
  redMinutes: 60

budgetDefaults:
  agentDailyUsd: 10
  agentPerRunUsd: 2
  taskUsd: 5

spawnLimits:
  maxDepth: 3
  maxChildren: 10

loopThresholds:
  maxErrorStreak: 5
`
