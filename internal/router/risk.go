package router

import (
	"encoding/json"
	"strings"

	"github.com/rendis/taskmesh/internal/expressions"
	"github.com/rendis/taskmesh/pkg/schema"
)

// RiskRule pairs a CEL predicate with the level it assigns when it fires.
// Rules are evaluated in order; the first match wins, so high-risk rules
// must come first.
type RiskRule struct {
	Name       string           `json:"name"`
	Expression string           `json:"expression"`
	Level      schema.RiskLevel `json:"level"`
}

// DefaultRiskRules classify subtasks touching deployments, infrastructure,
// credentials, or destructive operations as high risk; schema and
// configuration changes as medium. Everything else falls through to low.
var DefaultRiskRules = []RiskRule{
	{
		Name:       "deploy-or-release",
		Expression: `description.contains("deploy") || description.contains("release") || description.contains("rollout") || keywords.exists(k, k == "deployment")`,
		Level:      schema.RiskHigh,
	},
	{
		Name:       "infrastructure-change",
		Expression: `description.contains("infrastructure") || description.contains("terraform") || description.contains("provision") || keywords.exists(k, k == "infrastructure")`,
		Level:      schema.RiskHigh,
	},
	{
		Name:       "credential-access",
		Expression: `description.contains("credential") || description.contains("secret") || description.contains("token") || keywords.exists(k, k == "credentials")`,
		Level:      schema.RiskHigh,
	},
	{
		Name:       "destructive-operation",
		Expression: `description.contains("delete") || description.contains("drop ") || description.contains("truncate") || description.contains("destroy")`,
		Level:      schema.RiskHigh,
	},
	{
		Name:       "schema-migration",
		Expression: `description.contains("migration") || description.contains("migrate") || keywords.exists(k, k == "database")`,
		Level:      schema.RiskMedium,
	},
	{
		Name:       "configuration-change",
		Expression: `description.contains("config") || keywords.exists(k, k == "configuration")`,
		Level:      schema.RiskMedium,
	},
}

// RiskAssessor classifies subtasks by evaluating CEL rules over their
// description, keywords, and payload.
type RiskAssessor struct {
	engine *expressions.CELEngine
	rules  []RiskRule
}

// NewRiskAssessor creates an assessor; nil rules means the default rule set.
func NewRiskAssessor(engine *expressions.CELEngine, rules []RiskRule) *RiskAssessor {
	if rules == nil {
		rules = DefaultRiskRules
	}
	return &RiskAssessor{engine: engine, rules: rules}
}

// Assess returns the risk level for a subtask. The first matching rule wins;
// no match means low. A rule that fails to evaluate is treated as high risk
// so broken rules fail closed, never silently downgrade.
func (r *RiskAssessor) Assess(st *schema.SubtaskSpec, templateName string) (schema.RiskLevel, string, error) {
	var payload map[string]any
	if len(st.Payload) > 0 {
		_ = json.Unmarshal(st.Payload, &payload)
	}
	if payload == nil {
		payload = map[string]any{}
	}

	data := map[string]any{
		"description": strings.ToLower(st.Description),
		"keywords":    lowercaseAll(st.CapabilityKeywords),
		"payload":     payload,
		"template":    templateName,
	}

	for _, rule := range r.rules {
		matched, err := r.engine.EvaluateBool(rule.Expression, data)
		if err != nil {
			return schema.RiskHigh, rule.Name, schema.NewErrorf(schema.ErrCodeValidation,
				"risk rule %q failed: %s", rule.Name, err.Error()).
				WithSubtask(st.SubtaskID).WithCause(err)
		}
		if matched {
			return rule.Level, rule.Name, nil
		}
	}
	return schema.RiskLow, "", nil
}

func lowercaseAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
