package workflow

import (
	"fmt"

	"github.com/taskmesh/taskmesh/types"
)

// ListPolicyGuard is a PolicyGuard backed by allow/deny lists of
// "agent_id:task_type" rules. "*" matches any agent or task type. The deny
// list takes precedence over the allow list; DefaultAllow decides unmatched
// requests.
type ListPolicyGuard struct {
	Allow        []PolicyRule
	Deny         []PolicyRule
	DefaultAllow bool
}

// PolicyRule matches an (agent, task type) pair; "*" is a wildcard.
type PolicyRule struct {
	AgentID  string
	TaskType string
}

func (r PolicyRule) matches(agentID, taskType string) bool {
	agentOK := r.AgentID == "*" || r.AgentID == agentID
	typeOK := r.TaskType == "*" || r.TaskType == taskType
	return agentOK && typeOK
}

// Check implements PolicyGuard.
func (g *ListPolicyGuard) Check(agentID, taskType string, _ map[string]any) error {
	for _, rule := range g.Deny {
		if rule.matches(agentID, taskType) {
			return types.Errorf(types.ErrPolicyDenied,
				"task type %q denied for agent %q", taskType, agentID)
		}
	}
	for _, rule := range g.Allow {
		if rule.matches(agentID, taskType) {
			return nil
		}
	}
	if g.DefaultAllow {
		return nil
	}
	return types.Errorf(types.ErrPolicyDenied,
		"task type %q not allowed for agent %q", taskType, agentID)
}

// ParamSpec constrains one task parameter.
type ParamSpec struct {
	// Required rejects params that omit the key.
	Required bool
	// Kind restricts the value type: "string", "number", "bool", "map",
	// "list". Empty accepts any type.
	Kind string
}

// MapSchemaRegistry is a TaskSchemaRegistry backed by per-(agent, task type)
// parameter specs. Absent schemas validate as a no-op.
type MapSchemaRegistry struct {
	schemas map[string]map[string]ParamSpec
}

// NewMapSchemaRegistry creates an empty schema registry.
func NewMapSchemaRegistry() *MapSchemaRegistry {
	return &MapSchemaRegistry{schemas: make(map[string]map[string]ParamSpec)}
}

// RegisterSchema sets the param specs for an (agentID, taskType) pair.
func (r *MapSchemaRegistry) RegisterSchema(agentID, taskType string, specs map[string]ParamSpec) {
	r.schemas[schemaKey(agentID, taskType)] = specs
}

// Validate implements TaskSchemaRegistry.
func (r *MapSchemaRegistry) Validate(agentID, taskType string, params map[string]any) error {
	specs, ok := r.schemas[schemaKey(agentID, taskType)]
	if !ok {
		return nil
	}
	for key, spec := range specs {
		value, present := params[key]
		if !present {
			if spec.Required {
				return types.Errorf(types.ErrValidationFailed,
					"param %q is required for %s/%s", key, agentID, taskType)
			}
			continue
		}
		if spec.Kind != "" && !kindMatches(spec.Kind, value) {
			return types.Errorf(types.ErrValidationFailed,
				"param %q of %s/%s: expected %s, got %T", key, agentID, taskType, spec.Kind, value)
		}
	}
	return nil
}

func schemaKey(agentID, taskType string) string {
	return fmt.Sprintf("%s/%s", agentID, taskType)
}

func kindMatches(kind string, value any) bool {
	switch kind {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "bool":
		_, ok := value.(bool)
		return ok
	case "map":
		_, ok := value.(map[string]any)
		return ok
	case "list":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}
