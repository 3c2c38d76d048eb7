package models

// Effect is the outcome a matching rule yields.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Permission actions checked by the services.
const (
	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionCancel = "cancel"
)

// Resource types known to the permission engine.
const (
	ResourceWorkflow  = "workflow"
	ResourceExecution = "execution"
	ResourcePolicy    = "policy"
)

// ConditionKind tags the variant stored in a Condition.
type ConditionKind string

const (
	ConditionAlways         ConditionKind = "always"
	ConditionNever          ConditionKind = "never"
	ConditionOwnerMatches   ConditionKind = "owner_matches"
	ConditionFieldEquals    ConditionKind = "field_equals"
	ConditionActorAttribute ConditionKind = "actor_attribute"
	ConditionExpression     ConditionKind = "expression"
)

// Condition is a rule predicate stored as data and interpreted at check time.
type Condition struct {
	Kind       ConditionKind `json:"kind"                 validate:"required,oneof=always never owner_matches field_equals actor_attribute expression"`
	Field      string        `json:"field,omitempty"`
	Value      any           `json:"value,omitempty"`
	Expression string        `json:"expression,omitempty"`
}

// Always returns a condition that matches everything.
func Always() Condition { return Condition{Kind: ConditionAlways} }

// OwnerMatches returns a condition matching resources owned by the actor.
func OwnerMatches() Condition { return Condition{Kind: ConditionOwnerMatches} }

// FieldEquals returns a condition comparing a dotted path against value.
func FieldEquals(field string, value any) Condition {
	return Condition{Kind: ConditionFieldEquals, Field: field, Value: value}
}

// Expression returns a condition evaluated by the expression interpreter.
func Expression(source string) Condition {
	return Condition{Kind: ConditionExpression, Expression: source}
}

// Rule grants or denies one action on one resource type when its condition holds.
type Rule struct {
	ID           string    `json:"id"`
	PolicyID     string    `json:"policy_id"`
	Action       string    `json:"action"        validate:"required"`
	ResourceType string    `json:"resource_type" validate:"required"`
	Condition    Condition `json:"condition"`
	Effect       Effect    `json:"effect"        validate:"required,oneof=allow deny"`
}

// Matches reports whether the rule applies to (action, resourceType).
func (r *Rule) Matches(action, resourceType string) bool {
	return r.Action == action && r.ResourceType == resourceType
}

// Policy is a named, ordered rule set attachable to actors.
type Policy struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Rules []*Rule `json:"rules"`
}

// Actor is whoever performs an operation.
type Actor struct {
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// AsMap exposes the actor to permission conditions.
func (a Actor) AsMap() map[string]any {
	out := make(map[string]any, len(a.Attributes)+1)
	for k, v := range a.Attributes {
		out[k] = v
	}

	out["id"] = a.ID

	return out
}
