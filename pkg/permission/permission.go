// Package permission implements attribute based access control over persisted policies.
//
// Evaluation is deny by default: policies attached to the actor are visited in attachment
// order, their rules in creation order, and the first rule for (action, resource type) whose
// condition holds decides the outcome.
package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/reactor/pkg/expression"
	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/persistence"
	"github.com/dukex/reactor/pkg/services"
	"github.com/go-playground/validator/v10"
)

// Resolver loads the attributes of one resource instance.
type Resolver interface {
	Resolve(ctx context.Context, id string) (map[string]any, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, id string) (map[string]any, error)

func (f ResolverFunc) Resolve(ctx context.Context, id string) (map[string]any, error) {
	return f(ctx, id)
}

// Engine evaluates and manages policies.
type Engine struct {
	logger      *slog.Logger
	policies    persistence.PolicyRepository
	interpreter *Interpreter
	validate    *validator.Validate

	mu        sync.RWMutex
	resolvers map[string]Resolver
}

func NewEngine(logger *slog.Logger, policies persistence.PolicyRepository, expressions *expression.Engine) *Engine {
	return &Engine{
		logger:      logger,
		policies:    policies,
		interpreter: NewInterpreter(expressions),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		resolvers:   make(map[string]Resolver),
	}
}

// RegisterResolver sets the resolver used for resourceType.
func (e *Engine) RegisterResolver(resourceType string, resolver Resolver) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resolvers[resourceType] = resolver
}

// CreatePolicy returns the id of the policy named name, creating it when missing.
func (e *Engine) CreatePolicy(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", services.NewValidationError("CreatePolicy", "validation_error", "policy name is required", services.ErrInvalidRequest)
	}

	return e.policies.CreatePolicy(ctx, name)
}

// AddRule upserts the rule keyed by (action, resourceType, effect, policyID). The condition is
// stored, never evaluated here.
func (e *Engine) AddRule(ctx context.Context, policyID, action, resourceType string, condition models.Condition, effect models.Effect) (*models.Rule, error) {
	rule := &models.Rule{
		PolicyID:     policyID,
		Action:       action,
		ResourceType: resourceType,
		Condition:    condition,
		Effect:       effect,
	}

	if err := e.validate.Struct(rule); err != nil {
		return nil, services.NewValidationError("AddRule", "validation_error", err.Error(), services.ErrInvalidRequest)
	}

	if err := e.interpreter.Validate(condition); err != nil {
		return nil, services.NewValidationError("AddRule", "invalid_condition", err.Error(), services.ErrInvalidRequest)
	}

	if err := e.policies.UpsertRule(ctx, rule); err != nil {
		return nil, err
	}

	return rule, nil
}

func (e *Engine) AttachPolicy(ctx context.Context, actorID, policyID string) error {
	return e.policies.AttachPolicy(ctx, actorID, policyID)
}

func (e *Engine) DetachPolicy(ctx context.Context, actorID, policyID string) error {
	return e.policies.DetachPolicy(ctx, actorID, policyID)
}

// Can reports whether actor may perform action on the resource. A nil resourceID is a
// creation check and evaluates conditions against a nil resource.
func (e *Engine) Can(ctx context.Context, actor models.Actor, action string, resourceID *string, resourceType string, extra map[string]any) (bool, error) {
	policies, err := e.policies.PoliciesForActor(ctx, actor.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load policies of %s: %w", actor.ID, err)
	}

	var candidates []*models.Rule

	for _, policy := range policies {
		for _, rule := range policy.Rules {
			if rule.Matches(action, resourceType) {
				candidates = append(candidates, rule)
			}
		}
	}

	if len(candidates) == 0 {
		e.logger.DebugContext(ctx, "No rule matches, denying", "actor", actor.ID, "action", action, "resource_type", resourceType)

		return false, nil
	}

	env := Environment{Actor: actor.AsMap(), Context: extra}

	if resourceID != nil {
		env.Resource, err = e.resolve(ctx, resourceType, *resourceID)
		if err != nil {
			return false, err
		}
	}

	for _, rule := range candidates {
		holds, err := e.interpreter.Evaluate(rule.Condition, env)
		if err != nil {
			return false, fmt.Errorf("failed to evaluate rule %s: %w", rule.ID, err)
		}

		if holds {
			e.logger.DebugContext(ctx, "Rule decided",
				"actor", actor.ID,
				"action", action,
				"resource_type", resourceType,
				"rule_id", rule.ID,
				"effect", rule.Effect,
			)

			return rule.Effect == models.EffectAllow, nil
		}
	}

	return false, nil
}

// Authorize is Can returning services.ErrPermissionDenied instead of false.
func (e *Engine) Authorize(ctx context.Context, actor models.Actor, action string, resourceID *string, resourceType string, extra map[string]any) error {
	allowed, err := e.Can(ctx, actor, action, resourceID, resourceType, extra)
	if err != nil {
		return err
	}

	if !allowed {
		return services.NewPermissionError("Authorize", actor.ID, action, resourceType)
	}

	return nil
}

func (e *Engine) resolve(ctx context.Context, resourceType, id string) (map[string]any, error) {
	e.mu.RLock()
	resolver, ok := e.resolvers[resourceType]
	e.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no resolver registered for resource type %q", resourceType)
	}

	return resolver.Resolve(ctx, id)
}
