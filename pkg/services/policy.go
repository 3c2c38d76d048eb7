package services

import (
	"context"
	"log/slog"

	"github.com/dukex/reactor/pkg/models"
)

// PolicyAdmin manages policies. The permission engine satisfies it.
type PolicyAdmin interface {
	CreatePolicy(ctx context.Context, name string) (string, error)
	AddRule(ctx context.Context, policyID, action, resourceType string, condition models.Condition, effect models.Effect) (*models.Rule, error)
	AttachPolicy(ctx context.Context, actorID, policyID string) error
	DetachPolicy(ctx context.Context, actorID, policyID string) error
}

// PolicyReader loads stored policies.
type PolicyReader interface {
	GetPolicy(ctx context.Context, id string) (*models.Policy, error)
}

// AddRuleRequest describes one rule of a policy.
type AddRuleRequest struct {
	Action       string
	ResourceType string
	Condition    models.Condition
	Effect       models.Effect
}

// Policies gates policy administration behind the permission engine itself.
type Policies struct {
	logger     *slog.Logger
	admin      PolicyAdmin
	reader     PolicyReader
	authorizer Authorizer
}

func NewPolicies(logger *slog.Logger, admin PolicyAdmin, reader PolicyReader, authorizer Authorizer) *Policies {
	return &Policies{
		logger:     logger,
		admin:      admin,
		reader:     reader,
		authorizer: authorizer,
	}
}

// Create returns the policy named name, creating it when missing.
func (p *Policies) Create(ctx context.Context, actor models.Actor, name string) (*models.Policy, error) {
	if err := p.authorizer.Authorize(ctx, actor, models.ActionCreate, nil, models.ResourcePolicy, nil); err != nil {
		return nil, err
	}

	id, err := p.admin.CreatePolicy(ctx, name)
	if err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "Created policy", "policy_id", id, "name", name, "actor", actor.ID)

	return p.reader.GetPolicy(ctx, id)
}

func (p *Policies) Get(ctx context.Context, actor models.Actor, policyID string) (*models.Policy, error) {
	if err := p.authorizer.Authorize(ctx, actor, models.ActionRead, &policyID, models.ResourcePolicy, nil); err != nil {
		return nil, err
	}

	return p.reader.GetPolicy(ctx, policyID)
}

// AddRule upserts a rule of policyID.
func (p *Policies) AddRule(ctx context.Context, actor models.Actor, policyID string, req AddRuleRequest) (*models.Rule, error) {
	if err := p.authorizer.Authorize(ctx, actor, models.ActionUpdate, &policyID, models.ResourcePolicy, nil); err != nil {
		return nil, err
	}

	rule, err := p.admin.AddRule(ctx, policyID, req.Action, req.ResourceType, req.Condition, req.Effect)
	if err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "Added policy rule",
		"policy_id", policyID,
		"action", rule.Action,
		"resource_type", rule.ResourceType,
		"effect", rule.Effect)

	return rule, nil
}

// Attach grants policyID to actorID.
func (p *Policies) Attach(ctx context.Context, actor models.Actor, policyID, actorID string) error {
	if err := p.authorizer.Authorize(ctx, actor, models.ActionUpdate, &policyID, models.ResourcePolicy, nil); err != nil {
		return err
	}

	if actorID == "" {
		return NewValidationError("Attach", "validation_error", "actor id is required", ErrInvalidRequest)
	}

	if err := p.admin.AttachPolicy(ctx, actorID, policyID); err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "Attached policy", "policy_id", policyID, "actor_id", actorID)

	return nil
}

// Detach revokes policyID from actorID.
func (p *Policies) Detach(ctx context.Context, actor models.Actor, policyID, actorID string) error {
	if err := p.authorizer.Authorize(ctx, actor, models.ActionUpdate, &policyID, models.ResourcePolicy, nil); err != nil {
		return err
	}

	if err := p.admin.DetachPolicy(ctx, actorID, policyID); err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "Detached policy", "policy_id", policyID, "actor_id", actorID)

	return nil
}
