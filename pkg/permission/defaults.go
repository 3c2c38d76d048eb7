package permission

import (
	"context"
	"fmt"

	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/persistence"
)

// OwnerAccessPolicy is the policy every new actor is attached to.
const OwnerAccessPolicy = "owner-access"

// SeedDefaults creates the owner-access policy: owners may do anything to their workflows and
// executions, and anyone attached may create workflows.
func (e *Engine) SeedDefaults(ctx context.Context) (string, error) {
	policyID, err := e.CreatePolicy(ctx, OwnerAccessPolicy)
	if err != nil {
		return "", err
	}

	rules := []struct {
		action       string
		resourceType string
		condition    models.Condition
	}{
		{models.ActionCreate, models.ResourceWorkflow, models.Always()},
		{models.ActionRead, models.ResourceWorkflow, models.OwnerMatches()},
		{models.ActionUpdate, models.ResourceWorkflow, models.OwnerMatches()},
		{models.ActionDelete, models.ResourceWorkflow, models.OwnerMatches()},
		{models.ActionRead, models.ResourceExecution, models.OwnerMatches()},
		{models.ActionCancel, models.ResourceExecution, models.OwnerMatches()},
	}

	for _, r := range rules {
		if _, err := e.AddRule(ctx, policyID, r.action, r.resourceType, r.condition, models.EffectAllow); err != nil {
			return "", fmt.Errorf("failed to seed rule %s %s: %w", r.action, r.resourceType, err)
		}
	}

	e.logger.InfoContext(ctx, "Default policies ready", "policy_id", policyID)

	return policyID, nil
}

type workflowGetter interface {
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
}

type executionGetter interface {
	GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
}

// WorkflowResolver exposes workflow rows to conditions.
func WorkflowResolver(workflows workflowGetter) Resolver {
	return ResolverFunc(func(ctx context.Context, id string) (map[string]any, error) {
		workflow, err := workflows.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		return workflow.Attributes(), nil
	})
}

// ExecutionResolver exposes execution rows to conditions.
func ExecutionResolver(executions executionGetter) Resolver {
	return ResolverFunc(func(ctx context.Context, id string) (map[string]any, error) {
		execution, err := executions.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		return execution.Attributes(), nil
	})
}

// PolicyResolver exposes policies to conditions.
func PolicyResolver(policies persistence.PolicyRepository) Resolver {
	return ResolverFunc(func(ctx context.Context, id string) (map[string]any, error) {
		policy, err := policies.GetPolicy(ctx, id)
		if err != nil {
			return nil, err
		}

		return map[string]any{"id": policy.ID, "name": policy.Name}, nil
	})
}

// RegisterDefaultResolvers wires the resolvers of the built-in resource types.
func (e *Engine) RegisterDefaultResolvers(p persistence.Persistence, workflows workflowGetter, executions executionGetter) {
	e.RegisterResolver(models.ResourceWorkflow, WorkflowResolver(workflows))
	e.RegisterResolver(models.ResourceExecution, ExecutionResolver(executions))
	e.RegisterResolver(models.ResourcePolicy, PolicyResolver(p.PolicyRepository()))
}
