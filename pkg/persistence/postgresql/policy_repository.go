package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/persistence"
	"github.com/google/uuid"
)

// PolicyRepository handles policies, rules and attachments.
type PolicyRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPolicyRepository creates a new policy repository.
func NewPolicyRepository(db *sql.DB, logger *slog.Logger) *PolicyRepository {
	return &PolicyRepository{db: db, logger: logger}
}

// CreatePolicy is idempotent by name.
func (pr *PolicyRepository) CreatePolicy(ctx context.Context, name string) (string, error) {
	_, err := pr.db.ExecContext(ctx, "INSERT INTO policies (id, name) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING", uuid.New().String(), name)
	if err != nil {
		return "", fmt.Errorf("failed to create policy %s: %w", name, err)
	}

	var id string

	err = pr.db.QueryRowContext(ctx, "SELECT id FROM policies WHERE name = $1", name).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to read policy %s: %w", name, err)
	}

	return id, nil
}

func (pr *PolicyRepository) GetPolicy(ctx context.Context, id string) (*models.Policy, error) {
	policy := &models.Policy{ID: id, Rules: []*models.Rule{}}

	err := pr.db.QueryRowContext(ctx, "SELECT name FROM policies WHERE id = $1", id).Scan(&policy.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("policy %s: %w", id, persistence.ErrPolicyNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get policy %s: %w", id, err)
	}

	rows, err := pr.db.QueryContext(ctx, `
		SELECT id, policy_id, action, resource_type, effect, condition
		FROM policy_rules
		WHERE policy_id = $1
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}

	defer closeRows(ctx, pr.logger, rows)

	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}

		policy.Rules = append(policy.Rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return policy, nil
}

// UpsertRule keeps the rule's creation position when it replaces an existing condition.
func (pr *PolicyRepository) UpsertRule(ctx context.Context, rule *models.Rule) error {
	condition, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("failed to marshal condition: %w", err)
	}

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}

	query := `
		INSERT INTO policy_rules (id, policy_id, action, resource_type, effect, condition)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (policy_id, action, resource_type, effect) DO UPDATE SET
			condition = EXCLUDED.condition
		RETURNING id
	`

	err = pr.db.QueryRowContext(ctx, query, rule.ID, rule.PolicyID, rule.Action, rule.ResourceType, rule.Effect, condition).Scan(&rule.ID)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("policy %s: %w", rule.PolicyID, persistence.ErrPolicyNotFound)
	}

	if err != nil {
		return fmt.Errorf("failed to upsert rule: %w", err)
	}

	return nil
}

func (pr *PolicyRepository) AttachPolicy(ctx context.Context, actorID, policyID string) error {
	_, err := pr.db.ExecContext(ctx, `
		INSERT INTO policy_attachments (actor_id, policy_id) VALUES ($1, $2)
		ON CONFLICT (actor_id, policy_id) DO NOTHING
	`, actorID, policyID)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("policy %s: %w", policyID, persistence.ErrPolicyNotFound)
	}

	if err != nil {
		return fmt.Errorf("failed to attach policy: %w", err)
	}

	return nil
}

func (pr *PolicyRepository) DetachPolicy(ctx context.Context, actorID, policyID string) error {
	_, err := pr.db.ExecContext(ctx, "DELETE FROM policy_attachments WHERE actor_id = $1 AND policy_id = $2", actorID, policyID)
	if err != nil {
		return fmt.Errorf("failed to detach policy: %w", err)
	}

	return nil
}

// PoliciesForActor returns attached policies in attachment order, rules in creation order.
func (pr *PolicyRepository) PoliciesForActor(ctx context.Context, actorID string) ([]*models.Policy, error) {
	query := `
		SELECT p.id, p.name, r.id, r.policy_id, r.action, r.resource_type, r.effect, r.condition
		FROM policy_attachments a
		JOIN policies p ON p.id = a.policy_id
		LEFT JOIN policy_rules r ON r.policy_id = p.id
		WHERE a.actor_id = $1
		ORDER BY a.seq, r.seq
	`

	rows, err := pr.db.QueryContext(ctx, query, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}

	defer closeRows(ctx, pr.logger, rows)

	policies := make([]*models.Policy, 0)

	var current *models.Policy

	for rows.Next() {
		var (
			policyID, policyName                                       string
			ruleID, rulePolicyID, ruleAction, ruleResource, ruleEffect sql.NullString
			condition                                                  []byte
		)

		err := rows.Scan(&policyID, &policyName, &ruleID, &rulePolicyID, &ruleAction, &ruleResource, &ruleEffect, &condition)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}

		if current == nil || current.ID != policyID {
			current = &models.Policy{ID: policyID, Name: policyName, Rules: []*models.Rule{}}
			policies = append(policies, current)
		}

		if !ruleID.Valid {
			continue
		}

		rule := &models.Rule{
			ID:           ruleID.String,
			PolicyID:     rulePolicyID.String,
			Action:       ruleAction.String,
			ResourceType: ruleResource.String,
			Effect:       models.Effect(ruleEffect.String),
		}

		if err := json.Unmarshal(condition, &rule.Condition); err != nil {
			return nil, fmt.Errorf("failed to unmarshal condition of rule %s: %w", rule.ID, err)
		}

		current.Rules = append(current.Rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policies: %w", err)
	}

	return policies, nil
}

func scanRule(row scanner) (*models.Rule, error) {
	var (
		rule      models.Rule
		condition []byte
	)

	if err := row.Scan(&rule.ID, &rule.PolicyID, &rule.Action, &rule.ResourceType, &rule.Effect, &condition); err != nil {
		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}

	if err := json.Unmarshal(condition, &rule.Condition); err != nil {
		return nil, fmt.Errorf("failed to unmarshal condition of rule %s: %w", rule.ID, err)
	}

	return &rule, nil
}
