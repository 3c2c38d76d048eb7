package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/persistence"
	"github.com/google/uuid"
)

type policyDocument struct {
	Policies    []*models.Policy `json:"policies"`
	Attachments []attachment     `json:"attachments"`
}

type attachment struct {
	ActorID  string `json:"actor_id"`
	PolicyID string `json:"policy_id"`
}

func (doc *policyDocument) policy(policyID string) *models.Policy {
	for _, policy := range doc.Policies {
		if policy.ID == policyID {
			return policy
		}
	}

	return nil
}

// PolicyRepository keeps every policy and attachment in policies.json.
type PolicyRepository struct {
	fp *Persistence
}

func (pr *PolicyRepository) documentPath() string {
	return pr.fp.path("policies.json")
}

// load reads the policy document. Callers hold fp.mu.
func (pr *PolicyRepository) load() (*policyDocument, error) {
	doc := &policyDocument{Policies: []*models.Policy{}, Attachments: []attachment{}}

	err := readJSON(pr.documentPath(), doc)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	return doc, nil
}

func (pr *PolicyRepository) mutate(fn func(doc *policyDocument) error) error {
	pr.fp.mu.Lock()
	defer pr.fp.mu.Unlock()

	doc, err := pr.load()
	if err != nil {
		return err
	}

	if err := fn(doc); err != nil {
		return err
	}

	return writeJSON(pr.documentPath(), doc)
}

func (pr *PolicyRepository) CreatePolicy(_ context.Context, name string) (string, error) {
	var policyID string

	err := pr.mutate(func(doc *policyDocument) error {
		for _, policy := range doc.Policies {
			if policy.Name == name {
				policyID = policy.ID

				return nil
			}
		}

		policyID = uuid.New().String()
		doc.Policies = append(doc.Policies, &models.Policy{ID: policyID, Name: name, Rules: []*models.Rule{}})

		return nil
	})

	return policyID, err
}

func (pr *PolicyRepository) GetPolicy(_ context.Context, policyID string) (*models.Policy, error) {
	pr.fp.mu.Lock()
	defer pr.fp.mu.Unlock()

	doc, err := pr.load()
	if err != nil {
		return nil, err
	}

	policy := doc.policy(policyID)
	if policy == nil {
		return nil, fmt.Errorf("policy %s: %w", policyID, persistence.ErrPolicyNotFound)
	}

	return policy, nil
}

func (pr *PolicyRepository) UpsertRule(_ context.Context, rule *models.Rule) error {
	return pr.mutate(func(doc *policyDocument) error {
		policy := doc.policy(rule.PolicyID)
		if policy == nil {
			return fmt.Errorf("policy %s: %w", rule.PolicyID, persistence.ErrPolicyNotFound)
		}

		for _, existing := range policy.Rules {
			if existing.Action == rule.Action && existing.ResourceType == rule.ResourceType && existing.Effect == rule.Effect {
				existing.Condition = rule.Condition
				rule.ID = existing.ID

				return nil
			}
		}

		if rule.ID == "" {
			rule.ID = uuid.New().String()
		}

		stored := *rule
		policy.Rules = append(policy.Rules, &stored)

		return nil
	})
}

func (pr *PolicyRepository) AttachPolicy(_ context.Context, actorID, policyID string) error {
	return pr.mutate(func(doc *policyDocument) error {
		if doc.policy(policyID) == nil {
			return fmt.Errorf("policy %s: %w", policyID, persistence.ErrPolicyNotFound)
		}

		link := attachment{ActorID: actorID, PolicyID: policyID}
		if !slices.Contains(doc.Attachments, link) {
			doc.Attachments = append(doc.Attachments, link)
		}

		return nil
	})
}

func (pr *PolicyRepository) DetachPolicy(_ context.Context, actorID, policyID string) error {
	return pr.mutate(func(doc *policyDocument) error {
		doc.Attachments = slices.DeleteFunc(doc.Attachments, func(link attachment) bool {
			return link.ActorID == actorID && link.PolicyID == policyID
		})

		return nil
	})
}

func (pr *PolicyRepository) PoliciesForActor(_ context.Context, actorID string) ([]*models.Policy, error) {
	pr.fp.mu.Lock()
	defer pr.fp.mu.Unlock()

	doc, err := pr.load()
	if err != nil {
		return nil, err
	}

	policies := make([]*models.Policy, 0)

	for _, link := range doc.Attachments {
		if link.ActorID != actorID {
			continue
		}

		if policy := doc.policy(link.PolicyID); policy != nil {
			policies = append(policies, policy)
		}
	}

	return policies, nil
}
