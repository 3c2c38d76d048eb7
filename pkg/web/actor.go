package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dukex/reactor/pkg/models"
	"github.com/gofiber/fiber/v3"
)

const (
	ActorHeader           = "X-Actor-ID"
	ActorAttributesHeader = "X-Actor-Attributes"

	actorLocal = "actor"
)

// PolicyAttacher grants a policy to an actor. The permission engine satisfies it.
type PolicyAttacher interface {
	AttachPolicy(ctx context.Context, actorID, policyID string) error
}

// Actors identifies the caller of every request and, when a default policy is configured,
// attaches it the first time an actor is seen.
type Actors struct {
	logger          *slog.Logger
	attacher        PolicyAttacher
	defaultPolicyID string

	onboarded sync.Map
}

// NewActors creates the actor middleware. attacher may be nil to disable onboarding.
func NewActors(logger *slog.Logger, attacher PolicyAttacher, defaultPolicyID string) *Actors {
	return &Actors{
		logger:          logger,
		attacher:        attacher,
		defaultPolicyID: defaultPolicyID,
	}
}

// Middleware rejects requests without an actor id and stores the actor in the request locals.
func (a *Actors) Middleware(c fiber.Ctx) error {
	id := c.Get(ActorHeader)
	if id == "" {
		return unauthorized(c, ActorHeader+" header is required")
	}

	actor := models.Actor{ID: id}

	if raw := c.Get(ActorAttributesHeader); raw != "" {
		if err := json.Unmarshal([]byte(raw), &actor.Attributes); err != nil {
			return badRequest(c, ActorAttributesHeader+" must be a JSON object")
		}
	}

	if err := a.onboard(c.Context(), id); err != nil {
		return internalError(c, err)
	}

	c.Locals(actorLocal, actor)

	return c.Next()
}

func (a *Actors) onboard(ctx context.Context, actorID string) error {
	if a.attacher == nil || a.defaultPolicyID == "" {
		return nil
	}

	if _, seen := a.onboarded.Load(actorID); seen {
		return nil
	}

	if err := a.attacher.AttachPolicy(ctx, actorID, a.defaultPolicyID); err != nil {
		return err
	}

	a.onboarded.Store(actorID, struct{}{})
	a.logger.InfoContext(ctx, "Attached default policy", "actor_id", actorID, "policy_id", a.defaultPolicyID)

	return nil
}

func actorFrom(c fiber.Ctx) models.Actor {
	actor, _ := c.Locals(actorLocal).(models.Actor)

	return actor
}
