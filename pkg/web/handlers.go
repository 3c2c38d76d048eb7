// Package web provides the HTTP handlers and REST endpoints of the workflow API.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// DefinitionLister lists the node catalog. The registry satisfies it.
type DefinitionLister interface {
	Definitions() []models.NodeDefinition
	Definition(id string) (models.NodeDefinition, error)
}

// EventHandler routes external events to trigger entrypoints. The scheduler satisfies it.
type EventHandler interface {
	HandleExternalEvent(ctx context.Context, nodeDefinitionID string, payload map[string]any) (int, error)
}

type APIHandlers struct {
	workflowService  *services.Workflow
	nodeService      *services.Node
	executionService *services.Executions
	policyService    *services.Policies
	catalog          DefinitionLister
	events           EventHandler
	validator        *validator.Validate
}

func NewAPIHandlers(
	workflowService *services.Workflow,
	nodeService *services.Node,
	executionService *services.Executions,
	policyService *services.Policies,
	catalog DefinitionLister,
	events EventHandler,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		workflowService:  workflowService,
		nodeService:      nodeService,
		executionService: executionService,
		policyService:    policyService,
		catalog:          catalog,
		events:           events,
		validator:        validator,
	}
}

var errInvalidJSON = errors.New("invalid JSON format")

// bind decodes and validates the JSON body into req.
func (h *APIHandlers) bind(c fiber.Ctx, req any) error {
	if err := c.Bind().JSON(req); err != nil {
		return errInvalidJSON
	}

	return h.validator.Struct(req)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.workflowService.HealthCheck(c.Context())

	status := "unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
			"catalog":    len(h.catalog.Definitions()),
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	workflows, err := h.workflowService.List(c.Context(), actorFrom(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows":   workflows,
		"total_count": len(workflows),
	})
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.workflowService.Create(c.Context(), actorFrom(c), services.CreateWorkflowRequest{
		Name:        req.Name,
		Description: req.Description,
		Status:      req.Status,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflowService.FetchByID(c.Context(), actorFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) GetWorkflowGraph(c fiber.Ctx) error {
	g, err := h.workflowService.Graph(c.Context(), actorFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(g)
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	var req UpdateWorkflowRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.workflowService.Update(c.Context(), actorFrom(c), c.Params("id"), services.UpdateWorkflowRequest{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) EnableWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflowService.Enable(c.Context(), actorFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) DisableWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflowService.Disable(c.Context(), actorFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	if err := h.workflowService.Delete(c.Context(), actorFrom(c), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) CreateWorkflowNode(c fiber.Ctx) error {
	var req CreateNodeRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	node, err := h.nodeService.AddNode(c.Context(), actorFrom(c), c.Params("id"), req.toService())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(node)
}

func (h *APIHandlers) GetWorkflowNode(c fiber.Ctx) error {
	node, err := h.nodeService.GetNode(c.Context(), actorFrom(c), c.Params("id"), c.Params("nodeId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(node)
}

func (h *APIHandlers) UpdateWorkflowNode(c fiber.Ctx) error {
	var req UpdateNodeRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	node, err := h.nodeService.UpdateNode(c.Context(), actorFrom(c), c.Params("id"), c.Params("nodeId"), req.toService())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(node)
}

func (h *APIHandlers) DeleteWorkflowNode(c fiber.Ctx) error {
	if err := h.nodeService.DeleteNode(c.Context(), actorFrom(c), c.Params("id"), c.Params("nodeId")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ConnectNodes(c fiber.Ctx) error {
	var req ConnectRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.nodeService.Connect(c.Context(), actorFrom(c), c.Params("id"), req.From, req.Label, req.To); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) DisconnectNode(c fiber.Ctx) error {
	var req DisconnectRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.nodeService.Disconnect(c.Context(), actorFrom(c), c.Params("id"), req.NodeID); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetWorkflowExecutions(c fiber.Ctx) error {
	executions, err := h.executionService.List(c.Context(), actorFrom(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions":  executions,
		"total_count": len(executions),
	})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	execution, err := h.executionService.Get(c.Context(), actorFrom(c), c.Params("executionId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	if err := h.executionService.Cancel(c.Context(), actorFrom(c), c.Params("executionId")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) CreatePolicy(c fiber.Ctx) error {
	var req CreatePolicyRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	policy, err := h.policyService.Create(c.Context(), actorFrom(c), req.Name)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(policy)
}

func (h *APIHandlers) GetPolicy(c fiber.Ctx) error {
	policy, err := h.policyService.Get(c.Context(), actorFrom(c), c.Params("policyId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(policy)
}

func (h *APIHandlers) AddPolicyRule(c fiber.Ctx) error {
	var req AddRuleRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	rule, err := h.policyService.AddRule(c.Context(), actorFrom(c), c.Params("policyId"), req.toService())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(rule)
}

func (h *APIHandlers) AttachPolicy(c fiber.Ctx) error {
	var req AttachPolicyRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.policyService.Attach(c.Context(), actorFrom(c), c.Params("policyId"), req.ActorID); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) DetachPolicy(c fiber.Ctx) error {
	var req AttachPolicyRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.policyService.Detach(c.Context(), actorFrom(c), c.Params("policyId"), req.ActorID); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetNodeDefinitions(c fiber.Ctx) error {
	return c.JSON(h.catalog.Definitions())
}

func (h *APIHandlers) GetNodeDefinition(c fiber.Ctx) error {
	definition, err := h.catalog.Definition(c.Params("definitionId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(definition)
}

// ReceiveWebhook delivers the JSON body to every webhook trigger.
func (h *APIHandlers) ReceiveWebhook(c fiber.Ctx) error {
	return h.receive(c, models.NodeTypeTriggerWebhook)
}

// ReceiveEvent delivers the JSON body to every trigger of the definition named in the path.
func (h *APIHandlers) ReceiveEvent(c fiber.Ctx) error {
	return h.receive(c, c.Params("definitionId"))
}

func (h *APIHandlers) receive(c fiber.Ctx, nodeDefinitionID string) error {
	payload := map[string]any{}

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&payload); err != nil {
			return badRequest(c, errInvalidJSON.Error())
		}
	}

	evaluations, err := h.events.HandleExternalEvent(c.Context(), nodeDefinitionID, payload)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(EventAcceptedResponse{
		NodeDefinitionID: nodeDefinitionID,
		Evaluations:      evaluations,
	})
}
