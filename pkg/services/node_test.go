package services

import (
	"errors"
	"testing"

	"github.com/dukex/reactor/pkg/events"
	"github.com/dukex/reactor/pkg/mocks"
	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/persistence"
	"github.com/dukex/reactor/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNode_AddNode(t *testing.T) {
	f := newFixture(t)
	svc := f.nodeService(nil, nil)

	trigger := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.TriggerID})
	action := f.add(t, svc, AddNodeRequest{
		NodeDefinitionID: testutil.ActionID,
		PreviousID:       trigger.ID,
		PreviousLabel:    models.DefaultLabel,
		Config:           map[string]any{"message": "hello"},
		Position:         models.Position{X: 10, Y: 20},
	})
	stranded := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.BranchID})

	assert.Equal(t, trigger.ID, action.Previous.NodeID)
	assert.Equal(t, []models.NodeOutput{{Label: "true", Targets: []string{}}, {Label: "false", Targets: []string{}}}, stranded.Next)

	snapshot := f.snapshot(t)
	assert.Equal(t, []string{trigger.ID}, snapshot.Entrypoints)
	assert.Equal(t, []string{stranded.ID}, snapshot.StrandedNodes)
	assert.Equal(t, []string{trigger.ID, action.ID, stranded.ID}, snapshot.AllNodes)

	stored := f.persisted(t)
	require.Len(t, stored, 3)
	assert.Equal(t, "hello", stored[action.ID].Config["message"])
	assert.Equal(t, []string{action.ID}, stored[trigger.ID].Output(models.DefaultLabel).Targets)

	assert.Len(t, f.publisher.Events(), 3)
	assert.Equal(t, events.GraphChangedEvent, f.publisher.Types()[0])
}

// An invalid previous pair is rejected before anything is written.
func TestNode_AddNode_InvalidPrevious(t *testing.T) {
	f := newFixture(t)
	svc := f.nodeService(nil, nil)

	trigger := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.TriggerID})

	_, err := svc.AddNode(t.Context(), actor, f.workflow.ID, AddNodeRequest{
		NodeDefinitionID: testutil.ActionID,
		PreviousID:       trigger.ID,
	})
	require.ErrorIs(t, err, ErrInvalidPrevious)
	assert.Contains(t, err.Error(), "invalid previous node configuration")
	assert.True(t, IsValidationError(err))

	assert.Len(t, f.persisted(t), 1)
	assert.Len(t, f.snapshot(t).AllNodes, 1)
}

func TestNode_AddNode_Rejections(t *testing.T) {
	f := newFixture(t)
	svc := f.nodeService(nil, nil)

	trigger := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.TriggerID})

	tests := []struct {
		name string
		req  AddNodeRequest
		want error
	}{
		{"label without previous", AddNodeRequest{NodeDefinitionID: testutil.ActionID, PreviousLabel: models.DefaultLabel}, ErrInvalidPrevious},
		{"unknown definition", AddNodeRequest{NodeDefinitionID: "nope"}, ErrUnknownNodeDefinition},
		{"trigger with previous", AddNodeRequest{NodeDefinitionID: testutil.TriggerID, PreviousID: trigger.ID, PreviousLabel: models.DefaultLabel}, ErrTriggerHasPrevious},
		{"undeclared label", AddNodeRequest{NodeDefinitionID: testutil.ActionID, PreviousID: trigger.ID, PreviousLabel: "true"}, ErrInvalidLabel},
		{"invalid config", AddNodeRequest{NodeDefinitionID: testutil.ActionID, Config: map[string]any{"message": 42}}, ErrInvalidConfig},
		{"missing previous", AddNodeRequest{NodeDefinitionID: testutil.ActionID, PreviousID: "ghost", PreviousLabel: models.DefaultLabel}, persistence.ErrNodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AddNode(t.Context(), actor, f.workflow.ID, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}

	assert.Len(t, f.persisted(t), 1)
	assert.Len(t, f.snapshot(t).AllNodes, 1)
}

func TestNode_AddNode_InterpolatedConfigSkipsTypeCheck(t *testing.T) {
	f := newFixture(t)
	svc := f.nodeService(nil, nil)

	_, err := svc.AddNode(t.Context(), actor, f.workflow.ID, AddNodeRequest{
		NodeDefinitionID: testutil.ActionID,
		Config:           map[string]any{"message": "${{[0].body}}"},
	})
	require.NoError(t, err)
}

func TestNode_Connect(t *testing.T) {
	f := newFixture(t)
	svc := f.nodeService(nil, nil)
	ctx := t.Context()

	branch := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.BranchID})
	a := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.ActionID})

	require.NoError(t, svc.Connect(ctx, actor, f.workflow.ID, branch.ID, "true", a.ID))

	snapshot := f.snapshot(t)
	assert.Equal(t, []string{branch.ID}, snapshot.StrandedNodes)
	assert.Equal(t, []string{a.ID}, snapshot.Nodes[branch.ID].Output("true").Targets)
	assert.Equal(t, &models.NodeOutputRef{NodeID: branch.ID, Label: "true"}, snapshot.Nodes[a.ID].Previous)

	stored := f.persisted(t)
	assert.Equal(t, branch.ID, stored[a.ID].Previous.NodeID)

	g, err := f.store.Get(f.workflow.ID)
	require.NoError(t, err)
	require.NoError(t, g.CheckInvariants())
}

func TestNode_Connect_Rejections(t *testing.T) {
	f := newFixture(t)
	svc := f.nodeService(nil, nil)
	ctx := t.Context()

	trigger := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.TriggerID})
	a := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.ActionID, PreviousID: trigger.ID, PreviousLabel: models.DefaultLabel})
	b := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.ActionID, PreviousID: a.ID, PreviousLabel: models.DefaultLabel})
	stranded := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.ActionID})
	trigger2 := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.TriggerID})

	before := f.snapshot(t)

	tests := []struct {
		name            string
		from, label, to string
		want            error
	}{
		{"undeclared label", a.ID, "false", stranded.ID, ErrInvalidLabel},
		{"already connected", stranded.ID, models.DefaultLabel, b.ID, ErrAlreadyConnected},
		{"self", stranded.ID, models.DefaultLabel, stranded.ID, ErrSelfConnection},
		{"trigger target", a.ID, models.DefaultLabel, trigger2.ID, ErrTriggerHasPrevious},
		{"unknown from", "ghost", models.DefaultLabel, stranded.ID, persistence.ErrNodeNotFound},
		{"unknown to", a.ID, models.DefaultLabel, "ghost", persistence.ErrNodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.Connect(ctx, actor, f.workflow.ID, tt.from, tt.label, tt.to)
			require.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, before, f.snapshot(t))

	_, err := svc.AddNode(ctx, actor, "missing-workflow", AddNodeRequest{NodeDefinitionID: testutil.ActionID})
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestNode_Connect_RejectsCycle(t *testing.T) {
	f := newFixture(t)
	svc := f.nodeService(nil, nil)
	ctx := t.Context()

	a := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.ActionID})
	b := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.ActionID, PreviousID: a.ID, PreviousLabel: models.DefaultLabel})

	err := svc.Connect(ctx, actor, f.workflow.ID, b.ID, models.DefaultLabel, a.ID)
	require.ErrorIs(t, err, ErrCycle)
	assert.Nil(t, f.snapshot(t).Nodes[a.ID].Previous)
}

func TestNode_Disconnect(t *testing.T) {
	f := newFixture(t)
	svc := f.nodeService(nil, nil)
	ctx := t.Context()

	trigger := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.TriggerID})
	a := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.ActionID, PreviousID: trigger.ID, PreviousLabel: models.DefaultLabel})
	b := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.ActionID, PreviousID: a.ID, PreviousLabel: models.DefaultLabel})

	require.NoError(t, svc.Disconnect(ctx, actor, f.workflow.ID, a.ID))

	snapshot := f.snapshot(t)
	assert.Nil(t, snapshot.Nodes[a.ID].Previous)
	assert.Equal(t, []string{a.ID}, snapshot.StrandedNodes)
	assert.Equal(t, []string{b.ID}, snapshot.Nodes[a.ID].Children(), "the subtree stays attached")
	assert.Empty(t, snapshot.Nodes[trigger.ID].Children())

	stored := f.persisted(t)
	assert.Nil(t, stored[a.ID].Previous)
	assert.Equal(t, a.ID, stored[b.ID].Previous.NodeID)

	err := svc.Disconnect(ctx, actor, f.workflow.ID, a.ID)
	require.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, IsConflictError(err))

	// Re-parenting goes through disconnect then connect.
	require.NoError(t, svc.Connect(ctx, actor, f.workflow.ID, trigger.ID, models.DefaultLabel, a.ID))
	assert.Empty(t, f.snapshot(t).StrandedNodes)
}

// Deleting a node strands its direct children instead of deleting them.
func TestNode_DeleteNode_StrandsChildren(t *testing.T) {
	f := newFixture(t)
	svc := f.nodeService(nil, nil)
	ctx := t.Context()

	trigger := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.TriggerID})
	parent := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.BranchID, PreviousID: trigger.ID, PreviousLabel: models.DefaultLabel})
	left := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.ActionID, PreviousID: parent.ID, PreviousLabel: "true"})
	right := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.ActionID, PreviousID: parent.ID, PreviousLabel: "false"})
	grandchild := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.ActionID, PreviousID: left.ID, PreviousLabel: models.DefaultLabel})

	require.NoError(t, svc.DeleteNode(ctx, actor, f.workflow.ID, parent.ID))

	snapshot := f.snapshot(t)
	assert.NotContains(t, snapshot.Nodes, parent.ID)
	assert.ElementsMatch(t, []string{left.ID, right.ID}, snapshot.StrandedNodes)
	assert.Nil(t, snapshot.Nodes[left.ID].Previous)
	assert.Nil(t, snapshot.Nodes[right.ID].Previous)
	assert.Equal(t, left.ID, snapshot.Nodes[grandchild.ID].Previous.NodeID)
	assert.Empty(t, snapshot.Nodes[trigger.ID].Children())

	stored := f.persisted(t)
	assert.NotContains(t, stored, parent.ID)
	assert.Len(t, stored, 4)
	assert.Nil(t, stored[left.ID].Previous)
	assert.Nil(t, stored[right.ID].Previous)

	g, err := f.store.Get(f.workflow.ID)
	require.NoError(t, err)
	require.NoError(t, g.CheckInvariants())

	err = svc.DeleteNode(ctx, actor, f.workflow.ID, parent.ID)
	assert.True(t, persistence.IsNodeNotFound(err))
}

func TestNode_UpdateNode(t *testing.T) {
	f := newFixture(t)
	svc := f.nodeService(nil, nil)
	ctx := t.Context()

	trigger := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.TriggerID})
	branch := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.BranchID, PreviousID: trigger.ID, PreviousLabel: models.DefaultLabel})
	a := f.add(t, svc, AddNodeRequest{
		NodeDefinitionID: testutil.ActionID,
		PreviousID:       trigger.ID,
		PreviousLabel:    models.DefaultLabel,
		Config:           map[string]any{"message": "hi", "token": "secret"},
	})

	updated, err := svc.UpdateNode(ctx, actor, f.workflow.ID, a.ID, UpdateNodeRequest{
		Config:     map[string]any{"message": "bye"},
		PreviousID: ptr(branch.ID),
		Label:      ptr("false"),
		Position:   &models.Position{X: 5, Y: 6},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message": "bye", "token": "secret"}, updated.Config)
	assert.Equal(t, models.Position{X: 5, Y: 6}, updated.Position)
	assert.Equal(t, &models.NodeOutputRef{NodeID: branch.ID, Label: "false"}, updated.Previous)

	snapshot := f.snapshot(t)
	assert.Equal(t, []string{branch.ID}, snapshot.Nodes[trigger.ID].Children())
	assert.Equal(t, []string{a.ID}, snapshot.Nodes[branch.ID].Output("false").Targets)

	stored := f.persisted(t)
	assert.Equal(t, "bye", stored[a.ID].Config["message"])
	assert.Equal(t, branch.ID, stored[a.ID].Previous.NodeID)

	// Detach with an empty previous id.
	updated, err = svc.UpdateNode(ctx, actor, f.workflow.ID, a.ID, UpdateNodeRequest{PreviousID: ptr(""), Label: ptr("")})
	require.NoError(t, err)
	assert.Nil(t, updated.Previous)
	assert.Contains(t, f.snapshot(t).StrandedNodes, a.ID)
}

func TestNode_UpdateNode_Rejections(t *testing.T) {
	f := newFixture(t)
	svc := f.nodeService(nil, nil)
	ctx := t.Context()

	trigger := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.TriggerID})
	a := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.ActionID, PreviousID: trigger.ID, PreviousLabel: models.DefaultLabel})
	b := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.ActionID, PreviousID: a.ID, PreviousLabel: models.DefaultLabel})

	before := f.snapshot(t)
	stored := f.persisted(t)

	tests := []struct {
		name string
		id   string
		req  UpdateNodeRequest
		want error
	}{
		{"half previous", a.ID, UpdateNodeRequest{PreviousID: ptr(trigger.ID)}, ErrInvalidPrevious},
		{"cycle", a.ID, UpdateNodeRequest{PreviousID: ptr(b.ID), Label: ptr(models.DefaultLabel)}, ErrCycle},
		{"undeclared label", b.ID, UpdateNodeRequest{PreviousID: ptr(trigger.ID), Label: ptr("true")}, ErrInvalidLabel},
		{"bad config", a.ID, UpdateNodeRequest{Config: map[string]any{"message": []any{1}}}, ErrInvalidConfig},
		{"missing node", "ghost", UpdateNodeRequest{Position: &models.Position{}}, persistence.ErrNodeNotFound},
		{"config with undeclared label", b.ID, UpdateNodeRequest{
			Config:     map[string]any{"message": "new"},
			PreviousID: ptr(trigger.ID),
			Label:      ptr("nope"),
		}, ErrInvalidLabel},
		{"position with cycle", a.ID, UpdateNodeRequest{
			Position:   &models.Position{X: 99},
			PreviousID: ptr(b.ID),
			Label:      ptr(models.DefaultLabel),
		}, ErrCycle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateNode(ctx, actor, f.workflow.ID, tt.id, tt.req)
			require.ErrorIs(t, err, tt.want)

			assert.Equal(t, before, f.snapshot(t))
			assert.Equal(t, stored, f.persisted(t))
		})
	}
}

func TestNode_GetNode(t *testing.T) {
	f := newFixture(t)
	svc := f.nodeService(nil, nil)

	created := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.ActionID})

	node, err := svc.GetNode(t.Context(), actor, f.workflow.ID, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, node.ID)

	_, err = svc.GetNode(t.Context(), actor, f.workflow.ID, "ghost")
	assert.True(t, persistence.IsNodeNotFound(err))
}

// A failed write leaves the in-memory graph untouched.
func TestNode_PersistenceFailureLeavesMemoryUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	good := f.nodeService(nil, nil)
	trigger := f.add(t, good, AddNodeRequest{NodeDefinitionID: testutil.TriggerID})
	a := f.add(t, good, AddNodeRequest{NodeDefinitionID: testutil.ActionID})

	before := f.snapshot(t)

	boom := errors.New("disk full")
	nodes := &mocks.MockNodeRepository{}
	nodes.On("Connect", mock.Anything, f.workflow.ID, trigger.ID, models.DefaultLabel, a.ID).Return(boom)
	nodes.On("CreateNode", mock.Anything, mock.Anything, mock.Anything).Return(boom)
	nodes.On("DeleteNode", mock.Anything, f.workflow.ID, a.ID).Return(boom)
	nodes.On("UpdateNode", mock.Anything, mock.Anything).Return(boom)

	svc := f.nodeService(mocks.WithNodes(f.persistence, nodes), nil)

	require.ErrorIs(t, svc.Connect(ctx, actor, f.workflow.ID, trigger.ID, models.DefaultLabel, a.ID), boom)

	_, err := svc.AddNode(ctx, actor, f.workflow.ID, AddNodeRequest{NodeDefinitionID: testutil.ActionID})
	require.ErrorIs(t, err, boom)

	require.ErrorIs(t, svc.DeleteNode(ctx, actor, f.workflow.ID, a.ID), boom)

	_, err = svc.UpdateNode(ctx, actor, f.workflow.ID, a.ID, UpdateNodeRequest{Config: map[string]any{"message": "x"}})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, before, f.snapshot(t))
	nodes.AssertExpectations(t)
}

// A write failing part way through an operation rolls back both storage and memory.
func TestNode_PartialWriteFailureRollsBack(t *testing.T) {
	tests := []struct {
		name   string
		method string
		nth    int
		run    func(t *testing.T, f *fixture, svc *Node, g testGraph) error
	}{
		{
			name:   "add with parent fails on connect",
			method: "Connect",
			nth:    1,
			run: func(t *testing.T, f *fixture, svc *Node, g testGraph) error {
				_, err := svc.AddNode(t.Context(), actor, f.workflow.ID, AddNodeRequest{
					NodeDefinitionID: testutil.ActionID,
					PreviousID:       g.trigger,
					PreviousLabel:    models.DefaultLabel,
				})

				return err
			},
		},
		{
			name:   "delete fails on second child",
			method: "Disconnect",
			nth:    2,
			run: func(t *testing.T, f *fixture, svc *Node, g testGraph) error {
				return svc.DeleteNode(t.Context(), actor, f.workflow.ID, g.branch)
			},
		},
		{
			name:   "delete fails after detaching",
			method: "DeleteNode",
			nth:    1,
			run: func(t *testing.T, f *fixture, svc *Node, g testGraph) error {
				return svc.DeleteNode(t.Context(), actor, f.workflow.ID, g.branch)
			},
		},
		{
			name:   "reparent fails on connect",
			method: "Connect",
			nth:    1,
			run: func(t *testing.T, f *fixture, svc *Node, g testGraph) error {
				_, err := svc.UpdateNode(t.Context(), actor, f.workflow.ID, g.right, UpdateNodeRequest{
					PreviousID: ptr(g.trigger),
					Label:      ptr(models.DefaultLabel),
				})

				return err
			},
		},
		{
			name:   "patch and reparent fail on connect",
			method: "Connect",
			nth:    1,
			run: func(t *testing.T, f *fixture, svc *Node, g testGraph) error {
				_, err := svc.UpdateNode(t.Context(), actor, f.workflow.ID, g.left, UpdateNodeRequest{
					Config:     map[string]any{"message": "moved"},
					PreviousID: ptr(g.trigger),
					Label:      ptr(models.DefaultLabel),
				})

				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			g := buildTestGraph(t, f)

			before := f.snapshot(t)
			stored := f.persisted(t)
			published := len(f.publisher.Events())

			err := tt.run(t, f, f.failingOn(tt.method, tt.nth), g)
			require.ErrorIs(t, err, errInjected)

			assert.Equal(t, before, f.snapshot(t))
			assert.Equal(t, stored, f.persisted(t))
			assert.Len(t, f.publisher.Events(), published)
		})
	}
}

type testGraph struct {
	trigger string
	branch  string
	left    string
	right   string
}

// buildTestGraph wires trigger -> branch -> (left, right).
func buildTestGraph(t *testing.T, f *fixture) testGraph {
	t.Helper()

	svc := f.nodeService(nil, nil)

	trigger := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.TriggerID})
	branch := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.BranchID, PreviousID: trigger.ID, PreviousLabel: models.DefaultLabel})
	left := f.add(t, svc, AddNodeRequest{
		NodeDefinitionID: testutil.ActionID,
		PreviousID:       branch.ID,
		PreviousLabel:    "true",
		Config:           map[string]any{"message": "left"},
	})
	right := f.add(t, svc, AddNodeRequest{NodeDefinitionID: testutil.ActionID, PreviousID: branch.ID, PreviousLabel: "false"})

	return testGraph{trigger: trigger.ID, branch: branch.ID, left: left.ID, right: right.ID}
}

func TestNode_PermissionDenied(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	authorizer := &mocks.MockAuthorizer{}
	authorizer.On("Authorize", mock.Anything, actor, models.ActionUpdate, mock.Anything, models.ResourceWorkflow, mock.Anything).
		Return(NewPermissionError("Authorize", actor.ID, models.ActionUpdate, models.ResourceWorkflow))

	svc := f.nodeService(nil, authorizer)

	_, err := svc.AddNode(ctx, actor, f.workflow.ID, AddNodeRequest{NodeDefinitionID: testutil.ActionID})
	require.Error(t, err)
	assert.True(t, IsPermissionDenied(err))
	assert.False(t, persistence.IsNotFound(err))

	assert.Empty(t, f.persisted(t))
	assert.Empty(t, f.snapshot(t).AllNodes)
}
