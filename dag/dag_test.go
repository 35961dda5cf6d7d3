package dag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/graph/encoding"

	"github.com/fortressi/saga"
)

func noop(context.Context, *saga.Context) error { return nil }

func orderDefinition(t *testing.T) *saga.Definition {
	t.Helper()
	def, err := saga.NewDefinition("order",
		saga.NewStep("CreateOrder", noop, noop),
		saga.NewStep("ReserveInventory", noop, noop),
		saga.NewStep("ChargePayment", noop, noop),
	)
	require.NoError(t, err)
	return def
}

func attr(n *Node, key string) string {
	for _, a := range n.Attributes() {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}

func TestFromDefinitionKeepsStepOrder(t *testing.T) {
	g := FromDefinition(orderDefinition(t))

	assert.Equal(t, []saga.StepName{"CreateOrder", "ReserveInventory", "ChargePayment"}, g.Order())
	// start + three steps + end
	assert.Equal(t, 5, g.Nodes().Len())
	assert.Equal(t, 4, g.Edges().Len())
}

func TestEmptyDefinitionGraph(t *testing.T) {
	def, err := saga.NewDefinition("noop")
	require.NoError(t, err)

	g := FromDefinition(def)
	assert.Empty(t, g.Order())
	assert.Equal(t, 2, g.Nodes().Len())
}

func TestOverlayColoursProgress(t *testing.T) {
	g := FromDefinition(orderDefinition(t))
	g.Overlay(&saga.Record{
		ID:                  "s-1",
		Status:              saga.StatusFailed,
		CompletedSteps:      []saga.StepName{"CreateOrder", "ReserveInventory"},
		CompensatedSteps:    []saga.StepName{"CreateOrder"},
		FailedCompensations: []saga.CompensationFailure{{Step: "ReserveInventory", Error: "boom"}},
		FailedStep:          "ChargePayment",
		AttemptCounts:       map[saga.StepName]int{"ChargePayment": 3},
	})

	create, ok := g.Node("CreateOrder")
	require.True(t, ok)
	assert.Equal(t, ColorCompensated, attr(create, "fillcolor"))

	reserve, _ := g.Node("ReserveInventory")
	assert.Equal(t, ColorCompensationFailed, attr(reserve, "fillcolor"))

	charge, _ := g.Node("ChargePayment")
	assert.Equal(t, ColorFailed, attr(charge, "fillcolor"))
	assert.Equal(t, "attempts=3", attr(charge, "xlabel"))
}

func TestOverlayMarksCurrentStep(t *testing.T) {
	g := FromDefinition(orderDefinition(t))
	g.Overlay(&saga.Record{
		ID:               "s-2",
		Status:           saga.StatusRunning,
		CurrentStepIndex: 1,
		CompletedSteps:   []saga.StepName{"CreateOrder"},
	})

	reserve, _ := g.Node("ReserveInventory")
	assert.Equal(t, ColorCurrent, attr(reserve, "fillcolor"))
}

func TestExportToDot(t *testing.T) {
	g := FromDefinition(orderDefinition(t))
	out, err := g.ExportToDot()
	require.NoError(t, err)

	assert.Contains(t, out, "digraph")
	assert.Contains(t, out, "CreateOrder")
	assert.Contains(t, out, "ChargePayment")
	assert.Contains(t, out, "->")
	assert.Contains(t, out, "rankdir")
}

func TestNodeSetAttribute(t *testing.T) {
	g := New("x")
	n := g.addNode("solo")
	require.NoError(t, n.SetAttribute(encoding.Attribute{Key: "color", Value: "red"}))
	assert.Equal(t, "red", attr(n, "color"))
	assert.Equal(t, "solo", n.DOTID())
}
