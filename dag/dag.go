// Package dag renders a saga Definition, optionally overlaid with the
// progress of one Record, as a gonum graph that exports to Graphviz DOT.
package dag

import (
	"fmt"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/fortressi/saga"
)

const (
	startNode = "start"
	endNode   = "end"
)

// Node fill colours used by Overlay.
const (
	ColorCompleted          = "palegreen"
	ColorCompensated        = "lightgrey"
	ColorCompensationFailed = "tomato"
	ColorFailed             = "orange"
	ColorCurrent            = "lightblue"
)

type Graph struct {
	*simple.DirectedGraph
	name  string
	attrs encoding.Attributes
	steps map[saga.StepName]*Node
}

func New(name string) *Graph {
	return &Graph{
		DirectedGraph: simple.NewDirectedGraph(),
		name:          name,
		steps:         make(map[saga.StepName]*Node),
	}
}

// FromDefinition lays the steps of def out as a chain between a start and
// an end node, in execution order.
func FromDefinition(def *saga.Definition) *Graph {
	g := New(string(def.Type()))
	_ = g.attrs.SetAttribute(encoding.Attribute{Key: "rankdir", Value: "LR"})

	prev := g.addNode(startNode)
	_ = prev.SetAttribute(encoding.Attribute{Key: "shape", Value: "circle"})
	for _, name := range def.StepNames() {
		n := g.addNode(string(name))
		_ = n.SetAttribute(encoding.Attribute{Key: "shape", Value: "box"})
		g.steps[name] = n
		g.SetEdge(g.NewEdge(prev, n))
		prev = n
	}
	end := g.addNode(endNode)
	_ = end.SetAttribute(encoding.Attribute{Key: "shape", Value: "doublecircle"})
	g.SetEdge(g.NewEdge(prev, end))
	return g
}

func (g *Graph) addNode(name string) *Node {
	n := &Node{Node: g.DirectedGraph.NewNode(), name: name}
	g.AddNode(n)
	return n
}

// Node returns the node of a step.
func (g *Graph) Node(name saga.StepName) (*Node, bool) {
	n, ok := g.steps[name]
	return n, ok
}

// Overlay colours the step nodes after the progress recorded in rec.
func (g *Graph) Overlay(rec *saga.Record) {
	fill := func(name saga.StepName, color string) {
		if n, ok := g.steps[name]; ok {
			_ = n.SetAttribute(encoding.Attribute{Key: "style", Value: "filled"})
			_ = n.SetAttribute(encoding.Attribute{Key: "fillcolor", Value: color})
		}
	}
	for _, name := range rec.CompletedSteps {
		fill(name, ColorCompleted)
	}
	if rec.FailedStep != "" {
		fill(rec.FailedStep, ColorFailed)
	}
	for _, name := range rec.CompensatedSteps {
		fill(name, ColorCompensated)
	}
	for _, f := range rec.FailedCompensations {
		fill(f.Step, ColorCompensationFailed)
	}
	if rec.Status == saga.StatusRunning {
		names := g.Order()
		if rec.CurrentStepIndex < len(names) {
			fill(names[rec.CurrentStepIndex], ColorCurrent)
		}
	}
	for name, n := range g.steps {
		if attempts := rec.AttemptCounts[name]; attempts > 0 {
			_ = n.SetAttribute(encoding.Attribute{Key: "xlabel", Value: fmt.Sprintf("attempts=%d", attempts)})
		}
	}
	_ = g.attrs.SetAttribute(encoding.Attribute{Key: "label", Value: fmt.Sprintf("%s %s", rec.ID, rec.Status)})
}

// Order returns the step names in topological order.
func (g *Graph) Order() []saga.StepName {
	sorted, err := topo.Sort(g)
	if err != nil {
		// FromDefinition only ever builds a chain
		return nil
	}
	names := make([]saga.StepName, 0, len(g.steps))
	for _, n := range sorted {
		node := n.(*Node)
		if node.name == startNode || node.name == endNode {
			continue
		}
		names = append(names, saga.StepName(node.name))
	}
	return names
}

func (g *Graph) DOTAttributers() (encoding.Attributer, encoding.Attributer, encoding.Attributer) {
	return &g.attrs, &encoding.Attributes{}, &encoding.Attributes{}
}

// ExportToDot exports the graph to Graphviz .dot format.
func (g *Graph) ExportToDot() (string, error) {
	data, err := dot.Marshal(g, g.name, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to export saga graph to DOT format: %w", err)
	}
	return string(data), nil
}

func (g *Graph) NewEdge(from, to graph.Node) graph.Edge {
	return &edge{Edge: g.DirectedGraph.NewEdge(from, to)}
}

type Node struct {
	graph.Node
	name  string
	attrs encoding.Attributes
}

// DOTID names the node after its step.
func (n *Node) DOTID() string { return n.name }

func (n *Node) Attributes() []encoding.Attribute {
	return n.attrs.Attributes()
}

func (n *Node) SetAttribute(attr encoding.Attribute) error {
	return n.attrs.SetAttribute(attr)
}

type edge struct {
	graph.Edge
	attrs encoding.Attributes
}

func (e *edge) Attributes() []encoding.Attribute {
	return e.attrs.Attributes()
}

func (e *edge) SetAttribute(attr encoding.Attribute) error {
	return e.attrs.SetAttribute(attr)
}
