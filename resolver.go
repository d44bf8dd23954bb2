package nodeflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/nodeflow/nodeflow/model"
)

// Graph is the dependency view of a workflow definition.
type Graph struct {
	order    []string
	incoming map[string][]model.Connection
	outgoing map[string][]string
}

// NewGraph indexes def. Connections naming unknown nodes are rejected.
func NewGraph(def model.WorkflowDefinition) (*Graph, error) {
	g := &Graph{
		incoming: make(map[string][]model.Connection),
		outgoing: make(map[string][]string),
	}
	seen := make(map[string]bool, len(def.Nodes))
	for _, node := range def.Nodes {
		if node.ID == "" {
			return nil, fmt.Errorf("workflow node without id")
		}
		if seen[node.ID] {
			return nil, fmt.Errorf("duplicate workflow node id: %s", node.ID)
		}
		seen[node.ID] = true
		g.order = append(g.order, node.ID)
	}
	for _, conn := range def.Connections {
		if !seen[conn.Source] {
			return nil, fmt.Errorf("connection source node not found: %s", conn.Source)
		}
		if !seen[conn.Target] {
			return nil, fmt.Errorf("connection target node not found: %s", conn.Target)
		}
		if conn.Source == conn.Target {
			return nil, fmt.Errorf("%w: node %s is connected to itself", ErrCycleDetected, conn.Source)
		}
		g.incoming[conn.Target] = append(g.incoming[conn.Target], conn)
		g.outgoing[conn.Source] = append(g.outgoing[conn.Source], conn.Target)
	}
	return g, nil
}

// Upstream returns the distinct source node ids feeding nodeID.
func (g *Graph) Upstream(nodeID string) []string {
	var sources []string
	seen := make(map[string]bool)
	for _, conn := range g.incoming[nodeID] {
		if !seen[conn.Source] {
			seen[conn.Source] = true
			sources = append(sources, conn.Source)
		}
	}
	return sources
}

// DetectCycles walks the graph depth first and reports the first node found on a cycle.
func (g *Graph) DetectCycles() error {
	visited := make(map[string]bool)
	visiting := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		if visited[id] {
			return nil
		}
		if visiting[id] {
			return fmt.Errorf("%w: involving node '%s'", ErrCycleDetected, id)
		}
		visiting[id] = true
		for _, next := range g.outgoing[id] {
			if err := visit(next); err != nil {
				return err
			}
		}
		delete(visiting, id)
		visited[id] = true
		return nil
	}

	for _, id := range g.order {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Inputs collects the values flowing into nodeID from completed source tasks, keyed by target port.
// A source contributes its result URL when it has one, otherwise the value of the connected output
// port. Sources that are missing or not completed contribute nothing.
func (g *Graph) Inputs(nodeID string, tasks map[string]model.NodeTask) map[string]interface{} {
	inputs := make(map[string]interface{})
	for _, conn := range g.incoming[nodeID] {
		source, ok := tasks[conn.Source]
		if !ok || source.Status != model.NodeStatusCompleted {
			continue
		}
		port := conn.TargetInput()
		if port == "" {
			continue
		}
		if source.ResultURL != "" {
			inputs[port] = source.ResultURL
			continue
		}
		if v, ok := source.OutputData[conn.SourceOutput()]; ok {
			inputs[port] = v
		}
	}
	return inputs
}

// Ready returns the pending tasks whose upstream tasks are all terminal, ordered by task id.
// Upstream nodes without a task do not block.
func (g *Graph) Ready(tasks []model.NodeTask) []model.NodeTask {
	byNode := tasksByNode(tasks)
	var ready []model.NodeTask
	for _, task := range tasks {
		if task.Status != model.NodeStatusPending {
			continue
		}
		blocked := false
		for _, source := range g.Upstream(task.NodeID) {
			if upstream, ok := byNode[source]; ok && !upstream.IsTerminal() {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, task)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

func tasksByNode(tasks []model.NodeTask) map[string]model.NodeTask {
	byNode := make(map[string]model.NodeTask, len(tasks))
	for _, task := range tasks {
		byNode[task.NodeID] = task
	}
	return byNode
}

// ValidateDefinition rejects definitions that cannot be scheduled.
func ValidateDefinition(def model.WorkflowDefinition) (*Graph, error) {
	if len(def.Nodes) == 0 {
		return nil, fmt.Errorf("workflow has no nodes")
	}
	g, err := NewGraph(def)
	if err != nil {
		return nil, err
	}
	if err := g.DetectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

// definition returns the graph an execution runs, preferring the snapshot frozen at start over the
// live workflow.
func (n *Nodeflow) definition(ctx context.Context, exec *model.WorkflowExecution) (model.WorkflowDefinition, error) {
	if exec.WorkflowSnapshot != nil {
		return *exec.WorkflowSnapshot, nil
	}
	wf, err := n.datasource.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	return wf.Definition, nil
}

func (n *Nodeflow) graph(ctx context.Context, exec *model.WorkflowExecution) (*Graph, error) {
	def, err := n.definition(ctx, exec)
	if err != nil {
		return nil, err
	}
	return NewGraph(def)
}

// ResolveInputs computes the inputs of nodeID in an execution from its completed upstream tasks.
func (n *Nodeflow) ResolveInputs(ctx context.Context, executionID int64, nodeID string) (map[string]interface{}, error) {
	exec, err := n.datasource.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	g, err := n.graph(ctx, exec)
	if err != nil {
		return nil, err
	}
	tasks, err := n.datasource.GetNodeTasksByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return g.Inputs(nodeID, tasksByNode(tasks)), nil
}
