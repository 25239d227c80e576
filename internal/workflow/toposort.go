// Package workflow executes workflow runs: it orders a workflow's step graph,
// drives one agent invocation per step inside a single conversation, and
// records the hand-off between consecutive steps as a synthetic transcript
// message.
package workflow

import (
	"github.com/azevedojoel/relay/internal/database"
)

// Order computes a topological execution order for a workflow graph using
// Kahn's algorithm. Edges are dependency arcs: the source node must complete
// before the target. Ordering is stable: among ready nodes, declaration order
// wins.
//
// The algorithm always terminates. Nodes trapped in a cycle never reach
// in-degree zero and are returned in dropped instead of the order; the caller
// decides whether that is an error.
func Order(nodes []database.WorkflowNode, edges []database.WorkflowEdge) (ordered []database.WorkflowNode, dropped []string) {
	if len(nodes) == 0 {
		return nil, nil
	}

	indegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		indegree[n.ID] = 0
	}
	for _, e := range edges {
		// Edges naming unknown nodes contribute nothing.
		if _, ok := indegree[e.Source]; !ok {
			continue
		}
		if _, ok := indegree[e.Target]; !ok {
			continue
		}
		indegree[e.Target]++
	}

	ordered = make([]database.WorkflowNode, 0, len(nodes))
	placed := make(map[string]bool, len(nodes))

	for len(ordered) < len(nodes) {
		progressed := false
		for _, n := range nodes {
			if placed[n.ID] || indegree[n.ID] != 0 {
				continue
			}
			placed[n.ID] = true
			ordered = append(ordered, n)
			progressed = true
			for _, e := range edges {
				if e.Source == n.ID {
					if _, ok := indegree[e.Target]; ok {
						indegree[e.Target]--
					}
				}
			}
		}
		if !progressed {
			// Remaining nodes form one or more cycles.
			break
		}
	}

	for _, n := range nodes {
		if !placed[n.ID] {
			dropped = append(dropped, n.ID)
		}
	}
	return ordered, dropped
}

// HasCycle reports whether the graph contains a cycle. Used at save time to
// warn about workflows that would silently skip steps at run time.
func HasCycle(nodes []database.WorkflowNode, edges []database.WorkflowEdge) bool {
	ordered, dropped := Order(nodes, edges)
	return len(ordered) < len(nodes) && len(dropped) > 0
}
