package workflow

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azevedojoel/relay/internal/database"
)

func node(id string) database.WorkflowNode {
	return database.WorkflowNode{ID: id, AgentID: uuid.New(), PromptID: uuid.New()}
}

func edge(source, target string) database.WorkflowEdge {
	return database.WorkflowEdge{Source: source, Target: target}
}

func ids(nodes []database.WorkflowNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func TestOrderLinearChain(t *testing.T) {
	nodes := []database.WorkflowNode{node("c"), node("a"), node("b")}
	edges := []database.WorkflowEdge{edge("a", "b"), edge("b", "c")}

	ordered, dropped := Order(nodes, edges)
	require.Empty(t, dropped)
	assert.Equal(t, []string{"a", "b", "c"}, ids(ordered))
}

func TestOrderDiamond(t *testing.T) {
	nodes := []database.WorkflowNode{node("a"), node("b"), node("c"), node("d")}
	edges := []database.WorkflowEdge{
		edge("a", "b"), edge("a", "c"),
		edge("b", "d"), edge("c", "d"),
	}

	ordered, dropped := Order(nodes, edges)
	require.Empty(t, dropped)
	require.Len(t, ordered, 4)

	pos := map[string]int{}
	for i, n := range ordered {
		pos[n.ID] = i
	}
	for _, e := range edges {
		assert.Less(t, pos[e.Source], pos[e.Target], "%s must precede %s", e.Source, e.Target)
	}
}

func TestOrderIsStableAmongReadyNodes(t *testing.T) {
	// No edges: declaration order is the execution order.
	nodes := []database.WorkflowNode{node("z"), node("m"), node("a")}

	ordered, dropped := Order(nodes, nil)
	require.Empty(t, dropped)
	assert.Equal(t, []string{"z", "m", "a"}, ids(ordered))
}

func TestOrderCycleTerminatesWithPrefix(t *testing.T) {
	nodes := []database.WorkflowNode{node("a"), node("b"), node("c"), node("d")}
	edges := []database.WorkflowEdge{
		edge("a", "b"),
		// b <-> c is a cycle; d hangs off the cycle and is unreachable.
		edge("b", "c"), edge("c", "b"),
		edge("c", "d"),
	}

	ordered, dropped := Order(nodes, edges)
	assert.Equal(t, []string{"a"}, ids(ordered))
	assert.ElementsMatch(t, []string{"b", "c", "d"}, dropped)
}

func TestOrderIgnoresEdgesToUnknownNodes(t *testing.T) {
	nodes := []database.WorkflowNode{node("a"), node("b")}
	edges := []database.WorkflowEdge{edge("a", "ghost"), edge("ghost", "b"), edge("a", "b")}

	ordered, dropped := Order(nodes, edges)
	require.Empty(t, dropped)
	assert.Equal(t, []string{"a", "b"}, ids(ordered))
}

func TestOrderEmptyGraph(t *testing.T) {
	ordered, dropped := Order(nil, nil)
	assert.Empty(t, ordered)
	assert.Empty(t, dropped)
}

func TestHasCycle(t *testing.T) {
	nodes := []database.WorkflowNode{node("a"), node("b")}

	assert.False(t, HasCycle(nodes, []database.WorkflowEdge{edge("a", "b")}))
	assert.True(t, HasCycle(nodes, []database.WorkflowEdge{edge("a", "b"), edge("b", "a")}))
}
