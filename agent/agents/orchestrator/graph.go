package orchestrator

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"
	contractx "github.com/tanpawarit/agentloop/agent/contract"
	nodex "github.com/tanpawarit/agentloop/agent/nodes/orchestrator"
)

const (
	nodeLoadSession    = "load_session"
	nodeCompactHistory = "compact_history"
	nodePlan           = "plan"
	nodeDispatch       = "dispatch"
	nodeMerge          = "merge"
	nodeFinalize       = "finalize"
	nodeAbort          = "abort"
	nodeCommit         = "commit"
)

// compileTurnGraph builds the per-turn executor. plan, dispatch and merge
// form a cycle that only the FSM phase can leave, so the graph runs in
// AnyPredecessor mode with a step cap derived from the iteration budget.
func (s *Service) compileTurnGraph(ctx context.Context) (compose.Runnable[*nodex.TurnState, *nodex.TurnState], error) {
	graph := compose.NewGraph[*nodex.TurnState, *nodex.TurnState]()
	tools := s.registry.Specs()

	nodes := []struct {
		name string
		fn   func(ctx context.Context, in *nodex.TurnState) (*nodex.TurnState, error)
	}{
		{nodeLoadSession, func(ctx context.Context, in *nodex.TurnState) (*nodex.TurnState, error) {
			return nodex.LoadSession(ctx, in, s.store)
		}},
		{nodeCompactHistory, func(_ context.Context, in *nodex.TurnState) (*nodex.TurnState, error) {
			return nodex.CompactHistory(in, s.compactor), nil
		}},
		{nodePlan, func(ctx context.Context, in *nodex.TurnState) (*nodex.TurnState, error) {
			return nodex.Plan(ctx, in, s.planner, tools)
		}},
		{nodeDispatch, func(ctx context.Context, in *nodex.TurnState) (*nodex.TurnState, error) {
			return nodex.Dispatch(ctx, in, s.gateway)
		}},
		{nodeMerge, func(ctx context.Context, in *nodex.TurnState) (*nodex.TurnState, error) {
			return nodex.Merge(ctx, in, s.compactor)
		}},
		{nodeFinalize, func(_ context.Context, in *nodex.TurnState) (*nodex.TurnState, error) {
			return nodex.Finalize(in), nil
		}},
		{nodeAbort, func(_ context.Context, in *nodex.TurnState) (*nodex.TurnState, error) {
			return nodex.Abort(in), nil
		}},
		{nodeCommit, func(ctx context.Context, in *nodex.TurnState) (*nodex.TurnState, error) {
			return nodex.Commit(ctx, in, s.store), nil
		}},
	}
	for _, n := range nodes {
		if err := graph.AddLambdaNode(n.name, compose.InvokableLambda(n.fn)); err != nil {
			return nil, fmt.Errorf("add node %s: %w", n.name, err)
		}
	}

	edges := [][2]string{
		{compose.START, nodeLoadSession},
		{nodeCompactHistory, nodePlan},
		{nodeFinalize, nodeCommit},
		{nodeAbort, nodeCommit},
		{nodeCommit, compose.END},
	}
	for _, edge := range edges {
		if err := graph.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", edge[0], edge[1], err)
		}
	}

	branches := []struct {
		from string
		to   map[contractx.Phase]string
	}{
		{
			from: nodePlan,
			to: map[contractx.Phase]string{
				contractx.PhaseDispatching: nodeDispatch,
				contractx.PhaseDone:        nodeFinalize,
				contractx.PhaseAborted:     nodeAbort,
			},
		},
		{
			from: nodeDispatch,
			to: map[contractx.Phase]string{
				contractx.PhaseMerging: nodeMerge,
				contractx.PhaseAborted: nodeAbort,
			},
		},
		{
			from: nodeMerge,
			to: map[contractx.Phase]string{
				contractx.PhasePlanning: nodePlan,
				contractx.PhaseAborted:  nodeAbort,
			},
		},
	}
	for _, b := range branches {
		if err := graph.AddBranch(b.from, phaseBranch(b.from, b.to)); err != nil {
			return nil, fmt.Errorf("add branch %s: %w", b.from, err)
		}
	}

	// A session that failed to load (closed, storage error) ends the turn
	// before any planning happens.
	loaded := compose.NewGraphBranch(func(_ context.Context, in *nodex.TurnState) (string, error) {
		if in.Err != nil {
			return compose.END, nil
		}
		return nodeCompactHistory, nil
	}, map[string]bool{nodeCompactHistory: true, compose.END: true})
	if err := graph.AddBranch(nodeLoadSession, loaded); err != nil {
		return nil, fmt.Errorf("add branch %s: %w", nodeLoadSession, err)
	}

	runner, err := graph.Compile(ctx,
		compose.WithGraphName("orchestrator.turn"),
		compose.WithNodeTriggerMode(compose.AnyPredecessor),
		compose.WithMaxRunSteps(s.cfg.MaxIterations*3+10),
	)
	if err != nil {
		return nil, fmt.Errorf("compile orchestrator graph: %w", err)
	}
	return runner, nil
}

func phaseBranch(from string, routes map[contractx.Phase]string) *compose.GraphBranch {
	ends := make(map[string]bool, len(routes))
	for _, node := range routes {
		ends[node] = true
	}
	return compose.NewGraphBranch(func(_ context.Context, in *nodex.TurnState) (string, error) {
		node, ok := routes[in.Phase]
		if !ok {
			return "", fmt.Errorf("%w: no route from %s in phase %s", nodex.ErrInvalidTransition, from, in.Phase)
		}
		return node, nil
	}, ends)
}
