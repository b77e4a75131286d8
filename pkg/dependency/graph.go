// Package dependency builds the DAG implied by a batch of jobs' Needs lists,
// detects cycles, computes layering and critical path, and evaluates each
// edge's readiness condition, per §4.4.
package dependency

import (
	"fmt"
	"sort"

	"github.com/cuemby/runnerhub/pkg/types"
)

// Condition gates whether a dependent job may start once its predecessor
// reaches a terminal state. The grammar is deliberately small -- a fixed set
// of named conditions plus a narrow "expression" form -- rather than an
// embedded expression evaluator.
type Condition string

const (
	ConditionSuccess    Condition = "success"
	ConditionFailure    Condition = "failure"
	ConditionAlways     Condition = "always"
	ConditionExpression Condition = "expression"
	ConditionCustom     Condition = "custom"
)

// ExprKind selects which of the fixed expression forms an expression
// condition evaluates, when Condition == ConditionExpression.
type ExprKind string

const (
	ExprSuccess  ExprKind = "success"
	ExprFailure  ExprKind = "failure"
	ExprExitCode ExprKind = "exit_code"
)

// NodeStatus is what Ready needs to know about a predecessor: its terminal
// state, and, for exit_code expressions, the exit code of its last attempt.
type NodeStatus struct {
	State    types.JobState
	ExitCode int
}

// Edge is one dependency: To needs From to satisfy Condition first. Optional
// marks an edge whose condition is treated as satisfied if From fails, per
// the DAG's "optional edge" invariant.
type Edge struct {
	From      string
	To        string
	Condition Condition
	Optional  bool
	Timeout   int64

	// Expr* fields are only meaningful when Condition == ConditionExpression.
	Expr       ExprKind
	ExitCode   int    // operand for ExprExitCode
	ExitCodeOp string // comparison operator: ==, !=, >, <, >=, <=; default ==
}

// Graph is the dependency DAG for one batch of jobs.
type Graph struct {
	nodes map[string]*types.Job
	edges map[string][]Edge // From -> outgoing edges
	rev   map[string][]Edge // To -> incoming edges
}

// Build constructs a Graph from jobs, parsing each job's Needs into plain
// success edges. Use AddEdge afterward to attach richer conditions.
func Build(jobs []*types.Job) *Graph {
	g := &Graph{
		nodes: make(map[string]*types.Job, len(jobs)),
		edges: make(map[string][]Edge),
		rev:   make(map[string][]Edge),
	}
	for _, j := range jobs {
		g.nodes[j.ID] = j
	}
	for _, j := range jobs {
		for _, dep := range j.Needs {
			g.AddEdge(Edge{From: dep, To: j.ID, Condition: ConditionSuccess})
		}
	}
	return g
}

// AddEdge registers an edge with an explicit condition, replacing Build's
// default success edge between the same pair if one exists.
func (g *Graph) AddEdge(e Edge) {
	for i, existing := range g.edges[e.From] {
		if existing.To == e.To {
			g.edges[e.From][i] = e
			for j, rv := range g.rev[e.To] {
				if rv.From == e.From {
					g.rev[e.To][j] = e
				}
			}
			return
		}
	}
	g.edges[e.From] = append(g.edges[e.From], e)
	g.rev[e.To] = append(g.rev[e.To], e)
}

// nodeColor is used by the DFS cycle check.
type nodeColor int

const (
	white nodeColor = iota
	grey
	black
)

// DetectCycle runs a white/grey/black DFS and returns the first cycle found
// as a slice of job IDs, or nil if the graph is acyclic.
func (g *Graph) DetectCycle() []string {
	colors := make(map[string]nodeColor, len(g.nodes))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = grey
		path = append(path, id)
		for _, e := range g.edges[id] {
			switch colors[e.To] {
			case white:
				if visit(e.To) {
					return true
				}
			case grey:
				cycle = append(append([]string{}, path...), e.To)
				return true
			}
		}
		path = path[:len(path)-1]
		colors[id] = black
		return false
	}

	ids := g.sortedIDs()
	for _, id := range ids {
		if colors[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Layers assigns each job to the earliest layer consistent with its
// predecessors, via Kahn's algorithm. Layer 0 has no dependencies.
func (g *Graph) Layers() ([][]string, error) {
	if cyc := g.DetectCycle(); cyc != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCyclicDependency, cyc)
	}

	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.rev[id])
	}

	var layers [][]string
	remaining := len(g.nodes)
	for remaining > 0 {
		var layer []string
		for _, id := range g.sortedIDs() {
			if indegree[id] == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			return nil, types.ErrCyclicDependency
		}
		sort.Strings(layer)
		layers = append(layers, layer)
		for _, id := range layer {
			indegree[id] = -1 // mark consumed so it's excluded from future layers
			remaining--
		}
		for _, id := range layer {
			for _, e := range g.edges[id] {
				if indegree[e.To] > 0 {
					indegree[e.To]--
				}
			}
		}
	}
	return layers, nil
}

// CriticalPath returns the job IDs on the longest duration-weighted path
// through the graph, using each job's EstDuration as node weight.
func (g *Graph) CriticalPath() ([]string, error) {
	layers, err := g.Layers()
	if err != nil {
		return nil, err
	}

	longest := make(map[string]int64)   // cumulative duration ending at id
	predecessor := make(map[string]string)

	for _, layer := range layers {
		for _, id := range layer {
			dur := int64(g.nodes[id].EstDuration)
			best := int64(0)
			var bestPred string
			for _, e := range g.rev[id] {
				if longest[e.From] > best {
					best = longest[e.From]
					bestPred = e.From
				}
			}
			longest[id] = best + dur
			if bestPred != "" {
				predecessor[id] = bestPred
			}
		}
	}

	var end string
	var max int64 = -1
	for id, d := range longest {
		if d > max {
			max, end = d, id
		}
	}
	if end == "" {
		return nil, nil
	}

	var path []string
	for cur := end; cur != ""; {
		path = append([]string{cur}, path...)
		cur = predecessor[cur]
	}
	return path, nil
}

// Ready reports whether job id is ready to run: every non-optional edge into
// it must be satisfied, and an optional edge whose source failed is treated
// as satisfied regardless of its condition.
func (g *Graph) Ready(id string, statuses map[string]NodeStatus) bool {
	for _, e := range g.rev[id] {
		st, seen := statuses[e.From]
		if !seen {
			return false
		}
		if e.Optional && st.State == types.JobFailed {
			continue
		}
		if !e.satisfied(st) {
			return false
		}
	}
	return true
}

// satisfied reports whether predecessor status st meets e's condition.
func (e *Edge) satisfied(st NodeStatus) bool {
	switch e.Condition {
	case ConditionAlways:
		return st.State == types.JobCompleted || st.State == types.JobFailed || st.State == types.JobCancelled
	case ConditionFailure:
		return st.State == types.JobFailed
	case ConditionExpression:
		return e.evalExpression(st)
	case ConditionCustom:
		// No custom-evaluator hook is wired in; a custom condition is
		// satisfied once its source reaches any terminal state, same as
		// ConditionAlways, until one is registered.
		return st.State == types.JobCompleted || st.State == types.JobFailed || st.State == types.JobCancelled
	default: // ConditionSuccess
		return st.State == types.JobCompleted
	}
}

func (e *Edge) evalExpression(st NodeStatus) bool {
	switch e.Expr {
	case ExprFailure:
		return st.State == types.JobFailed
	case ExprExitCode:
		if st.State != types.JobCompleted && st.State != types.JobFailed {
			return false
		}
		op := e.ExitCodeOp
		if op == "" {
			op = "=="
		}
		switch op {
		case "==":
			return st.ExitCode == e.ExitCode
		case "!=":
			return st.ExitCode != e.ExitCode
		case ">":
			return st.ExitCode > e.ExitCode
		case "<":
			return st.ExitCode < e.ExitCode
		case ">=":
			return st.ExitCode >= e.ExitCode
		case "<=":
			return st.ExitCode <= e.ExitCode
		default:
			return false
		}
	default: // ExprSuccess
		return st.State == types.JobCompleted
	}
}

// PropagationStrategy decides how a predecessor's failure affects dependents
// whose condition was not satisfied.
type PropagationStrategy string

const (
	PropagateStrict    PropagationStrategy = "strict"    // cancel all dependents
	PropagateLenient   PropagationStrategy = "lenient"    // cancel only direct dependents
	PropagateOptimistic PropagationStrategy = "optimistic" // only cancel dependents with no always/failure edge
	PropagateAdaptive  PropagationStrategy = "adaptive"   // lenient, escalating to strict after repeat failures in the batch
)

// Propagate returns the set of job IDs to cancel when failedID fails, under
// strategy. priorFailures is the count of prior failures in this batch, used
// by PropagateAdaptive.
func (g *Graph) Propagate(failedID string, strategy PropagationStrategy, priorFailures int) []string {
	switch strategy {
	case PropagateStrict:
		return g.allDescendants(failedID)
	case PropagateOptimistic:
		return g.directDescendantsWithoutFallback(failedID)
	case PropagateAdaptive:
		if priorFailures >= 2 {
			return g.allDescendants(failedID)
		}
		return g.directDescendants(failedID)
	default: // PropagateLenient
		return g.directDescendants(failedID)
	}
}

func (g *Graph) directDescendants(id string) []string {
	var out []string
	for _, e := range g.edges[id] {
		if e.Condition == ConditionSuccess && !e.Optional {
			out = append(out, e.To)
		}
	}
	sort.Strings(out)
	return out
}

func (g *Graph) directDescendantsWithoutFallback(id string) []string {
	var out []string
	for _, e := range g.edges[id] {
		if e.Condition == ConditionSuccess && !e.Optional {
			hasFallback := false
			for _, alt := range g.rev[e.To] {
				if alt.From != id && (alt.Condition == ConditionAlways || alt.Condition == ConditionFailure) {
					hasFallback = true
				}
			}
			if !hasFallback {
				out = append(out, e.To)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (g *Graph) allDescendants(id string) []string {
	seen := make(map[string]bool)
	var visit func(string)
	visit = func(cur string) {
		for _, e := range g.edges[cur] {
			if !seen[e.To] {
				seen[e.To] = true
				visit(e.To)
			}
		}
	}
	visit(id)
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
