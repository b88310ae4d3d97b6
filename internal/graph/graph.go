package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/antigravity-dev/htnguard/internal/htnerr"
)

// TaskGraph is a labeled, in-memory DAG over Tasks. It is owned exclusively
// by the scheduler that mutates it (§5): all other components receive
// immutable snapshots via the accessor methods, never the backing map.
type TaskGraph struct {
	mu sync.RWMutex

	Query        string
	RootGoal     string
	StrategyHint string

	tasks     map[string]*Task
	edges     map[string][]string // taskID -> prerequisite IDs (forward)
	dependents map[string][]string // taskID -> IDs that name it as a prerequisite
}

// New constructs an empty Task Graph for the given originating query.
func New(query, rootGoal, strategyHint string) *TaskGraph {
	return &TaskGraph{
		Query:        query,
		RootGoal:     rootGoal,
		StrategyHint: strategyHint,
		tasks:        make(map[string]*Task),
		edges:        make(map[string][]string),
		dependents:   make(map[string][]string),
	}
}

// Add inserts task with the given prerequisite IDs. Returns CycleDetected if
// the new edges would introduce a cycle, and validation errors for
// duplicate IDs or prerequisites that reference no known task.
func (g *TaskGraph) Add(task Task, prereqs []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if task.ID == "" {
		return htnerr.New(htnerr.KindValidation, "graph.Add", fmt.Errorf("task id is required"))
	}
	if _, exists := g.tasks[task.ID]; exists {
		return htnerr.New(htnerr.KindValidation, "graph.Add", fmt.Errorf("duplicate task id %q", task.ID))
	}
	for _, p := range prereqs {
		if _, ok := g.tasks[p]; !ok {
			return htnerr.New(htnerr.KindValidation, "graph.Add", fmt.Errorf("prerequisite %q does not exist", p))
		}
	}

	task.Prerequisites = append([]string(nil), prereqs...)
	if task.State == "" {
		task.State = Pending
	}

	// Tentatively wire the edges, then DFS from the new node over forward
	// edges to ensure no prerequisite transitively depends on this task —
	// that is the new back-edge a cycle would require.
	g.edges[task.ID] = append([]string(nil), prereqs...)
	if g.reachableFrom(task.ID, task.ID, make(map[string]bool)) {
		delete(g.edges, task.ID)
		return htnerr.New(htnerr.KindValidation, "graph.Add", fmt.Errorf("CycleDetected: adding %q would create a cycle", task.ID))
	}

	g.tasks[task.ID] = task.clone()
	for _, p := range prereqs {
		g.dependents[p] = append(g.dependents[p], task.ID)
	}
	return nil
}

// reachableFrom performs a DFS over forward (prerequisite) edges starting at
// current, reporting whether target is reachable — i.e. whether target is
// (transitively) a prerequisite of current. Grounded in the depth-first
// cycle check used by hierarchical dependency stores: walk prerequisites,
// not successors, and stop the first time the candidate node reappears.
func (g *TaskGraph) reachableFrom(current, target string, visited map[string]bool) bool {
	if visited[current] {
		return false
	}
	visited[current] = true
	for _, prereq := range g.edges[current] {
		if prereq == target {
			return true
		}
		if g.reachableFrom(prereq, target, visited) {
			return true
		}
	}
	return false
}

// AddEdge declares that task id additionally depends on prereqID, after both
// already exist in the graph. Rejected with CycleDetected if prereqID is
// already (transitively) a dependent of id.
func (g *TaskGraph) AddEdge(id, prereqID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.tasks[id]; !ok {
		return htnerr.New(htnerr.KindNotFound, "graph.AddEdge", fmt.Errorf("task %q not found", id))
	}
	if _, ok := g.tasks[prereqID]; !ok {
		return htnerr.New(htnerr.KindNotFound, "graph.AddEdge", fmt.Errorf("task %q not found", prereqID))
	}
	for _, existing := range g.edges[id] {
		if existing == prereqID {
			return nil
		}
	}

	g.edges[id] = append(g.edges[id], prereqID)
	if g.reachableFrom(id, id, make(map[string]bool)) {
		g.edges[id] = removeString(g.edges[id], prereqID)
		return htnerr.New(htnerr.KindValidation, "graph.AddEdge", fmt.Errorf("CycleDetected: %q -> %q would create a cycle", id, prereqID))
	}

	g.dependents[prereqID] = append(g.dependents[prereqID], id)
	g.tasks[id].Prerequisites = append(g.tasks[id].Prerequisites, prereqID)
	return nil
}

// Remove deletes a task and its edges. Dependents keep the dangling
// prerequisite reference removed rather than being cascaded; callers that
// want cascading removal should do so explicitly task by task.
func (g *TaskGraph) Remove(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.tasks[id]; !ok {
		return htnerr.New(htnerr.KindNotFound, "graph.Remove", fmt.Errorf("task %q not found", id))
	}
	delete(g.tasks, id)
	delete(g.edges, id)
	delete(g.dependents, id)
	for dependent, prereqs := range g.edges {
		g.edges[dependent] = removeString(prereqs, id)
	}
	for other, deps := range g.dependents {
		g.dependents[other] = removeString(deps, id)
	}
	return nil
}

func removeString(in []string, target string) []string {
	out := in[:0]
	for _, v := range in {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

// Get returns a copy of the task with the given ID.
func (g *TaskGraph) Get(id string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// ReadyTasks returns tasks whose state is PENDING and whose non-optional
// prerequisites are all COMPLETED (§3 invariant: ready(t) iff all
// prerequisites are COMPLETED). Results are sorted by (priority desc, id
// asc) for deterministic dispatch order.
func (g *TaskGraph) ReadyTasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*Task
	for id, t := range g.tasks {
		if t.State != Pending {
			continue
		}
		if g.prereqsSatisfied(id, t) {
			ready = append(ready, t.clone())
		}
	}
	sortByPriorityThenID(ready)
	return ready
}

func (g *TaskGraph) prereqsSatisfied(id string, t *Task) bool {
	for _, p := range g.edges[id] {
		dep, ok := g.tasks[p]
		if !ok {
			continue
		}
		if dep.State == Completed {
			continue
		}
		if t.OptionalDep[p] {
			continue
		}
		return false
	}
	return true
}

func sortByPriorityThenID(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// Mark transitions task id to state, recording result when terminal.
// Illegal transitions return a validation error; callers (the executor's
// retry/propagation logic) are responsible for only requesting edges their
// policy currently allows.
func (g *TaskGraph) Mark(id string, state State, result *Result) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return htnerr.New(htnerr.KindNotFound, "graph.Mark", fmt.Errorf("task %q not found", id))
	}
	if !CanTransition(t.State, state) {
		return htnerr.New(htnerr.KindValidation, "graph.Mark", fmt.Errorf("illegal transition %s -> %s for task %q", t.State, state, id))
	}

	t.State = state
	if state == Completed || state == Failed {
		t.Result = result
	}

	if state.terminal() && state != Completed {
		g.propagateSkip(id)
	}
	return nil
}

// propagateSkip marks dependents of a non-successfully-terminated task as
// SKIPPED, unless the dependency edge was declared optional (§4.8).
func (g *TaskGraph) propagateSkip(id string) {
	for _, dependentID := range g.dependents[id] {
		dependent, ok := g.tasks[dependentID]
		if !ok || dependent.State.terminal() {
			continue
		}
		if dependent.OptionalDep[id] {
			continue
		}
		switch dependent.State {
		case Pending, Ready:
			dependent.State = Skipped
			g.propagateSkip(dependentID)
		}
	}
}

// TopoOrder returns a topological order over all tasks using Kahn's
// algorithm. Ties (nodes simultaneously available) are broken
// deterministically on (priority desc, id asc), matching ReadyTasks.
func (g *TaskGraph) TopoOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.tasks))
	for id := range g.tasks {
		inDegree[id] = len(g.edges[id])
	}

	var frontier []*Task
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, g.tasks[id])
		}
	}

	var order []string
	for len(frontier) > 0 {
		sortByPriorityThenID(frontier)
		next := frontier[0]
		frontier = frontier[1:]
		order = append(order, next.ID)

		for _, dependentID := range g.dependents[next.ID] {
			inDegree[dependentID]--
			if inDegree[dependentID] == 0 {
				frontier = append(frontier, g.tasks[dependentID])
			}
		}
	}

	if len(order) != len(g.tasks) {
		return nil, htnerr.New(htnerr.KindValidation, "graph.TopoOrder", fmt.Errorf("CycleDetected: graph is not acyclic"))
	}
	return order, nil
}

// Successors returns the IDs of tasks that declare id as a prerequisite.
func (g *TaskGraph) Successors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := append([]string(nil), g.dependents[id]...)
	sort.Strings(out)
	return out
}

// Predecessors returns the prerequisite IDs of id.
func (g *TaskGraph) Predecessors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[id]...)
}

// Stats aggregates per-state task counts.
type Stats struct {
	Total     int
	Pending   int
	Ready     int
	Running   int
	Completed int
	Failed    int
	Skipped   int
	Cancelled int
}

func (g *TaskGraph) StatsSnapshot() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var s Stats
	for _, t := range g.tasks {
		s.Total++
		switch t.State {
		case Pending:
			s.Pending++
		case Ready:
			s.Ready++
		case Running:
			s.Running++
		case Completed:
			s.Completed++
		case Failed:
			s.Failed++
		case Skipped:
			s.Skipped++
		case Cancelled:
			s.Cancelled++
		}
	}
	return s
}

// AllTasks returns a snapshot of every task in the graph, unordered.
func (g *TaskGraph) AllTasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t.clone())
	}
	return out
}

// SetHints updates task id's parallelism-serialization hints: whether its
// side effect is declared commutative, and the exclusive resource key the
// executor should serialize non-commutative invocations on (§4.9, §4.10).
// A no-op if id is unknown — callers attach hints after a successful Add.
func (g *TaskGraph) SetHints(id string, commutative bool, resourceKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return
	}
	t.Commutative = commutative
	t.ResourceKey = resourceKey
}

// CancelAll transitions every PENDING task to CANCELLED, used for
// graph-wide cancellation and critical-task-failure propagation (§4.10).
func (g *TaskGraph) CancelAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.tasks {
		if t.State == Pending || t.State == Ready {
			t.State = Cancelled
		}
	}
}
