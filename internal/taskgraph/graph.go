package taskgraph

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrCycle matches every *CycleError.
	ErrCycle = errors.New("dependency cycle")
	// ErrDuplicateTask is returned when two tasks share an id.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrUnknownDependency is returned when a task depends on a missing id.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// CycleError carries one dependency cycle. Path starts and ends with the
// same id; each element depends on the next.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// Edge is a dependency of From on To.
type Edge struct {
	From string
	To   string
}

// Edges lists the dependencies that make up the cycle.
func (e *CycleError) Edges() []Edge {
	out := make([]Edge, 0, len(e.Path))
	for i := 0; i+1 < len(e.Path); i++ {
		out = append(out, Edge{From: e.Path[i], To: e.Path[i+1]})
	}
	return out
}

// Graph indexes a single run's tasks.
type Graph struct {
	order []string
	tasks map[string]*Task
	dups  []string
}

// New builds a graph. Tasks are not copied.
func New(tasks []*Task) *Graph {
	g := &Graph{tasks: make(map[string]*Task, len(tasks))}
	for _, t := range tasks {
		if _, ok := g.tasks[t.ID]; ok {
			g.dups = append(g.dups, t.ID)
			continue
		}
		g.tasks[t.ID] = t
		g.order = append(g.order, t.ID)
	}
	return g
}

// Task returns the task with id, or nil.
func (g *Graph) Task(id string) *Task { return g.tasks[id] }

// Tasks returns the tasks in insertion order.
func (g *Graph) Tasks() []*Task {
	out := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id])
	}
	return out
}

// DropDependency removes the dependency of from on to.
func (g *Graph) DropDependency(from, to string) bool {
	t, ok := g.tasks[from]
	if !ok {
		return false
	}
	i := slices.Index(t.DependsOn, to)
	if i < 0 {
		return false
	}
	t.DependsOn = slices.Delete(t.DependsOn, i, i+1)
	return true
}

// Validate checks ids, dependency references and acyclicity.
func (g *Graph) Validate() error {
	if len(g.dups) > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, strings.Join(g.dups, ", "))
	}
	for _, id := range g.order {
		for _, dep := range g.tasks[id].DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, id, dep)
			}
		}
	}
	if path := g.findCycle(); path != nil {
		return &CycleError{Path: path}
	}
	return nil
}

const (
	white = iota
	grey
	black
)

func (g *Graph) findCycle() []string {
	color := make(map[string]int, len(g.tasks))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.tasks[id].DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				continue
			}
			switch color[dep] {
			case grey:
				start := slices.Index(stack, dep)
				path := append([]string(nil), stack[start:]...)
				return append(path, dep)
			case white:
				if p := visit(dep); p != nil {
					return p
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if p := visit(id); p != nil {
				return p
			}
		}
	}
	return nil
}

// Waves groups tasks into topological layers. Every task in a wave depends
// only on tasks in earlier waves. Ids within a wave keep insertion order.
func (g *Graph) Waves() ([][]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	indegree := make(map[string]int, len(g.tasks))
	dependents := make(map[string][]string, len(g.tasks))
	for _, id := range g.order {
		deps := g.tasks[id].DependsOn
		indegree[id] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var waves [][]string
	var current []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			current = append(current, id)
		}
	}
	for len(current) > 0 {
		waves = append(waves, current)
		var next []string
		for _, id := range current {
			for _, d := range dependents[id] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		slices.SortStableFunc(next, func(a, b string) int {
			return slices.Index(g.order, a) - slices.Index(g.order, b)
		})
		current = next
	}
	return waves, nil
}
