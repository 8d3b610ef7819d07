package cascade

import (
	"sort"

	"github.com/d0labs/aof-sub004/internal/task"
)

type color int

const (
	white color = iota // unvisited
	gray               // on the current DFS stack
	black              // fully explored
)

// DetectCycles runs a DFS over the dependsOn graph colored white/gray/black
// and returns, for every task that participates in a cycle, its id. Missing
// dependency ids are dead ends for traversal purposes (§4.4 "Missing
// dependencies"), not edges that can themselves form a cycle.
func DetectCycles(tasks []task.Task) []string {
	byID := indexByID(tasks)
	colors := make(map[string]color, len(tasks))
	onCycle := map[string]struct{}{}

	var visit func(id string, stack []string)
	visit = func(id string, stack []string) {
		switch colors[id] {
		case black:
			return
		case gray:
			// Found a back-edge into the current stack: every node from
			// the first occurrence of id onward is part of the cycle.
			markCycle(stack, id, onCycle)
			return
		}
		colors[id] = gray
		stack = append(stack, id)
		t, ok := byID[id]
		if ok {
			for _, dep := range t.DependsOn {
				if _, exists := byID[dep]; !exists {
					continue
				}
				visit(dep, stack)
			}
		}
		colors[id] = black
	}

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if colors[id] == white {
			visit(id, nil)
		}
	}

	out := make([]string, 0, len(onCycle))
	for id := range onCycle {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func markCycle(stack []string, repeated string, onCycle map[string]struct{}) {
	start := -1
	for i, id := range stack {
		if id == repeated {
			start = i
			break
		}
	}
	if start < 0 {
		return
	}
	for _, id := range stack[start:] {
		onCycle[id] = struct{}{}
	}
}

// BreakCycles transitions every task participating in a dependency cycle to
// blocked with reason circular_dependency, leaving them there until a
// removeDep or cancel breaks the cycle (§4.4).
func (c *Cascader) BreakCycles() ([]string, error) {
	all, err := c.store.List()
	if err != nil {
		return nil, err
	}
	cyclic := DetectCycles(all)
	var blocked []string
	for _, id := range cyclic {
		t, err := c.store.Get(id)
		if err != nil || t.Status == task.StatusBlocked {
			continue
		}
		if !task.CanTransition(t.Status, task.StatusBlocked) {
			continue
		}
		if _, err := c.store.Block(id, "circular_dependency"); err == nil {
			blocked = append(blocked, id)
		}
	}
	if len(blocked) > 0 {
		c.logEvent("dependency.cycle_detected", "", map[string]any{"blocked": blocked})
	}
	return blocked, nil
}
