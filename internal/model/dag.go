package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidDependencies = errors.New("invalid task dependencies")

// ValidateDependencies checks that depends_on only names sibling tasks and
// that the dependency graph is acyclic (Kahn's algorithm).
func ValidateDependencies(tasks []*Task) error {
	ids := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return fmt.Errorf("%w: task %q has no id", ErrInvalidDependencies, t.Title)
		}
		if _, dup := ids[t.ID]; dup {
			return fmt.Errorf("%w: duplicate task id %q", ErrInvalidDependencies, t.ID)
		}
		ids[t.ID] = struct{}{}
	}

	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		inDegree[t.ID] += 0
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return fmt.Errorf("%w: task %q depends on itself", ErrInvalidDependencies, t.ID)
			}
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("%w: task %q depends on unknown task %q", ErrInvalidDependencies, t.ID, dep)
			}
			inDegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	queue := make([]string, 0, len(tasks))
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited == len(tasks) {
		return nil
	}

	var cyclic []string
	for id, d := range inDegree {
		if d > 0 {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	return fmt.Errorf("%w: cycle among %s", ErrInvalidDependencies, strings.Join(cyclic, ", "))
}
