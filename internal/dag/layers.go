// Package dag groups plan steps into dependency layers for execution.
package dag

import (
	"errors"
	"fmt"

	"github.com/orchid-labs/orchid-go/internal/domain"
)

var (
	ErrDuplicateStep     = errors.New("duplicate step id")
	ErrSelfDependency    = errors.New("step depends on itself")
	ErrUnknownDependency = errors.New("dependency references unknown step")
	ErrCycle             = errors.New("dependency graph contains a cycle")
)

// Layer is one group of steps whose dependencies are all satisfied by
// strictly earlier layers. Steps within a layer may execute concurrently.
type Layer []domain.PlanStep

// ComputeLayers validates the step graph and returns its topological layers.
// Within a layer, steps keep their declared order. When no step declares any
// dependency, each step becomes its own layer so legacy sequential plans keep
// their semantics.
func ComputeLayers(steps []domain.PlanStep) ([]Layer, error) {
	if len(steps) == 0 {
		return nil, errors.New("no steps")
	}

	byID := make(map[string]int, len(steps))
	for i, step := range steps {
		if _, ok := byID[step.ID]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStep, step.ID)
		}
		byID[step.ID] = i
	}

	anyDeps := false
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			anyDeps = true
			if dep == step.ID {
				return nil, fmt.Errorf("%w: %q", ErrSelfDependency, step.ID)
			}
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("%w: %q -> %q", ErrUnknownDependency, step.ID, dep)
			}
		}
	}

	if !anyDeps {
		layers := make([]Layer, 0, len(steps))
		for _, step := range steps {
			layers = append(layers, Layer{step})
		}
		return layers, nil
	}

	inDegree := make([]int, len(steps))
	dependents := make(map[string][]int, len(steps))
	for i, step := range steps {
		inDegree[i] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], i)
		}
	}

	consumed := 0
	done := make([]bool, len(steps))
	layers := make([]Layer, 0, len(steps))
	for consumed < len(steps) {
		var layer Layer
		var picked []int
		for i, step := range steps {
			if !done[i] && inDegree[i] == 0 {
				layer = append(layer, step)
				picked = append(picked, i)
			}
		}
		if len(layer) == 0 {
			// Remaining steps all wait on each other.
			return nil, ErrCycle
		}
		for _, i := range picked {
			done[i] = true
			consumed++
			for _, dependent := range dependents[steps[i].ID] {
				inDegree[dependent]--
			}
		}
		layers = append(layers, layer)
	}
	return layers, nil
}
