package workflow

import (
	"fmt"
	"sort"
)

// graph is the step dependency graph as an adjacency list keyed by
// slug. It exists only for save-time validation; at run time readiness
// is derived from the run ledger.
type graph struct {
	edges map[string][]string
}

func buildGraph(steps []StepSpec) (*graph, error) {
	slugs := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		if s.Slug == "" {
			return nil, fmt.Errorf("step with empty slug")
		}
		if _, dup := slugs[s.Slug]; dup {
			return nil, fmt.Errorf("duplicate step slug %q", s.Slug)
		}
		slugs[s.Slug] = struct{}{}
	}
	g := &graph{edges: make(map[string][]string, len(steps))}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := slugs[dep]; !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", s.Slug, dep)
			}
			if dep == s.Slug {
				return nil, fmt.Errorf("step %q depends on itself", s.Slug)
			}
			g.edges[dep] = append(g.edges[dep], s.Slug)
		}
		if _, ok := g.edges[s.Slug]; !ok {
			g.edges[s.Slug] = nil
		}
	}
	return g, nil
}

// checkAcyclic runs Kahn's algorithm and reports any cycle by the slugs
// left with unresolved in-degree.
func (g *graph) checkAcyclic() error {
	indegree := make(map[string]int, len(g.edges))
	for slug := range g.edges {
		indegree[slug] += 0
	}
	for _, tos := range g.edges {
		for _, to := range tos {
			indegree[to]++
		}
	}

	queue := make([]string, 0, len(indegree))
	for slug, deg := range indegree {
		if deg == 0 {
			queue = append(queue, slug)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		slug := queue[0]
		queue = queue[1:]
		visited++
		for _, to := range g.edges[slug] {
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if visited == len(indegree) {
		return nil
	}
	var cycle []string
	for slug, deg := range indegree {
		if deg > 0 {
			cycle = append(cycle, slug)
		}
	}
	sort.Strings(cycle)
	return fmt.Errorf("dependency cycle involving steps %v", cycle)
}
