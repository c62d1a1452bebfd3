package delegation

import "sort"

// validate checks briefs against the orchestrator's pre-execution
// invariants and returns a deterministic topological order (ties
// broken lexicographically by brief id) on success.
func (o *Orchestrator) validate(briefs []Brief) ([]string, error) {
	if len(briefs) > o.cfg.MaxNodes {
		return nil, &ValidationError{
			Kind:   ErrGraphTooLarge,
			Detail: "node count exceeds max_nodes",
		}
	}

	seen := make(map[string]bool, len(briefs))
	var dupes []string
	for _, b := range briefs {
		if seen[b.ID] {
			dupes = append(dupes, b.ID)
			continue
		}
		seen[b.ID] = true
	}
	if len(dupes) > 0 {
		return nil, &ValidationError{Kind: ErrDuplicateNodeID, Detail: "brief id used more than once", NodeIDs: dupes}
	}

	byID := make(map[string]Brief, len(briefs))
	for _, b := range briefs {
		byID[b.ID] = b
	}

	var missing []string
	for _, b := range briefs {
		for _, dep := range b.DependsOn {
			if _, ok := byID[dep]; !ok {
				missing = append(missing, b.ID+"->"+dep)
			}
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Kind: ErrMissingDependency, Detail: "dependsOn references an unknown sibling", NodeIDs: missing}
	}

	order, cycle := topoSort(briefs)
	if cycle != nil {
		return nil, &ValidationError{Kind: ErrCycleDetected, Detail: "dependsOn graph contains a cycle", NodeIDs: cycle}
	}

	depth := longestPath(byID, order)
	if depth > o.cfg.MaxDepth {
		return nil, &ValidationError{Kind: ErrGraphTooLarge, Detail: "longest dependency chain exceeds max_depth"}
	}

	return order, nil
}

// topoSort computes a deterministic topological order via iterative
// Kahn's algorithm, always picking the lexicographically smallest
// ready node id next so the same graph always resolves the same way.
// If a cycle remains once no node is ready, it returns the ids still
// unresolved as the offending cycle.
func topoSort(briefs []Brief) (order []string, cycle []string) {
	indegree := make(map[string]int, len(briefs))
	children := make(map[string][]string, len(briefs))
	for _, b := range briefs {
		if _, ok := indegree[b.ID]; !ok {
			indegree[b.ID] = 0
		}
		indegree[b.ID] += len(b.DependsOn)
		for _, dep := range b.DependsOn {
			children[dep] = append(children[dep], b.ID)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order = make([]string, 0, len(briefs))
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		next := append([]string(nil), children[id]...)
		sort.Strings(next)
		for _, c := range next {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}

	if len(order) < len(briefs) {
		remaining := make([]string, 0, len(briefs)-len(order))
		resolved := make(map[string]bool, len(order))
		for _, id := range order {
			resolved[id] = true
		}
		for _, b := range briefs {
			if !resolved[b.ID] {
				remaining = append(remaining, b.ID)
			}
		}
		sort.Strings(remaining)
		return nil, remaining
	}
	return order, nil
}

// longestPath returns the number of nodes on the longest dependency
// chain (a single node with no deps has depth 1).
func longestPath(byID map[string]Brief, order []string) int {
	depth := make(map[string]int, len(order))
	max := 0
	for _, id := range order {
		b := byID[id]
		d := 1
		for _, dep := range b.DependsOn {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > max {
			max = d
		}
	}
	return max
}
