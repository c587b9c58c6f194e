package engine

import "sort"

// launchGraph orders services for startup. Every service that sources a
// connection depends on the connection's destinations: destinations must be
// listening before the source is launched. Mutual connections are legal, so
// the graph is first condensed into strongly connected components; members of
// a cycle are launched together and only told to connect once every member is
// bound. Kahn's algorithm then assigns execution levels to the condensation,
// which is acyclic by construction.
type launchGraph struct {
	services []*Service

	// deps maps each service to the services it depends on.
	deps map[*Service]map[*Service]bool

	// levels holds groups of services; every service in level N depends
	// only on services in levels < N or on members of its own component.
	levels [][]*Service
}

// buildLaunchGraph computes launch levels for the deployment's services.
func buildLaunchGraph(services []*Service, connections []*Connection) *launchGraph {
	g := &launchGraph{
		services: services,
		deps:     make(map[*Service]map[*Service]bool, len(services)),
	}
	for _, svc := range services {
		g.deps[svc] = make(map[*Service]bool)
	}
	for _, c := range connections {
		src := c.source.service
		for _, target := range c.Targets() {
			if target.service != src {
				g.deps[src][target.service] = true
			}
		}
	}

	components := g.condense()
	g.levels = g.levelize(components)
	return g
}

// condense groups services into strongly connected components using Tarjan's
// algorithm. Component order is reverse topological, which levelize ignores
// in favor of explicit in-degree counting.
func (g *launchGraph) condense() [][]*Service {
	index := 0
	indices := make(map[*Service]int)
	lowlink := make(map[*Service]int)
	onStack := make(map[*Service]bool)
	var stack []*Service
	var components [][]*Service

	var strongConnect func(v *Service)
	strongConnect = func(v *Service) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for w := range g.deps[v] {
			if _, seen := indices[w]; !seen {
				strongConnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && indices[w] < lowlink[v] {
				lowlink[v] = indices[w]
			}
		}

		if lowlink[v] == indices[v] {
			var comp []*Service
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			components = append(components, comp)
		}
	}

	for _, svc := range g.services {
		if _, seen := indices[svc]; !seen {
			strongConnect(svc)
		}
	}
	return components
}

// levelize runs Kahn's algorithm over the component condensation and returns
// services grouped by execution level, destinations before sources.
func (g *launchGraph) levelize(components [][]*Service) [][]*Service {
	compOf := make(map[*Service]int, len(g.services))
	for i, comp := range components {
		for _, svc := range comp {
			compOf[svc] = i
		}
	}

	// Component-level dependency edges and in-degrees, ignoring edges
	// inside a component.
	compDeps := make([]map[int]bool, len(components))
	for i := range components {
		compDeps[i] = make(map[int]bool)
	}
	for _, svc := range g.services {
		for dep := range g.deps[svc] {
			if compOf[svc] != compOf[dep] {
				compDeps[compOf[svc]][compOf[dep]] = true
			}
		}
	}

	inDegree := make([]int, len(components))
	dependents := make([][]int, len(components))
	for from, deps := range compDeps {
		for to := range deps {
			inDegree[from]++
			dependents[to] = append(dependents[to], from)
		}
	}

	var current []int
	for i := range components {
		if inDegree[i] == 0 {
			current = append(current, i)
		}
	}

	var levels [][]*Service
	for len(current) > 0 {
		var level []*Service
		for _, ci := range current {
			level = append(level, components[ci]...)
		}
		levels = append(levels, sortByName(level))

		var next []int
		for _, ci := range current {
			for _, dep := range dependents[ci] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}
	return levels
}

// Levels returns the computed launch levels.
func (g *launchGraph) Levels() [][]*Service { return g.levels }

func sortByName(services []*Service) []*Service {
	out := append([]*Service(nil), services...)
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
