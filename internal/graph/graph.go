package graph

import (
	"sort"
	"sync"
)

// DefaultMaxHops bounds proximity checks when callers pass zero.
const DefaultMaxHops = 2

// Result reports whether an account sits near a known mule.
type Result struct {
	Flagged     bool     `json:"flagged"`
	NearestMule string   `json:"nearest_mule,omitempty"`
	Hops        int      `json:"hops,omitempty"`
	Path        []string `json:"path,omitempty"`
}

// Graph is a directed transfer graph with a set of confirmed mule accounts.
// Proximity queries treat edges as undirected.
type Graph struct {
	mu    sync.RWMutex
	out   map[string]map[string]float64
	in    map[string]map[string]struct{}
	mules map[string]struct{}
	edges int
}

// New returns a graph seeded with mule accounts.
func New(mules ...string) *Graph {
	g := &Graph{
		out:   make(map[string]map[string]float64),
		in:    make(map[string]map[string]struct{}),
		mules: make(map[string]struct{}),
	}
	for _, m := range mules {
		if m != "" {
			g.mules[m] = struct{}{}
		}
	}
	return g
}

// AddTransfer records a transfer edge; a repeated edge keeps the latest amount.
func (g *Graph) AddTransfer(from, to string, amount float64) {
	if from == "" || to == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ensure(from)
	g.ensure(to)
	if _, ok := g.out[from][to]; !ok {
		g.edges++
	}
	g.out[from][to] = amount
	g.in[to][from] = struct{}{}
}

// MarkMule adds a confirmed mule.
func (g *Graph) MarkMule(id string) {
	if id == "" {
		return
	}
	g.mu.Lock()
	g.mules[id] = struct{}{}
	g.mu.Unlock()
}

// IsMule reports whether id is a confirmed mule.
func (g *Graph) IsMule(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.mules[id]
	return ok
}

// Amount returns the latest amount on the from->to edge.
func (g *Graph) Amount(from, to string) (float64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	amount, ok := g.out[from][to]
	return amount, ok
}

// IsNearMule finds the closest mule within maxHops of id. Among equally close
// mules the lexicographically first wins.
func (g *Graph) IsNearMule(id string, maxHops int) Result {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.mules) == 0 {
		return Result{}
	}
	if _, ok := g.out[id]; !ok {
		return Result{}
	}

	parent, dist := g.bfs(id, maxHops)

	mules := make([]string, 0, len(g.mules))
	for m := range g.mules {
		mules = append(mules, m)
	}
	sort.Strings(mules)

	best := ""
	bestHops := maxHops + 1
	for _, m := range mules {
		hops, reached := dist[m]
		if reached && hops <= maxHops && hops < bestHops {
			best, bestHops = m, hops
		}
	}
	if best == "" {
		return Result{}
	}
	return Result{Flagged: true, NearestMule: best, Hops: bestHops, Path: tracePath(parent, id, best)}
}

// NodeCount returns the number of accounts.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.out)
}

// EdgeCount returns the number of distinct directed edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges
}

func (g *Graph) ensure(id string) {
	if _, ok := g.out[id]; !ok {
		g.out[id] = make(map[string]float64)
		g.in[id] = make(map[string]struct{})
	}
}

func (g *Graph) bfs(src string, maxHops int) (map[string]string, map[string]int) {
	parent := map[string]string{}
	dist := map[string]int{src: 0}
	queue := []string{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if dist[cur] >= maxHops {
			continue
		}
		for _, next := range g.neighbours(cur) {
			if _, seen := dist[next]; seen {
				continue
			}
			dist[next] = dist[cur] + 1
			parent[next] = cur
			queue = append(queue, next)
		}
	}
	return parent, dist
}

// neighbours are sorted so that paths are reproducible.
func (g *Graph) neighbours(id string) []string {
	seen := make(map[string]struct{}, len(g.out[id])+len(g.in[id]))
	for n := range g.out[id] {
		seen[n] = struct{}{}
	}
	for n := range g.in[id] {
		seen[n] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func tracePath(parent map[string]string, src, dst string) []string {
	path := []string{dst}
	for cur := dst; cur != src; {
		cur = parent[cur]
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
