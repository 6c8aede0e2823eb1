package resolve

import (
	"sort"

	"github.com/sells-group/reconcile/internal/model"
)

// unionFind is a path-compressing disjoint-set over record ids.
type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) add(id string) {
	if _, ok := u.parent[id]; !ok {
		u.parent[id] = id
	}
}

func (u *unionFind) find(id string) string {
	root := id
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[id] != root {
		u.parent[id], id = root, u.parent[id]
	}
	return root
}

// union attaches the lexically larger root under the smaller one so cluster
// roots are stable regardless of edge order.
func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra > rb {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}

// cluster is one connected component of accepted match edges.
type cluster struct {
	members []string // sorted record ids
	edges   []model.MatchCandidate
}

// memberKey identifies the cluster by its member set.
func (c cluster) memberKey() string {
	return model.MemberKey(c.members)
}

// minEdgeSimilarity is the weakest accepted edge inside the cluster; it is
// the cluster confidence. Singletons have no edges and score 0.
func (c cluster) minEdgeSimilarity() float64 {
	if len(c.edges) == 0 {
		return 0
	}
	min := c.edges[0].Aggregate
	for _, edge := range c.edges[1:] {
		if edge.Aggregate < min {
			min = edge.Aggregate
		}
	}
	return min
}

// chainLength is the longest shortest-path between any two members over the
// accepted edges, in hops. It measures how far transitive closure chained
// records that never matched each other directly.
func (c cluster) chainLength() int {
	if len(c.members) < 2 {
		return 0
	}
	adj := make(map[string][]string, len(c.members))
	for _, e := range c.edges {
		adj[e.RecordA] = append(adj[e.RecordA], e.RecordB)
		adj[e.RecordB] = append(adj[e.RecordB], e.RecordA)
	}
	longest := 0
	for _, start := range c.members {
		dist := map[string]int{start: 0}
		queue := []string{start}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, next := range adj[cur] {
				if _, seen := dist[next]; seen {
					continue
				}
				dist[next] = dist[cur] + 1
				if dist[next] > longest {
					longest = dist[next]
				}
				queue = append(queue, next)
			}
		}
	}
	return longest
}

// buildClusters forms connected components from accepted edges plus the ids
// of records that matched nothing. Components come back sorted by their
// smallest member id for deterministic processing order.
func buildClusters(recordIDs []string, accepted []model.MatchCandidate) []cluster {
	uf := newUnionFind()
	for _, id := range recordIDs {
		uf.add(id)
	}
	for _, e := range accepted {
		uf.union(e.RecordA, e.RecordB)
	}

	byRoot := make(map[string]*cluster)
	for _, id := range recordIDs {
		root := uf.find(id)
		c, ok := byRoot[root]
		if !ok {
			c = &cluster{}
			byRoot[root] = c
		}
		c.members = append(c.members, id)
	}
	for _, e := range accepted {
		byRoot[uf.find(e.RecordA)].edges = append(byRoot[uf.find(e.RecordA)].edges, e)
	}

	out := make([]cluster, 0, len(byRoot))
	for _, c := range byRoot {
		sort.Strings(c.members)
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].members[0] < out[j].members[0] })
	return out
}
