// Package topology analyses the link graph of a unified model: reachability
// from the root, depth, multiple parents and closed loops.
package topology

import (
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/iterator"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/graph/traverse"

	"github.com/robot-viewer/backend/internal/models"
)

// Node is one link as seen from the root.
type Node struct {
	Link   string `json:"link"`
	Parent string `json:"parent,omitempty"`
	// Joint is the joint connecting Parent to Link; empty for joint-less
	// attachments and the root.
	Joint string `json:"joint,omitempty"`
	Depth int    `json:"depth"`
}

// Tree is the analysed link graph.
type Tree struct {
	Root   string            `json:"root,omitempty"`
	Roots  []string          `json:"roots"`
	Order  []string          `json:"order"`
	Depth  map[string]int    `json:"depth"`
	Parent map[string]string `json:"parent"`
	// Cycles lists directed loops among links.
	Cycles [][]string `json:"cycles,omitempty"`
	// Disconnected lists links not reachable from Root.
	Disconnected []string `json:"disconnected,omitempty"`
	// MultiParent lists links that are the child of more than one joint.
	MultiParent []string `json:"multiParent,omitempty"`
	// Dangling lists joints naming an unknown parent or child link.
	Dangling []string `json:"dangling,omitempty"`

	via map[string]string
}

// linkGraph is a directed link graph whose successors iterate in link
// declaration order.
type linkGraph struct {
	*simple.DirectedGraph
	names []string
	ids   map[string]int64
}

func newLinkGraph(names []string) *linkGraph {
	g := &linkGraph{
		DirectedGraph: simple.NewDirectedGraph(),
		names:         names,
		ids:           make(map[string]int64, len(names)),
	}
	for i, name := range names {
		g.ids[name] = int64(i)
		g.AddNode(simple.Node(i))
	}
	return g
}

// From returns the successors of id ordered by ID.
func (g *linkGraph) From(id int64) graph.Nodes {
	nodes := graph.NodesOf(g.DirectedGraph.From(id))
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
	return iterator.NewOrderedNodes(nodes)
}

// addEdge adds parent->child once. Self references are ignored.
func (g *linkGraph) addEdge(parent, child string) {
	pid, cid := g.ids[parent], g.ids[child]
	if pid == cid || g.HasEdgeFromTo(pid, cid) {
		return
	}
	g.SetEdge(simple.Edge{F: simple.Node(pid), T: simple.Node(cid)})
}

func (g *linkGraph) name(n graph.Node) string {
	return g.names[n.ID()]
}

// Build analyses m. The model's RootLink is used as the BFS start when set,
// otherwise the first root candidate.
func Build(m *models.UnifiedRobotModel) (*Tree, error) {
	g := newLinkGraph(m.Links.Keys())
	t := &Tree{
		Depth:  map[string]int{},
		Parent: map[string]string{},
		via:    map[string]string{},
	}

	incoming := map[string]int{}
	m.Joints.Each(func(name string, j *models.Joint) bool {
		if !m.Links.Has(j.Parent) || !m.Links.Has(j.Child) {
			t.Dangling = append(t.Dangling, name)
			return true
		}
		incoming[j.Child]++
		if incoming[j.Child] == 2 {
			t.MultiParent = append(t.MultiParent, j.Child)
		}
		if _, ok := t.via[j.Child]; !ok {
			t.via[j.Child] = name
		}
		g.addEdge(j.Parent, j.Child)
		return true
	})
	m.Links.Each(func(name string, l *models.Link) bool {
		if l.ParentName != "" && m.Links.Has(l.ParentName) {
			g.addEdge(l.ParentName, name)
		}
		return true
	})

	t.Roots = m.RootCandidates()
	t.Root = m.RootLink
	if t.Root == "" && len(t.Roots) > 0 {
		t.Root = t.Roots[0]
	}

	for _, c := range topo.DirectedCyclesIn(g) {
		loop := make([]string, len(c))
		for i, n := range c {
			loop[i] = g.name(n)
		}
		t.Cycles = append(t.Cycles, loop)
	}
	sort.Slice(t.Cycles, func(i, j int) bool { return lessPath(t.Cycles[i], t.Cycles[j]) })

	reached := map[string]bool{}
	if root, ok := g.ids[t.Root]; ok {
		bf := traverse.BreadthFirst{
			// Traverse runs before the visited check, so the first edge
			// reaching a node fixes its parent.
			Traverse: func(e graph.Edge) bool {
				from, to := g.name(e.From()), g.name(e.To())
				if !reached[to] {
					reached[to] = true
					t.Parent[to] = from
					t.Depth[to] = t.Depth[from] + 1
				}
				return true
			},
			Visit: func(n graph.Node) {
				t.Order = append(t.Order, g.name(n))
			},
		}
		reached[t.Root] = true
		t.Depth[t.Root] = 0
		bf.Walk(g, simple.Node(root), nil)
	}
	for _, name := range m.Links.Keys() {
		if !reached[name] {
			t.Disconnected = append(t.Disconnected, name)
		}
	}
	sort.Strings(t.MultiParent)
	return t, nil
}

func lessPath(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// Connected reports whether every link is reachable from the root.
func (t *Tree) Connected() bool {
	return len(t.Disconnected) == 0
}

// Nodes returns the reachable links in BFS order.
func (t *Tree) Nodes() []Node {
	out := make([]Node, 0, len(t.Order))
	for _, link := range t.Order {
		n := Node{Link: link, Depth: t.Depth[link], Parent: t.Parent[link]}
		if n.Parent != "" {
			n.Joint = t.via[link]
		}
		out = append(out, n)
	}
	return out
}

// Children returns the direct children of link in BFS order.
func (t *Tree) Children(link string) []string {
	var out []string
	for _, id := range t.Order {
		if t.Parent[id] == link && id != t.Root {
			out = append(out, id)
		}
	}
	return out
}

// Warn records structural problems of t on d.
func (t *Tree) Warn(d *models.Diagnostics) {
	if t.Root == "" {
		d.Warn(models.KindStructural, "no_root", "model has no root link")
	}
	if len(t.Roots) > 1 {
		d.Warn(models.KindStructural, "multiple_roots", "model has %d root links %v, using %q", len(t.Roots), t.Roots, t.Root)
	}
	for _, c := range t.Cycles {
		d.Warn(models.KindStructural, "cycle", "links form a loop: %v", c)
	}
	for _, name := range t.MultiParent {
		d.Warn(models.KindStructural, "multiple_parents", "link %q is the child of more than one joint", name)
	}
	for _, name := range t.Dangling {
		d.Warn(models.KindStructural, "dangling_joint", "joint %q references an unknown link", name)
	}
	if len(t.Disconnected) > 0 && len(t.Roots) <= 1 {
		d.Warn(models.KindStructural, "disconnected", "%d links are not reachable from %q", len(t.Disconnected), t.Root)
	}
}
