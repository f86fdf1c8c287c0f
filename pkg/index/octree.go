package index

import (
	"context"

	"github.com/ajitpratap0/pointstream/pkg/filter"
	"github.com/ajitpratap0/pointstream/pkg/geometry"
	"github.com/ajitpratap0/pointstream/pkg/query"
)

// node is one octree cell. Points are stored at the shallowest node with
// room; once a node is full, later points spill into its children.
type node struct {
	bounds   geometry.Bounds
	depth    int
	ids      []uint64
	children [8]*node
}

type octree struct {
	root          *node
	pointsPerNode int
	maxDepth      int
	depth         int // deepest populated level + 1
	nodes         int
}

func newOctree(bounds geometry.Bounds, pointsPerNode, maxDepth int) *octree {
	return &octree{
		root:          &node{bounds: bounds.Cubeify()},
		pointsPerNode: pointsPerNode,
		maxDepth:      maxDepth,
		nodes:         1,
	}
}

func (t *octree) insert(id uint64, p geometry.Point) {
	n := t.root
	for len(n.ids) >= t.pointsPerNode && n.depth < t.maxDepth-1 {
		dir := n.bounds.DirectionOf(p)
		child := n.children[dir]
		if child == nil {
			child = &node{bounds: n.bounds.Octant(dir), depth: n.depth + 1}
			n.children[dir] = child
			t.nodes++
		}
		n = child
	}
	n.ids = append(n.ids, id)
	if n.depth+1 > t.depth {
		t.depth = n.depth + 1
	}
}

// pointSource gives the octree access to decoded values without copying.
type pointSource interface {
	position(id uint64) geometry.Point
	values(id uint64) []float64
}

// resolve walks the tree level by level and collects matching ids, so the
// result is ordered by depth and, within a depth, by traversal order.
func (t *octree) resolve(ctx context.Context, q *query.Query, pred filter.Predicate, src pointSource) ([]uint64, error) {
	var out []uint64
	level := []*node{t.root}

	for depth := 0; len(level) > 0 && !q.DepthExhausted(depth); depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var next []*node
		for _, n := range level {
			if !q.Overlaps(n.bounds) {
				continue
			}
			if q.DepthIncluded(depth) {
				for _, id := range n.ids {
					if q.Contains(src.position(id)) && pred.Match(src.values(id)) {
						out = append(out, id)
					}
				}
			}
			for _, c := range n.children {
				if c != nil {
					next = append(next, c)
				}
			}
		}
		level = next
	}
	return out, nil
}

// summarize builds the nested count document for the subtree at n,
// counting only points that pass pred. It returns nil when nothing below n
// matches.
func (t *octree) summarize(ctx context.Context, n *node, q *query.Query, pred filter.Predicate, src pointSource) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !q.Overlaps(n.bounds) || q.DepthExhausted(n.depth) {
		return nil, nil
	}

	doc := map[string]interface{}{}
	if q.DepthIncluded(n.depth) {
		count := 0
		for _, id := range n.ids {
			if q.Contains(src.position(id)) && pred.Match(src.values(id)) {
				count++
			}
		}
		if count > 0 {
			doc["n"] = count
		}
	}

	for dir, c := range n.children {
		if c == nil {
			continue
		}
		sub, err := t.summarize(ctx, c, q, pred, src)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			doc[geometry.Direction(dir).String()] = sub
		}
	}

	if len(doc) == 0 {
		return nil, nil
	}
	return doc, nil
}
