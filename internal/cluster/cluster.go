// Package cluster builds hierarchical clusterings of sketches and renders
// them as Newick trees.
package cluster

import (
	"fmt"
	"strings"

	"minhash-go/internal/errclass"
	"minhash-go/internal/sketch"
)

// Method is a tree-building algorithm.
type Method string

const (
	Single          Method = "single"
	Complete        Method = "complete"
	Average         Method = "average"
	NeighborJoining Method = "neighbor_joining"
)

// ParseMethod accepts the method names used in task arguments. The empty
// string selects single linkage.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "":
		return Single, nil
	case Single, Complete, Average, NeighborJoining:
		return Method(s), nil
	}
	return "", errclass.ErrMalformed.WithMessagef("unknown cluster method %q", s)
}

// Node is a vertex of a rooted binary tree. Height is the merge distance of
// an internal node (zero for leaves) and Length the edge to its parent.
type Node struct {
	Label  string
	Left   *Node
	Right  *Node
	Height float64
	Length float64
	size   int
}

func (n *Node) IsLeaf() bool { return n.Left == nil && n.Right == nil }

// Leaves returns leaf labels from left to right.
func (n *Node) Leaves() []string {
	if n.IsLeaf() {
		return []string{n.Label}
	}
	return append(n.Left.Leaves(), n.Right.Leaves()...)
}

// Newick renders the tree with two-decimal branch lengths.
func (n *Node) Newick() string {
	if n.IsLeaf() {
		return fmt.Sprintf("(%s:%.2f);", n.Label, 0.0)
	}
	var b strings.Builder
	b.WriteByte('(')
	n.Left.write(&b)
	b.WriteByte(',')
	n.Right.write(&b)
	b.WriteString(");")
	return b.String()
}

func (n *Node) write(b *strings.Builder) {
	length := n.Length
	if length <= 0 {
		length = 0
	}
	if n.IsLeaf() {
		fmt.Fprintf(b, "%s:%.2f", n.Label, length)
		return
	}
	b.WriteByte('(')
	n.Left.write(b)
	b.WriteByte(',')
	n.Right.write(b)
	fmt.Fprintf(b, "):%.2f", length)
}

// DistanceMatrix returns 1 - Jaccard similarity for every pair, with
// abundances ignored.
func DistanceMatrix(sketches []*sketch.Sketch) ([][]float64, error) {
	n := len(sketches)
	flat := make([]*sketch.MinHash, n)
	for i, s := range sketches {
		flat[i] = s.MinHash.Flatten()
	}
	d := make([][]float64, n)
	for i := range d {
		d[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sim, err := flat[i].Jaccard(flat[j])
			if err != nil {
				return nil, fmt.Errorf("comparing %s and %s: %w", sketches[i].Name, sketches[j].Name, err)
			}
			dist := 1 - sim
			d[i][j], d[j][i] = dist, dist
		}
	}
	return d, nil
}

// Newick clusters sketches and renders the tree with leaves labelled by
// sketch MD5. Fewer than two sketches yield "()".
func Newick(sketches []*sketch.Sketch, method Method) (string, error) {
	if len(sketches) < 2 {
		return "()", nil
	}
	dist, err := DistanceMatrix(sketches)
	if err != nil {
		return "", err
	}
	labels := make([]string, len(sketches))
	for i, s := range sketches {
		labels[i] = s.MD5()
	}
	root, err := Build(labels, dist, method)
	if err != nil {
		return "", err
	}
	return root.Newick(), nil
}

// Build constructs a tree over labels from a symmetric distance matrix.
func Build(labels []string, dist [][]float64, method Method) (*Node, error) {
	if len(labels) != len(dist) {
		return nil, errclass.ErrMalformed.WithMessagef("%d labels for a %dx%d matrix", len(labels), len(dist), len(dist))
	}
	if len(labels) == 0 {
		return nil, errclass.ErrMalformed.WithMessage("nothing to cluster")
	}
	switch method {
	case Single, Complete, Average:
		return linkage(labels, dist, method), nil
	case NeighborJoining:
		return neighborJoin(labels, dist), nil
	}
	return nil, errclass.ErrMalformed.WithMessagef("unknown cluster method %q", method)
}

// tieEpsilon keeps the first pair in scan order when distances tie up to
// rounding.
const tieEpsilon = 1e-12

func copyMatrix(dist [][]float64) [][]float64 {
	d := make([][]float64, len(dist))
	for i := range dist {
		d[i] = append([]float64(nil), dist[i]...)
	}
	return d
}

// linkage performs agglomerative clustering. The child created first (the
// lower cluster id) becomes the left subtree.
func linkage(labels []string, dist [][]float64, method Method) *Node {
	d := copyMatrix(dist)
	nodes := make([]*Node, len(labels))
	ids := make([]int, len(labels))
	for i, l := range labels {
		nodes[i] = &Node{Label: l, size: 1}
		ids[i] = i
	}
	next := len(labels)

	for len(nodes) > 1 {
		bi, bj := 0, 1
		for i := 0; i < len(nodes); i++ {
			for j := i + 1; j < len(nodes); j++ {
				if d[i][j] < d[bi][bj]-tieEpsilon {
					bi, bj = i, j
				}
			}
		}

		a, b := nodes[bi], nodes[bj]
		if ids[bj] < ids[bi] {
			a, b = b, a
		}
		h := d[bi][bj]
		a.Length = h - a.Height
		b.Length = h - b.Height
		merged := &Node{Left: a, Right: b, Height: h, size: a.size + b.size}

		row := make([]float64, len(nodes))
		for k := range nodes {
			if k == bi || k == bj {
				continue
			}
			switch method {
			case Single:
				row[k] = min(d[bi][k], d[bj][k])
			case Complete:
				row[k] = max(d[bi][k], d[bj][k])
			default:
				na, nb := float64(nodes[bi].size), float64(nodes[bj].size)
				row[k] = (na*d[bi][k] + nb*d[bj][k]) / (na + nb)
			}
		}

		// The merged cluster takes slot bi; slot bj is dropped.
		nodes[bi], ids[bi] = merged, next
		next++
		for k := range nodes {
			d[bi][k], d[k][bi] = row[k], row[k]
		}
		d[bi][bi] = 0
		nodes = append(nodes[:bj], nodes[bj+1:]...)
		ids = append(ids[:bj], ids[bj+1:]...)
		d = append(d[:bj], d[bj+1:]...)
		for k := range d {
			d[k] = append(d[k][:bj], d[k][bj+1:]...)
		}
	}
	return nodes[0]
}

// neighborJoin builds a neighbor-joining tree rooted at the final join.
// Negative branch lengths are clamped to zero.
func neighborJoin(labels []string, dist [][]float64) *Node {
	d := copyMatrix(dist)
	nodes := make([]*Node, len(labels))
	for i, l := range labels {
		nodes[i] = &Node{Label: l, size: 1}
	}
	if len(nodes) == 1 {
		return nodes[0]
	}

	for len(nodes) > 2 {
		r := len(nodes)
		sums := make([]float64, r)
		for i := 0; i < r; i++ {
			for j := 0; j < r; j++ {
				sums[i] += d[i][j]
			}
		}

		bi, bj := 0, 1
		best := float64(r-2)*d[0][1] - sums[0] - sums[1]
		for i := 0; i < r; i++ {
			for j := i + 1; j < r; j++ {
				q := float64(r-2)*d[i][j] - sums[i] - sums[j]
				if q < best-tieEpsilon {
					best, bi, bj = q, i, j
				}
			}
		}

		li := d[bi][bj]/2 + (sums[bi]-sums[bj])/(2*float64(r-2))
		lj := d[bi][bj] - li
		nodes[bi].Length = max(li, 0)
		nodes[bj].Length = max(lj, 0)
		merged := &Node{Left: nodes[bi], Right: nodes[bj], size: nodes[bi].size + nodes[bj].size}

		row := make([]float64, r)
		for k := 0; k < r; k++ {
			if k == bi || k == bj {
				continue
			}
			row[k] = (d[bi][k] + d[bj][k] - d[bi][bj]) / 2
		}
		nodes[bi] = merged
		for k := 0; k < r; k++ {
			d[bi][k], d[k][bi] = row[k], row[k]
		}
		d[bi][bi] = 0
		nodes = append(nodes[:bj], nodes[bj+1:]...)
		d = append(d[:bj], d[bj+1:]...)
		for k := range d {
			d[k] = append(d[k][:bj], d[k][bj+1:]...)
		}
	}

	half := max(d[0][1]/2, 0)
	nodes[0].Length, nodes[1].Length = half, half
	return &Node{Left: nodes[0], Right: nodes[1], Height: half, size: nodes[0].size + nodes[1].size}
}
