// Package sampler creates mini-batches of sampled sub-graphs of a homogeneous
// graph, with a fixed "fan-out" of neighbors sampled per node at each hop.
//
// All returned tensors have fixed shapes, so the computation graphs built from
// them are compiled only once. Where a node has fewer neighbors than the
// fan-out, entries are padded with [PaddingIndex] and marked false in the
// accompanying boolean mask.
//
// Usage:
//
//	g := sampler.NewGraph(cora.NumNodes, cora.TrainEdges, true)
//	strategy := g.NewStrategy(batchSize, []int{10, 10, 10})
//	trainDS := strategy.NewDataset("train", trainNodes, labels).Shuffle().Epochs(10)
//
// The datasets implement [train.Dataset] and are re-entrant, so they can be
// wrapped with [datasets.Parallel].
package sampler

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"

	"github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// PaddingIndex is the node index used in the padded entries of the sampled
// hops. The corresponding mask entries are set to false.
const PaddingIndex = int32(0)

// Graph holds the adjacency of a homogeneous graph in CSR form, ready for
// neighbor sampling.
//
// Build it with [NewGraph], or reload a saved one with [Load].
type Graph struct {
	NumNodes int32

	// Starts has one entry for each node (shifted by 1): it points to the end
	// of the list of neighbors of that node in EdgeTargets.
	//
	// So for node `i`, the neighbor list starts at `Starts[i-1]` and ends at
	// `Starts[i]`, except if `i == 0` in which case the start is at 0.
	Starts []int32

	// EdgeTargets lists the neighbors, ordered by source node.
	EdgeTargets []int32
}

// NewGraph builds the CSR adjacency from the edges, given as (source, target)
// pairs. If undirected is true, each edge is also added in the reverse
// direction, so sampling sees the graph as undirected.
func NewGraph(numNodes int, edges [][2]int32, undirected bool) *Graph {
	if numNodes <= 0 || numNodes > math.MaxInt32 {
		Panicf("NewGraph: invalid number of nodes %d", numNodes)
	}
	g := &Graph{
		NumNodes: int32(numNodes),
		Starts:   make([]int32, numNodes),
	}
	numEdges := len(edges)
	if undirected {
		numEdges *= 2
	}
	g.EdgeTargets = make([]int32, numEdges)

	// Counting sort of the edges by source node.
	degrees := make([]int32, numNodes)
	countEdge := func(src, tgt int32) {
		if src < 0 || src >= g.NumNodes || tgt < 0 || tgt >= g.NumNodes {
			Panicf("NewGraph: edge (%d, %d) out of range, graph has %d nodes", src, tgt, numNodes)
		}
		degrees[src]++
	}
	for _, edge := range edges {
		countEdge(edge[0], edge[1])
		if undirected {
			countEdge(edge[1], edge[0])
		}
	}
	var cumulative int32
	for node, degree := range degrees {
		cumulative += degree
		g.Starts[node] = cumulative
	}
	fill := make([]int32, numNodes) // Next write position per node, relative to its start.
	addEdge := func(src, tgt int32) {
		var start int32
		if src > 0 {
			start = g.Starts[src-1]
		}
		g.EdgeTargets[start+fill[src]] = tgt
		fill[src]++
	}
	for _, edge := range edges {
		addEdge(edge[0], edge[1])
		if undirected {
			addEdge(edge[1], edge[0])
		}
	}
	return g
}

// NumEdges stored in the adjacency, after any symmetrization.
func (g *Graph) NumEdges() int { return len(g.EdgeTargets) }

// NeighborsOf returns a slice with the neighbors of the given node.
// Don't modify the returned slice, it's in use by the Graph -- make a copy if
// you need to modify.
func (g *Graph) NeighborsOf(node int32) []int32 {
	if node < 0 || node >= g.NumNodes {
		Panicf("invalid node index %d for graph with %d nodes", node, g.NumNodes)
	}
	var start int32
	if node > 0 {
		start = g.Starts[node-1]
	}
	end := g.Starts[node]
	return g.EdgeTargets[start:end]
}

// Degree of the given node.
func (g *Graph) Degree(node int32) int { return len(g.NeighborsOf(node)) }

// String returns a short multi-line description of the Graph.
func (g *Graph) String() string {
	return fmt.Sprintf("Graph: %s nodes, %s edges",
		humanize.Comma(int64(g.NumNodes)), humanize.Comma(int64(g.NumEdges())))
}

func initGob() {
	gob.Register(&Graph{})
}

// Save Graph: it includes the full adjacency, so it can be reloaded ready to go.
func (g *Graph) Save(filePath string) (err error) {
	initGob()
	f, err := os.Create(filePath)
	if err != nil {
		err = errors.Wrapf(err, "creating %q to save Graph", filePath)
		return
	}
	enc := gob.NewEncoder(f)
	err = enc.Encode(g)
	if err != nil {
		err = errors.WithMessagef(err, "encoding Graph to save to %q", filePath)
		return
	}
	err = f.Close()
	if err != nil {
		err = errors.Wrapf(err, "close file %q, where Graph was saved", filePath)
		return
	}
	return
}

// Load previously saved Graph.
// If filePath doesn't exist, it returns an error that can be checked with [os.IsNotExist].
func Load(filePath string) (g *Graph, err error) {
	initGob()
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		err = errors.Wrapf(err, "trying to load Graph from %q", filePath)
		return
	}
	dec := gob.NewDecoder(f)
	g = &Graph{}
	err = dec.Decode(g)
	if err != nil {
		g = nil
		err = errors.Wrapf(err, "trying to decode Graph from %q", filePath)
		return
	}
	_ = f.Close()
	return
}
