package sampler

import (
	"fmt"
	"math/rand/v2"
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Strategy defines how mini-batches of sub-graphs are sampled from a [Graph]:
// how many seed nodes per batch, and how many neighbors to sample per node at
// each hop.
//
// Create it with [Graph.NewStrategy], then create one or more datasets from it
// with [Strategy.NewDataset] or [Strategy.NewLinkDataset]. The datasets share
// the Strategy, so it must not be modified once a dataset has been created.
type Strategy struct {
	Graph *Graph

	// BatchSize is the number of seed items (nodes or edges, depending on the
	// dataset) per yielded batch.
	BatchSize int

	// Fanouts is the number of neighbors sampled per node, per hop. Its length
	// defines the number of hops sampled.
	Fanouts []int
}

// NewStrategy for sampling: batchSize seed items per batch, and fanouts
// neighbors sampled per hop.
func (g *Graph) NewStrategy(batchSize int, fanouts []int) *Strategy {
	if batchSize <= 0 {
		Panicf("NewStrategy: batchSize must be > 0, got %d", batchSize)
	}
	if len(fanouts) == 0 {
		Panicf("NewStrategy: at least one fan-out is required")
	}
	for _, fanout := range fanouts {
		if fanout <= 0 {
			Panicf("NewStrategy: fan-outs must be > 0, got %v", fanouts)
		}
	}
	return &Strategy{
		Graph:     g,
		BatchSize: batchSize,
		Fanouts:   fanouts,
	}
}

// NumHops sampled per seed, defined by the number of fan-outs.
func (s *Strategy) NumHops() int { return len(s.Fanouts) }

// HopDimensions returns the dimensions of the hop tensor at the given depth,
// for the given number of seeds: depth 0 is the seeds themselves, shaped
// [numSeeds], depth l is [numSeeds, Fanouts[0], ..., Fanouts[l-1]].
func (s *Strategy) HopDimensions(numSeeds, depth int) []int {
	dims := make([]int, 1, depth+1)
	dims[0] = numSeeds
	for _, fanout := range s.Fanouts[:depth] {
		dims = append(dims, fanout)
	}
	return dims
}

// String returns a short description of the Strategy.
func (s *Strategy) String() string {
	fanouts := make([]string, len(s.Fanouts))
	for ii, fanout := range s.Fanouts {
		fanouts[ii] = fmt.Sprintf("%d", fanout)
	}
	return fmt.Sprintf("Strategy: batch=%d, fanouts=[%s]", s.BatchSize, strings.Join(fanouts, ","))
}

// sampleHops samples all hops for the given seeds and appends the resulting
// (nodes, mask) tensor pairs to store: one pair per hop, from depth 1 on.
// The seeds and their mask are not appended.
func (s *Strategy) sampleHops(seeds, seedsMask *tensors.Tensor, store []*tensors.Tensor) []*tensors.Tensor {
	nodes, mask := seeds, seedsMask
	for _, fanout := range s.Fanouts {
		nodes, mask = s.sampleNeighbors(fanout, nodes, mask)
		store = append(store, nodes, mask)
	}
	return store
}

// sampleNeighbors samples fanout neighbors for each valid node of srcNodes.
// The returned tensors have the srcNodes shape plus one trailing axis of
// dimension fanout. Nodes with fewer neighbors than fanout are padded with
// [PaddingIndex] and mask false; so are all entries of invalid source nodes.
func (s *Strategy) sampleNeighbors(fanout int, srcNodes, srcMask *tensors.Tensor) (nodes, mask *tensors.Tensor) {
	dims := append(srcNodes.Shape().Clone().Dimensions, fanout)
	nodes = tensors.FromScalarAndDimensions(PaddingIndex, dims...)
	mask = tensors.FromScalarAndDimensions(false, dims...)

	tensors.MustConstFlatData[int32](srcNodes, func(srcNodesData []int32) {
		tensors.MustConstFlatData[bool](srcMask, func(srcMaskData []bool) {
			tensors.MustMutableFlatData[int32](nodes, func(tgtNodesData []int32) {
				tensors.MustMutableFlatData[bool](mask, func(tgtMaskData []bool) {
					sampled := make([]int32, fanout) // Reused over all source nodes.
					for fromIdx, fromValid := range srcMaskData {
						if !fromValid {
							continue
						}
						neighbors := s.Graph.NeighborsOf(srcNodesData[fromIdx])
						if len(neighbors) == 0 {
							continue
						}
						baseIdx := fromIdx * fanout
						if len(neighbors) <= fanout {
							// Take all neighbors, since we want to sample more than there are available.
							for ii, tgtNode := range neighbors {
								tgtNodesData[baseIdx+ii] = tgtNode
								tgtMaskData[baseIdx+ii] = true
							}
							continue
						}
						// Otherwise sample randomly without replacement.
						randKOfN(sampled, len(neighbors))
						for ii, neighborIdx := range sampled {
							tgtNodesData[baseIdx+ii] = neighbors[neighborIdx]
							tgtMaskData[baseIdx+ii] = true
						}
					}
				})
			})
		})
	})
	return
}

// randKOfN return k random values without replacement out of `0..n-1`, and stores them in `values`.
// Note: `k = len(values)`.
func randKOfN(values []int32, n int) {
	k := len(values)
	if k*k < n {
		randKOfNLinear(values, n)
	} else {
		randKOfNReservoir(values, n)
	}
}

// randKOfNLinear is the linear implementation of randKOfN that works well when k is small.
func randKOfNLinear(values []int32, n int) {
	// Random sampling, checking for previous choices: this is O(k^2), but since
	// usually we are working with small values of k, it's faster than creating a hash.
	for ii := range values {
		// Take a unique number.
		var x int32
	takeANumber:
		for {
			x = int32(rand.IntN(n))
			for jj := range ii {
				if values[jj] == x {
					continue takeANumber
				}
			}
			break
		}
		values[ii] = x
	}
}

func randKOfNReservoir(values []int32, n int) {
	k := len(values)
	// Reservoir sampling: go over all n values and check whether it replaces a previous value.
	for ii := range k {
		values[ii] = int32(ii)
	}
	for ii := k; ii < n; ii++ {
		pos := rand.IntN(ii + 1)
		if pos < k {
			values[pos] = int32(ii)
		}
	}
}
