package sampler

import (
	"io"
	"math/rand/v2"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// LinkDataset yields mini-batches for link prediction: for each batch of seed
// edges it adds uniformly sampled negative (source, corrupted destination)
// pairs, and samples the sub-graphs rooted at every endpoint.
// It is created by [Strategy.NewLinkDataset].
//
// Per batch, with batch size B and negative ratio R, there are P = B*(1+R)
// node pairs: the first B are the positive edges, the remaining B*R the
// negative ones. The seeds tensor packs all the 2*P endpoints as
//
//	[positive sources..., negative sources..., positive destinations..., negative destinations...]
//
// so the sources are the first P entries and the destinations the last P.
// The hops are sampled for all 2*P seeds at once.
//
// The yielded labels are shaped (Float32)[P, 1]: 1 for the positive pairs,
// 0 for the negative ones (and for padded pairs, which are masked out by the
// seeds mask).
type LinkDataset struct {
	name     string
	strategy *Strategy
	items    [][2]int32
	negRatio int

	numEpochs int
	shuffle   bool

	muSample                sync.Mutex
	currentEpoch            int
	frozen                  bool
	startOfEpoch, exhausted bool

	position     int32
	itemsShuffle [][2]int32
}

// NewLinkDataset creates a [LinkDataset] over the given seed edges, with one
// negative pair sampled per positive edge.
//
// Datasets share the Strategy, so it must not be modified once one has been
// created.
func (s *Strategy) NewLinkDataset(name string, edges [][2]int32) *LinkDataset {
	if len(edges) == 0 {
		Panicf("cannot create LinkDataset %q with no seed edges", name)
	}
	return &LinkDataset{
		name:         name,
		strategy:     s,
		items:        edges,
		negRatio:     1,
		numEpochs:    1,
		startOfEpoch: true,
	}
}

// NegativeRatio configures how many negative pairs are sampled per positive
// edge. Default is 1.
func (ds *LinkDataset) NegativeRatio(n int) *LinkDataset {
	if ds.frozen {
		Panicf("cannot change a LinkDataset that has already started yielding results")
	}
	if n <= 0 {
		Panicf("for LinkDataset.NegativeRatio(n), n > 0, but got n=%d instead", n)
	}
	ds.negRatio = n
	return ds
}

// Epochs configures the dataset to yield those many epochs. Default is 1.
func (ds *LinkDataset) Epochs(n int) *LinkDataset {
	if ds.frozen {
		Panicf("cannot change a LinkDataset that has already started yielding results")
	}
	if n <= 0 {
		Panicf("for LinkDataset.Epochs(n), n > 0, but got n=%d instead", n)
	}
	ds.numEpochs = n
	return ds
}

// Infinite configures the dataset to yield looping over epochs indefinitely.
func (ds *LinkDataset) Infinite() *LinkDataset {
	if ds.frozen {
		Panicf("cannot change a LinkDataset that has already started yielding results")
	}
	ds.numEpochs = -1
	return ds
}

// Shuffle configures the dataset to shuffle the seed edges before sampling.
// Reshuffled at every epoch.
func (ds *LinkDataset) Shuffle() *LinkDataset {
	if ds.frozen {
		Panicf("cannot change a LinkDataset that has already started yielding results")
	}
	ds.shuffle = true
	return ds
}

// NumPairs yielded per batch: positive plus negative.
func (ds *LinkDataset) NumPairs() int {
	return ds.strategy.BatchSize * (1 + ds.negRatio)
}

// BatchesPerEpoch the dataset yields, including the final partial batch.
func (ds *LinkDataset) BatchesPerEpoch() int {
	return (len(ds.items) + ds.strategy.BatchSize - 1) / ds.strategy.BatchSize
}

var _ train.Dataset = &LinkDataset{}

// Name implements train.Dataset.
func (ds *LinkDataset) Name() string { return ds.name }

// Reset implements train.Dataset.
func (ds *LinkDataset) Reset() {
	ds.muSample.Lock()
	defer ds.muSample.Unlock()
	ds.frozen = true
	ds.startOfEpoch = true
	ds.exhausted = false
	ds.currentEpoch = 0
}

// Yield implements train.Dataset.
// The returned spec is a pointer to the [Strategy].
func (ds *LinkDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.muSample.Lock()
	var unlocked bool
	defer func() {
		if !unlocked {
			ds.muSample.Unlock()
		}
	}()

	spec = ds.strategy
	if ds.exhausted {
		err = io.EOF
		return
	}
	ds.frozen = true
	if ds.startOfEpoch {
		ds.startEpoch()
	}

	seeds, seedsMask, labelsT := ds.samplePairs()

	ds.muSample.Unlock()
	unlocked = true

	inputs = make([]*tensors.Tensor, 0, 2*(ds.strategy.NumHops()+1))
	inputs = append(inputs, seeds, seedsMask)
	inputs = ds.strategy.sampleHops(seeds, seedsMask, inputs)
	labels = []*tensors.Tensor{labelsT}
	return
}

// samplePairs takes the next batch of seed edges, samples the negative pairs
// and assembles the packed seeds, mask and labels tensors.
// ds.muSample must be locked.
func (ds *LinkDataset) samplePairs() (seeds, mask, labels *tensors.Tensor) {
	batchSize := ds.strategy.BatchSize
	numPairs := ds.NumPairs()
	seeds = tensors.FromScalarAndDimensions(PaddingIndex, 2*numPairs)
	mask = tensors.FromScalarAndDimensions(false, 2*numPairs)
	labels = tensors.FromScalarAndDimensions(float32(0), numPairs, 1)

	items := ds.items
	if ds.shuffle {
		items = ds.itemsShuffle
	}
	pos := ds.position
	numToSample := int32(min(len(items)-int(pos), batchSize))
	ds.position += numToSample
	if int(ds.position) >= len(items) {
		ds.epochFinished()
	}

	numNodes := int(ds.strategy.Graph.NumNodes)
	tensors.MustMutableFlatData[int32](seeds, func(seedsData []int32) {
		tensors.MustMutableFlatData[bool](mask, func(maskData []bool) {
			sources := seedsData[:numPairs]
			destinations := seedsData[numPairs:]
			sourcesMask := maskData[:numPairs]
			destinationsMask := maskData[numPairs:]
			for ii := range int(numToSample) {
				edge := items[int(pos)+ii]
				sources[ii] = edge[0]
				destinations[ii] = edge[1]
				sourcesMask[ii] = true
				destinationsMask[ii] = true
				// Negative pairs: same source, uniformly random destination.
				for negIdx := range ds.negRatio {
					pairIdx := batchSize*(1+negIdx) + ii
					sources[pairIdx] = edge[0]
					destinations[pairIdx] = int32(rand.IntN(numNodes))
					sourcesMask[pairIdx] = true
					destinationsMask[pairIdx] = true
				}
			}
		})
	})
	tensors.MustMutableFlatData[float32](labels, func(labelsData []float32) {
		for ii := range int(numToSample) {
			labelsData[ii] = 1
		}
	})
	return
}

func (ds *LinkDataset) startEpoch() {
	ds.startOfEpoch = false
	ds.position = 0
	if !ds.shuffle {
		return
	}
	if ds.itemsShuffle == nil {
		ds.itemsShuffle = make([][2]int32, len(ds.items))
		copy(ds.itemsShuffle, ds.items)
	}
	shuffleLen := len(ds.itemsShuffle)
	for ii := range ds.itemsShuffle {
		jj := rand.IntN(shuffleLen)
		ds.itemsShuffle[ii], ds.itemsShuffle[jj] = ds.itemsShuffle[jj], ds.itemsShuffle[ii]
	}
}

func (ds *LinkDataset) epochFinished() {
	ds.startOfEpoch = true
	ds.currentEpoch++
	if ds.numEpochs > 0 && ds.currentEpoch >= ds.numEpochs {
		ds.exhausted = true
	}
}
