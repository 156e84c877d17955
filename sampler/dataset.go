package sampler

import (
	"io"
	"math/rand/v2"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// Dataset yields mini-batches of sampled sub-graphs rooted at seed nodes,
// along with the label of each seed. It is created by [Strategy.NewDataset].
//
// Before using it -- by calling [Dataset.Yield] -- it can be configured to
// shuffle and number of epochs, or to loop indefinitely.
//
// The Dataset is re-entrant, so it can be used with [datasets.Parallel].
//
// The yielded inputs are pairs of (nodes, mask) tensors, one pair per hop:
// seeds shaped [batch], then [batch, f1], [batch, f1, f2], etc. The yielded
// labels are shaped (Int32)[batch, 1], 0 for padded seeds.
type Dataset struct {
	name     string
	strategy *Strategy
	items    []int32
	labels   []int32

	numEpochs      int
	shuffle        bool
	dropIncomplete bool

	muSample                sync.Mutex
	currentEpoch            int
	frozen                  bool
	startOfEpoch, exhausted bool

	// position into items, or into itemsShuffle if the dataset is shuffled.
	position int32

	// itemsShuffle provides the sampling order of the items, if shuffling was
	// used. It is reshuffled at the start of every epoch.
	itemsShuffle []int32
}

// NewDataset creates a [Dataset] that samples sub-graphs rooted at the given
// seed nodes. labels must be indexed by node, with one entry per graph node.
//
// One can create multiple datasets from the same [Strategy]; they share it,
// so it must not be modified afterwards.
func (s *Strategy) NewDataset(name string, seeds []int32, labels []int32) *Dataset {
	if len(seeds) == 0 {
		Panicf("cannot create Dataset %q with no seed nodes", name)
	}
	if len(labels) != int(s.Graph.NumNodes) {
		Panicf("Dataset %q: labels must have one entry per node, got %d for %d nodes",
			name, len(labels), s.Graph.NumNodes)
	}
	return &Dataset{
		name:         name,
		strategy:     s,
		items:        seeds,
		labels:       labels,
		numEpochs:    1,
		startOfEpoch: true,
	}
}

// Epochs configures the dataset to yield those many epochs. Default is 1.
// It returns itself to allow cascading configuration calls.
func (ds *Dataset) Epochs(n int) *Dataset {
	if ds.frozen {
		Panicf("cannot change a Dataset that has already started yielding results")
	}
	if n <= 0 {
		Panicf("for Dataset.Epochs(n), n > 0, but got n=%d instead", n)
	}
	ds.numEpochs = n
	return ds
}

// Infinite configures the dataset to yield looping over epochs indefinitely.
// Default is 1 epoch.
func (ds *Dataset) Infinite() *Dataset {
	if ds.frozen {
		Panicf("cannot change a Dataset that has already started yielding results")
	}
	ds.numEpochs = -1
	return ds
}

// Shuffle configures the dataset to shuffle the seed nodes before sampling.
// It is reshuffled at every new epoch, resulting in random batches without
// replacement.
func (ds *Dataset) Shuffle() *Dataset {
	if ds.frozen {
		Panicf("cannot change a Dataset that has already started yielding results")
	}
	ds.shuffle = true
	return ds
}

// DropIncomplete configures the dataset to skip the final batch of an epoch
// when fewer than BatchSize seeds remain, so every yielded batch is full.
func (ds *Dataset) DropIncomplete() *Dataset {
	if ds.frozen {
		Panicf("cannot change a Dataset that has already started yielding results")
	}
	if len(ds.items) < ds.strategy.BatchSize {
		Panicf("Dataset %q: DropIncomplete would yield no batches, %d seeds with batch size %d",
			ds.name, len(ds.items), ds.strategy.BatchSize)
	}
	ds.dropIncomplete = true
	return ds
}

// NumItems is the number of seed nodes the dataset iterates over per epoch.
func (ds *Dataset) NumItems() int { return len(ds.items) }

// BatchesPerEpoch the dataset yields, including the final partial batch
// unless DropIncomplete was set.
func (ds *Dataset) BatchesPerEpoch() int {
	if ds.dropIncomplete {
		return len(ds.items) / ds.strategy.BatchSize
	}
	return (len(ds.items) + ds.strategy.BatchSize - 1) / ds.strategy.BatchSize
}

var _ train.Dataset = &Dataset{}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset: it restarts the Dataset after it has been
// exhausted.
func (ds *Dataset) Reset() {
	ds.muSample.Lock()
	defer ds.muSample.Unlock()
	ds.frozen = true
	ds.startOfEpoch = true
	ds.exhausted = false
	ds.currentEpoch = 0
}

// Yield implements train.Dataset.
// The returned spec is a pointer to the [Strategy].
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
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
	if ds.dropIncomplete && len(ds.items)-int(ds.position) < ds.strategy.BatchSize {
		// Not enough seeds left for a full batch: end the epoch here.
		ds.epochFinished()
		if ds.exhausted {
			err = io.EOF
			return
		}
		ds.startEpoch()
	}

	// Take the seeds for this batch: requires the lock.
	seeds, seedsMask, labelsT := ds.sampleSeeds()

	// Sampling the hops doesn't require the lock.
	ds.muSample.Unlock()
	unlocked = true

	inputs = make([]*tensors.Tensor, 0, 2*(ds.strategy.NumHops()+1))
	inputs = append(inputs, seeds, seedsMask)
	inputs = ds.strategy.sampleHops(seeds, seedsMask, inputs)
	labels = []*tensors.Tensor{labelsT}
	return
}

// sampleSeeds takes the next batch of seed nodes, their mask and their labels.
// ds.muSample must be locked.
func (ds *Dataset) sampleSeeds() (seeds, mask, labels *tensors.Tensor) {
	batchSize := ds.strategy.BatchSize
	seeds = tensors.FromScalarAndDimensions(PaddingIndex, batchSize)
	mask = tensors.FromScalarAndDimensions(false, batchSize)
	labels = tensors.FromScalarAndDimensions(int32(0), batchSize, 1)

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

	tensors.MustMutableFlatData[int32](seeds, func(seedsData []int32) {
		copy(seedsData, items[pos:pos+numToSample])
	})
	tensors.MustMutableFlatData[bool](mask, func(maskData []bool) {
		for ii := range numToSample {
			maskData[ii] = true
		}
	})
	tensors.MustMutableFlatData[int32](labels, func(labelsData []int32) {
		for ii := range numToSample {
			labelsData[ii] = ds.labels[items[pos+int32(ii)]]
		}
	})
	return
}

// startEpoch resets the position counter and reshuffles where required.
func (ds *Dataset) startEpoch() {
	ds.startOfEpoch = false
	ds.position = 0
	if !ds.shuffle {
		return
	}
	if ds.itemsShuffle == nil {
		ds.itemsShuffle = xslices.Copy(ds.items)
	}
	shuffleLen := len(ds.itemsShuffle)
	for ii := range ds.itemsShuffle {
		jj := rand.IntN(shuffleLen)
		ds.itemsShuffle[ii], ds.itemsShuffle[jj] = ds.itemsShuffle[jj], ds.itemsShuffle[ii]
	}
}

func (ds *Dataset) epochFinished() {
	ds.startOfEpoch = true
	ds.currentEpoch++
	if ds.numEpochs > 0 && ds.currentEpoch >= ds.numEpochs {
		ds.exhausted = true
	}
}
