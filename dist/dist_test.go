package dist

import (
	"net"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeAddr reserves a loopback port and returns its address.
func freeAddr(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

// newTestGroups assembles a group of the given world size, one member per
// goroutine, and returns the handles indexed by rank.
func newTestGroups(t *testing.T, worldSize int) []*Group {
	addr := freeAddr(t)
	groups := make([]*Group, worldSize)
	var wg sync.WaitGroup
	for rank := range worldSize {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := Init(addr, worldSize, rank)
			assert.NoError(t, err)
			groups[rank] = g
		}()
	}
	wg.Wait()
	for rank, g := range groups {
		require.NotNil(t, g, "rank %d failed to join", rank)
	}
	t.Cleanup(func() {
		for _, g := range groups {
			_ = g.Close()
		}
	})
	return groups
}

// parallelRanks runs fn concurrently on every rank and waits for all.
func parallelRanks(groups []*Group, fn func(g *Group)) {
	var wg sync.WaitGroup
	for _, g := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(g)
		}()
	}
	wg.Wait()
}

func TestInitValidation(t *testing.T) {
	_, err := Init("127.0.0.1:0", 0, 0)
	assert.Error(t, err)
	_, err = Init("127.0.0.1:0", 2, 2)
	assert.Error(t, err)
	_, err = Init("127.0.0.1:0", 2, -1)
	assert.Error(t, err)
}

func TestWorldSizeOne(t *testing.T) {
	g, err := Init("127.0.0.1:0", 1, 0)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()
	require.True(t, g.IsLeader())
	require.Equal(t, 1, g.WorldSize())

	require.NoError(t, g.Barrier())
	sum, err := g.Reduce(3.5)
	require.NoError(t, err)
	assert.Equal(t, 3.5, sum)
	value, err := g.Broadcast(2.5)
	require.NoError(t, err)
	assert.Equal(t, 2.5, value)

	grad := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)
	require.NoError(t, g.AllReduceMeanTensors([]*tensors.Tensor{grad}))
	assert.Equal(t, []float32{1, 2}, tensors.MustCopyFlatData[float32](grad))
}

func TestScalarCollectives(t *testing.T) {
	groups := newTestGroups(t, 3)
	parallelRanks(groups, func(g *Group) {
		sum, err := g.Reduce(float64(g.Rank() + 1))
		assert.NoError(t, err)
		if g.IsLeader() {
			assert.Equal(t, 6.0, sum)
		} else {
			assert.Equal(t, 0.0, sum)
		}

		value, err := g.Broadcast(sum)
		assert.NoError(t, err)
		assert.Equal(t, 6.0, value)

		total, err := g.AllReduceSum(float64(g.Rank()))
		assert.NoError(t, err)
		assert.Equal(t, 3.0, total)

		assert.NoError(t, g.Barrier())
	})
}

func TestAllReduceMeanTensors(t *testing.T) {
	groups := newTestGroups(t, 2)
	results := make([][]float32, 2)
	parallelRanks(groups, func(g *Group) {
		rank := float32(g.Rank())
		grad := tensors.FromFlatDataAndDimensions([]float32{rank, rank + 2, 10 * rank}, 3)
		assert.NoError(t, g.AllReduceMeanTensors([]*tensors.Tensor{grad}))
		results[g.Rank()] = tensors.MustCopyFlatData[float32](grad)
	})
	// Averages of {0, 2, 0} and {1, 3, 10}, identical on both ranks.
	assert.Equal(t, []float32{0.5, 2.5, 5}, results[0])
	assert.Equal(t, []float32{0.5, 2.5, 5}, results[1])
}

func TestAllReduceMeanTensorsRejectsNonFloat32(t *testing.T) {
	groups := newTestGroups(t, 2)
	parallelRanks(groups, func(g *Group) {
		grad := tensors.FromFlatDataAndDimensions([]int32{1, 2}, 2)
		assert.Error(t, g.AllReduceMeanTensors([]*tensors.Tensor{grad}))
	})
}

func TestBroadcastVariables(t *testing.T) {
	groups := newTestGroups(t, 2)
	results := make([][]float32, 2)
	parallelRanks(groups, func(g *Group) {
		// Each rank starts with different parameters.
		rank := float32(g.Rank())
		ctx := context.New()
		ctx.In("model").VariableWithValue("w",
			tensors.FromFlatDataAndDimensions([]float32{rank, rank + 1}, 2))
		frozen := ctx.In("model").VariableWithValue("table",
			tensors.FromFlatDataAndDimensions([]float32{100 * rank}, 1))
		frozen.SetTrainable(false)

		assert.NoError(t, g.BroadcastVariables(ctx))

		v := ctx.GetVariableByScopeAndName("/model", "w")
		value, err := v.Value()
		assert.NoError(t, err)
		results[g.Rank()] = tensors.MustCopyFlatData[float32](value)

		// Non-trainable variables are left alone.
		frozenValue, err := frozen.Value()
		assert.NoError(t, err)
		assert.Equal(t, []float32{100 * rank}, tensors.MustCopyFlatData[float32](frozenValue))
	})
	assert.Equal(t, []float32{0, 1}, results[0])
	assert.Equal(t, []float32{0, 1}, results[1])
}

func TestShard(t *testing.T) {
	items := make([]int32, 101)
	for ii := range items {
		items[ii] = int32(ii)
	}
	shard0 := Shard(items, 2, 0)
	shard1 := Shard(items, 2, 1)
	assert.Len(t, shard0, 50)
	assert.Len(t, shard1, 51)
	assert.Equal(t, int32(0), shard0[0])
	assert.Equal(t, int32(50), shard1[0])
	assert.Equal(t, int32(100), shard1[50])

	// Shards are contiguous and cover everything, for any world size.
	for worldSize := 1; worldSize <= 5; worldSize++ {
		var total int
		for rank := range worldSize {
			total += len(Shard(items, worldSize, rank))
		}
		assert.Equal(t, len(items), total)
	}
}

func TestMinBatchesPerEpoch(t *testing.T) {
	// 201 items over 2 ranks: shards of 100 and 101, with 10 and 11 batches.
	assert.Equal(t, 10, MinBatchesPerEpoch(201, 2, 10))
	assert.Equal(t, 1, MinBatchesPerEpoch(5, 2, 10))
	assert.Equal(t, 5, MinBatchesPerEpoch(100, 2, 10))
	// A rank may get an empty shard when there are fewer items than ranks.
	assert.Equal(t, 0, MinBatchesPerEpoch(2, 3, 10))
}
