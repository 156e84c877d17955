package sage

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/graphsage/cora"
	"github.com/gomlx/graphsage/sampler"
)

const (
	testNumNodes    = 5
	testNumFeatures = 4
)

// newTestContext creates a context with a small synthetic features table
// uploaded under the scope the models expect.
func newTestContext(t *testing.T) *context.Context {
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	features := make([]float32, testNumNodes*testNumFeatures)
	for ii := range features {
		features[ii] = float32(ii%7) - 3
	}
	featuresT := tensors.FromFlatDataAndDimensions(features, testNumNodes, testNumFeatures)
	v := ctx.InAbsPath(cora.VariablesScope).VariableWithValue("features", featuresT)
	require.NotNil(t, v)
	v.SetTrainable(false)
	return ctx
}

func testStrategy(t *testing.T, batchSize int, fanouts []int) *sampler.Strategy {
	g := sampler.NewGraph(testNumNodes, [][2]int32{{0, 1}, {0, 2}, {0, 3}, {1, 2}, {3, 4}}, true)
	return g.NewStrategy(batchSize, fanouts)
}

func execArgs(inputs []*tensors.Tensor) []any {
	args := make([]any, 0, len(inputs))
	for _, input := range inputs {
		args = append(args, input)
	}
	return args
}

func requireNoNaN(t *testing.T, values []float32) {
	for _, v := range values {
		require.False(t, math.IsNaN(float64(v)), "NaN in model output")
	}
}

func TestNodeClassifierGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext(t)
	strategy := testStrategy(t, 2, []int{2, 2})
	labels := []int32{0, 1, 2, 3, 4}
	ds := strategy.NewDataset("test", []int32{0, 1, 2, 3, 4}, labels)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return NodeClassifierGraph(ctx, strategy, inputs)
	})
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	outputs, err := exec.Exec(execArgs(inputs)...)
	require.NoError(t, err)

	logits, mask := outputs[0], outputs[1]
	assert.Equal(t, []int{2, cora.NumClasses}, logits.Shape().Dimensions)
	assert.Equal(t, []int{2}, mask.Shape().Dimensions)
	requireNoNaN(t, tensors.MustCopyFlatData[float32](logits))

	// One pair of dense transformations per fan-out, shared across hop levels,
	// plus the readout head.
	for _, scope := range []string{
		"/sage_layer_0/self", "/sage_layer_0/neighbors",
		"/sage_layer_1/self", "/sage_layer_1/neighbors",
		"/readout",
	} {
		assert.NotNil(t, ctx.GetVariableByScopeAndName(scope, "weights"), "missing weights in %s", scope)
		assert.NotNil(t, ctx.GetVariableByScopeAndName(scope, "biases"), "missing biases in %s", scope)
	}
	assert.Nil(t, ctx.GetVariableByScopeAndName("/sage_layer_2/self", "weights"))

	// The first layer maps the raw features, the second the hidden states.
	layer0 := ctx.GetVariableByScopeAndName("/sage_layer_0/self", "weights")
	assert.Equal(t, []int{testNumFeatures, 16}, layer0.Shape().Dimensions)
	layer1 := ctx.GetVariableByScopeAndName("/sage_layer_1/self", "weights")
	assert.Equal(t, []int{16, 16}, layer1.Shape().Dimensions)

	// The last (padded) batch also yields finite logits.
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
	_, inputs, _, err = ds.Yield()
	require.NoError(t, err)
	outputs, err = exec.Exec(execArgs(inputs)...)
	require.NoError(t, err)
	requireNoNaN(t, tensors.MustCopyFlatData[float32](outputs[0]))
}

func TestLinkPredictorGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext(t)
	strategy := testStrategy(t, 2, []int{3})
	ds := strategy.NewLinkDataset("links", [][2]int32{{0, 1}, {0, 2}, {3, 4}})

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return LinkPredictorGraph(ctx, strategy, inputs)
	})
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	outputs, err := exec.Exec(execArgs(inputs)...)
	require.NoError(t, err)

	logits, pairsMask := outputs[0], outputs[1]
	assert.Equal(t, []int{4, 1}, logits.Shape().Dimensions)
	assert.Equal(t, []int{4}, pairsMask.Shape().Dimensions)
	requireNoNaN(t, tensors.MustCopyFlatData[float32](logits))
	assert.Equal(t, []bool{true, true, true, true}, tensors.MustCopyFlatData[bool](pairsMask))
}

func TestMaskedBinaryCrossEntropy(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	got, err := ExecOnce(backend, func(logits, labels, mask *Node) *Node {
		return MaskedBinaryCrossEntropy([]*Node{labels}, []*Node{logits, mask})
	},
		tensors.FromFlatDataAndDimensions([]float32{0, 0, 5, -5}, 4, 1),
		tensors.FromFlatDataAndDimensions([]float32{1, 0, 1, 0}, 4, 1),
		[]bool{true, true, false, false})
	require.NoError(t, err)
	// Both valid pairs have logit 0, so their cross-entropy is ln(2). The
	// masked pairs would drive the mean towards 0 if they leaked in.
	assert.InDelta(t, math.Ln2, tensors.ToScalar[float32](got), 1e-4)
}

func TestMaskedSparseCategoricalCrossEntropy(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	got, err := ExecOnce(backend, func(logits, labels, mask *Node) *Node {
		return MaskedSparseCategoricalCrossEntropy([]*Node{labels}, []*Node{logits, mask})
	},
		tensors.FromFlatDataAndDimensions([]float32{
			10, 0, 0,
			0, 0, 0,
			100, -100, -100,
		}, 3, 3),
		tensors.FromFlatDataAndDimensions([]int32{0, 1, 1}, 3, 1),
		[]bool{true, true, false})
	require.NoError(t, err)
	// First row is (nearly) perfectly classified, second is uniform, and the
	// hopelessly wrong third row is masked out.
	assert.InDelta(t, math.Log(3)/2, tensors.ToScalar[float32](got), 1e-3)
}

func TestCorrectCountGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	logits := tensors.FromFlatDataAndDimensions([]float32{
		0, 0, 1,
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	}, 4, 3)
	labels := tensors.FromFlatDataAndDimensions([]int32{2, 1, 1, 2}, 4, 1)
	mask := []bool{true, true, true, false}

	correct, err := ExecOnce(backend, func(logits, mask, labels *Node) *Node {
		correct, _ := CorrectCountGraph(logits, mask, labels)
		return correct
	}, logits, mask, labels)
	require.NoError(t, err)
	assert.Equal(t, float32(2), tensors.ToScalar[float32](correct))

	total, err := ExecOnce(backend, func(logits, mask, labels *Node) *Node {
		_, total := CorrectCountGraph(logits, mask, labels)
		return total
	}, logits, mask, labels)
	require.NoError(t, err)
	assert.Equal(t, float32(3), tensors.ToScalar[float32](total))
}
