// Package sage implements GraphSAGE models with mean aggregation, built over
// the fixed-shape sampled sub-graphs produced by the sampler package.
//
// The models are split in two parts: [Embeddings] computes the representation
// of the seed nodes from the sampled hops, and [NodeClassifierGraph] or
// [LinkPredictorGraph] put a task head on top of it.
//
// Hyperparameters are read from the context. See [ParamHiddenDim] and
// [layers.ParamDropoutRate].
package sage

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/core/dtypes"

	"github.com/gomlx/graphsage/cora"
	"github.com/gomlx/graphsage/sampler"
)

const (
	// ParamHiddenDim is the context hyperparameter that defines the dimension of
	// the hidden node representations. Default is 16.
	ParamHiddenDim = "sage_hidden_dim"
)

// getCoraVar retrieves the static (not-learnable) Cora variables, e.g. the
// frozen node features table.
func getCoraVar(ctx *context.Context, g *Graph, name string) *Node {
	coraVar := ctx.GetVariableByScopeAndName(cora.VariablesScope, name)
	if coraVar == nil {
		Panicf("missing Cora dataset variable %q, pls call cora.UploadVariables() on the context first", name)
		panic(nil) // Quiet linter.
	}
	return coraVar.ValueGraph(g)
}

// meanAggregation pools the sampled neighbor states over their sampling axis,
// ignoring masked (padded) entries. Nodes with no valid neighbors get zeros.
func meanAggregation(state, mask *Node) *Node {
	return MaskedReduceMean(state, mask, mask.Rank()-1)
}

// Embeddings builds the GraphSAGE representation of the seed nodes, shaped
// [numSeeds, hiddenDim].
//
// inputs must be the flat list of (nodes, mask) tensor pairs yielded by a
// sampler dataset: seeds first, then one pair per hop. The number of
// message-passing layers is the number of hops of the strategy, one per
// fan-out.
func Embeddings(ctx *context.Context, strategy *sampler.Strategy, inputs []*Node) *Node {
	numHops := strategy.NumHops()
	if len(inputs) != 2*(numHops+1) {
		Panicf("Embeddings: got %d inputs, wanted %d for a strategy with %d hops",
			len(inputs), 2*(numHops+1), numHops)
	}
	g := inputs[0].Graph()
	features := getCoraVar(ctx, g, "features")
	hiddenDim := context.GetParamOr(ctx, ParamHiddenDim, 16)

	// Initial state of every hop level is the raw node features.
	states := make([]*Node, numHops+1)
	masks := make([]*Node, numHops+1)
	for hop := range numHops + 1 {
		nodes, mask := inputs[2*hop], inputs[2*hop+1]
		states[hop] = Gather(features, InsertAxes(nodes, -1))
		masks[hop] = mask
	}

	// Each round retires the deepest hop level: states flow towards the seeds.
	for layer := range numHops {
		layerCtx := ctx.In(fmt.Sprintf("sage_layer_%d", layer))
		newStates := make([]*Node, numHops-layer)
		for hop := range numHops - layer {
			// The weights are shared across hop levels within a layer, the
			// layerCtx scopes are reused on each iteration.
			neighbors := meanAggregation(states[hop+1], masks[hop+1])
			updated := Add(
				layers.DenseWithBias(layerCtx.In("self"), states[hop], hiddenDim),
				layers.DenseWithBias(layerCtx.In("neighbors"), neighbors, hiddenDim))
			if layer < numHops-1 {
				updated = activations.Relu(updated)
				updated = layers.DropoutFromContext(layerCtx, updated)
			}
			newStates[hop] = updated
		}
		states = newStates
		masks = masks[:numHops-layer]
	}
	return states[0]
}

// NodeClassifierGraph is the model graph for node classification: GraphSAGE
// embeddings of the seeds followed by a linear readout to the class logits.
//
// It returns the logits shaped [batch, cora.NumClasses] and the seeds mask
// shaped [batch].
func NodeClassifierGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	strategy := spec.(*sampler.Strategy)
	seedsMask := inputs[1]
	embeddings := Embeddings(ctx, strategy, inputs)
	embeddings = activations.Relu(embeddings)
	embeddings = layers.DropoutFromContext(ctx.In("readout"), embeddings)
	logits := layers.DenseWithBias(ctx.In("readout"), embeddings, cora.NumClasses)
	return []*Node{logits, seedsMask}
}

// LinkPredictorGraph is the model graph for link prediction. The seeds pack
// the sources and destinations of the candidate pairs (see
// [sampler.LinkDataset]); the score of a pair is a 2-layer network applied to
// the element-wise product of the two embeddings.
//
// It returns the pair logits shaped [numPairs, 1] and the pairs mask shaped
// [numPairs].
func LinkPredictorGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	strategy := spec.(*sampler.Strategy)
	seedsMask := inputs[1]
	numSeeds := seedsMask.Shape().Dimensions[0]
	if numSeeds%2 != 0 {
		Panicf("LinkPredictorGraph: seeds count %d must pack (sources, destinations) pairs", numSeeds)
	}
	numPairs := numSeeds / 2
	hiddenDim := context.GetParamOr(ctx, ParamHiddenDim, 16)

	embeddings := Embeddings(ctx, strategy, inputs)
	sources := Slice(embeddings, AxisRange(0, numPairs))
	destinations := Slice(embeddings, AxisRange(numPairs, numSeeds))
	pairsMask := Slice(seedsMask, AxisRange(0, numPairs))

	predictorCtx := ctx.In("predictor")
	hidden := layers.DenseWithBias(predictorCtx.In("hidden"), Mul(sources, destinations), hiddenDim)
	hidden = activations.Relu(hidden)
	logits := layers.DenseWithBias(predictorCtx.In("logits"), hidden, 1)
	return []*Node{logits, pairsMask}
}

// MaskedSparseCategoricalCrossEntropy is the loss for [NodeClassifierGraph]:
// the usual sparse categorical cross-entropy, averaged over the valid
// (non-padded) seeds only.
func MaskedSparseCategoricalCrossEntropy(labels, predictions []*Node) *Node {
	logits, mask := predictions[0], predictions[1]
	batchSize := logits.Shape().Dimensions[0]
	loss := losses.SparseCategoricalCrossEntropyLogits(labels, predictions[:1])
	if loss.Shape().IsScalar() {
		return loss
	}
	loss = Reshape(loss, batchSize)
	return MaskedReduceAllMean(loss, mask)
}

// MaskedBinaryCrossEntropy is the loss for [LinkPredictorGraph]: binary
// cross-entropy on the pair logits, averaged over the valid pairs only.
func MaskedBinaryCrossEntropy(labels, predictions []*Node) *Node {
	logits, mask := predictions[0], predictions[1]
	numPairs := logits.Shape().Dimensions[0]
	loss := losses.BinaryCrossentropyLogits(labels, predictions[:1])
	if loss.Shape().IsScalar() {
		return loss
	}
	loss = Reshape(loss, numPairs)
	return MaskedReduceAllMean(loss, mask)
}

// CorrectCountGraph returns the number of valid seeds whose predicted class
// matches the label, and the number of valid seeds, both Float32 scalars.
// Used for exact accuracy aggregation across processes.
func CorrectCountGraph(logits, mask, labels *Node) (correct, total *Node) {
	predicted := ArgMax(logits, -1, dtypes.Int32)
	labelsFlat := Reshape(labels, predicted.Shape().Dimensions...)
	hits := LogicalAnd(Equal(predicted, labelsFlat), mask)
	correct = ReduceAllSum(ConvertDType(hits, dtypes.Float32))
	total = ReduceAllSum(ConvertDType(mask, dtypes.Float32))
	return
}
