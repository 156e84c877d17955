// Link prediction on the Cora citation graph with a GraphSAGE model.
//
// It takes no arguments: the dataset is downloaded (and cached) under
// ~/work/cora, the backend is chosen automatically (set GOMLX_BACKEND to
// override) and the hyperparameters follow the usual quickstart values:
// 2 hops with fan-outs 4 and 2, hidden dimension 16, batches of 256 seed
// edges with 1 negative pair each, Adam with learning rate 0.01, 10 epochs.
//
// At the end it reports the AUROC over the held-out test edges.
package main

import (
	"fmt"
	"io"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"

	"github.com/gomlx/graphsage/cora"
	"github.com/gomlx/graphsage/metrics"
	"github.com/gomlx/graphsage/sage"
	"github.com/gomlx/graphsage/sampler"
)

const (
	dataDir   = "~/work/cora"
	numEpochs = 10
	batchSize = 256
)

var fanouts = []int{4, 2}

func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"optimizer":                   "adam",
		optimizers.ParamLearningRate: 0.01,
		sage.ParamHiddenDim:          16,
	})
	return ctx
}

func main() {
	backend := backends.MustNew()
	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())

	must.M(cora.Load(dataDir))
	fmt.Println(cora.String())

	ctx := createDefaultContext()
	cora.UploadVariables(ctx)

	// The sampled graph holds the training edges only, so the test edges are
	// never leaked into the model's neighborhoods.
	graph := sampler.NewGraph(cora.NumNodes, cora.TrainEdges, true)
	strategy := graph.NewStrategy(batchSize, fanouts)
	trainDS := strategy.NewLinkDataset("train", cora.TrainEdges).Shuffle()

	trainer := train.NewTrainer(backend, ctx,
		sage.LinkPredictorGraph,
		sage.MaskedBinaryCrossEntropy,
		optimizers.FromContext(ctx),
		nil, nil)
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	finalMetrics := must.M1(loop.RunEpochs(trainDS, numEpochs))
	fmt.Printf("Final training loss: %.3f\n", tensors.ToScalar[float32](finalMetrics[0]))

	fmt.Printf("Test AUROC: %.4f\n", evalAUROC(backend, ctx, strategy))
}

// evalAUROC scores every test edge (and one sampled negative pair each) with
// the trained model and computes the AUROC over the whole test split.
func evalAUROC(backend backends.Backend, ctx *context.Context, strategy *sampler.Strategy) float64 {
	testDS := strategy.NewLinkDataset("test", cora.TestEdges)
	inferExec := must.M1(context.NewExec(backend, ctx,
		func(ctx *context.Context, inputs []*Node) []*Node {
			return sage.LinkPredictorGraph(ctx, strategy, inputs)
		}))

	accumulator := metrics.NewAccumulator()
	for {
		_, inputs, labels, err := testDS.Yield()
		if err == io.EOF {
			break
		}
		must.M(err)
		args := make([]any, 0, len(inputs))
		for _, input := range inputs {
			args = append(args, input)
		}
		outputs := must.M1(inferExec.Exec(args...))
		logits, pairsMask := outputs[0], outputs[1]

		numPairs := logits.Shape().Dimensions[0]
		logitsFlat := make([]float32, numPairs)
		labelsFlat := make([]float32, numPairs)
		maskFlat := make([]bool, numPairs)
		tensors.MustConstFlatData(logits, func(flat []float32) { copy(logitsFlat, flat) })
		tensors.MustConstFlatData(labels[0], func(flat []float32) { copy(labelsFlat, flat) })
		tensors.MustConstFlatData(pairsMask, func(flat []bool) { copy(maskFlat, flat) })
		accumulator.Append(logitsFlat, labelsFlat, maskFlat)
	}
	return accumulator.AUROC()
}
