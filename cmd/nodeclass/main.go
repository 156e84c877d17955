// Multi-device node classification on the Cora citation graph with a
// GraphSAGE model and data-parallel training.
//
// The program acts as its own launcher: invoked normally it checks that every
// device ordinal in --devices exists, then re-executes itself once per device,
// pinning each worker to one accelerator with CUDA_VISIBLE_DEVICES.
// Workers rendezvous over TCP (see the dist package), shard the training
// nodes among themselves and keep their model replicas synchronized by
// averaging gradients every step.
//
// Because the shards are not all the same size, some workers run out of
// batches before others. By default the early finishers keep participating
// in the collective ops with zero gradients until everyone is done. With
// --drop_uneven_inputs every worker instead stops after the smallest shard's
// number of batches.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphsage/cora"
	"github.com/gomlx/graphsage/dist"
	"github.com/gomlx/graphsage/sage"
	"github.com/gomlx/graphsage/sampler"
)

// rankEnvVar is set on the re-executed workers; the parent launcher leaves
// it unset.
const rankEnvVar = "GRAPHSAGE_RANK"

var (
	flagDevices      = flag.String("devices", "0", "Comma-separated device ordinals to train on, one worker process per device.")
	flagEpochs       = flag.Int("epochs", 10, "Number of training epochs.")
	flagLearningRate = flag.Float64("lr", 0.001, "Learning rate for the Adam optimizer.")
	flagBatchSize    = flag.Int("batch_size", 1024, "Number of seed nodes per batch, per worker.")
	flagFanout       = flag.String("fanout", "10,10,10", "Comma-separated number of neighbors to sample per hop.")
	flagNumWorkers   = flag.Int("num_workers", 0, "Goroutines sampling batches in parallel; 0 samples inline.")
	flagDropUneven   = flag.Bool("drop_uneven_inputs", false,
		"Truncate every shard to the smallest shard's number of batches, instead of "+
			"having early finishers join in with zero gradients.")
	flagDataDir = flag.String("data_dir", "~/work/cora", "Directory to cache the dataset.")
	flagAddr    = flag.String("addr", "127.0.0.1:12345", "Address the rank 0 worker listens on for the rendezvous.")
)

func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"optimizer":             "adam",
		sage.ParamHiddenDim:     16,
		layers.ParamDropoutRate: 0.5,
	})
	return ctx
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	ctx.SetParam(optimizers.ParamLearningRate, *flagLearningRate)
	must.M1(commandline.ParseContextSettings(ctx, *settings))

	devices := parseIntList("devices", *flagDevices)
	if rankStr, found := os.LookupEnv(rankEnvVar); found {
		rank := must.M1(strconv.Atoi(rankStr))
		run(ctx, rank, len(devices))
		return
	}

	// Parent process: make sure the requested ordinals exist before training
	// inline or launching workers.
	backend := backends.MustNew()
	available := devicesAvailable(backend, devices)
	backend.Finalize()
	if !available {
		return
	}
	if len(devices) == 1 && devices[0] == 0 {
		run(ctx, 0, 1)
		return
	}
	launchWorkers(devices)
}

// devicesAvailable reports whether every requested device ordinal exists on
// the backend. When one does not, it prints an explanation, and the program
// exits cleanly (status 0) instead of failing on hosts without the
// accelerators.
func devicesAvailable(backend backends.Backend, devices []int) bool {
	for _, device := range devices {
		if device < 0 || device >= int(backend.NumDevices()) {
			fmt.Printf("Requested device %d but backend %q only has %d, skipping.\n",
				device, backend.Name(), backend.NumDevices())
			return false
		}
	}
	return true
}

// launchWorkers re-executes the program once per device, each worker pinned
// to one accelerator, and waits for all of them.
func launchWorkers(devices []int) {
	workers := make([]*exec.Cmd, len(devices))
	for rank, device := range devices {
		worker := exec.Command(os.Args[0], os.Args[1:]...)
		worker.Stdout = os.Stdout
		worker.Stderr = os.Stderr
		worker.Env = append(os.Environ(),
			fmt.Sprintf("%s=%d", rankEnvVar, rank),
			fmt.Sprintf("CUDA_VISIBLE_DEVICES=%d", device))
		must.M(worker.Start())
		workers[rank] = worker
	}
	for rank, worker := range workers {
		if err := worker.Wait(); err != nil {
			klog.Fatalf("Worker %d failed: %v", rank, err)
		}
	}
}

// run is one worker: it joins the process group, trains on its shard of the
// training nodes and reports the metrics reduced over all workers.
func run(ctx *context.Context, rank, worldSize int) {
	backend := backends.MustNew()
	group := must.M1(dist.Init(*flagAddr, worldSize, rank))
	defer func() { _ = group.Close() }()

	must.M(cora.Load(*flagDataDir))
	cora.UploadVariables(ctx)
	if group.IsLeader() {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
		fmt.Println(cora.String())
	}

	graph := sampler.NewGraph(cora.NumNodes, cora.EdgesAsSlice(), true)
	strategy := graph.NewStrategy(*flagBatchSize, parseIntList("fanout", *flagFanout))
	labels := cora.LabelsAsSlice()

	trainSeeds := dist.Shard(cora.TrainNodes, worldSize, rank)
	var trainDS train.Dataset = strategy.NewDataset("train", trainSeeds, labels).Shuffle()
	if *flagNumWorkers > 0 {
		trainDS = datasets.CustomParallel(trainDS).
			Parallelism(*flagNumWorkers).
			Buffer(*flagNumWorkers).
			Start()
	}

	trainer := dist.NewTrainer(backend, ctx, group,
		sage.NodeClassifierGraph,
		sage.MaskedSparseCategoricalCrossEntropy,
		optimizers.FromContext(ctx))

	// Forward pass that counts correct predictions over the masked seeds.
	// The labels tensor is appended to the sampled inputs as the last arg.
	evalExec := must.M1(context.NewExec(backend, ctx,
		func(ctx *context.Context, inputsAndLabels []*Node) []*Node {
			inputs := inputsAndLabels[:len(inputsAndLabels)-1]
			labels := inputsAndLabels[len(inputsAndLabels)-1]
			logitsAndMask := sage.NodeClassifierGraph(ctx, strategy, inputs)
			correct, total := sage.CorrectCountGraph(logitsAndMask[0], logitsAndMask[1], labels)
			return []*Node{correct, total}
		}))

	validSeeds := dist.Shard(cora.ValidNodes, worldSize, rank)
	for epoch := range *flagEpochs {
		start := time.Now()
		trainDS.Reset()
		var meanLoss float64
		var numSteps int
		var err error
		if *flagDropUneven {
			numBatches := dist.MinBatchesPerEpoch(len(cora.TrainNodes), worldSize, *flagBatchSize)
			meanLoss, numSteps, err = trainer.RunEpochDrop(trainDS, numBatches)
		} else {
			meanLoss, numSteps, err = trainer.RunEpochJoin(trainDS)
		}
		must.M(err)

		correct, total := evalShard(evalExec, strategy, validSeeds, labels)
		lossSum := must.M1(group.Reduce(meanLoss * float64(numSteps)))
		stepsSum := must.M1(group.Reduce(float64(numSteps)))
		correctSum := must.M1(group.Reduce(correct))
		totalSum := must.M1(group.Reduce(total))
		if group.IsLeader() {
			fmt.Printf("Epoch %05d | Average Loss %.4f | Accuracy %.4f | Time %.4f\n",
				epoch, lossSum/stepsSum, correctSum/totalSum, time.Since(start).Seconds())
		}
		must.M(group.Barrier())
	}

	testSeeds := dist.Shard(cora.TestNodes, worldSize, rank)
	correct, total := evalShard(evalExec, strategy, testSeeds, labels)
	correctSum := must.M1(group.Reduce(correct))
	totalSum := must.M1(group.Reduce(total))
	if group.IsLeader() {
		fmt.Printf("Test Accuracy: %.4f\n", correctSum/totalSum)
	}
	must.M(group.Barrier())
}

// evalShard runs the counting forward pass over one shard of seed nodes and
// returns this worker's correct and total counts.
func evalShard(evalExec *context.Exec, strategy *sampler.Strategy, seeds []int32, labels []int32) (correct, total float64) {
	ds := strategy.NewDataset("eval", seeds, labels)
	for {
		_, inputs, labelsT, err := ds.Yield()
		if err == io.EOF {
			break
		}
		must.M(err)
		args := make([]any, 0, len(inputs)+1)
		for _, input := range inputs {
			args = append(args, input)
		}
		args = append(args, labelsT[0])
		outputs := must.M1(evalExec.Exec(args...))
		correct += float64(tensors.ToScalar[float32](outputs[0]))
		total += float64(tensors.ToScalar[float32](outputs[1]))
	}
	return
}

// parseIntList parses a comma-separated list of integers from a flag value.
func parseIntList(flagName, value string) []int {
	parts := strings.Split(value, ",")
	values := make([]int, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			klog.Fatalf("Invalid --%s value %q: %v", flagName, value, err)
		}
		values = append(values, v)
	}
	return values
}
