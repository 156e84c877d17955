package dist

import (
	"io"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// ModelFn builds the model graph for a batch: it returns at least one output,
// the predictions used by the loss.
type ModelFn func(ctx *context.Context, spec any, inputs []*Node) []*Node

// LossFn computes the loss to minimize. It may return a scalar or a
// per-example loss, which is then averaged.
type LossFn func(labels, predictions []*Node) *Node

// optimizerWithGradients is implemented by the gomlx optimizers that can apply
// externally provided gradients, like SGD and Adam.
type optimizerWithGradients interface {
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// Trainer runs synchronous data-parallel training across the processes of a
// [Group]. Each step it computes the loss and the gradients of the local
// mini-batch, averages the gradients across all ranks with
// [Group.AllReduceMeanTensors], and has every rank apply the identical
// averaged update. Since all replicas start from broadcast-synchronized
// parameters and apply identical updates, they stay bit-for-bit in sync.
type Trainer struct {
	backend   backends.Backend
	ctx       *context.Context
	group     *Group
	modelFn   ModelFn
	lossFn    LossFn
	optimizer optimizerWithGradients

	stepExec, applyExec *context.Exec

	// spec and numInputs are staged by Step for the graph building closures.
	spec      any
	numInputs int

	synced bool

	// gradDims records the gradient dimensions seen on the first step, used to
	// fabricate zeroed gradients for shadow steps.
	gradDims [][]int
}

// NewTrainer creates a data-parallel [Trainer].
//
// The optimizer must support applying externally provided gradients, which
// both [optimizers.StochasticGradientDescent] and [optimizers.Adam] do.
func NewTrainer(backend backends.Backend, ctx *context.Context, group *Group,
	modelFn ModelFn, lossFn LossFn, optimizer optimizers.Interface) *Trainer {
	optWithGrads, ok := optimizer.(optimizerWithGradients)
	if !ok {
		Panicf("dist.NewTrainer: optimizer %T cannot apply externally averaged gradients", optimizer)
	}
	t := &Trainer{
		backend:   backend,
		ctx:       ctx,
		group:     group,
		modelFn:   modelFn,
		lossFn:    lossFn,
		optimizer: optWithGrads,
	}
	t.stepExec = context.MustNewExec(backend, ctx, t.stepGraph)
	t.applyExec = context.MustNewExec(backend, ctx, t.applyGraph)
	return t
}

// Context being trained.
func (t *Trainer) Context() *context.Context { return t.ctx }

// stepGraph computes the loss of the batch and the gradients with respect to
// every trainable variable. Outputs: [loss, grad_0, ..., grad_n-1], gradients
// in variable creation order, the same order applyGraph consumes them in.
func (t *Trainer) stepGraph(ctx *context.Context, inputsAndLabels []*Node) []*Node {
	ctx.SetTraining(inputsAndLabels[0].Graph(), true)
	inputs := inputsAndLabels[:t.numInputs]
	labels := inputsAndLabels[t.numInputs:]
	predictions := t.modelFn(ctx, t.spec, inputs)
	loss := t.lossFn(labels, predictions)
	if !loss.Shape().IsScalar() {
		loss = ReduceAllMean(loss)
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	return append([]*Node{loss}, grads...)
}

// applyGraph applies the already group-averaged gradients with the optimizer.
// The variable updates are materialized by the Exec machinery; the returned
// global step is just a placeholder output.
func (t *Trainer) applyGraph(ctx *context.Context, grads []*Node) *Node {
	g := grads[0].Graph()
	// The optimizer pairs gradients with the trainable variables in use by
	// this graph, so bind them all here, in the same creation order
	// BuildTrainableVariablesGradientsGraph produced the gradients in.
	for v := range ctx.IterVariables() {
		if v.Trainable {
			v.ValueGraph(g)
		}
	}
	t.optimizer.UpdateGraphWithGradients(ctx, grads, dtypes.Float32)
	return optimizers.GetGlobalStepVar(ctx).ValueGraph(g)
}

// Step runs one synchronized training step with the local batch and returns
// its local loss. All ranks must call it (or [Trainer.ShadowStep]) in
// lockstep.
func (t *Trainer) Step(spec any, inputs, labels []*tensors.Tensor) (loss float64, err error) {
	t.spec = spec
	t.numInputs = len(inputs)
	args := make([]any, 0, len(inputs)+len(labels))
	for _, input := range inputs {
		args = append(args, input)
	}
	for _, label := range labels {
		args = append(args, label)
	}

	if !t.synced {
		// First call: build the graph and initialize the variables locally,
		// then overwrite the fresh random parameters with rank 0's, so every
		// replica starts identical. The gradients of this throw-away run are
		// discarded.
		if _, err = t.stepExec.Exec(args...); err != nil {
			return 0, errors.WithMessage(err, "dist.Trainer: first step failed")
		}
		if err = t.group.BroadcastVariables(t.ctx); err != nil {
			return 0, err
		}
		t.synced = true
	}

	outputs, err := t.stepExec.Exec(args...)
	if err != nil {
		return 0, errors.WithMessage(err, "dist.Trainer: train step failed")
	}
	lossT, grads := outputs[0], outputs[1:]
	if t.gradDims == nil {
		t.gradDims = make([][]int, len(grads))
		for ii, grad := range grads {
			t.gradDims[ii] = grad.Shape().Clone().Dimensions
		}
	}
	if err = t.group.AllReduceMeanTensors(grads); err != nil {
		return 0, err
	}
	if err = t.applyGradients(grads); err != nil {
		return 0, err
	}
	return float64(tensors.ToScalar[float32](lossT)), nil
}

// ShadowStep participates in the group's gradient exchange with zeroed
// gradients and applies the averaged update, without consuming a local batch.
// It is how a rank whose shard is exhausted keeps the other ranks (and its own
// replica) going until everyone is done.
func (t *Trainer) ShadowStep() error {
	if t.gradDims == nil {
		return errors.New("dist.Trainer: ShadowStep before any train step, the gradient shapes are still unknown")
	}
	grads := make([]*tensors.Tensor, len(t.gradDims))
	for ii, dims := range t.gradDims {
		grads[ii] = tensors.FromScalarAndDimensions(float32(0), dims...)
	}
	if err := t.group.AllReduceMeanTensors(grads); err != nil {
		return err
	}
	return t.applyGradients(grads)
}

func (t *Trainer) applyGradients(grads []*tensors.Tensor) error {
	args := make([]any, len(grads))
	for ii, grad := range grads {
		args[ii] = grad
	}
	if _, err := t.applyExec.Exec(args...); err != nil {
		return errors.WithMessage(err, "dist.Trainer: failed to apply averaged gradients")
	}
	return nil
}

// RunEpochJoin runs one epoch of synchronized training over the local dataset
// shard. Ranks may hold uneven numbers of batches: before every step the group
// agrees on how many ranks still have data, ranks that ran out shadow the
// remaining steps with zeroed gradients, and everyone leaves together once no
// rank has data left.
//
// The dataset must yield io.EOF at the end of its (single) epoch; the caller
// resets it between epochs.
//
// It returns the mean local loss over the rank's own steps and their count.
func (t *Trainer) RunEpochJoin(ds train.Dataset) (meanLoss float64, numSteps int, err error) {
	exhausted := false
	for {
		var spec any
		var inputs, labels []*tensors.Tensor
		if !exhausted {
			spec, inputs, labels, err = ds.Yield()
			if err == io.EOF {
				exhausted = true
				err = nil
			} else if err != nil {
				return 0, numSteps, errors.WithMessagef(err, "RunEpochJoin: dataset %q", ds.Name())
			}
		}
		var hasData float64
		if !exhausted {
			hasData = 1
		}
		active, err := t.group.AllReduceSum(hasData)
		if err != nil {
			return 0, numSteps, err
		}
		if active == 0 {
			break
		}
		if exhausted {
			if err = t.ShadowStep(); err != nil {
				return 0, numSteps, err
			}
			continue
		}
		loss, err := t.Step(spec, inputs, labels)
		if err != nil {
			return 0, numSteps, err
		}
		meanLoss += loss
		numSteps++
	}
	if numSteps > 0 {
		meanLoss /= float64(numSteps)
	}
	return meanLoss, numSteps, nil
}

// RunEpochDrop runs exactly numBatches synchronized steps of the local
// dataset, the drop-uneven-inputs policy: the caller passes the group-wide
// minimum of batches per epoch (see [MinBatchesPerEpoch]), so no shadowing is
// needed and the tail of longer shards is dropped.
func (t *Trainer) RunEpochDrop(ds train.Dataset, numBatches int) (meanLoss float64, numSteps int, err error) {
	for range numBatches {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			return 0, numSteps, errors.Errorf(
				"RunEpochDrop: dataset %q exhausted after %d batches, wanted %d", ds.Name(), numSteps, numBatches)
		}
		if err != nil {
			return 0, numSteps, errors.WithMessagef(err, "RunEpochDrop: dataset %q", ds.Name())
		}
		loss, err := t.Step(spec, inputs, labels)
		if err != nil {
			return 0, numSteps, err
		}
		meanLoss += loss
		numSteps++
	}
	if numSteps > 0 {
		meanLoss /= float64(numSteps)
	}
	return meanLoss, numSteps, nil
}
