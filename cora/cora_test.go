package cora

import (
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDataset fills the package tensors with small synthetic data, so the
// tests don't depend on the download.
func fakeDataset(numEdges int) {
	features := make([]float32, NumNodes*2)
	labels := make([]int32, NumNodes)
	for ii := range labels {
		labels[ii] = int32(ii % NumClasses)
	}
	edges := make([]int32, 2*numEdges)
	for ii := range numEdges {
		edges[2*ii] = int32(ii % NumNodes)
		edges[2*ii+1] = int32((ii + 1) % NumNodes)
	}
	NodeFeatures = tensors.FromFlatDataAndDimensions(features, NumNodes, 2)
	NodeLabels = tensors.FromFlatDataAndDimensions(labels, NumNodes, 1)
	Edges = tensors.FromFlatDataAndDimensions(edges, numEdges, 2)
	NumEdges = numEdges
}

func TestMakeSplits(t *testing.T) {
	fakeDataset(100)
	makeSplits()

	// 60/20/20 node split covering every node exactly once.
	assert.Len(t, TrainNodes, NumNodes*6/10)
	assert.Len(t, ValidNodes, NumNodes*2/10)
	assert.Len(t, TestNodes, NumNodes-len(TrainNodes)-len(ValidNodes))
	seen := make(map[int32]bool, NumNodes)
	for _, split := range [][]int32{TrainNodes, ValidNodes, TestNodes} {
		for _, node := range split {
			require.False(t, seen[node], "node %d in more than one split", node)
			seen[node] = true
		}
	}
	require.Len(t, seen, NumNodes)

	// 90/10 edge split covering every edge exactly once.
	assert.Len(t, TrainEdges, 90)
	assert.Len(t, TestEdges, 10)
	seenEdges := make(map[[2]int32]bool, NumEdges)
	for _, split := range [][][2]int32{TrainEdges, TestEdges} {
		for _, edge := range split {
			require.False(t, seenEdges[edge], "edge %v in more than one split", edge)
			seenEdges[edge] = true
		}
	}
	require.Len(t, seenEdges, NumEdges)

	// The splits are seeded: rebuilding them yields the same partition.
	trainNodes := append([]int32{}, TrainNodes...)
	testEdges := append([][2]int32{}, TestEdges...)
	makeSplits()
	assert.Equal(t, trainNodes, TrainNodes)
	assert.Equal(t, testEdges, TestEdges)
}

func TestUploadVariables(t *testing.T) {
	fakeDataset(10)
	ctx := context.New()
	UploadVariables(ctx)
	for name := range Variables {
		v := ctx.GetVariableByScopeAndName(VariablesScope, name)
		require.NotNil(t, v, "variable %q not uploaded", name)
		assert.False(t, v.Trainable, "dataset variable %q must not be trained", name)
	}
	assert.Equal(t, []int{NumNodes, 2},
		ctx.GetVariableByScopeAndName(VariablesScope, "features").Shape().Dimensions)
}

func TestSliceAccessors(t *testing.T) {
	fakeDataset(10)
	labels := LabelsAsSlice()
	require.Len(t, labels, NumNodes)
	assert.Equal(t, int32(0), labels[0])
	assert.Equal(t, int32(1), labels[1])
	assert.Equal(t, int32(NumClasses-1), labels[NumClasses-1])

	edges := EdgesAsSlice()
	require.Len(t, edges, 10)
	assert.Equal(t, [2]int32{0, 1}, edges[0])
	assert.Equal(t, [2]int32{9, 10}, edges[9])
}

// TestLoad exercises the full pipeline, but only when the parsed dataset is
// already cached locally: it never downloads.
func TestLoad(t *testing.T) {
	baseDir := fsutil.MustReplaceTildeInDir("~/work/cora")
	if !fsutil.MustFileExists(path.Join(baseDir, featuresFile)) {
		t.Skipf("Cora not cached under %s, run cmd/linkpred once to download it", baseDir)
	}
	NodeFeatures, NodeLabels, Edges = nil, nil, nil
	require.NoError(t, Load(baseDir))

	assert.Equal(t, []int{NumNodes, NumFeatures}, NodeFeatures.Shape().Dimensions)
	assert.Equal(t, []int{NumNodes, 1}, NodeLabels.Shape().Dimensions)
	assert.Equal(t, NumEdges, Edges.Shape().Dimensions[0])
	assert.Greater(t, NumEdges, 5000)

	for _, edge := range EdgesAsSlice() {
		require.GreaterOrEqual(t, edge[0], int32(0))
		require.Less(t, edge[0], int32(NumNodes))
		require.Less(t, edge[1], int32(NumNodes))
	}
	for _, label := range LabelsAsSlice() {
		require.GreaterOrEqual(t, label, int32(0))
		require.Less(t, label, int32(NumClasses))
	}
}
