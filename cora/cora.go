// Package cora downloads, caches and prepares the Cora citation dataset.
//
// Cora has 2708 scientific publications classified into one of 7 classes, each
// described by a 1433-dimensional binary bag-of-words vector, and 5429 citation
// links among them.
//
// Everything is loaded into package variables by [Load]. Use [UploadVariables]
// to make the static tables available to model graphs as frozen context
// variables.
package cora

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path"
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphsage/downloader"
)

var (
	TarURL         = "https://linqs-data.soe.ucsc.edu/public/lbc/cora.tgz"
	TarFile        = "cora.tgz"
	DownloadSubdir = "downloads"
)

const (
	NumNodes    = 2708
	NumFeatures = 1433
	NumClasses  = 7
)

var (
	// NodeFeatures holds the bag-of-words vectors, shaped `(Float32)[NumNodes, NumFeatures]`.
	NodeFeatures *tensors.Tensor

	// NodeLabels holds the class of each publication, shaped `(Int32)[NumNodes, 1]`.
	NodeLabels *tensors.Tensor

	// Edges holds the citation links as (source, target) pairs, shaped `(Int32)[NumEdges, 2]`.
	// Source is the citing paper, target the cited one.
	Edges *tensors.Tensor

	// NumEdges is set after [Load]. Nominally 5429, minus duplicated citations if any.
	NumEdges int
)

// Node splits for the classification task and edge splits for link prediction.
// Filled by [Load], deterministic across runs.
var (
	TrainNodes, ValidNodes, TestNodes []int32
	TrainEdges, TestEdges             [][2]int32
)

const (
	featuresFile = "cora_features.tensor"
	labelsFile   = "cora_labels.tensor"
	edgesFile    = "cora_edges.tensor"
)

// splitSeed makes the node and edge splits reproducible.
const splitSeed = 42

// Load downloads (if needed) and prepares the Cora tensors under baseDir.
//
// If the parsed tensor files are already there, they are simply reloaded, and
// the raw download is skipped.
func Load(baseDir string) error {
	if NodeFeatures != nil {
		// Already loaded.
		return nil
	}
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	if err := loadFromCache(baseDir); err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			klog.Warningf("Failed to reuse cached Cora tensors, re-parsing: %v", err)
		}
		if err = downloadTar(baseDir); err != nil {
			return err
		}
		if err = parseRawFiles(baseDir); err != nil {
			return err
		}
		if err = saveToCache(baseDir); err != nil {
			return err
		}
	}
	NumEdges = Edges.Shape().Dimensions[0]
	makeSplits()
	return nil
}

func downloadTar(baseDir string) error {
	downloadPath := path.Join(baseDir, DownloadSubdir)
	if err := os.MkdirAll(downloadPath, 0777); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "Failed to create path for downloading %q", downloadPath)
	}
	return downloader.DownloadAndUntarIfMissing(
		TarURL, downloadPath, TarFile, path.Join(downloadPath, "cora"), "")
}

func loadFromCache(baseDir string) error {
	var err error
	NodeFeatures, err = tensors.Load(path.Join(baseDir, featuresFile))
	if err != nil {
		return err
	}
	NodeLabels, err = tensors.Load(path.Join(baseDir, labelsFile))
	if err != nil {
		return err
	}
	Edges, err = tensors.Load(path.Join(baseDir, edgesFile))
	if err != nil {
		return err
	}
	return nil
}

func saveToCache(baseDir string) error {
	for _, save := range []struct {
		t    *tensors.Tensor
		file string
	}{{NodeFeatures, featuresFile}, {NodeLabels, labelsFile}, {Edges, edgesFile}} {
		if err := save.t.Save(path.Join(baseDir, save.file)); err != nil {
			return errors.WithMessagef(err, "saving parsed Cora tensor to %q", save.file)
		}
	}
	return nil
}

// parseRawFiles reads cora.content and cora.cites into the package tensors.
//
// Paper ids in the raw files are arbitrary, they are mapped to indices 0 to
// NumNodes-1 in file order. Class labels are mapped in order of first
// appearance, which is deterministic for a fixed file.
func parseRawFiles(baseDir string) error {
	contentPath := path.Join(baseDir, DownloadSubdir, "cora", "cora.content")
	citesPath := path.Join(baseDir, DownloadSubdir, "cora", "cora.cites")

	featuresData := make([]float32, NumNodes*NumFeatures)
	labelsData := make([]int32, NumNodes)
	idToNode := make(map[string]int32, NumNodes)
	classToLabel := make(map[string]int32, NumClasses)
	var numRows int
	err := downloader.ParseFieldsFile(contentPath, func(fields []string) error {
		if len(fields) != NumFeatures+2 {
			return errors.Errorf("row %d has %d columns, wanted %d", numRows, len(fields), NumFeatures+2)
		}
		if numRows >= NumNodes {
			return errors.Errorf("more than %d rows in %q", NumNodes, contentPath)
		}
		node := int32(numRows)
		idToNode[fields[0]] = node
		for col, wordStr := range fields[1 : NumFeatures+1] {
			word, err := strconv.ParseFloat(wordStr, 32)
			if err != nil {
				return errors.Wrapf(err, "parsing feature %d of row %d", col, numRows)
			}
			featuresData[int(node)*NumFeatures+col] = float32(word)
		}
		className := fields[NumFeatures+1]
		label, found := classToLabel[className]
		if !found {
			label = int32(len(classToLabel))
			if label >= NumClasses {
				return errors.Errorf("more than %d distinct classes, extra one is %q", NumClasses, className)
			}
			classToLabel[className] = label
		}
		labelsData[node] = label
		numRows++
		return nil
	})
	if err != nil {
		return err
	}
	if numRows != NumNodes {
		return errors.Errorf("parsed %d nodes from %q, wanted %d", numRows, contentPath, NumNodes)
	}
	NodeFeatures = tensors.FromFlatDataAndDimensions(featuresData, NumNodes, NumFeatures)
	NodeLabels = tensors.FromFlatDataAndDimensions(labelsData, NumNodes, 1)

	var pairs [][2]int32
	err = downloader.ParseFieldsFile(citesPath, func(fields []string) error {
		if len(fields) != 2 {
			return errors.Errorf("citation row has %d columns, wanted 2", len(fields))
		}
		cited, foundCited := idToNode[fields[0]]
		citing, foundCiting := idToNode[fields[1]]
		if !foundCited || !foundCiting {
			klog.Warningf("Citation (%s, %s) refers to unknown paper id, skipped", fields[0], fields[1])
			return nil
		}
		pairs = append(pairs, [2]int32{citing, cited})
		return nil
	})
	if err != nil {
		return err
	}
	edgesData := make([]int32, 0, 2*len(pairs))
	for _, pair := range pairs {
		edgesData = append(edgesData, pair[0], pair[1])
	}
	Edges = tensors.FromFlatDataAndDimensions(edgesData, len(pairs), 2)
	return nil
}

// makeSplits builds the 60/20/20 node split and the 90/10 edge split.
func makeSplits() {
	rng := rand.New(rand.NewPCG(splitSeed, 0))

	nodes := make([]int32, NumNodes)
	for ii := range nodes {
		nodes[ii] = int32(ii)
	}
	rng.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })
	numTrain := NumNodes * 6 / 10
	numValid := NumNodes * 2 / 10
	TrainNodes = nodes[:numTrain]
	ValidNodes = nodes[numTrain : numTrain+numValid]
	TestNodes = nodes[numTrain+numValid:]

	edges := make([][2]int32, NumEdges)
	tensors.MustConstFlatData(Edges, func(flat []int32) {
		for ii := range edges {
			edges[ii] = [2]int32{flat[2*ii], flat[2*ii+1]}
		}
	})
	rng.Shuffle(len(edges), func(i, j int) { edges[i], edges[j] = edges[j], edges[i] })
	numTrainEdges := len(edges) * 9 / 10
	TrainEdges = edges[:numTrainEdges]
	TestEdges = edges[numTrainEdges:]
}

// VariablesScope is the absolute context scope under which [UploadVariables]
// places the dataset tables.
const VariablesScope = "/cora"

// Variables maps variable names to the tensors uploaded by [UploadVariables].
var Variables = map[string]**tensors.Tensor{
	"features": &NodeFeatures,
	"labels":   &NodeLabels,
	"edges":    &Edges,
}

// UploadVariables creates frozen variables with the static tables of the Cora
// dataset, so they can be used by models.
//
// They are stored under the [VariablesScope] scope.
func UploadVariables(ctx *context.Context) *context.Context {
	ctxCora := ctx.InAbsPath(VariablesScope)
	for name, tPtr := range Variables {
		if *tPtr == nil {
			exceptions.Panicf("trying to upload Cora variables to context before calling Load()")
		}
		ctxCora.VariableWithValue(name, *tPtr).SetTrainable(false)
	}
	return ctx
}

// LabelsAsSlice returns a copy of the node labels as a flat slice indexed by
// node, as the sampler datasets consume them.
func LabelsAsSlice() []int32 {
	if NodeLabels == nil {
		exceptions.Panicf("cora.LabelsAsSlice() called before cora.Load()")
	}
	labels := make([]int32, NumNodes)
	tensors.MustConstFlatData(NodeLabels, func(flat []int32) {
		copy(labels, flat)
	})
	return labels
}

// EdgesAsSlice returns a copy of all citation edges as (citing, cited) pairs,
// as sampler.NewGraph consumes them.
func EdgesAsSlice() [][2]int32 {
	if Edges == nil {
		exceptions.Panicf("cora.EdgesAsSlice() called before cora.Load()")
	}
	edges := make([][2]int32, NumEdges)
	tensors.MustConstFlatData(Edges, func(flat []int32) {
		for i := range edges {
			edges[i] = [2]int32{flat[2*i], flat[2*i+1]}
		}
	})
	return edges
}

// String returns a short summary of the loaded dataset.
func String() string {
	return fmt.Sprintf("Cora: %d nodes, %d edges, %d features, %d classes",
		NumNodes, NumEdges, NumFeatures, NumClasses)
}
