// Package metrics implements evaluation metrics computed on the host, over
// predictions accumulated across evaluation batches.
package metrics

import (
	"sort"

	. "github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// Accumulator collects predicted scores and binary ground-truth labels over
// evaluation batches, so metrics over the full evaluation set can be computed
// at the end. Memory grows linearly with the number of accumulated examples.
//
// It is not safe for concurrent use.
type Accumulator struct {
	scores  []float64
	classes []bool
}

// NewAccumulator creates an empty [Accumulator].
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// BinaryAUROC computes the AUROC of a single batch of logits (or scores) and
// binary labels. For batched evaluation use an [Accumulator].
func BinaryAUROC(logits, labels []float32) float64 {
	a := NewAccumulator()
	a.Append(logits, labels, nil)
	return a.AUROC()
}

// Append a batch of predicted logits (or scores) and their binary labels.
// Entries with mask false are skipped. mask may be nil, in which case all
// entries are taken.
func (a *Accumulator) Append(logits, labels []float32, mask []bool) {
	if len(logits) != len(labels) || (mask != nil && len(mask) != len(logits)) {
		Panicf("Accumulator.Append: mismatching lengths, %d logits, %d labels, %d mask",
			len(logits), len(labels), len(mask))
	}
	for ii, logit := range logits {
		if mask != nil && !mask[ii] {
			continue
		}
		a.scores = append(a.scores, float64(logit))
		a.classes = append(a.classes, labels[ii] > 0.5)
	}
}

// NumExamples accumulated so far.
func (a *Accumulator) NumExamples() int { return len(a.scores) }

// Reset discards the accumulated examples.
func (a *Accumulator) Reset() {
	a.scores = a.scores[:0]
	a.classes = a.classes[:0]
}

// AUROC computes the area under the receiver operating characteristic curve
// for the accumulated examples. The returned value is always in [0, 1].
//
// It panics if nothing was accumulated. If only one class is present, there is
// no ranking to measure, and it returns 0.5.
func (a *Accumulator) AUROC() float64 {
	if len(a.scores) == 0 {
		Panicf("AUROC of an empty Accumulator")
	}
	var numPositive int
	for _, class := range a.classes {
		if class {
			numPositive++
		}
	}
	if numPositive == 0 || numPositive == len(a.classes) {
		return 0.5
	}

	// stat.ROC requires the examples sorted by score, ascending.
	order := make([]int, len(a.scores))
	for ii := range order {
		order[ii] = ii
	}
	sort.Slice(order, func(i, j int) bool { return a.scores[order[i]] < a.scores[order[j]] })
	sortedScores := make([]float64, len(order))
	sortedClasses := make([]bool, len(order))
	for ii, idx := range order {
		sortedScores[ii] = a.scores[idx]
		sortedClasses[ii] = a.classes[idx]
	}

	tpr, fpr, _ := stat.ROC(nil, sortedScores, sortedClasses, nil)
	return integrate.Trapezoidal(fpr, tpr)
}
