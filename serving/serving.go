/*
 * Copyright 2022 Google LLC.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package serving builds prediction engines on top of compact forests.
//
// An engine walks every tree of the forest iteratively, with no allocation
// and no recursion, and aggregates the per-tree leaves: arithmetic mean for
// regression, majority vote (or mean of per-class scores) for
// classification.
package serving

import (
	"github.com/pkg/errors"

	"github.com/embedml/forestpack/compact"
	"github.com/embedml/forestpack/model"
	"github.com/embedml/forestpack/serving/engine"
)

// ErrOutOfBounds reports a traversal step that would read outside the node
// array or the feature vector. Only engines in Checked mode detect it.
var ErrOutOfBounds = errors.New("traversal out of bounds")

// TraversalMode selects the bounds-checking behavior of an engine.
type TraversalMode int

const (
	// Checked verifies every feature index and child offset during
	// traversal. This is the default.
	Checked TraversalMode = iota

	// Trusted elides the per-step checks for speed. Safe only on forests
	// loaded through compact.LoadValidated or freshly produced by
	// compact.Encode; on corrupt input a trusted engine may panic or
	// return garbage. Never enabled implicitly.
	Trusted
)

// Options configure engine construction.
type Options struct {
	Mode TraversalMode
}

// NewEngine builds the prediction engine matching the forest's problem type
// and leaf representation. A nil opts means bounds-checked traversal.
func NewEngine(cf *compact.Forest, opts *Options) (engine.Engine, error) {
	mode := Checked
	if opts != nil {
		mode = opts.Mode
	}
	if mode != Checked && mode != Trusted {
		return nil, errors.Errorf("unknown traversal mode %d", mode)
	}
	base := forestEngine{cf: cf, checked: mode == Checked}

	switch cf.Problem() {
	case model.Regression:
		return &regressionEngine{base}, nil
	case model.Classification:
		if cf.Leaves() == compact.LeafDistribution {
			return &distributionEngine{base}, nil
		}
		return &votingEngine{base}, nil
	default:
		return nil, errors.Errorf("unsupported problem type %v", cf.Problem())
	}
}

// Argmax returns the index of the highest score, ties broken by the lowest
// index.
func Argmax(scores []float32) int {
	best := 0
	for idx := 1; idx < len(scores); idx++ {
		if scores[idx] > scores[best] {
			best = idx
		}
	}
	return best
}

// PredictClass is a convenience wrapper for classification engines: it
// allocates the score vector, predicts and returns the argmax class index.
func PredictClass(e engine.Engine, features []float32) (int, error) {
	scores := e.AllocatePredictions()
	if err := e.Predict(features, scores); err != nil {
		return 0, err
	}
	return Argmax(scores), nil
}

// forestEngine is the traversal core shared by all engines.
type forestEngine struct {
	cf      *compact.Forest
	checked bool
}

func (e *forestEngine) NumFeatures() int {
	return e.cf.NumFeatures()
}

// leaf walks one tree from its root down to a leaf and returns the leaf's
// node index. Feature values equal to the threshold route left; the
// convention is part of the format contract and matches the training-side
// export.
func (e *forestEngine) leaf(tree compact.TreeView, features []float32) (uint32, error) {
	nodeIdx := uint32(0)
	if e.checked {
		count := tree.NumNodes()
		for !tree.IsLeaf(nodeIdx) {
			feature, threshold, left, right := tree.Split(nodeIdx)
			if int(feature) >= len(features) {
				return 0, errors.Wrapf(ErrOutOfBounds,
					"node %d tests feature %d, feature vector has %d values",
					nodeIdx, feature, len(features))
			}
			next := right
			if features[feature] <= threshold {
				next = left
			}
			if next >= count || next <= nodeIdx {
				return 0, errors.Wrapf(ErrOutOfBounds,
					"node %d jumps to %d, tree has %d nodes", nodeIdx, next, count)
			}
			nodeIdx = next
		}
		return nodeIdx, nil
	}

	for !tree.IsLeaf(nodeIdx) {
		feature, threshold, left, right := tree.Split(nodeIdx)
		if features[feature] <= threshold {
			nodeIdx = left
		} else {
			nodeIdx = right
		}
	}
	return nodeIdx, nil
}

// checkInput rejects calls whose buffers cannot hold the computation.
func (e *forestEngine) checkInput(features []float32, predictions []float32, outputDim int) error {
	if len(features) != e.cf.NumFeatures() {
		return errors.Wrapf(ErrOutOfBounds,
			"got %d features, forest expects %d", len(features), e.cf.NumFeatures())
	}
	if len(predictions) < outputDim {
		return errors.Errorf("prediction buffer holds %d values, engine outputs %d",
			len(predictions), outputDim)
	}
	return nil
}

// regressionEngine averages the per-tree leaf values.
type regressionEngine struct {
	forestEngine
}

func (e *regressionEngine) OutputDim() int {
	return 1
}

func (e *regressionEngine) AllocatePredictions() []float32 {
	return make([]float32, 1)
}

func (e *regressionEngine) Predict(features []float32, predictions []float32) error {
	if err := e.checkInput(features, predictions, 1); err != nil {
		return err
	}
	var sum float32
	numTrees := e.cf.NumTrees()
	for treeIdx := 0; treeIdx < numTrees; treeIdx++ {
		tree := e.cf.Tree(treeIdx)
		leafIdx, err := e.leaf(tree, features)
		if err != nil {
			return errors.Wrapf(err, "tree %d", treeIdx)
		}
		sum += tree.LeafValue(leafIdx)
	}
	predictions[0] = sum / float32(numTrees)
	return nil
}

// votingEngine counts one vote per tree and reports per-class vote
// fractions. Argmax of the output is the majority class, ties falling to
// the lowest class index.
type votingEngine struct {
	forestEngine
}

func (e *votingEngine) OutputDim() int {
	return e.cf.NumClasses()
}

func (e *votingEngine) AllocatePredictions() []float32 {
	return make([]float32, e.cf.NumClasses())
}

func (e *votingEngine) Predict(features []float32, predictions []float32) error {
	numClasses := e.cf.NumClasses()
	if err := e.checkInput(features, predictions, numClasses); err != nil {
		return err
	}
	for class := 0; class < numClasses; class++ {
		predictions[class] = 0
	}
	numTrees := e.cf.NumTrees()
	for treeIdx := 0; treeIdx < numTrees; treeIdx++ {
		tree := e.cf.Tree(treeIdx)
		leafIdx, err := e.leaf(tree, features)
		if err != nil {
			return errors.Wrapf(err, "tree %d", treeIdx)
		}
		label := tree.LeafLabel(leafIdx)
		if e.checked && int(label) >= numClasses {
			return errors.Wrapf(ErrOutOfBounds,
				"tree %d predicts class %d, forest has %d classes", treeIdx, label, numClasses)
		}
		predictions[label]++
	}
	for class := 0; class < numClasses; class++ {
		predictions[class] /= float32(numTrees)
	}
	return nil
}

// distributionEngine averages the per-class scores stored in the leaves.
type distributionEngine struct {
	forestEngine
}

func (e *distributionEngine) OutputDim() int {
	return e.cf.NumClasses()
}

func (e *distributionEngine) AllocatePredictions() []float32 {
	return make([]float32, e.cf.NumClasses())
}

func (e *distributionEngine) Predict(features []float32, predictions []float32) error {
	numClasses := e.cf.NumClasses()
	if err := e.checkInput(features, predictions, numClasses); err != nil {
		return err
	}
	for class := 0; class < numClasses; class++ {
		predictions[class] = 0
	}
	numTrees := e.cf.NumTrees()
	for treeIdx := 0; treeIdx < numTrees; treeIdx++ {
		tree := e.cf.Tree(treeIdx)
		leafIdx, err := e.leaf(tree, features)
		if err != nil {
			return errors.Wrapf(err, "tree %d", treeIdx)
		}
		for class := 0; class < numClasses; class++ {
			predictions[class] += tree.LeafScore(leafIdx, class)
		}
	}
	for class := 0; class < numClasses; class++ {
		predictions[class] /= float32(numTrees)
	}
	return nil
}
