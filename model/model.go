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

// Package model defines the forest intermediate representation: an ordered
// collection of decision trees plus the ensemble-level metadata needed to
// encode and evaluate them.
package model

import (
	"github.com/pkg/errors"

	"github.com/embedml/forestpack/model/decisiontree"
)

// ProblemType is the kind of prediction a forest produces.
type ProblemType uint8

// Known problem types. The numeric values are part of the compact binary
// format and must not be reordered.
const (
	Classification ProblemType = 1
	Regression     ProblemType = 2
)

// Valid tests if the problem type is a known value.
func (p ProblemType) Valid() bool {
	return p == Classification || p == Regression
}

func (p ProblemType) String() string {
	switch p {
	case Classification:
		return "CLASSIFICATION"
	case Regression:
		return "REGRESSION"
	default:
		return "UNKNOWN"
	}
}

// Forest is the in-memory representation of a tree ensemble. It is built
// once, from the textual input, and never mutated afterwards.
type Forest struct {
	Problem     ProblemType
	NumFeatures int
	// NumClasses is zero for regression forests.
	NumClasses int
	Trees      []*decisiontree.Tree

	// Names of features and classes in index order, as interned while
	// reading the textual input. Informational only; the compact format
	// stores indices.
	FeatureNames []string
	ClassNames   []string
}

// NumTrees is the number of trees in the forest.
func (f *Forest) NumTrees() int {
	return len(f.Trees)
}

// NumNodes is the total number of nodes across all trees.
func (f *Forest) NumNodes() int {
	count := 0
	for _, tree := range f.Trees {
		count += tree.NumNodes()
	}
	return count
}

// NumLeaves is the total number of leaves across all trees.
func (f *Forest) NumLeaves() int {
	count := 0
	for _, tree := range f.Trees {
		count += tree.NumLeaves()
	}
	return count
}

// MaxNodeCount is the node count of the largest tree.
func (f *Forest) MaxNodeCount() int {
	max := 0
	for _, tree := range f.Trees {
		if n := tree.NumNodes(); n > max {
			max = n
		}
	}
	return max
}

// MaxDepth is the depth of the deepest tree.
func (f *Forest) MaxDepth() int {
	max := 0
	for _, tree := range f.Trees {
		if d := tree.Depth(); d > max {
			max = d
		}
	}
	return max
}

// Validate checks the structural invariants of the forest: a known problem
// type, at least one tree, every tree a valid strict binary tree, every
// split's feature index below NumFeatures and every leaf payload compatible
// with the problem type.
func (f *Forest) Validate() error {
	if !f.Problem.Valid() {
		return errors.Errorf("unknown problem type %d", f.Problem)
	}
	if len(f.Trees) == 0 {
		return errors.New("forest has no trees")
	}
	if f.NumFeatures <= 0 {
		return errors.New("forest has no features")
	}
	if f.Problem == Classification && f.NumClasses <= 0 {
		return errors.New("classification forest has no classes")
	}
	if f.Problem == Regression && f.NumClasses != 0 {
		return errors.Errorf("regression forest declares %d classes", f.NumClasses)
	}

	for treeIdx, tree := range f.Trees {
		if err := tree.Validate(); err != nil {
			return errors.Wrapf(err, "tree %d", treeIdx)
		}
		for nodeIdx := range tree.Nodes {
			node := &tree.Nodes[nodeIdx]
			if !node.Leaf {
				if int(node.Feature) >= f.NumFeatures {
					return errors.Errorf("tree %d node %d tests feature %d, forest has %d features",
						treeIdx, nodeIdx, node.Feature, f.NumFeatures)
				}
				continue
			}
			if f.Problem == Classification {
				if int(node.Label) >= f.NumClasses {
					return errors.Errorf("tree %d node %d predicts class %d, forest has %d classes",
						treeIdx, nodeIdx, node.Label, f.NumClasses)
				}
				if node.Distribution != nil && len(node.Distribution) != f.NumClasses {
					return errors.Errorf("tree %d node %d has a distribution over %d classes, forest has %d",
						treeIdx, nodeIdx, len(node.Distribution), f.NumClasses)
				}
			}
		}
	}
	return nil
}

// leafFor walks one tree down to a leaf. Values equal to the threshold
// route left; this convention is shared with the traversal engines and the
// training-side export.
func leafFor(tree *decisiontree.Tree, features []float32) (*decisiontree.Node, error) {
	nodeIdx := uint32(0)
	for {
		node := &tree.Nodes[nodeIdx]
		if node.Leaf {
			return node, nil
		}
		if int(node.Feature) >= len(features) {
			return nil, errors.Errorf("split tests feature %d, got %d features",
				node.Feature, len(features))
		}
		if features[node.Feature] <= node.Threshold {
			nodeIdx = node.Left
		} else {
			nodeIdx = node.Right
		}
	}
}

// PredictRegression evaluates a regression forest directly on the IR and
// returns the mean of the per-tree leaf values. Used for testing the encoded
// form against the source representation.
func (f *Forest) PredictRegression(features []float32) (float32, error) {
	if f.Problem != Regression {
		return 0, errors.Errorf("forest is a %v problem", f.Problem)
	}
	var sum float32
	for treeIdx, tree := range f.Trees {
		leaf, err := leafFor(tree, features)
		if err != nil {
			return 0, errors.Wrapf(err, "tree %d", treeIdx)
		}
		sum += leaf.Value
	}
	return sum / float32(len(f.Trees)), nil
}

// PredictClass evaluates a classification forest directly on the IR and
// returns the majority-vote class index, ties broken by the lowest index.
func (f *Forest) PredictClass(features []float32) (int, error) {
	if f.Problem != Classification {
		return 0, errors.Errorf("forest is a %v problem", f.Problem)
	}
	votes := make([]int, f.NumClasses)
	for treeIdx, tree := range f.Trees {
		leaf, err := leafFor(tree, features)
		if err != nil {
			return 0, errors.Wrapf(err, "tree %d", treeIdx)
		}
		votes[leaf.Label]++
	}
	best := 0
	for class := 1; class < len(votes); class++ {
		if votes[class] > votes[best] {
			best = class
		}
	}
	return best, nil
}
