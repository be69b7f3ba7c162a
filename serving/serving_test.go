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

package serving

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedml/forestpack/compact"
	"github.com/embedml/forestpack/model"
	dt "github.com/embedml/forestpack/model/decisiontree"
)

func encode(t *testing.T, forest *model.Forest, opts compact.Options) *compact.Forest {
	blob, err := compact.Encode(forest, opts)
	require.NoError(t, err)
	view, err := compact.LoadValidated(blob)
	require.NoError(t, err)
	return view
}

// leafOnlyRegression builds one single-leaf tree per value.
func leafOnlyRegression(values ...float32) *model.Forest {
	forest := &model.Forest{
		Problem:      model.Regression,
		NumFeatures:  1,
		FeatureNames: []string{"x"},
	}
	for _, value := range values {
		forest.Trees = append(forest.Trees,
			&dt.Tree{Nodes: []dt.Node{dt.NewRegressionLeaf(value)}})
	}
	return forest
}

// leafOnlyClassification builds one single-leaf tree per label.
func leafOnlyClassification(numClasses int, labels ...uint32) *model.Forest {
	forest := &model.Forest{
		Problem:      model.Classification,
		NumFeatures:  1,
		NumClasses:   numClasses,
		FeatureNames: []string{"x"},
	}
	for class := 0; class < numClasses; class++ {
		forest.ClassNames = append(forest.ClassNames, string(rune('a'+class)))
	}
	for _, label := range labels {
		forest.Trees = append(forest.Trees,
			&dt.Tree{Nodes: []dt.Node{dt.NewClassificationLeaf(label)}})
	}
	return forest
}

func TestRegressionMean(t *testing.T) {
	// Three trees reaching leaves 2, 4 and 6 must predict exactly 4.
	view := encode(t, leafOnlyRegression(2, 4, 6), compact.Options{})
	eng, err := NewEngine(view, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, eng.OutputDim())
	assert.Equal(t, 1, eng.NumFeatures())

	predictions := eng.AllocatePredictions()
	require.NoError(t, eng.Predict([]float32{0}, predictions))
	assert.Equal(t, float32(4), predictions[0])
}

func TestClassificationMajorityVote(t *testing.T) {
	// Five trees: three vote class 0, two vote class 1.
	view := encode(t, leafOnlyClassification(2, 0, 1, 0, 1, 0), compact.Options{})
	eng, err := NewEngine(view, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, eng.OutputDim())
	predictions := eng.AllocatePredictions()
	require.NoError(t, eng.Predict([]float32{0}, predictions))
	assert.Equal(t, float32(0.6), predictions[0])
	assert.Equal(t, float32(0.4), predictions[1])

	class, err := PredictClass(eng, []float32{0})
	require.NoError(t, err)
	assert.Equal(t, 0, class)
}

func TestClassificationVoteTieLowestIndex(t *testing.T) {
	// Two votes each for class 2 and class 1: the tie falls to class 1.
	view := encode(t, leafOnlyClassification(3, 2, 1, 2, 1), compact.Options{})
	eng, err := NewEngine(view, nil)
	require.NoError(t, err)

	class, err := PredictClass(eng, []float32{0})
	require.NoError(t, err)
	assert.Equal(t, 1, class)
}

func TestThresholdTieRoutesLeft(t *testing.T) {
	tree := &dt.Tree{Nodes: []dt.Node{
		dt.NewSplit(0, 1.0, 1, 2),
		dt.NewRegressionLeaf(-1),
		dt.NewRegressionLeaf(1),
	}}
	forest := &model.Forest{
		Problem:      model.Regression,
		NumFeatures:  1,
		Trees:        []*dt.Tree{tree},
		FeatureNames: []string{"x"},
	}
	view := encode(t, forest, compact.Options{})

	for _, mode := range []TraversalMode{Checked, Trusted} {
		eng, err := NewEngine(view, &Options{Mode: mode})
		require.NoError(t, err)
		predictions := eng.AllocatePredictions()

		require.NoError(t, eng.Predict([]float32{1.0}, predictions))
		assert.Equal(t, float32(-1), predictions[0], "value equal to the threshold routes left")

		require.NoError(t, eng.Predict([]float32{1.0001}, predictions))
		assert.Equal(t, float32(1), predictions[0])
	}
}

func TestDistributionLeaves(t *testing.T) {
	forest := leafOnlyClassification(2, 0, 1)
	forest.Trees[0].Nodes[0].Distribution = []float32{0.75, 0.25}
	forest.Trees[1].Nodes[0].Distribution = []float32{0.25, 0.75}
	view := encode(t, forest, compact.Options{DistributionLeaves: true})

	eng, err := NewEngine(view, nil)
	require.NoError(t, err)
	predictions := eng.AllocatePredictions()
	require.NoError(t, eng.Predict([]float32{0}, predictions))
	assert.Equal(t, float32(0.5), predictions[0])
	assert.Equal(t, float32(0.5), predictions[1])

	// Tip the second tree towards class 0.
	forest.Trees[1].Nodes[0].Distribution = []float32{0.5, 0.5}
	view = encode(t, forest, compact.Options{DistributionLeaves: true})
	eng, err = NewEngine(view, nil)
	require.NoError(t, err)
	class, err := PredictClass(eng, []float32{0})
	require.NoError(t, err)
	assert.Equal(t, 0, class)
}

func TestCheckedRejectsWrongFeatureCount(t *testing.T) {
	view := encode(t, leafOnlyRegression(1), compact.Options{})
	eng, err := NewEngine(view, nil)
	require.NoError(t, err)

	err = eng.Predict([]float32{0, 0}, eng.AllocatePredictions())
	require.ErrorIs(t, err, ErrOutOfBounds)
}

// corruptForest loads (without validation) a single-tree forest whose root
// split points past the node array.
func corruptForest(t *testing.T) *compact.Forest {
	tree := &dt.Tree{Nodes: []dt.Node{
		dt.NewSplit(0, 0.5, 1, 2),
		dt.NewRegressionLeaf(1),
		dt.NewRegressionLeaf(2),
	}}
	forest := &model.Forest{
		Problem:      model.Regression,
		NumFeatures:  1,
		Trees:        []*dt.Tree{tree},
		FeatureNames: []string{"x"},
	}
	blob, err := compact.Encode(forest, compact.Options{})
	require.NoError(t, err)

	// Root record: tag, feature (1B), threshold (4B), left (1B), right (1B).
	rightOffset := 24 + 4 + 1 + 1 + 4 + 1
	blob[rightOffset] = 9

	view, err := compact.Load(blob)
	require.NoError(t, err)
	return view
}

func TestCheckedTraversalDetectsCorruptOffset(t *testing.T) {
	eng, err := NewEngine(corruptForest(t), nil)
	require.NoError(t, err)

	predictions := eng.AllocatePredictions()
	// Routing right hits the corrupt offset.
	err = eng.Predict([]float32{2.0}, predictions)
	require.ErrorIs(t, err, ErrOutOfBounds)

	// Routing left never touches it.
	require.NoError(t, eng.Predict([]float32{0.0}, predictions))
	assert.Equal(t, float32(1), predictions[0])
}

func TestTrustedMatchesCheckedOnValidInput(t *testing.T) {
	forest := &model.Forest{
		Problem:      model.Classification,
		NumFeatures:  2,
		NumClasses:   2,
		FeatureNames: []string{"x", "y"},
		ClassNames:   []string{"a", "b"},
		Trees: []*dt.Tree{
			{Nodes: []dt.Node{
				dt.NewSplit(0, 0.5, 1, 2),
				dt.NewClassificationLeaf(0),
				dt.NewSplit(1, 0.5, 3, 4),
				dt.NewClassificationLeaf(1),
				dt.NewClassificationLeaf(0),
			}},
			{Nodes: []dt.Node{
				dt.NewSplit(1, -0.5, 1, 2),
				dt.NewClassificationLeaf(1),
				dt.NewClassificationLeaf(0),
			}},
		},
	}
	view := encode(t, forest, compact.Options{})

	checked, err := NewEngine(view, &Options{Mode: Checked})
	require.NoError(t, err)
	trusted, err := NewEngine(view, &Options{Mode: Trusted})
	require.NoError(t, err)

	inputs := [][]float32{
		{0, 0}, {1, 0}, {0, 1}, {1, 1}, {0.5, 0.5}, {-3, 7},
	}
	for _, features := range inputs {
		want := checked.AllocatePredictions()
		got := trusted.AllocatePredictions()
		require.NoError(t, checked.Predict(features, want))
		require.NoError(t, trusted.Predict(features, got))
		assert.Equal(t, want, got, "features %v", features)
	}
}

func TestCompactMatchesIRPredictions(t *testing.T) {
	// The encoded forest must predict exactly what the IR predicts.
	regression := &model.Forest{
		Problem:      model.Regression,
		NumFeatures:  2,
		FeatureNames: []string{"x", "y"},
		Trees: []*dt.Tree{
			{Nodes: []dt.Node{
				dt.NewSplit(0, 0.3, 1, 2),
				dt.NewRegressionLeaf(1.5),
				dt.NewSplit(1, 0.7, 3, 4),
				dt.NewRegressionLeaf(-2.5),
				dt.NewRegressionLeaf(4.25),
			}},
			{Nodes: []dt.Node{
				dt.NewSplit(1, 0.1, 1, 2),
				dt.NewRegressionLeaf(0.5),
				dt.NewRegressionLeaf(12),
			}},
		},
	}
	view := encode(t, regression, compact.Options{})
	eng, err := NewEngine(view, nil)
	require.NoError(t, err)

	predictions := eng.AllocatePredictions()
	for _, x := range []float32{-1, 0, 0.3, 0.5, 1} {
		for _, y := range []float32{-1, 0.1, 0.7, 2} {
			features := []float32{x, y}
			want, err := regression.PredictRegression(features)
			require.NoError(t, err)
			require.NoError(t, eng.Predict(features, predictions))
			assert.Equal(t, want, predictions[0], "features %v", features)
		}
	}
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, 0, Argmax([]float32{1, 1, 1}))
	assert.Equal(t, 2, Argmax([]float32{0, 0.5, 1}))
	assert.Equal(t, 1, Argmax([]float32{0, 1, 1}))
}
