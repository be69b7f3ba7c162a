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

package io

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedml/forestpack/model"
	"github.com/embedml/forestpack/model/decisiontree"
)

const classificationInput = `# {"problem_type": "classification"}
tree_idx,node_idx,left daughter,right daughter,split var,split point,status,prediction
1,1,2,3,petal_length,2.45,1,NA
1,2,0,0,NA,NA,-1,setosa
1,3,0,0,NA,NA,-1,versicolor
2,1,2,3,petal_width,0.80,1,NA
2,2,0,0,NA,NA,-1,setosa
2,3,4,5,petal_length,4.75,1,NA
2,4,0,0,NA,NA,-1,versicolor
2,5,0,0,NA,NA,-1,virginica
`

const regressionInput = `# {"problem_type": "regression"}
tree_idx,node_idx,left daughter,right daughter,split var,split point,status,prediction
1,1,2,3,frequency,3150.00,1,NA
1,2,0,0,NA,NA,-1,124.32
1,3,0,0,NA,NA,-1,115.65
2,1,0,0,NA,NA,-1,120.00
`

func TestReadClassificationForest(t *testing.T) {
	forest, err := ReadForest(strings.NewReader(classificationInput), model.Classification)
	require.NoError(t, err)

	assert.Equal(t, model.Classification, forest.Problem)
	assert.Equal(t, 2, forest.NumFeatures)
	assert.Equal(t, 3, forest.NumClasses)
	assert.Equal(t, []string{"petal_length", "petal_width"}, forest.FeatureNames)
	assert.Equal(t, []string{"setosa", "versicolor", "virginica"}, forest.ClassNames)
	require.Equal(t, 2, forest.NumTrees())

	wantTree0 := []decisiontree.Node{
		decisiontree.NewSplit(0, 2.45, 1, 2),
		decisiontree.NewClassificationLeaf(0),
		decisiontree.NewClassificationLeaf(1),
	}
	if diff := cmp.Diff(wantTree0, forest.Trees[0].Nodes); diff != "" {
		t.Errorf("tree 0 mismatch (-want +got):\n%s", diff)
	}

	wantTree1 := []decisiontree.Node{
		decisiontree.NewSplit(1, 0.80, 1, 2),
		decisiontree.NewClassificationLeaf(0),
		decisiontree.NewSplit(0, 4.75, 3, 4),
		decisiontree.NewClassificationLeaf(1),
		decisiontree.NewClassificationLeaf(2),
	}
	if diff := cmp.Diff(wantTree1, forest.Trees[1].Nodes); diff != "" {
		t.Errorf("tree 1 mismatch (-want +got):\n%s", diff)
	}
}

func TestReadRegressionForest(t *testing.T) {
	forest, err := ReadForest(strings.NewReader(regressionInput), model.Regression)
	require.NoError(t, err)

	assert.Equal(t, model.Regression, forest.Problem)
	assert.Equal(t, 1, forest.NumFeatures)
	assert.Equal(t, 0, forest.NumClasses)
	require.Equal(t, 2, forest.NumTrees())
	assert.Equal(t, float32(124.32), forest.Trees[0].Nodes[1].Value)
	assert.True(t, forest.Trees[1].Nodes[0].Leaf)
}

func TestReadRejectsProblemTypeMismatch(t *testing.T) {
	_, err := ReadForest(strings.NewReader(classificationInput), model.Regression)
	require.ErrorIs(t, err, ErrMalformedInput)
}

func TestReadRejectsMissingHeaderLine(t *testing.T) {
	input := strings.TrimPrefix(classificationInput, "# {\"problem_type\": \"classification\"}\n")
	_, err := ReadForest(strings.NewReader(input), model.Classification)
	require.ErrorIs(t, err, ErrMalformedInput)
}

func TestReadRejectsUnknownProblemType(t *testing.T) {
	input := `# {"problem_type": "ranking"}` + "\n"
	_, err := ReadForest(strings.NewReader(input), model.Classification)
	require.ErrorIs(t, err, ErrMalformedInput)
}

func TestReadRejectsMissingDaughter(t *testing.T) {
	input := `# {"problem_type": "classification"}
tree_idx,node_idx,left daughter,right daughter,split var,split point,status,prediction
1,1,2,0,petal_length,2.45,1,NA
1,2,0,0,NA,NA,-1,setosa
`
	_, err := ReadForest(strings.NewReader(input), model.Classification)
	require.ErrorIs(t, err, ErrMalformedInput)
	assert.Contains(t, err.Error(), "row 1")
}

func TestReadRejectsBadStatus(t *testing.T) {
	input := `# {"problem_type": "classification"}
tree_idx,node_idx,left daughter,right daughter,split var,split point,status,prediction
1,1,2,3,petal_length,2.45,1,NA
1,2,0,0,NA,0.00,2,setosa
1,3,0,0,NA,NA,-1,versicolor
`
	_, err := ReadForest(strings.NewReader(input), model.Classification)
	require.ErrorIs(t, err, ErrMalformedInput)
}

func TestReadRejectsNonContiguousNodeIds(t *testing.T) {
	input := `# {"problem_type": "classification"}
tree_idx,node_idx,left daughter,right daughter,split var,split point,status,prediction
1,1,2,4,petal_length,2.45,1,NA
1,2,0,0,NA,NA,-1,setosa
1,4,0,0,NA,NA,-1,versicolor
`
	_, err := ReadForest(strings.NewReader(input), model.Classification)
	require.ErrorIs(t, err, ErrMalformedInput)
}

func TestReadRejectsNonNumericRegressionLeaf(t *testing.T) {
	input := `# {"problem_type": "regression"}
tree_idx,node_idx,left daughter,right daughter,split var,split point,status,prediction
1,1,2,3,frequency,3150.00,1,NA
1,2,0,0,NA,NA,-1,tall
1,3,0,0,NA,NA,-1,115.65
`
	_, err := ReadForest(strings.NewReader(input), model.Regression)
	require.ErrorIs(t, err, ErrMalformedInput)
}

func TestReadRejectsEmptyTable(t *testing.T) {
	input := `# {"problem_type": "regression"}
tree_idx,node_idx,left daughter,right daughter,split var,split point,status,prediction
`
	_, err := ReadForest(strings.NewReader(input), model.Regression)
	require.ErrorIs(t, err, ErrMalformedInput)
}
