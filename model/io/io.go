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

// Package io reads the textual forest description into the forest IR.
//
// The input is the row-oriented export of a trained R randomForest model:
// a first line of the form `# {"problem_type": "classification"}` followed
// by a CSV table with one row per node. Split rows carry a feature name and
// threshold, leaf rows a predicted label or value. Node and tree ids are
// 1-indexed in the file and renormalized to 0-indexed here.
package io

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"github.com/embedml/forestpack/model"
	"github.com/embedml/forestpack/model/decisiontree"
	"github.com/embedml/forestpack/utils/file"
)

// ErrMalformedInput reports a textual input that cannot be turned into a
// valid forest IR. The wrapped message identifies the offending row.
var ErrMalformedInput = errors.New("malformed forest description")

// Node status markers used by the randomForest export.
const (
	statusSplit = 1
	statusLeaf  = -1
)

// nodeRow is one CSV row. Column names follow the randomForest export; the
// "NA" marker (or an empty field) means "not applicable for this node kind".
type nodeRow struct {
	TreeIdx    int     `csv:"tree_idx"`
	NodeIdx    int     `csv:"node_idx"`
	Left       uint32  `csv:"left daughter"`
	Right      uint32  `csv:"right daughter"`
	SplitVar string `csv:"split var"`
	// SplitPoint stays textual so leaf rows can carry the NA marker.
	SplitPoint string `csv:"split point"`
	Status     int    `csv:"status"`
	Prediction string `csv:"prediction"`
}

// isNA tests the export's missing-value marker.
func isNA(field string) bool {
	return field == "" || field == "NA"
}

// fileHeader is the JSON payload of the first input line.
type fileHeader struct {
	ProblemType string `json:"problem_type"`
}

// readProblemType consumes the first line of the input and returns the
// declared problem type.
func readProblemType(reader *bufio.Reader) (model.ProblemType, error) {
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return 0, errors.Wrap(ErrMalformedInput, err.Error())
	}
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "#") {
		return 0, errors.Wrap(ErrMalformedInput, "first line does not start with '#'")
	}

	var header fileHeader
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "#")), &header); err != nil {
		return 0, errors.Wrapf(ErrMalformedInput, "first line is not valid json: %v", err)
	}
	switch header.ProblemType {
	case "classification":
		return model.Classification, nil
	case "regression":
		return model.Regression, nil
	default:
		return 0, errors.Wrapf(ErrMalformedInput, "unknown problem type %q", header.ProblemType)
	}
}

// ReadForest parses a forest description into the IR. The declared problem
// type must match "expected"; asking for regression methods on a
// classification export (or the reverse) is rejected up front.
func ReadForest(r io.Reader, expected model.ProblemType) (*model.Forest, error) {
	buffered := bufio.NewReader(r)
	declared, err := readProblemType(buffered)
	if err != nil {
		return nil, err
	}
	if declared != expected {
		return nil, errors.Wrapf(ErrMalformedInput,
			"input declares a %v problem, requested %v", declared, expected)
	}

	var rows []*nodeRow
	if err := gocsv.Unmarshal(buffered, &rows); err != nil {
		return nil, errors.Wrapf(ErrMalformedInput, "csv: %v", err)
	}
	if len(rows) == 0 {
		return nil, errors.Wrap(ErrMalformedInput, "no node rows")
	}

	builder := &forestBuilder{
		problem:  declared,
		features: map[string]uint32{},
		classes:  map[string]uint32{},
	}
	return builder.build(rows)
}

// LoadForest reads a forest description from disk.
func LoadForest(ctx context.Context, path string, expected model.ProblemType) (*model.Forest, error) {
	content, err := file.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	forest, err := ReadForest(strings.NewReader(string(content)), expected)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	return forest, nil
}

// forestBuilder accumulates interned names and assembles trees.
type forestBuilder struct {
	problem      model.ProblemType
	features     map[string]uint32
	featureNames []string
	classes      map[string]uint32
	classNames   []string
}

// internFeature returns the dense index of a feature name, assigning indices
// in first-appearance order.
func (b *forestBuilder) internFeature(name string) uint32 {
	if idx, ok := b.features[name]; ok {
		return idx
	}
	idx := uint32(len(b.featureNames))
	b.features[name] = idx
	b.featureNames = append(b.featureNames, name)
	return idx
}

func (b *forestBuilder) internClass(name string) uint32 {
	if idx, ok := b.classes[name]; ok {
		return idx
	}
	idx := uint32(len(b.classNames))
	b.classes[name] = idx
	b.classNames = append(b.classNames, name)
	return idx
}

// build turns the raw rows into a validated forest. Rows are interned in
// file order first, so feature and class indices do not depend on tree
// grouping.
func (b *forestBuilder) build(rows []*nodeRow) (*model.Forest, error) {
	numTrees := 0
	for rowIdx, row := range rows {
		if row.TreeIdx <= 0 || row.NodeIdx <= 0 {
			return nil, errors.Wrapf(ErrMalformedInput,
				"row %d: tree and node ids are 1-indexed, got tree %d node %d",
				rowIdx+1, row.TreeIdx, row.NodeIdx)
		}
		if row.TreeIdx > numTrees {
			numTrees = row.TreeIdx
		}
		if !isNA(row.SplitVar) {
			b.internFeature(row.SplitVar)
		} else if b.problem == model.Classification && !isNA(row.Prediction) {
			b.internClass(row.Prediction)
		}
	}
	if len(b.featureNames) == 0 {
		return nil, errors.Wrap(ErrMalformedInput, "no split rows: forest tests no features")
	}

	// Group the rows per tree, keeping the original row number for
	// diagnostics.
	type numberedRow struct {
		row     int
		nodeRow *nodeRow
	}
	perTree := make([][]numberedRow, numTrees)
	for rowIdx, row := range rows {
		perTree[row.TreeIdx-1] = append(perTree[row.TreeIdx-1], numberedRow{rowIdx + 1, row})
	}

	forest := &model.Forest{
		Problem:      b.problem,
		NumFeatures:  len(b.featureNames),
		NumClasses:   len(b.classNames),
		Trees:        make([]*decisiontree.Tree, 0, numTrees),
		FeatureNames: b.featureNames,
		ClassNames:   b.classNames,
	}

	for treeIdx, treeRows := range perTree {
		if len(treeRows) == 0 {
			return nil, errors.Wrapf(ErrMalformedInput, "tree %d has no rows", treeIdx+1)
		}
		sort.Slice(treeRows, func(i, j int) bool {
			return treeRows[i].nodeRow.NodeIdx < treeRows[j].nodeRow.NodeIdx
		})

		tree := &decisiontree.Tree{Nodes: make([]decisiontree.Node, 0, len(treeRows))}
		for position, entry := range treeRows {
			if entry.nodeRow.NodeIdx != position+1 {
				return nil, errors.Wrapf(ErrMalformedInput,
					"row %d: tree %d node ids are not contiguous, got %d at position %d",
					entry.row, treeIdx+1, entry.nodeRow.NodeIdx, position+1)
			}
			node, err := b.buildNode(entry.nodeRow)
			if err != nil {
				return nil, errors.Wrapf(err, "row %d", entry.row)
			}
			tree.Nodes = append(tree.Nodes, node)
		}
		forest.Trees = append(forest.Trees, tree)
	}

	if err := forest.Validate(); err != nil {
		return nil, errors.Wrapf(ErrMalformedInput, "%v", err)
	}
	return forest, nil
}

// buildNode converts one row. Child ids shift from 1-indexed to 0-indexed.
func (b *forestBuilder) buildNode(row *nodeRow) (decisiontree.Node, error) {
	if !isNA(row.SplitVar) {
		if row.Status != statusSplit {
			return decisiontree.Node{}, errors.Wrapf(ErrMalformedInput,
				"split row has status %d, want %d", row.Status, statusSplit)
		}
		if row.Left == 0 || row.Right == 0 {
			return decisiontree.Node{}, errors.Wrap(ErrMalformedInput,
				"split row is missing a daughter node")
		}
		threshold, err := strconv.ParseFloat(row.SplitPoint, 32)
		if err != nil {
			return decisiontree.Node{}, errors.Wrapf(ErrMalformedInput,
				"split point %q is not a number", row.SplitPoint)
		}
		feature := b.features[row.SplitVar]
		return decisiontree.NewSplit(feature, float32(threshold), row.Left-1, row.Right-1), nil
	}

	if row.Status != statusLeaf {
		return decisiontree.Node{}, errors.Wrapf(ErrMalformedInput,
			"leaf row has status %d, want %d", row.Status, statusLeaf)
	}
	if isNA(row.Prediction) {
		return decisiontree.Node{}, errors.Wrap(ErrMalformedInput,
			"leaf row has no prediction")
	}

	if b.problem == model.Classification {
		return decisiontree.NewClassificationLeaf(b.classes[row.Prediction]), nil
	}
	value, err := strconv.ParseFloat(row.Prediction, 32)
	if err != nil {
		return decisiontree.Node{}, errors.Wrapf(ErrMalformedInput,
			"leaf prediction %q is not a number", row.Prediction)
	}
	return decisiontree.NewRegressionLeaf(float32(value)), nil
}
