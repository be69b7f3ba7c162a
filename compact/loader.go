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

package compact

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/embedml/forestpack/model"
)

// Forest is a read-only view over an encoded forest. It borrows the byte
// slice passed to Load and copies nothing; the caller must keep the buffer
// alive and unmodified for as long as the view (and any engine built on it)
// is in use. A loaded Forest is safe for concurrent readers.
type Forest struct {
	geom        geometry
	problem     model.ProblemType
	numFeatures int
	numTrees    int
	nodeCounts  []uint32
	// treeData[i] is the sub-slice holding tree i's node records.
	treeData [][]byte
}

// Load parses the header and constructs the view. It verifies that the
// header is self-consistent and that the buffer holds exactly the declared
// number of node records, but does not inspect individual records; use
// LoadValidated to also bounds-check every node up front.
func Load(data []byte) (*Forest, error) {
	if len(data) < fixedHeaderSize {
		return nil, errors.Wrapf(ErrTruncatedInput,
			"got %d bytes, the fixed header alone is %d", len(data), fixedHeaderSize)
	}
	if data[0] != magic[0] || data[1] != magic[1] || data[2] != magic[2] || data[3] != magic[3] {
		return nil, errors.Wrap(ErrMalformedHeader, "bad magic")
	}
	if data[4] != Version {
		return nil, errors.Wrapf(ErrMalformedHeader, "unsupported version %d", data[4])
	}

	problem := model.ProblemType(data[5])
	leafKind := LeafKind(data[6])
	featureWidth := int(data[7])
	offsetWidth := int(data[8])
	numFeatures := int(binary.LittleEndian.Uint32(data[12:]))
	numClasses := int(binary.LittleEndian.Uint32(data[16:]))
	numTrees := int(binary.LittleEndian.Uint32(data[20:]))

	if !problem.Valid() {
		return nil, errors.Wrapf(ErrMalformedHeader, "unknown problem type %d", problem)
	}
	if !leafKind.valid() {
		return nil, errors.Wrapf(ErrMalformedHeader, "unknown leaf kind %d", leafKind)
	}
	if !validWidth(featureWidth) || !validWidth(offsetWidth) {
		return nil, errors.Wrapf(ErrMalformedHeader,
			"invalid record widths wf=%d wp=%d", featureWidth, offsetWidth)
	}
	if numFeatures <= 0 {
		return nil, errors.Wrap(ErrMalformedHeader, "zero features")
	}
	if uint64(numFeatures-1) > maxValue(featureWidth) {
		return nil, errors.Wrapf(ErrMalformedHeader,
			"%d features do not fit %d-byte feature indices", numFeatures, featureWidth)
	}
	if numTrees <= 0 {
		return nil, errors.Wrap(ErrMalformedHeader, "zero trees")
	}
	switch problem {
	case model.Classification:
		if numClasses <= 0 {
			return nil, errors.Wrap(ErrMalformedHeader, "classification forest with zero classes")
		}
	case model.Regression:
		if numClasses != 0 {
			return nil, errors.Wrapf(ErrMalformedHeader,
				"regression forest declares %d classes", numClasses)
		}
		if leafKind == LeafDistribution {
			return nil, errors.Wrap(ErrMalformedHeader,
				"regression forest with distribution leaves")
		}
	}

	countTableEnd := fixedHeaderSize + 4*numTrees
	if len(data) < countTableEnd {
		return nil, errors.Wrapf(ErrTruncatedInput,
			"header declares %d trees but the node-count table is cut short", numTrees)
	}

	geom := geometry{
		featureWidth: featureWidth,
		offsetWidth:  offsetWidth,
		leafKind:     leafKind,
		numClasses:   numClasses,
	}.finalize()

	nodeCounts := make([]uint32, numTrees)
	totalNodes := uint64(0)
	for treeIdx := 0; treeIdx < numTrees; treeIdx++ {
		count := binary.LittleEndian.Uint32(data[fixedHeaderSize+4*treeIdx:])
		if count == 0 {
			return nil, errors.Wrapf(ErrMalformedHeader, "tree %d has zero nodes", treeIdx)
		}
		if uint64(count-1) > maxValue(offsetWidth) {
			return nil, errors.Wrapf(ErrMalformedHeader,
				"tree %d has %d nodes, %d-byte offsets address at most %d",
				treeIdx, count, offsetWidth, maxValue(offsetWidth)+1)
		}
		nodeCounts[treeIdx] = count
		totalNodes += uint64(count)
	}

	expectedLen := uint64(countTableEnd) + totalNodes*uint64(geom.recordSize)
	if uint64(len(data)) < expectedLen {
		return nil, errors.Wrapf(ErrTruncatedInput,
			"header implies %d bytes, got %d", expectedLen, len(data))
	}
	if uint64(len(data)) > expectedLen {
		return nil, errors.Wrapf(ErrMalformedHeader,
			"%d trailing bytes after the last node record", uint64(len(data))-expectedLen)
	}

	treeData := make([][]byte, numTrees)
	cursor := countTableEnd
	for treeIdx, count := range nodeCounts {
		size := int(count) * geom.recordSize
		treeData[treeIdx] = data[cursor : cursor+size : cursor+size]
		cursor += size
	}

	return &Forest{
		geom:        geom,
		problem:     problem,
		numFeatures: numFeatures,
		numTrees:    numTrees,
		nodeCounts:  nodeCounts,
		treeData:    treeData,
	}, nil
}

// LoadValidated is Load followed by a single linear pass over every node
// record, rejecting any out-of-range child offset or feature index with
// ErrCorruptTree. An engine in trusted mode is only safe on a forest loaded
// this way (or on bytes freshly produced by Encode).
func LoadValidated(data []byte) (*Forest, error) {
	forest, err := Load(data)
	if err != nil {
		return nil, err
	}
	if err := forest.ValidateRecords(); err != nil {
		return nil, err
	}
	return forest, nil
}

// ValidateRecords checks every node record of every tree: split children
// must point down the tree's own node array and feature indices must be
// below the forest's feature count; classification labels must be below the
// class count.
func (f *Forest) ValidateRecords() error {
	for treeIdx := 0; treeIdx < f.numTrees; treeIdx++ {
		tree := f.Tree(treeIdx)
		count := tree.NumNodes()
		for nodeIdx := uint32(0); nodeIdx < count; nodeIdx++ {
			if tree.IsLeaf(nodeIdx) {
				if f.problem == model.Classification && f.geom.leafKind == LeafScalar {
					if label := tree.LeafLabel(nodeIdx); int(label) >= f.geom.numClasses {
						return errors.Wrapf(ErrCorruptTree,
							"tree %d node %d predicts class %d, forest has %d classes",
							treeIdx, nodeIdx, label, f.geom.numClasses)
					}
				}
				continue
			}
			feature, _, left, right := tree.Split(nodeIdx)
			if int(feature) >= f.numFeatures {
				return errors.Wrapf(ErrCorruptTree,
					"tree %d node %d tests feature %d, forest has %d features",
					treeIdx, nodeIdx, feature, f.numFeatures)
			}
			for _, child := range [2]uint32{left, right} {
				if child >= count {
					return errors.Wrapf(ErrCorruptTree,
						"tree %d node %d references child %d, tree has %d nodes",
						treeIdx, nodeIdx, child, count)
				}
				if child <= nodeIdx {
					return errors.Wrapf(ErrCorruptTree,
						"tree %d node %d references non-descendant child %d",
						treeIdx, nodeIdx, child)
				}
			}
		}
	}
	return nil
}

// Problem is the forest's problem type.
func (f *Forest) Problem() model.ProblemType {
	return f.problem
}

// Leaves is the leaf payload representation.
func (f *Forest) Leaves() LeafKind {
	return f.geom.leafKind
}

// NumFeatures is the length of the feature vectors the forest expects.
func (f *Forest) NumFeatures() int {
	return f.numFeatures
}

// NumClasses is the class count; zero for regression.
func (f *Forest) NumClasses() int {
	return f.geom.numClasses
}

// NumTrees is the number of trees.
func (f *Forest) NumTrees() int {
	return f.numTrees
}

// NumNodes is the total number of node records.
func (f *Forest) NumNodes() int {
	total := 0
	for _, count := range f.nodeCounts {
		total += int(count)
	}
	return total
}

// RecordSize is the fixed byte size of one node record.
func (f *Forest) RecordSize() int {
	return f.geom.recordSize
}

// Widths returns the encoded feature-index and child-offset widths in bytes.
func (f *Forest) Widths() (featureWidth int, offsetWidth int) {
	return f.geom.featureWidth, f.geom.offsetWidth
}

// Tree returns the flat node view of tree i.
func (f *Forest) Tree(i int) TreeView {
	return TreeView{data: f.treeData[i], count: f.nodeCounts[i], geom: f.geom}
}

func (f *Forest) String() string {
	return fmt.Sprintf("compact %v forest: %d trees, %d nodes, %d features, record size %dB",
		f.problem, f.numTrees, f.NumNodes(), f.numFeatures, f.geom.recordSize)
}

// TreeView exposes one tree's node array. Methods do not bounds-check the
// node index; callers in trusted mode rely on a validated buffer.
type TreeView struct {
	data  []byte
	count uint32
	geom  geometry
}

// NumNodes is the node count of the tree.
func (t TreeView) NumNodes() uint32 {
	return t.count
}

func (t TreeView) record(i uint32) []byte {
	return t.data[int(i)*t.geom.recordSize:]
}

// IsLeaf tests the tag byte of node i.
func (t TreeView) IsLeaf(i uint32) bool {
	return t.record(i)[0] == tagLeaf
}

// Split returns the fields of a split node.
func (t TreeView) Split(i uint32) (feature uint32, threshold float32, left uint32, right uint32) {
	payload := t.record(i)[1:]
	feature = readUint(payload, t.geom.featureWidth)
	payload = payload[t.geom.featureWidth:]
	threshold = readFloat32(payload)
	payload = payload[4:]
	left = readUint(payload, t.geom.offsetWidth)
	right = readUint(payload[t.geom.offsetWidth:], t.geom.offsetWidth)
	return
}

// LeafValue returns the scalar payload of a regression leaf.
func (t TreeView) LeafValue(i uint32) float32 {
	return readFloat32(t.record(i)[1:])
}

// LeafLabel returns the class label of a scalar classification leaf.
func (t TreeView) LeafLabel(i uint32) uint32 {
	return readUint(t.record(i)[1:], 4)
}

// LeafScore returns one class score of a distribution leaf.
func (t TreeView) LeafScore(i uint32, class int) float32 {
	return readFloat32(t.record(i)[1+4*class:])
}
