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

	"github.com/pkg/errors"

	"github.com/embedml/forestpack/model"
	"github.com/embedml/forestpack/model/decisiontree"
)

// Options configure the layout encoder.
type Options struct {
	// Widths fixes the integer widths of the node records. The zero value
	// auto-selects the most compact configuration.
	Widths WidthPolicy

	// DistributionLeaves stores per-class scores in classification leaves
	// instead of a single label. Leaves without an explicit distribution
	// are encoded as a one-hot vector of their label.
	DistributionLeaves bool
}

// Encode serializes a forest IR into the compact binary layout. The output
// is fully self-describing and deterministic: the same forest and options
// always produce byte-identical results.
func Encode(forest *model.Forest, opts Options) ([]byte, error) {
	if !forest.Problem.Valid() {
		return nil, errors.Wrapf(ErrUnsupportedProblemType, "problem type %d", forest.Problem)
	}
	if len(forest.Trees) == 0 {
		return nil, ErrEmptyForest
	}
	if err := forest.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid forest IR")
	}
	if opts.DistributionLeaves && forest.Problem != model.Classification {
		return nil, errors.Wrap(ErrUnsupportedProblemType,
			"distribution leaves require a classification forest")
	}

	geom, err := resolveGeometry(forest, opts)
	if err != nil {
		return nil, err
	}

	totalNodes := forest.NumNodes()
	buf := make([]byte, 0, fixedHeaderSize+4*len(forest.Trees)+totalNodes*geom.recordSize)
	buf = appendHeader(buf, forest, geom)
	for treeIdx, tree := range forest.Trees {
		buf, err = appendTree(buf, tree, geom)
		if err != nil {
			return nil, errors.Wrapf(err, "tree %d", treeIdx)
		}
	}
	return buf, nil
}

// resolveGeometry picks (or checks) the record widths against the forest.
func resolveGeometry(forest *model.Forest, opts Options) (geometry, error) {
	maxOffset := uint64(forest.MaxNodeCount() - 1)
	maxFeature := uint64(forest.NumFeatures - 1)

	offsetWidth := opts.Widths.OffsetWidth
	if offsetWidth == 0 {
		offsetWidth = widthFor(maxOffset)
	}
	featureWidth := opts.Widths.FeatureWidth
	if featureWidth == 0 {
		featureWidth = widthFor(maxFeature)
	}

	if !validWidth(offsetWidth) {
		return geometry{}, errors.Errorf("invalid offset width %d bytes, want 1, 2 or 4", offsetWidth)
	}
	if !validWidth(featureWidth) {
		return geometry{}, errors.Errorf("invalid feature width %d bytes, want 1, 2 or 4", featureWidth)
	}
	if maxOffset > maxValue(offsetWidth) {
		return geometry{}, errors.Wrapf(ErrOversizedTree,
			"largest tree has %d nodes, %d-byte offsets address at most %d",
			forest.MaxNodeCount(), offsetWidth, maxValue(offsetWidth)+1)
	}
	if maxFeature > maxValue(featureWidth) {
		return geometry{}, errors.Wrapf(ErrOversizedFeatureSpace,
			"forest has %d features, %d-byte indices address at most %d",
			forest.NumFeatures, featureWidth, maxValue(featureWidth)+1)
	}

	leafKind := LeafScalar
	if opts.DistributionLeaves {
		leafKind = LeafDistribution
	}
	return geometry{
		featureWidth: featureWidth,
		offsetWidth:  offsetWidth,
		leafKind:     leafKind,
		numClasses:   forest.NumClasses,
	}.finalize(), nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], v)
	return append(buf, scratch[:]...)
}

func appendHeader(buf []byte, forest *model.Forest, geom geometry) []byte {
	buf = append(buf, magic[:]...)
	buf = append(buf, Version, byte(forest.Problem), byte(geom.leafKind),
		byte(geom.featureWidth), byte(geom.offsetWidth), 0, 0, 0)
	buf = appendUint32(buf, uint32(forest.NumFeatures))
	buf = appendUint32(buf, uint32(forest.NumClasses))
	buf = appendUint32(buf, uint32(len(forest.Trees)))
	for _, tree := range forest.Trees {
		buf = appendUint32(buf, uint32(tree.NumNodes()))
	}
	return buf
}

// appendTree writes one tree's node records. Nodes are renumbered in
// pre-order (node, left subtree, right subtree) so that both child offsets
// of a split always point behind it.
func appendTree(buf []byte, tree *decisiontree.Tree, geom geometry) ([]byte, error) {
	numNodes := len(tree.Nodes)

	// Pre-order pass: order lists source indices in emission order, newIdx
	// maps a source index to its position in the encoded array.
	order := make([]uint32, 0, numNodes)
	newIdx := make([]uint32, numNodes)
	stack := []uint32{0}
	for len(stack) > 0 {
		src := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		newIdx[src] = uint32(len(order))
		order = append(order, src)
		node := &tree.Nodes[src]
		if !node.Leaf {
			// Right is pushed first so the left subtree is emitted first.
			stack = append(stack, node.Right, node.Left)
		}
	}
	if len(order) != numNodes {
		return nil, errors.Errorf("pre-order reached %d of %d nodes", len(order), numNodes)
	}

	record := make([]byte, geom.recordSize)
	for _, src := range order {
		node := &tree.Nodes[src]
		for i := range record {
			record[i] = 0
		}
		if node.Leaf {
			record[0] = tagLeaf
			encodeLeafPayload(record[1:], node, geom)
		} else {
			record[0] = tagSplit
			cursor := record[1:]
			putUint(cursor, node.Feature, geom.featureWidth)
			cursor = cursor[geom.featureWidth:]
			putFloat32(cursor, node.Threshold)
			cursor = cursor[4:]
			putUint(cursor, newIdx[node.Left], geom.offsetWidth)
			cursor = cursor[geom.offsetWidth:]
			putUint(cursor, newIdx[node.Right], geom.offsetWidth)
		}
		buf = append(buf, record...)
	}
	return buf, nil
}

func encodeLeafPayload(payload []byte, node *decisiontree.Node, geom geometry) {
	if geom.leafKind == LeafDistribution {
		for class := 0; class < geom.numClasses; class++ {
			var score float32
			if node.Distribution != nil {
				score = node.Distribution[class]
			} else if uint32(class) == node.Label {
				score = 1
			}
			putFloat32(payload[4*class:], score)
		}
		return
	}
	if geom.numClasses > 0 {
		putUint(payload, node.Label, 4)
		return
	}
	putFloat32(payload, node.Value)
}
