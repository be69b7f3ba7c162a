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

// Package decisiontree contains the in-memory representation of decision
// trees. Nodes are stored in a flat slice and reference their children by
// index, never by pointer, so a tree survives unchanged through the layout
// encoding step.
package decisiontree

import (
	"github.com/pkg/errors"
)

// Node is a single tree node. A node is either a split or a leaf,
// discriminated by the Leaf flag.
type Node struct {
	// Split fields. Left and Right are indices into the owning tree's node
	// slice.
	Feature   uint32
	Threshold float32
	Left      uint32
	Right     uint32

	// Leaf payload. Value is used for regression, Label for classification.
	// Distribution optionally carries per-class scores; when present its
	// length must equal the forest's class count.
	Value        float32
	Label        uint32
	Distribution []float32

	Leaf bool
}

// NewSplit creates a split node.
func NewSplit(feature uint32, threshold float32, left uint32, right uint32) Node {
	return Node{Feature: feature, Threshold: threshold, Left: left, Right: right}
}

// NewRegressionLeaf creates a leaf holding a scalar prediction.
func NewRegressionLeaf(value float32) Node {
	return Node{Leaf: true, Value: value}
}

// NewClassificationLeaf creates a leaf holding a class label.
func NewClassificationLeaf(label uint32) Node {
	return Node{Leaf: true, Label: label}
}

// Tree is a decision tree. The root is always Nodes[0].
type Tree struct {
	Nodes []Node
}

// NumNodes is the number of nodes in the tree.
func (t *Tree) NumNodes() int {
	return len(t.Nodes)
}

// NumLeaves is the number of leaf nodes in the tree.
func (t *Tree) NumLeaves() int {
	count := 0
	for idx := range t.Nodes {
		if t.Nodes[idx].Leaf {
			count++
		}
	}
	return count
}

// NumSplits is the number of non-leaf nodes in the tree.
func (t *Tree) NumSplits() int {
	return len(t.Nodes) - t.NumLeaves()
}

// Depth is the number of edges on the longest root-to-leaf path. A tree
// reduced to a single leaf has depth 0. Depth assumes a validated tree.
func (t *Tree) Depth() int {
	if len(t.Nodes) == 0 {
		return 0
	}
	type frame struct {
		node  uint32
		depth int
	}
	maxDepth := 0
	stack := []frame{{0, 0}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := &t.Nodes[top.node]
		if node.Leaf {
			if top.depth > maxDepth {
				maxDepth = top.depth
			}
			continue
		}
		stack = append(stack, frame{node.Left, top.depth + 1}, frame{node.Right, top.depth + 1})
	}
	return maxDepth
}

// Validate checks that the tree is a strict binary tree: every split's
// children are in-range indices strictly greater than the parent's own index,
// and every node except the root is referenced by exactly one parent. These
// two properties together guarantee an acyclic tree in which every node is
// reachable from the root.
func (t *Tree) Validate() error {
	numNodes := len(t.Nodes)
	if numNodes == 0 {
		return errors.New("tree has no nodes")
	}

	refCount := make([]int, numNodes)
	for idx := range t.Nodes {
		node := &t.Nodes[idx]
		if node.Leaf {
			continue
		}
		left, right := node.Left, node.Right
		for _, child := range [2]uint32{left, right} {
			if int(child) >= numNodes {
				return errors.Errorf("node %d references child %d outside the tree (%d nodes)",
					idx, child, numNodes)
			}
			if int(child) <= idx {
				return errors.Errorf("node %d references non-descendant child %d", idx, child)
			}
			refCount[child]++
		}
	}

	if refCount[0] != 0 {
		return errors.New("root node is referenced as a child")
	}
	for idx := 1; idx < numNodes; idx++ {
		if refCount[idx] != 1 {
			return errors.Errorf("node %d is referenced by %d parents, want 1", idx, refCount[idx])
		}
	}
	return nil
}
