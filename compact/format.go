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

// Package compact implements the pointer-free binary forest representation.
//
// An encoded forest is a single self-describing byte sequence:
//
//	magic "CFOR" | version | problem | leafKind | wf | wp | 3 zero bytes
//	numFeatures u32 | numClasses u32 | numTrees u32
//	nodeCount u32 per tree
//	node records, tree by tree
//
// All integers are little-endian. Node records are fixed-width within one
// forest: a tag byte (split or leaf) followed by either a split payload
// (feature index of wf bytes, float32 threshold, two child offsets of wp
// bytes each) or a leaf payload, zero-padded to the record size. Child
// offsets are node indices relative to the tree's own node array, assigned
// in pre-order, so an offset always points further down the array.
package compact

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Encoding and loading failure kinds. Callers match them with errors.Is.
var (
	ErrOversizedTree          = errors.New("tree node count exceeds the offset width")
	ErrOversizedFeatureSpace  = errors.New("feature count exceeds the feature-index width")
	ErrEmptyForest            = errors.New("forest has no trees")
	ErrUnsupportedProblemType = errors.New("unsupported problem type")
	ErrMalformedHeader        = errors.New("malformed header")
	ErrTruncatedInput         = errors.New("truncated input")
	ErrCorruptTree            = errors.New("corrupt tree")
)

var magic = [4]byte{'C', 'F', 'O', 'R'}

// IsCompact reports whether the buffer starts with the compact forest magic
// bytes. It does not imply the rest of the buffer is well formed.
func IsCompact(data []byte) bool {
	return len(data) >= 4 &&
		data[0] == magic[0] && data[1] == magic[1] && data[2] == magic[2] && data[3] == magic[3]
}

// Version of the binary layout produced by this package.
const Version = 1

// fixedHeaderSize covers everything before the per-tree node counts.
const fixedHeaderSize = 4 + 1 + 1 + 1 + 1 + 1 + 3 + 4 + 4 + 4

// LeafKind selects the leaf payload representation of a classification
// forest.
type LeafKind uint8

const (
	// LeafScalar stores a float32 value (regression) or a u32 class label
	// (classification) per leaf.
	LeafScalar LeafKind = 0
	// LeafDistribution stores one float32 score per class per leaf.
	// Classification only.
	LeafDistribution LeafKind = 1
)

func (k LeafKind) valid() bool {
	return k == LeafScalar || k == LeafDistribution
}

// Node record tags.
const (
	tagSplit = 0
	tagLeaf  = 1
)

// WidthPolicy fixes the integer widths of the encoded node records. The
// zero value selects the smallest widths that can address the forest.
type WidthPolicy struct {
	// FeatureWidth and OffsetWidth are in bytes; valid values are 1, 2
	// and 4. Zero means auto-select.
	FeatureWidth int
	OffsetWidth  int
}

// AutoWidths selects the most compact widths able to address the forest's
// feature count and largest tree.
func AutoWidths() WidthPolicy {
	return WidthPolicy{}
}

// ExplicitWidths fixes both widths. Encoding fails if the forest does not
// fit.
func ExplicitWidths(featureWidth int, offsetWidth int) WidthPolicy {
	return WidthPolicy{FeatureWidth: featureWidth, OffsetWidth: offsetWidth}
}

func validWidth(width int) bool {
	return width == 1 || width == 2 || width == 4
}

// maxValue is the largest integer representable in `width` bytes.
func maxValue(width int) uint64 {
	return 1<<(8*uint(width)) - 1
}

// widthFor returns the narrowest valid width representing v.
func widthFor(v uint64) int {
	switch {
	case v <= math.MaxUint8:
		return 1
	case v <= math.MaxUint16:
		return 2
	default:
		return 4
	}
}

// geometry is the per-forest record layout derived from the header.
type geometry struct {
	featureWidth int
	offsetWidth  int
	leafKind     LeafKind
	numClasses   int
	recordSize   int
}

func (g geometry) splitPayloadSize() int {
	return g.featureWidth + 4 + 2*g.offsetWidth
}

func (g geometry) leafPayloadSize() int {
	if g.leafKind == LeafDistribution {
		return 4 * g.numClasses
	}
	return 4
}

// finalize computes the record size from the payload widths.
func (g geometry) finalize() geometry {
	payload := g.splitPayloadSize()
	if leaf := g.leafPayloadSize(); leaf > payload {
		payload = leaf
	}
	g.recordSize = 1 + payload
	return g
}

// readUint reads a little-endian integer of the given byte width.
func readUint(buf []byte, width int) uint32 {
	switch width {
	case 1:
		return uint32(buf[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(buf))
	default:
		return binary.LittleEndian.Uint32(buf)
	}
}

// putUint writes a little-endian integer of the given byte width.
func putUint(buf []byte, v uint32, width int) {
	switch width {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	default:
		binary.LittleEndian.PutUint32(buf, v)
	}
}

func readFloat32(buf []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buf))
}

func putFloat32(buf []byte, v float32) {
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
}
