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

// Command analyzeforest reports the structure and encoded footprint of a
// forest. The input is either a textual forest description (requires
// --problem-type) or an already-encoded compact forest, detected from its
// magic bytes.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/embedml/forestpack/compact"
	"github.com/embedml/forestpack/model"
	model_io "github.com/embedml/forestpack/model/io"
	"github.com/embedml/forestpack/utils/file"
)

var (
	flagInput       string
	flagProblemType string
)

func parseProblemType(name string) (model.ProblemType, error) {
	switch name {
	case "classification":
		return model.Classification, nil
	case "regression":
		return model.Regression, nil
	default:
		return 0, errors.Errorf("unknown problem type %q, want classification or regression", name)
	}
}

func analyzeTextual(content []byte) error {
	if flagProblemType == "" {
		return errors.New("--problem-type is required for textual input")
	}
	problem, err := parseProblemType(flagProblemType)
	if err != nil {
		return err
	}

	forest, err := model_io.ReadForest(strings.NewReader(string(content)), problem)
	if err != nil {
		return errors.Wrap(err, "could not read forest definition file")
	}

	fmt.Printf("Forest is a %v problem.\n\n", forest.Problem)
	fmt.Printf("--- Forest IR ---\n")
	fmt.Printf("Trees: %d | Nodes: %d (splits: %d, leaves: %d) | Max depth: %d\n",
		forest.NumTrees(), forest.NumNodes(),
		forest.NumNodes()-forest.NumLeaves(), forest.NumLeaves(), forest.MaxDepth())

	fmt.Printf("\nFeatures:\n")
	for idx, name := range forest.FeatureNames {
		fmt.Printf("\t%d: %s\n", idx, name)
	}
	if forest.Problem == model.Classification {
		fmt.Printf("Classes:\n")
		for idx, name := range forest.ClassNames {
			fmt.Printf("\t%d: %s\n", idx, name)
		}
	}

	blob, err := compact.Encode(forest, compact.Options{})
	if err != nil {
		return errors.Wrap(err, "could not encode forest")
	}
	view, err := compact.LoadValidated(blob)
	if err != nil {
		return errors.Wrap(err, "encoded forest failed validation")
	}
	printCompact(view, len(blob))

	textualSize := len(content)
	fmt.Printf("\n--- Footprint ---\n")
	fmt.Printf("Textual input: %s | Compact: %s (%.2f%% of input)\n",
		humanize.Bytes(uint64(textualSize)), humanize.Bytes(uint64(len(blob))),
		100*float64(len(blob))/float64(textualSize))
	return nil
}

func analyzeCompact(content []byte) error {
	view, err := compact.LoadValidated(content)
	if err != nil {
		return errors.Wrap(err, "could not load compact forest")
	}
	fmt.Printf("Forest is a %v problem.\n\n", view.Problem())
	printCompact(view, len(content))
	return nil
}

func printCompact(view *compact.Forest, encodedSize int) {
	featureWidth, offsetWidth := view.Widths()
	fmt.Printf("\n--- Compact forest ---\n")
	fmt.Printf("Trees: %d | Nodes: %d | Features: %d | Classes: %d\n",
		view.NumTrees(), view.NumNodes(), view.NumFeatures(), view.NumClasses())
	fmt.Printf("Record size: %d bytes (wf=%d, wp=%d) | Encoded size: %s\n",
		view.RecordSize(), featureWidth, offsetWidth, humanize.Bytes(uint64(encodedSize)))
}

func run(cmd *cobra.Command, args []string) error {
	content, err := file.ReadFile(context.Background(), flagInput)
	if err != nil {
		return errors.Wrap(err, "could not read input file")
	}
	if compact.IsCompact(content) {
		return analyzeCompact(content)
	}
	return analyzeTextual(content)
}

func main() {
	cmd := &cobra.Command{
		Use:          "analyzeforest",
		Short:        "report the structure and encoded footprint of a forest",
		SilenceUsage: true,
		RunE:         run,
	}
	cmd.Flags().StringVarP(&flagInput, "input", "i", "", "input file: forest definition CSV or compact binary")
	cmd.Flags().StringVarP(&flagProblemType, "problem-type", "p", "", "problem type for textual input: classification or regression")
	cmd.MarkFlagRequired("input")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
