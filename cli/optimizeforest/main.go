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

// Command optimizeforest converts a textual forest description into the
// compact binary representation.
//
// Usage:
//
//	optimizeforest -i forest.csv -o forest.bin -p classification
package main

import (
	"context"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/embedml/forestpack/compact"
	"github.com/embedml/forestpack/model"
	model_io "github.com/embedml/forestpack/model/io"
	"github.com/embedml/forestpack/utils/file"
)

var (
	flagInput        string
	flagOutput       string
	flagProblemType  string
	flagFeatureWidth int
	flagOffsetWidth  int
	flagDistribution bool
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

func run(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	problem, err := parseProblemType(flagProblemType)
	if err != nil {
		return err
	}

	ctx := context.Background()
	forest, err := model_io.LoadForest(ctx, flagInput, problem)
	if err != nil {
		return errors.Wrap(err, "could not read forest definition file")
	}
	logger.Info("loaded forest",
		zap.Int("trees", forest.NumTrees()),
		zap.Int("nodes", forest.NumNodes()),
		zap.Int("features", forest.NumFeatures),
		zap.Int("classes", forest.NumClasses),
		zap.Int("max_depth", forest.MaxDepth()))

	opts := compact.Options{
		Widths: compact.WidthPolicy{
			FeatureWidth: flagFeatureWidth,
			OffsetWidth:  flagOffsetWidth,
		},
		DistributionLeaves: flagDistribution,
	}
	blob, err := compact.Encode(forest, opts)
	if err != nil {
		return errors.Wrap(err, "could not encode forest")
	}

	// Loading what was just encoded proves the output is usable as-is.
	view, err := compact.LoadValidated(blob)
	if err != nil {
		return errors.Wrap(err, "encoded forest failed validation")
	}
	featureWidth, offsetWidth := view.Widths()
	logger.Info("encoded forest",
		zap.String("size", humanize.Bytes(uint64(len(blob)))),
		zap.Int("record_size", view.RecordSize()),
		zap.Int("feature_width", featureWidth),
		zap.Int("offset_width", offsetWidth))

	if err := file.WriteFile(ctx, flagOutput, blob); err != nil {
		return errors.Wrap(err, "could not write output file")
	}
	logger.Info("wrote compact forest", zap.String("path", flagOutput))
	return nil
}

func main() {
	cmd := &cobra.Command{
		Use:           "optimizeforest",
		Short:         "convert a textual forest description into a compact binary forest",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          run,
	}
	cmd.Flags().StringVarP(&flagInput, "input", "i", "", "input forest definition file (CSV)")
	cmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output file for the compact forest")
	cmd.Flags().StringVarP(&flagProblemType, "problem-type", "p", "", "problem type: classification or regression")
	cmd.Flags().IntVar(&flagFeatureWidth, "wf", 0, "feature-index width in bytes (1, 2 or 4); 0 selects the smallest that fits")
	cmd.Flags().IntVar(&flagOffsetWidth, "wp", 0, "child-offset width in bytes (1, 2 or 4); 0 selects the smallest that fits")
	cmd.Flags().BoolVar(&flagDistribution, "distribution-leaves", false, "store per-class scores in classification leaves instead of a single label")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("output")
	cmd.MarkFlagRequired("problem-type")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
