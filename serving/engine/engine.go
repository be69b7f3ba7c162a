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

// Package engine defines the Engine interface.
package engine

// Engine generates predictions over an encoded forest, given a feature
// vector.
/*
Usage example:

	// Load an encoded forest.
	cf, err := compact.LoadValidated(blob)

	// Build an engine. The compact forest (and the underlying byte buffer)
	// must stay alive for as long as the engine is used.
	engine, err := serving.NewEngine(cf, nil)

	// Allocate the output once; a prediction call performs no allocation.
	predictions := engine.AllocatePredictions()

	// Predict. For regression predictions[0] is the value; for
	// classification predictions holds one score per class, and
	// serving.Argmax(predictions) is the predicted class.
	err = engine.Predict(features, predictions)

A single engine may be used from any number of goroutines concurrently: a
prediction call touches no mutable engine state.
*/
type Engine interface {

	// NumFeatures is the expected length of the input feature vector.
	NumFeatures() int

	// OutputDim is the number of values written per prediction: 1 for
	// regression, the class count for classification.
	OutputDim() int

	// AllocatePredictions allocates an output slice of OutputDim values.
	AllocatePredictions() []float32

	// Predict fills "predictions" (of at least OutputDim values) with the
	// aggregated prediction for one feature vector.
	Predict(features []float32, predictions []float32) error
}
