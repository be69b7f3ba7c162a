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

// Package file is a slim portability layer over the "os" package. The
// context argument is unused today; it keeps call sites stable if file
// access ever moves to a storage backend that needs one.
package file

import (
	"context"
	"io/ioutil"
	"os"
)

// ReadFile returns the entire contents of the named file.
func ReadFile(ctx context.Context, name string) ([]byte, error) {
	return ioutil.ReadFile(name)
}

// WriteFile writes data to a file named by filename.
func WriteFile(ctx context.Context, name string, data []byte) error {
	return ioutil.WriteFile(name, data, 0644)
}

// OpenRead opens the file for reading.
func OpenRead(ctx context.Context, name string) (*os.File, error) {
	return os.Open(name)
}
