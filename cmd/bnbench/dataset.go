/*
 *	Copyright 2026 The GoMLX Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package main

import (
	"math/rand"

	"github.com/gomlx/gomlx/types/tensors"
)

// syntheticDataset yields batches of noisy single-channel images whose mean
// intensity encodes the class, so a small CNN can actually learn something
// from it. It is infinite: Yield never returns io.EOF and Reset is a no-op.
type syntheticDataset struct {
	batchSize, spatial, numClasses int
	rng                            *rand.Rand
}

func newSyntheticDataset(batchSize, spatial, numClasses int) *syntheticDataset {
	return &syntheticDataset{
		batchSize:  batchSize,
		spatial:    spatial,
		numClasses: numClasses,
		rng:        rand.New(rand.NewSource(42)),
	}
}

func (ds *syntheticDataset) Name() string { return "synthetic" }

func (ds *syntheticDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	images := make([]float32, ds.batchSize*ds.spatial*ds.spatial)
	classes := make([]int64, ds.batchSize)
	pixelsPerImage := ds.spatial * ds.spatial
	for b := range classes {
		class := ds.rng.Int63n(int64(ds.numClasses))
		classes[b] = class
		base := float32(class) / float32(ds.numClasses)
		for p := range pixelsPerImage {
			images[b*pixelsPerImage+p] = base + float32(ds.rng.NormFloat64())*0.1
		}
	}
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(images, ds.batchSize, ds.spatial, ds.spatial, 1),
	}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(classes, ds.batchSize, 1),
	}
	return
}

func (ds *syntheticDataset) Reset() {}
