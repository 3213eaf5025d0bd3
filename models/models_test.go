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

package models_test

import (
	"math/rand"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/batchnorm/models"

	_ "github.com/gomlx/gomlx/backends/default"
)

func randomImages(rng *rand.Rand, dims ...int) *tensors.Tensor {
	size := 1
	for _, d := range dims {
		size *= d
	}
	flat := make([]float32, size)
	for ii := range flat {
		flat[ii] = float32(rng.NormFloat64())
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

func TestCNNShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, norm := range []struct {
		name string
		fn   models.NormFn
	}{
		{"batch", models.BatchNorm},
		{"fused", models.FusedBatchNorm},
		{"none", models.NoNorm},
	} {
		t.Run(norm.name, func(t *testing.T) {
			ctx := context.New()
			exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
				return models.CNN(ctx, x, []int{4, 8}, 3, norm.fn)
			})
			rng := rand.New(rand.NewSource(3))
			logits := exec.Call(randomImages(rng, 4, 16, 16, 1))[0]
			require.Equal(t, []int{4, 3}, logits.Shape().Dimensions)
		})
	}
}

// TestCnnTrainStep runs a few optimizer steps on one fixed batch and checks
// the loss goes down, with the normalization layer in the loop.
func TestCnnTrainStep(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		models.ParamNormalization: "batch",
		models.ParamBlockChannels: 2,
	})
	ctx.RngStateFromSeed(42)

	trainer := train.NewTrainer(backend, ctx,
		models.CnnModelGraph(3),
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.StochasticGradientDescent().WithLearningRate(0.1).Done(),
		nil, nil)

	rng := rand.New(rand.NewSource(11))
	images := randomImages(rng, 8, 16, 16, 1)
	labels := tensors.FromFlatDataAndDimensions([]int64{0, 1, 2, 0, 1, 2, 0, 1}, 8, 1)

	var first, last float32
	for step := range 10 {
		metrics := trainer.TrainStep(nil, []*tensors.Tensor{images}, []*tensors.Tensor{labels})
		loss := tensors.ToScalar[float32](metrics[0])
		if step == 0 {
			first = loss
		}
		last = loss
	}
	require.Lessf(t, last, first, "loss did not decrease: first=%g last=%g", first, last)
}
