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

// Package models composes the batchnorm layer with the platform's
// convolution, pooling and dense operators into a small CNN. These are
// illustrative consumers of the normalization layer, not core logic: the
// convolution and the head are opaque platform operators.
package models

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"

	"github.com/gomlx/batchnorm"
)

// NormFn is an injected normalization operator: it creates whatever
// variables it needs under the ctx scope and returns the normalized x.
type NormFn func(ctx *context.Context, x *Node) *Node

// BatchNorm is the default NormFn, using the decomposed formula.
func BatchNorm(ctx *context.Context, x *Node) *Node {
	return batchnorm.Normalize(ctx, x)
}

// FusedBatchNorm is a NormFn delegating to the backend's fused primitive.
func FusedBatchNorm(ctx *context.Context, x *Node) *Node {
	return batchnorm.New(ctx, x.Shape().Dimensions[3]).Fused().Forward(x)
}

// NoNorm is the identity NormFn, for baselines.
func NoNorm(_ *context.Context, x *Node) *Node { return x }

// ConvNormBlock applies a 3x3 stride-2 same-padded convolution (no bias --
// the normalization's offset absorbs it) followed by the injected
// normalization, in that fixed order.
func ConvNormBlock(ctx *context.Context, x *Node, channels int, norm NormFn) *Node {
	x = layers.Convolution(ctx.In("conv"), x).
		Filters(channels).KernelSize(3).Strides(2).PadSame().UseBias(false).Done()
	return norm(ctx.In("norm"), x)
}

// CNN stacks one ConvNormBlock per entry of blockChannels (strictly
// sequential, each followed by a relu), then a global average pool over the
// spatial axes, and a linear projection to numClasses logits, last.
func CNN(ctx *context.Context, x *Node, blockChannels []int, numClasses int, norm NormFn) *Node {
	for ii, channels := range blockChannels {
		x = ConvNormBlock(ctx.Inf("%03d_block", ii), x, channels, norm)
		x = activations.Relu(x)
	}
	x = ReduceMean(x, 1, 2) // Global average pool: [batch, h, w, c] -> [batch, c].
	return layers.Dense(ctx.In("head"), x, true, numClasses)
}

// ParamNormalization selects the NormFn used by CnnModelGraph:
// "batch" (default), "fused" or "none".
const ParamNormalization = "normalization"

// ParamBlockChannels sets the number of ConvNormBlocks of CnnModelGraph; each
// block doubles the channel count starting at 8.
const ParamBlockChannels = "cnn_blocks"

// CnnModelGraph implements train.ModelFn: it returns the logits for a batch
// of images, reading its hyperparameters from the context.
func CnnModelGraph(numClasses int) func(ctx *context.Context, spec any, inputs []*Node) []*Node {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		ctx = ctx.In("model")
		images := inputs[0]
		numBlocks := context.GetParamOr(ctx, ParamBlockChannels, 3)
		blockChannels := make([]int, numBlocks)
		for ii := range blockChannels {
			blockChannels[ii] = 8 << ii
		}
		var norm NormFn
		switch context.GetParamOr(ctx, ParamNormalization, "batch") {
		case "fused":
			norm = FusedBatchNorm
		case "none":
			norm = NoNorm
		default:
			norm = BatchNorm
		}
		logits := CNN(ctx, images, blockChannels, numClasses, norm)
		return []*Node{logits}
	}
}
