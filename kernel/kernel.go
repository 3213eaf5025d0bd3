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

// Package kernel holds the batch normalization arithmetic as pure graph
// functions: every quantity that a stateful layer would mutate in place is
// taken as an explicit input and returned as a new value. This referential
// transparency is what makes the training step eligible for compilation as a
// standalone program (see Program) and gives the stateful layer in the parent
// package a single source of truth for its numbers.
//
// Inputs are 4D tensors shaped [batch, height, width, channel]; the statistics
// and the learned scale/offset are per-channel vectors shaped [channel].
package kernel

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// featureAxis is fixed: channels-last, the convention used throughout.
const featureAxis = 3

// assertInput panics if x is not a 4D [batch, height, width, channel] tensor
// whose channel dimension matches the per-channel vectors.
func assertInput(x *Node, perChannelVecs ...*Node) {
	if x.Rank() != 4 {
		exceptions.Panicf("kernel: input must be rank-4 [batch, height, width, channel], got shape %s", x.Shape())
	}
	numFeatures := x.Shape().Dimensions[featureAxis]
	for _, vec := range perChannelVecs {
		if vec.Rank() != 1 || vec.Shape().Dimensions[0] != numFeatures {
			exceptions.Panicf("kernel: per-channel tensor must be shaped [%d], got %s", numFeatures, vec.Shape())
		}
	}
}

// perChannel reshapes a per-channel vector so it broadcasts against x on the
// channel axis.
func perChannel(vec, x *Node) *Node {
	dims := make([]int, x.Rank())
	for ii := range dims {
		dims[ii] = 1
	}
	dims[featureAxis] = vec.Shape().Dimensions[0]
	return Reshape(vec, dims...)
}

// Moments returns the per-channel mean and biased variance of x, reduced over
// the batch and spatial axes. Biased (divide by N) because these are the
// statistics actually applied to normalize the current batch.
func Moments(x *Node) (mean, variance *Node) {
	assertInput(x)
	mean = ReduceMean(x, 0, 1, 2)
	variance = ReduceVariance(x, 0, 1, 2)
	return
}

// Normalize applies `(x - mean) * (variance+epsilon)^(-1/2) * scale + offset`
// per channel. The variance is clamped at zero first: floating-point
// cancellation in the moments computation can produce slightly negative
// values, and epsilon must be added to a non-negative number for the
// inverse square root to be safe.
func Normalize(x, mean, variance, scale, offset *Node, epsilon float64) *Node {
	assertInput(x, mean, variance, scale, offset)
	mean = perChannel(mean, x)
	variance = MaxScalar(perChannel(variance, x), 0)
	normalizer := Mul(Inverse(Sqrt(AddScalar(variance, epsilon))), perChannel(scale, x))
	return Add(Mul(Sub(x, mean), normalizer), perChannel(offset, x))
}

// UpdateRunning folds a freshly computed batch statistic into its running
// counterpart:
//
//	running ← running + (batch - running) * (1 - momentum)
//
// This is an exponential moving average with momentum as the retained weight
// on history, written in fraction-of-gap form -- the exact algebraic shape
// matters for numerical equivalence at mixed momenta, so don't rewrite it as
// a plain weighted average.
//
// The batch statistic is stop-gradiented: running statistics are bookkeeping,
// not part of the differentiable computation, and no gradient may flow
// through this update.
func UpdateRunning(running, batch *Node, momentum float64) *Node {
	batch = StopGradient(batch)
	return Add(running, MulScalar(Sub(batch, running), 1.0-momentum))
}

// Step is the training-path batch normalization as a pure function: it takes
// the full state bundle and returns the normalized output along with the new
// running statistics. Nothing is mutated; the caller threads the returned
// state into the next step.
func Step(x, scale, offset, runningMean, runningVariance *Node, momentum, epsilon float64) (normalized, newMean, newVariance *Node) {
	assertInput(x, scale, offset, runningMean, runningVariance)
	batchMean, batchVariance := Moments(x)
	normalized = Normalize(x, batchMean, batchVariance, scale, offset, epsilon)
	newMean = UpdateRunning(runningMean, batchMean, momentum)
	newVariance = UpdateRunning(runningVariance, batchVariance, momentum)
	return
}

// InferenceStep is the inference-path counterpart of Step: it normalizes with
// the stored running statistics and computes no batch moments. It is a pure
// function of its inputs and returns no new state.
func InferenceStep(x, scale, offset, runningMean, runningVariance *Node, epsilon float64) *Node {
	return Normalize(x, runningMean, runningVariance, scale, offset, epsilon)
}
