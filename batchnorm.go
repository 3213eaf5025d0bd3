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

// Package batchnorm implements a batch normalization layer with explicit
// control over the training/inference statistics bookkeeping, in
// interchangeable strategies: the decomposed graph formula (default), the
// backend's fused primitive (Fused), and a pre-compiled pure-function kernel
// (the kernel sub-package).
//
// The layer normalizes a [batch, height, width, channel] tensor over the
// non-channel axes, applies learned per-channel scale and offset, and
// maintains exponentially-decayed running statistics used during inference.
// Which path runs is decided by the ambient execution mode (see Mode), set by
// the training loop through context.Context.SetTraining.
//
// Based on "Batch Normalization: Accelerating Deep Network Training by
// Reducing Internal Covariate Shift" (Ioffe, Szegedy),
// https://arxiv.org/abs/1502.03167.
package batchnorm

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/batchnorm/kernel"
)

// ErrShapeMismatch reports an input whose channel dimension does not match
// the layer's configured feature count.
var ErrShapeMismatch = errors.New("input channel dimension does not match the layer's feature count")

// Layer is a batch normalization operator with a fixed feature (channel)
// count. Create it once per model with New; its trainable scale/offset
// variables and its running-statistics cells live in the context scope it was
// created with, so they are visible to optimizers and checkpointing like any
// other variable.
//
// Training steps on a given Layer must be serialized by the caller; there is
// no internal locking.
type Layer struct {
	ctx         *context.Context
	numFeatures int
	dtype       dtypes.DType
	momentum    float64
	epsilon     float64
	fused       bool

	scaleVar, offsetVar          *context.Variable
	runningMean, runningVariance *StatCell
}

// New creates a batch normalization layer for inputs with numFeatures
// channels. Defaults: momentum 0.9, epsilon 1e-5, Float32, decomposed
// formula. Configure with the With* methods before the first Forward call.
func New(ctx *context.Context, numFeatures int) *Layer {
	if numFeatures <= 0 {
		exceptions.Panicf("batchnorm.New: numFeatures must be positive, got %d", numFeatures)
	}
	return &Layer{
		ctx:         ctx,
		numFeatures: numFeatures,
		dtype:       dtypes.Float32,
		momentum:    0.9,
		epsilon:     1e-5,
	}
}

// WithMomentum sets the retained weight on history in the running-statistics
// moving averages; (1 - momentum) applies to the current batch statistic.
// Must be in (0, 1). Default is 0.9.
func (l *Layer) WithMomentum(momentum float64) *Layer {
	l.assertNotMaterialized("WithMomentum")
	if momentum <= 0 || momentum >= 1 {
		exceptions.Panicf("batchnorm: momentum must be in (0, 1), got %g", momentum)
	}
	l.momentum = momentum
	return l
}

// WithEpsilon sets the small positive constant added to the variance before
// the inverse square root. Default is 1e-5.
func (l *Layer) WithEpsilon(epsilon float64) *Layer {
	l.assertNotMaterialized("WithEpsilon")
	if epsilon <= 0 {
		exceptions.Panicf("batchnorm: epsilon must be positive, got %g", epsilon)
	}
	l.epsilon = epsilon
	return l
}

// WithDType sets the dtype of the layer's variables. Default is Float32.
// Inputs must match.
func (l *Layer) WithDType(dtype dtypes.DType) *Layer {
	l.assertNotMaterialized("WithDType")
	l.dtype = dtype
	return l
}

// Fused switches both forward branches to the backend's fused batch
// normalization primitives. Output is equivalent to the decomposed formula
// within floating-point tolerance; the saved intermediates and the paired
// gradient primitive are handled by the platform's autodiff.
func (l *Layer) Fused() *Layer {
	l.fused = true
	return l
}

func (l *Layer) assertNotMaterialized(method string) {
	if l.scaleVar != nil {
		exceptions.Panicf("batchnorm.Layer.%s: layer already in use, configure before the first Forward call or variable access", method)
	}
}

// materialize creates the variables on first use. Calling it for a layer
// scope that already holds the variables (e.g. a fresh Layer built for a new
// graph over the same context scope) reuses them.
func (l *Layer) materialize() {
	if l.scaleVar != nil {
		return
	}
	varShape := shapes.Make(l.dtype, l.numFeatures)
	l.scaleVar = l.ctx.WithInitializer(initializers.One).VariableWithShape("scale", varShape).SetTrainable(true)
	l.offsetVar = l.ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", varShape).SetTrainable(true)
	// Running mean starts at zero and running variance at one, so an
	// untrained layer in inference mode is an identity up to scale/offset.
	l.runningMean = newStatCell(l.ctx, "mean", varShape, 0, l.momentum)
	l.runningVariance = newStatCell(l.ctx, "variance", varShape, 1, l.momentum)
}

// Scale returns the trainable per-channel scale (γ) variable, initialized to
// ones and updated by the external optimizer.
func (l *Layer) Scale() *context.Variable {
	l.materialize()
	return l.scaleVar
}

// Offset returns the trainable per-channel offset (β) variable, initialized
// to zeros and updated by the external optimizer.
func (l *Layer) Offset() *context.Variable {
	l.materialize()
	return l.offsetVar
}

// RunningMean returns the cell holding the exponentially-decayed mean.
func (l *Layer) RunningMean() *StatCell {
	l.materialize()
	return l.runningMean
}

// RunningVariance returns the cell holding the exponentially-decayed
// variance.
func (l *Layer) RunningVariance() *StatCell {
	l.materialize()
	return l.runningVariance
}

// NumFeatures returns the channel count fixed at construction.
func (l *Layer) NumFeatures() int { return l.numFeatures }

func (l *Layer) validate(x *Node) {
	if x.Rank() != 4 {
		exceptions.Panicf("batchnorm: input must be rank-4 [batch, height, width, channel], got shape %s", x.Shape())
	}
	if x.DType() != l.dtype {
		exceptions.Panicf("batchnorm: input dtype %s does not match layer dtype %s", x.DType(), l.dtype)
	}
	if got := x.Shape().Dimensions[3]; got != l.numFeatures {
		panic(errors.Wrapf(ErrShapeMismatch, "input has %d channels, layer configured for %d", got, l.numFeatures))
	}
}

// Forward normalizes x, dispatching on the ambient execution mode read from
// the layer's context. Gradients follow only the branch taken.
func (l *Layer) Forward(x *Node) *Node {
	return ModeDependent{
		Training:  l.ForwardTraining,
		Inference: l.ForwardInference,
	}.Forward(ModeFromContext(l.ctx, x.Graph()), x)
}

// ForwardTraining normalizes x with the current batch statistics and folds
// them into the running-statistics cells. The cell updates are bookkeeping:
// they execute during the pass but are excluded from the differentiable
// graph.
func (l *Layer) ForwardTraining(x *Node) *Node {
	l.materialize()
	l.validate(x)
	g := x.Graph()
	scale := l.scaleVar.ValueGraph(g)
	offset := l.offsetVar.ValueGraph(g)
	if l.fused {
		normalized, batchMean, batchVariance := InternalBatchNormForTraining(x, scale, offset, float32(l.epsilon), -1)
		l.runningMean.UpdateGraph(g, batchMean)
		l.runningVariance.UpdateGraph(g, batchVariance)
		return normalized
	}
	batchMean, batchVariance := kernel.Moments(x)
	l.runningMean.UpdateGraph(g, batchMean)
	l.runningVariance.UpdateGraph(g, batchVariance)
	return kernel.Normalize(x, batchMean, batchVariance, scale, offset, l.epsilon)
}

// ForwardInference normalizes x with the stored running statistics. It is a
// pure function of (x, scale, offset, running mean, running variance): no
// batch statistics are computed and no state is mutated, no matter how many
// times it runs.
func (l *Layer) ForwardInference(x *Node) *Node {
	l.materialize()
	l.validate(x)
	g := x.Graph()
	scale := l.scaleVar.ValueGraph(g)
	offset := l.offsetVar.ValueGraph(g)
	mean := l.runningMean.ValueGraph(g)
	variance := l.runningVariance.ValueGraph(g)
	if l.fused {
		return InternalBatchNormForInference(x, scale, offset, mean, variance, float32(l.epsilon), -1)
	}
	return kernel.InferenceStep(x, scale, offset, mean, variance, l.epsilon)
}

// Normalize is the one-shot form for model-building functions that are
// re-executed per graph: it creates (or reuses) the layer variables under the
// ctx scope and applies Forward. The channel count is taken from x.
func Normalize(ctx *context.Context, x *Node) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("batchnorm.Normalize: input must be rank-4 [batch, height, width, channel], got shape %s", x.Shape())
	}
	return New(ctx, x.Shape().Dimensions[3]).Forward(x)
}
