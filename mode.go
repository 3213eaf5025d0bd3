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

package batchnorm

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

// Mode is the ambient execution mode of a forward pass. It is set by the
// training loop (via Context.SetTraining), never by the operators themselves,
// and must stay constant for the duration of a forward(+backward) pass.
type Mode int

const (
	// Inference is the default mode: normalize with the stored running
	// statistics, mutate nothing.
	Inference Mode = iota

	// Training normalizes with the current batch statistics and folds them
	// into the running averages.
	Training
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Inference:
		return "inference"
	case Training:
		return "training"
	}
	return "invalid"
}

// ErrInvalidMode reports a Mode value that is neither Training nor Inference.
var ErrInvalidMode = errors.New("unrecognized execution mode")

// ModeFromContext reads the ambient execution mode for graph g. The default,
// when the training loop never set anything, is Inference.
func ModeFromContext(ctx *context.Context, g *Graph) Mode {
	if ctx.IsTraining(g) {
		return Training
	}
	return Inference
}

// ModeDependent pairs the two branch computations of an operator whose
// behavior depends on the ambient execution mode. Each branch is a pure graph
// function and independently differentiable.
//
// Forward dispatches on the mode and builds only the selected branch into the
// graph, so reverse-mode differentiation follows exactly the branch that
// executed. The mode itself is a Go value, never a graph node: there is
// nothing to differentiate "through" at the branch point.
type ModeDependent struct {
	Training, Inference func(x *Node) *Node
}

// Forward applies the branch selected by mode.
// Panics wrapping ErrInvalidMode for any other mode value.
func (op ModeDependent) Forward(mode Mode, x *Node) *Node {
	switch mode {
	case Training:
		return op.Training(x)
	case Inference:
		return op.Inference(x)
	}
	panic(errors.Wrapf(ErrInvalidMode, "mode=%d", int(mode)))
}
