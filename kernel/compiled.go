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

package kernel

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// ErrCompile reports that compiling or running a kernel program failed.
// There is no automatic fallback: callers that want the uncompiled path must
// choose it explicitly.
var ErrCompile = errors.New("batch normalization kernel program failed")

// Program holds the training-path kernel compiled into two independently
// invocable accelerated callables: the forward step and its vector-Jacobian
// product. Compilation happens once per distinct input-shape signature, on
// first use, and the compiled executable is cached and reused; momentum and
// epsilon are baked in as constants.
//
// A Program is safe for concurrent Forward/Backward calls (the underlying
// executor cache is), but note the statistics-threading discipline is the
// caller's: feed each step the running statistics returned by the previous
// one.
type Program struct {
	momentum, epsilon float64
	forward           *Exec
	backward          *Exec
}

// NewProgram prepares the compiled forward and backward callables for the
// given backend. No compilation happens yet -- that is deferred to the first
// Forward/Backward call of each input-shape signature.
func NewProgram(backend backends.Backend, momentum, epsilon float64) *Program {
	p := &Program{momentum: momentum, epsilon: epsilon}
	p.forward = NewExec(backend, func(inputs []*Node) []*Node {
		x, scale, offset, runningMean, runningVariance := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]
		normalized, newMean, newVariance := Step(x, scale, offset, runningMean, runningVariance, p.momentum, p.epsilon)
		return []*Node{normalized, newMean, newVariance}
	}).SetName("kernel.Step")
	p.backward = NewExec(backend, func(inputs []*Node) []*Node {
		x, scale, offset, runningMean, runningVariance, cotangent := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4], inputs[5]
		normalized, _, _ := Step(x, scale, offset, runningMean, runningVariance, p.momentum, p.epsilon)
		// Vector-Jacobian product: gradient of <normalized, cotangent> with
		// respect to the differentiable inputs. The running statistics carry
		// no gradient (see UpdateRunning).
		objective := ReduceAllSum(Mul(normalized, cotangent))
		return Gradient(objective, x, scale, offset)
	}).SetName("kernel.StepVJP")
	return p
}

// Forward runs the compiled training step. It returns the normalized output
// and the new running statistics; the inputs are left untouched.
func (p *Program) Forward(x, scale, offset, runningMean, runningVariance *tensors.Tensor) (normalized, newMean, newVariance *tensors.Tensor, err error) {
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		outputs = p.forward.Call(x, scale, offset, runningMean, runningVariance)
	})
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(ErrCompile, "forward step: %+v", err)
	}
	return outputs[0], outputs[1], outputs[2], nil
}

// Backward runs the compiled gradient of the training step: given the same
// state bundle as Forward plus the cotangent (sensitivity) of the normalized
// output, it returns the gradients with respect to the input, scale and
// offset. It can be invoked without a prior Forward call.
func (p *Program) Backward(x, scale, offset, runningMean, runningVariance, cotangent *tensors.Tensor) (gradX, gradScale, gradOffset *tensors.Tensor, err error) {
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		outputs = p.backward.Call(x, scale, offset, runningMean, runningVariance, cotangent)
	})
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(ErrCompile, "backward step: %+v", err)
	}
	return outputs[0], outputs[1], outputs[2], nil
}

// Finalize immediately frees the compiled executables. The Program must not
// be used afterward.
func (p *Program) Finalize() {
	p.forward.Finalize()
	p.backward.Finalize()
}
