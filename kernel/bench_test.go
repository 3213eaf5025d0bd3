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

package kernel_test

import (
	"math/rand"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/gomlx/batchnorm/kernel"
)

const (
	benchMomentum = 0.9
	benchEpsilon  = 1e-5
)

var benchDims = [4]int{32, 28, 28, 64}

func benchState(b *testing.B) (x, scale, offset, runningMean, runningVariance *tensors.Tensor) {
	b.Helper()
	rng := rand.New(rand.NewSource(0))
	flat := make([]float32, benchDims[0]*benchDims[1]*benchDims[2]*benchDims[3])
	for ii := range flat {
		flat[ii] = float32(rng.NormFloat64())
	}
	x = tensors.FromFlatDataAndDimensions(flat, benchDims[0], benchDims[1], benchDims[2], benchDims[3])
	channels := benchDims[3]
	ones := make([]float32, channels)
	zeros := make([]float32, channels)
	variances := make([]float32, channels)
	for c := range ones {
		ones[c] = 1
		variances[c] = 1
	}
	return x, tensors.FromValue(ones), tensors.FromValue(zeros),
		tensors.FromValue(zeros), tensors.FromValue(variances)
}

// BenchmarkStepCompiled measures the steady state of the pre-compiled
// training step: the executable is built once and reused.
func BenchmarkStepCompiled(b *testing.B) {
	backend := graphtest.BuildTestBackend()
	x, scale, offset, runningMean, runningVariance := benchState(b)
	program := kernel.NewProgram(backend, benchMomentum, benchEpsilon)
	defer program.Finalize()

	// Warmup triggers the one-time compilation for this shape signature.
	if _, _, _, err := program.Forward(x, scale, offset, runningMean, runningVariance); err != nil {
		b.Fatalf("%+v", err)
	}
	b.ResetTimer()
	for range b.N {
		if _, _, _, err := program.Forward(x, scale, offset, runningMean, runningVariance); err != nil {
			b.Fatalf("%+v", err)
		}
	}
}

// BenchmarkStepRecompiled rebuilds the executable on every call, to expose
// the compilation cost the cached path amortizes away.
func BenchmarkStepRecompiled(b *testing.B) {
	backend := graphtest.BuildTestBackend()
	x, scale, offset, runningMean, runningVariance := benchState(b)
	b.ResetTimer()
	for range b.N {
		exec := NewExec(backend, func(inputs []*Node) []*Node {
			normalized, newMean, newVariance := kernel.Step(
				inputs[0], inputs[1], inputs[2], inputs[3], inputs[4], benchMomentum, benchEpsilon)
			return []*Node{normalized, newMean, newVariance}
		})
		_ = exec.Call(x, scale, offset, runningMean, runningVariance)
		exec.Finalize()
	}
}

func BenchmarkStepBackward(b *testing.B) {
	backend := graphtest.BuildTestBackend()
	x, scale, offset, runningMean, runningVariance := benchState(b)
	cotangent := x
	program := kernel.NewProgram(backend, benchMomentum, benchEpsilon)
	defer program.Finalize()
	if _, _, _, err := program.Backward(x, scale, offset, runningMean, runningVariance, cotangent); err != nil {
		b.Fatalf("%+v", err)
	}
	b.ResetTimer()
	for range b.N {
		if _, _, _, err := program.Backward(x, scale, offset, runningMean, runningVariance, cotangent); err != nil {
			b.Fatalf("%+v", err)
		}
	}
}

func BenchmarkInferenceStep(b *testing.B) {
	backend := graphtest.BuildTestBackend()
	x, scale, offset, runningMean, runningVariance := benchState(b)
	exec := NewExec(backend, func(inputs []*Node) []*Node {
		return []*Node{kernel.InferenceStep(inputs[0], inputs[1], inputs[2], inputs[3], inputs[4], benchEpsilon)}
	})
	defer exec.Finalize()
	_ = exec.Call(x, scale, offset, runningMean, runningVariance)
	b.ResetTimer()
	for range b.N {
		_ = exec.Call(x, scale, offset, runningMean, runningVariance)
	}
}
