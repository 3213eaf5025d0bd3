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

// Command bnbench compares the batch normalization execution strategies --
// decomposed graph formula, backend fused primitive and the pre-compiled
// pure kernel -- on one input shape, reporting compile time and steady-state
// step time separately. With --train_steps it also trains a small CNN on
// synthetic data to exercise the layer inside a full optimizer loop.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/batchnorm"
	"github.com/gomlx/batchnorm/kernel"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagBatch    = flag.Int("batch", 32, "Batch size of the benchmark input.")
	flagSpatial  = flag.Int("spatial", 28, "Height and width of the benchmark input.")
	flagFeatures = flag.Int("features", 64, "Channel count of the benchmark input.")
	flagSteps    = flag.Int("steps", 200, "Training steps measured per strategy, after the compile step.")
	flagMomentum = flag.Float64("momentum", 0.9, "Retained weight on history in the running statistics.")
	flagEpsilon  = flag.Float64("epsilon", 1e-5, "Constant added to the variance before the inverse square root.")

	flagTrainSteps = flag.Int("train_steps", 0,
		"If > 0, also train a small CNN on synthetic data for this many steps, with the normalization chosen by --norm.")
	flagNorm = flag.String("norm", "batch", `Normalization used by --train_steps: "batch", "fused" or "none".`)
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 2, 0, 2)
	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 1, 0, 1).Align(lipgloss.Center)
	oddRowStyle    = lipgloss.NewStyle().Faint(false).PaddingLeft(1).PaddingRight(1)
	evenRowStyle   = lipgloss.NewStyle().Faint(true).PaddingLeft(1).PaddingRight(1)
)

func newResultsTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return headerRowStyle
			}
			s := oddRowStyle
			if row%2 == 1 {
				s = evenRowStyle
			}
			if col > 0 {
				s = s.Align(lipgloss.Right)
			}
			return s
		})
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	backend := backends.MustNew()
	klog.V(1).Infof("backend: %s", backend.Name())

	runBenchmarks(backend)
	if *flagTrainSteps > 0 {
		trainDemo(backend)
	}
}

// strategy wraps one execution path behind a uniform single-step closure.
// The first call includes graph building and compilation; steady state is
// everything after it.
type strategy struct {
	name string
	step func()
	done func()
}

func randomInput() *tensors.Tensor {
	rng := rand.New(rand.NewSource(0))
	flat := make([]float32, *flagBatch**flagSpatial**flagSpatial**flagFeatures)
	for ii := range flat {
		flat[ii] = float32(rng.NormFloat64())
	}
	return tensors.FromFlatDataAndDimensions(flat, *flagBatch, *flagSpatial, *flagSpatial, *flagFeatures)
}

func layerStrategy(backend backends.Backend, name string, fused bool, x *tensors.Tensor) strategy {
	ctx := context.New()
	layer := batchnorm.New(ctx.In("bn"), *flagFeatures).
		WithMomentum(*flagMomentum).WithEpsilon(*flagEpsilon)
	if fused {
		layer.Fused()
	}
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return layer.ForwardTraining(x)
	})
	return strategy{
		name: name,
		step: func() { _ = exec.Call(x) },
		done: exec.Finalize,
	}
}

func kernelStrategy(backend backends.Backend, x *tensors.Tensor) strategy {
	program := kernel.NewProgram(backend, *flagMomentum, *flagEpsilon)
	ones := make([]float32, *flagFeatures)
	zeros := make([]float32, *flagFeatures)
	for c := range ones {
		ones[c] = 1
	}
	scale := tensors.FromValue(ones)
	offset := tensors.FromValue(zeros)
	runningMean := tensors.FromValue(zeros)
	runningVariance := tensors.FromValue(ones)
	return strategy{
		name: "compiled kernel",
		step: func() {
			_, newMean, newVariance, err := program.Forward(x, scale, offset, runningMean, runningVariance)
			if err != nil {
				klog.Fatalf("compiled kernel step: %+v", err)
			}
			// Thread the returned statistics into the next step.
			runningMean, runningVariance = newMean, newVariance
		},
		done: program.Finalize,
	}
}

func runBenchmarks(backend backends.Backend) {
	x := randomInput()
	imagesPerRun := int64(*flagBatch) * int64(*flagSteps)
	fmt.Println(titleStyle.Render(fmt.Sprintf("Batch normalization, input [%d, %d, %d, %d], %d steps",
		*flagBatch, *flagSpatial, *flagSpatial, *flagFeatures, *flagSteps)))

	table := newResultsTable()
	table.Headers("Strategy", "Compile", "Step", "Throughput")
	for _, s := range []strategy{
		layerStrategy(backend, "decomposed", false, x),
		layerStrategy(backend, "fused", true, x),
		kernelStrategy(backend, x),
	} {
		start := time.Now()
		s.step()
		compile := time.Since(start)

		bar := progressbar.Default(int64(*flagSteps), s.name)
		start = time.Now()
		for range *flagSteps {
			s.step()
			_ = bar.Add(1)
		}
		elapsed := time.Since(start)
		_ = bar.Finish()
		s.done()

		perStep := elapsed / time.Duration(*flagSteps)
		throughput := float64(imagesPerRun) / elapsed.Seconds()
		table.Row(s.name,
			compile.Round(time.Millisecond).String(),
			perStep.Round(time.Microsecond).String(),
			humanize.SI(throughput, "img/s"))
	}
	fmt.Println(table.Render())
}
