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
	"fmt"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"

	"github.com/gomlx/batchnorm/models"
)

const demoNumClasses = 4

// trainDemo exercises the normalization layer inside a full optimizer loop:
// a small CNN over synthetic data, normalization selected by --norm.
func trainDemo(backend backends.Backend) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Training demo (%s normalization, %d steps)",
		*flagNorm, *flagTrainSteps)))

	ctx := context.New()
	ctx.RngStateFromSeed(42)
	ctx.SetParams(map[string]any{
		models.ParamNormalization:    *flagNorm,
		models.ParamBlockChannels:    3,
		optimizers.ParamOptimizer:    "sgd",
		optimizers.ParamLearningRate: 0.05,
	})

	accuracy := metrics.NewSparseCategoricalAccuracy("Moving Accuracy", "acc")
	trainer := train.NewTrainer(backend, ctx,
		models.CnnModelGraph(demoNumClasses),
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{accuracy}, // trainMetrics
		nil)                           // evalMetrics

	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	ds := newSyntheticDataset(*flagBatch, *flagSpatial, demoNumClasses)
	finalMetrics := must.M1(loop.RunSteps(ds, *flagTrainSteps))
	for ii, metric := range trainer.TrainMetrics() {
		fmt.Printf("\t%s: %s\n", metric.Name(), finalMetrics[ii].GoStr())
	}
	fmt.Printf("\tmedian train step: %d microseconds\n", loop.MedianTrainStepDuration().Microseconds())
}
