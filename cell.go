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
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/gomlx/batchnorm/kernel"
)

// StatCell is a mutable holder for one running statistic (mean or variance):
// a non-trainable per-channel variable that the owning layer folds the batch
// statistic into on every training-mode pass, and reads untouched during
// inference.
//
// Each cell is owned exclusively by the layer that created it; callers must
// serialize training steps on a layer, there is no internal locking. The
// in-graph update is materialized back into the variable by the executor
// (context.Exec) after each step, the same way optimizers materialize weight
// updates.
type StatCell struct {
	v        *context.Variable
	momentum float64
}

// newStatCell creates the backing variable under the ctx scope. The init
// value (fill) is applied lazily by the variable initializer, so a cell is
// usable for inference before any training has happened.
func newStatCell(ctx *context.Context, name string, shape shapes.Shape, fill float64, momentum float64) *StatCell {
	init := initializers.Zero
	if fill != 0 {
		init = initializers.One
	}
	v := ctx.WithInitializer(init).VariableWithShape(name, shape).SetTrainable(false)
	return &StatCell{v: v, momentum: momentum}
}

// Variable returns the backing variable, e.g. for checkpointing.
func (c *StatCell) Variable() *context.Variable { return c.v }

// Value returns the current materialized statistic. It is nil before the
// first graph execution touching the cell (variables initialize lazily).
func (c *StatCell) Value() *tensors.Tensor { return c.v.Value() }

// SetValue overwrites the statistic, e.g. when restoring from a checkpoint.
func (c *StatCell) SetValue(t *tensors.Tensor) { c.v.SetValue(t) }

// ValueGraph returns the node holding the cell's current value in graph g.
func (c *StatCell) ValueGraph(g *Graph) *Node { return c.v.ValueGraph(g) }

// UpdateGraph folds the per-channel batch statistic into the running value,
// in the exponential-moving-average form of kernel.UpdateRunning, and marks
// the result as the variable's new value for graph g. The batch statistic is
// excluded from the differentiable graph.
func (c *StatCell) UpdateGraph(g *Graph, batchStat *Node) {
	updated := kernel.UpdateRunning(c.v.ValueGraph(g), batchStat, c.momentum)
	c.v.SetValueGraph(updated)
}
