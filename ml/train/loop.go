/*
 *	Copyright 2024 The TSGAN Authors
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

package train

import (
	"io"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/tsgan/tsgan/ml/train/metrics"
	"github.com/tsgan/tsgan/types/tensors"
)

// Dataset yields batches of training data.
type Dataset interface {
	// Name of the dataset, for error messages.
	Name() string

	// Yield returns the next batch: inputs are the `[batch, seqLen]`
	// sample windows and labels the `[batch, condDim]` conditions
	// (labels may be nil for an unconditional dataset).
	// It returns io.EOF at the end of an epoch.
	Yield() (inputs, labels *tensors.Tensor, err error)

	// Reset restarts the dataset from the beginning, after io.EOF.
	Reset()

	// NumBatches per epoch, known upfront: every rank must iterate the
	// same deterministic schedule, so the batch count cannot depend on
	// runtime state.
	NumBatches() int
}

// Stepper runs one training step. The GANTrainer implements it.
type Stepper interface {
	// TrainStep consumes one batch and returns the step metrics, in the
	// order of TrainMetrics.
	TrainStep(inputs, labels *tensors.Tensor) ([]float64, error)

	// TrainMetrics describes the values returned by TrainStep.
	TrainMetrics() []metrics.Interface
}

// Priority for hooks, the lowest values run first. Defaults to 0;
// negative values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(loop *Loop, stepMetrics []float64) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, stepMetrics []float64) error

// Loop runs a training loop, invoking Stepper.TrainStep every step and
// calling the appropriate hooks.
//
// In itself it doesn't do much, but one can attach functionality to it:
// checkpointing, metric reduction and logging, progress bars. It is the
// interception point the distributed layer uses -- hooks fire at the
// same steps on every rank because every rank iterates the same
// schedule.
//
// The public attributes are meant for reading only.
type Loop struct {
	// Trainer associated with this loop.
	Trainer Stepper

	// LoopStep currently being executed, counted across epochs.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run.
	StartStep int

	// EndStep is one-past the last step to be executed.
	EndStep int

	// Epoch is the current running epoch, starting from 0.
	Epoch int

	// Batch is the current batch index within the epoch.
	Batch int

	// NumEpochs of the current run.
	NumEpochs int

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop for the given trainer.
func NewLoop(trainer Stepper) *Loop {
	return &Loop{
		Trainer: trainer,
		onStart: newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:  newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:   newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// start of loop, called by RunEpochs. It calls the OnStart hooks.
func (loop *Loop) start(ds Dataset) (err error) {
	loop.onStart.Enumerate(func(hook *hookWithName[OnStartFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop, ds)
		if err != nil {
			err = errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	})
	return
}

// step of loop. It calls the OnStep hooks.
func (loop *Loop) step(inputs, labels *tensors.Tensor) (stepMetrics []float64, err error) {
	startTime := time.Now()
	defer func() {
		loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	}()

	stepMetrics, err = loop.Trainer.TrainStep(inputs, labels)
	if err != nil {
		return nil, err
	}
	for _, value := range stepMetrics {
		if math.IsNaN(value) {
			return nil, errors.Errorf("batch loss is NaN, training interrupted")
		}
		if math.IsInf(value, 0) {
			return nil, errors.Errorf("batch loss is infinity (%f), training interrupted", value)
		}
	}
	loop.onStep.Enumerate(func(hook *hookWithName[OnStepFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop, stepMetrics)
		if err != nil {
			err = errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	})
	if err != nil {
		return nil, err
	}
	return
}

// end of loop. It calls the OnEnd hooks.
func (loop *Loop) end(stepMetrics []float64) (err error) {
	loop.onEnd.Enumerate(func(hook *hookWithName[OnEndFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop, stepMetrics)
		if err != nil {
			err = errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	})
	return
}

// RunEpochs runs the given number of epochs over the dataset.
// Dataset.Reset is called after each epoch (including the last).
//
// It can be called again to continue training -- StartStep picks up from
// the previous run's LoopStep (e.g. after a checkpoint resume, see
// SetProgress).
func (loop *Loop) RunEpochs(ds Dataset, epochs int) (stepMetrics []float64, err error) {
	loop.StartStep = loop.LoopStep
	loop.NumEpochs = epochs
	loop.EndStep = loop.LoopStep + epochs*ds.NumBatches()
	err = loop.start(ds)
	if err != nil {
		return nil, err
	}
	loop.TrainStepDurations = nil // Reset.
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		loop.Batch = 0
		for {
			inputs, labels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed reading from dataset %q (LoopStep=%d)",
					epochs, ds.Name(), loop.LoopStep)
			}
			stepMetrics, err = loop.step(inputs, labels)
			if err != nil {
				return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed TrainStep (epoch=%d, batch=%d)",
					epochs, loop.Epoch, loop.Batch)
			}
			loop.Batch++
			loop.LoopStep++
		}
		ds.Reset()
	}
	err = loop.end(stepMetrics)
	if err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return
}

// SetProgress positions the loop as if loopStep steps had already run,
// used when resuming from a checkpoint.
func (loop *Loop) SetProgress(loopStep int) {
	loop.LoopStep = loopStep
}

// MedianTrainStepDuration returns the median duration of each training
// step. It returns 1 millisecond if no training step was recorded, to
// avoid divisions by 0.
//
// It sorts and mutates loop.TrainStepDurations.
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	sort.Slice(loop.TrainStepDurations, func(i, j int) bool {
		return loop.TrainStepDurations[i] < loop.TrainStepDurations[j]
	})
	return loop.TrainStepDurations[len(loop.TrainStepDurations)/2]
}

// OnStart adds a hook with the given priority and name (for error
// reporting) to the start of a loop run.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with the given priority and name to each step of a
// loop. The function fn is called after each Stepper.TrainStep.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with the given priority and name to the end of a
// loop run, after the last call to Stepper.TrainStep.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate calls fn for all registered hooks in priority order.
func (h *priorityHooks[H]) Enumerate(fn func(hook H)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}
