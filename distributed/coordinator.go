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

package distributed

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tsgan/tsgan/ml/checkpoints"
	"github.com/tsgan/tsgan/ml/data"
	"github.com/tsgan/tsgan/ml/nn"
	"github.com/tsgan/tsgan/ml/train"
	"github.com/tsgan/tsgan/ml/train/optimizers"
	"k8s.io/klog/v2"
)

// WorkerState tracks one worker through its lifecycle. States only
// move forward; StateResumed and StateSaved are skipped when there is
// no checkpoint activity.
type WorkerState int

const (
	// StateInit: worker created, not yet part of a group.
	StateInit WorkerState = iota

	// StateJoined: the process group rendezvous completed.
	StateJoined

	// StateDeviceBound: the worker is bound to its compute device.
	StateDeviceBound

	// StateReplicated: models are wrapped and parameter-identical
	// across ranks.
	StateReplicated

	// StateResumed: a checkpoint was restored.
	StateResumed

	// StateTraining: the training loop is running.
	StateTraining

	// StateSaved: at least one checkpoint was committed (and the
	// post-save barrier passed).
	StateSaved

	// StateTornDown: the worker left the group.
	StateTornDown
)

// String implements fmt.Stringer.
func (s WorkerState) String() string {
	switch s {
	case StateInit:
		return "initialized"
	case StateJoined:
		return "joined"
	case StateDeviceBound:
		return "device-bound"
	case StateReplicated:
		return "replicated"
	case StateResumed:
		return "resumed"
	case StateTraining:
		return "training"
	case StateSaved:
		return "saved"
	case StateTornDown:
		return "torn-down"
	}
	return "unknown"
}

// WorkerSpec fully describes the launch of one worker: which rank it
// is, where the group meets and how its private randomness is seeded.
// It replaces positional launcher arguments, so adding a field never
// silently shifts the meaning of another.
type WorkerSpec struct {
	// Rank of the worker in [0, WorldSize).
	Rank int

	// WorldSize of the group the worker joins.
	WorldSize int

	// Addr is the rendezvous address shared by the whole group.
	Addr string

	// Backend of the group's collectives.
	Backend Backend

	// Timeout of the rendezvous.
	Timeout time.Duration

	// Seed of the worker's private randomness (parameter init, noise
	// sampling). Give each rank a distinct seed so replicas train on
	// different noise.
	Seed int64
}

// GroupConfig returns the process group configuration of the spec.
func (s WorkerSpec) GroupConfig() Config {
	return Config{
		Rank:      s.Rank,
		WorldSize: s.WorldSize,
		Addr:      s.Addr,
		Backend:   s.Backend,
		Timeout:   s.Timeout,
	}
}

// RunConfig describes a whole coordinated training run.
type RunConfig struct {
	// WorldSize is the number of workers to launch.
	WorldSize int

	// Addr is the rendezvous address. Empty picks a free localhost
	// port.
	Addr string

	// Backend of the collectives. Empty defaults to TCPBackend.
	Backend Backend

	// Timeout of the rendezvous. Zero defaults to DefaultJoinTimeout.
	Timeout time.Duration

	// Dataset is the full training set; each worker trains on its own
	// shard of it.
	Dataset *data.InMemoryDataset

	// GAN architecture of the generator/critic pair.
	GAN nn.GANConfig

	// Epochs to train in total, checkpoint resumes included.
	Epochs int

	// CriticIters per generator update. Zero defaults to 5.
	CriticIters int

	// Optimizer name ("adam" or "sgd"), with LearningRate. Empty
	// defaults to adam.
	Optimizer    string
	LearningRate float64

	// CheckpointDir enables checkpointing (and resuming) when set.
	CheckpointDir string

	// CheckpointKeep is the number of checkpoints to keep. Zero
	// defaults to 1, -1 keeps all.
	CheckpointKeep int

	// CheckpointEveryNEpochs saves every n-th epoch end, besides the
	// final save. Zero defaults to 1.
	CheckpointEveryNEpochs int

	// SampleCount of generated samples stored with each checkpoint.
	SampleCount int

	// Seed of the run. Worker r derives its private seed as Seed+r.
	Seed int64

	// LeaderLoopHook, if set, is attached to the training loop of the
	// leader only, e.g. a progress bar. It must not issue collectives.
	LeaderLoopHook func(loop *train.Loop)
}

// Coordinator launches one worker per rank, drives them through the
// lifecycle and reports their states. Workers are goroutines of this
// process; the same WorkerSpec works unchanged for one-process-per-rank
// launches.
type Coordinator struct {
	config RunConfig
	specs  []WorkerSpec

	mu     sync.Mutex
	states []WorkerState
}

// NewCoordinator validates the config and prepares the worker specs.
func NewCoordinator(config RunConfig) (*Coordinator, error) {
	if config.WorldSize <= 0 {
		return nil, errors.Errorf("world size must be positive, got %d", config.WorldSize)
	}
	if config.Dataset == nil {
		return nil, errors.New("a dataset is required")
	}
	if config.Epochs <= 0 {
		return nil, errors.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if err := config.GAN.Validate(); err != nil {
		return nil, err
	}
	if config.Addr == "" {
		addr, err := FindFreePort()
		if err != nil {
			return nil, err
		}
		config.Addr = addr
	}
	if config.Optimizer == "" {
		config.Optimizer = "adam"
	}
	if _, found := optimizers.KnownOptimizers[config.Optimizer]; !found {
		return nil, errors.Errorf("unknown optimizer %q", config.Optimizer)
	}
	if config.CheckpointKeep == 0 {
		config.CheckpointKeep = 1
	}
	if config.CheckpointEveryNEpochs <= 0 {
		config.CheckpointEveryNEpochs = 1
	}

	c := &Coordinator{
		config: config,
		states: make([]WorkerState, config.WorldSize),
	}
	for rank := 0; rank < config.WorldSize; rank++ {
		c.specs = append(c.specs, WorkerSpec{
			Rank:      rank,
			WorldSize: config.WorldSize,
			Addr:      config.Addr,
			Backend:   config.Backend,
			Timeout:   config.Timeout,
			Seed:      config.Seed + int64(rank),
		})
	}
	return c, nil
}

// Specs of the workers the coordinator launches.
func (c *Coordinator) Specs() []WorkerSpec { return c.specs }

// WorkerStates returns a snapshot of every worker's lifecycle state.
func (c *Coordinator) WorkerStates() []WorkerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make([]WorkerState, len(c.states))
	copy(snapshot, c.states)
	return snapshot
}

func (c *Coordinator) setState(rank int, state WorkerState) {
	c.mu.Lock()
	c.states[rank] = state
	c.mu.Unlock()
	klog.V(2).Infof("Worker %d is now %s", rank, state)
}

// Run launches all workers and blocks until they finish. It returns
// the first worker error, if any; a failing worker tears down its
// group membership, which aborts the remaining workers instead of
// leaving them blocked in a collective.
func (c *Coordinator) Run() error {
	var wg sync.WaitGroup
	workerErrs := make([]error, c.config.WorldSize)
	for _, spec := range c.specs {
		wg.Add(1)
		go func(spec WorkerSpec) {
			defer wg.Done()
			workerErrs[spec.Rank] = c.runWorker(spec)
		}(spec)
	}
	wg.Wait()
	for rank, err := range workerErrs {
		if err != nil {
			klog.Errorf("Worker %d failed: %+v", rank, err)
		}
	}
	for rank, err := range workerErrs {
		if err != nil {
			return errors.WithMessagef(err, "worker %d", rank)
		}
	}
	return nil
}

// RunWorker runs the single worker of the given rank and blocks until
// it finishes. It is the entry point for one-process-per-rank launches
// of the same RunConfig; Addr must then be set explicitly so every
// process meets at the same rendezvous.
func (c *Coordinator) RunWorker(rank int) error {
	if rank < 0 || rank >= len(c.specs) {
		return errors.Errorf("rank %d out of range for world size %d", rank, len(c.specs))
	}
	return c.runWorker(c.specs[rank])
}

// runWorker drives one rank through the whole lifecycle.
func (c *Coordinator) runWorker(spec WorkerSpec) error {
	c.setState(spec.Rank, StateInit)
	group, err := Join(spec.GroupConfig())
	if err != nil {
		return err
	}
	defer func() {
		_ = group.Teardown()
		c.setState(spec.Rank, StateTornDown)
	}()
	c.setState(spec.Rank, StateJoined)

	device, err := DeviceForRank(spec.Rank, LocalDevices())
	if err != nil {
		return errors.WithMessagef(err, "rank %d failed to bind a device", spec.Rank)
	}
	c.setState(spec.Rank, StateDeviceBound)

	// Build models and optimizers. Initializations differ per rank;
	// replication below overwrites everything with rank 0's.
	rng := rand.New(rand.NewSource(spec.Seed))
	generator := nn.NewGenerator(c.config.GAN, rng)
	discriminator := nn.NewDiscriminator(c.config.GAN, rng)
	genOpt, err := c.buildOptimizer()
	if err != nil {
		return err
	}
	discOpt, err := c.buildOptimizer()
	if err != nil {
		return err
	}

	wrappedGen, err := WrapModule(group, generator, device)
	if err != nil {
		return err
	}
	wrappedDisc, err := WrapModule(group, discriminator, device)
	if err != nil {
		return err
	}
	c.setState(spec.Rank, StateReplicated)

	trainer, err := train.NewGANTrainer(wrappedGen, wrappedDisc, genOpt, discOpt, train.GANTrainerConfig{
		LatentDim:   c.config.GAN.LatentDim,
		CriticIters: c.config.CriticIters,
		Sync:        NewReplicaSync(group, wrappedGen, wrappedDisc),
		Gate:        NewLeaderGate(group),
		Rng:         rng,
	})
	if err != nil {
		return err
	}

	shard, err := c.config.Dataset.Shard(spec.Rank, spec.WorldSize)
	if err != nil {
		return err
	}

	var handler *checkpoints.Handler
	if c.config.CheckpointDir != "" {
		handler, err = checkpoints.Build().
			Dir(c.config.CheckpointDir).
			Keep(c.config.CheckpointKeep).
			Done()
		if err != nil {
			return err
		}
	}

	loop := train.NewLoop(trainer)
	if err := c.maybeResume(spec, group, trainer, handler, loop); err != nil {
		return err
	}
	c.attachHooks(spec, group, trainer, handler, loop)
	if trainer.Gate().IsLeader() && c.config.LeaderLoopHook != nil {
		c.config.LeaderLoopHook(loop)
	}

	remaining := c.config.Epochs - trainer.Progress().Epoch
	if remaining <= 0 {
		klog.V(1).Infof("Rank %d: training already completed (%d epochs)", spec.Rank, c.config.Epochs)
		return nil
	}
	c.setState(spec.Rank, StateTraining)
	if _, err := loop.RunEpochs(shard, remaining); err != nil {
		return err
	}
	return nil
}

// buildOptimizer constructs a fresh optimizer per the run config.
func (c *Coordinator) buildOptimizer() (optimizers.Interface, error) {
	switch c.config.Optimizer {
	case "sgd":
		cfg := optimizers.SGD()
		if c.config.LearningRate > 0 {
			cfg = cfg.LearningRate(c.config.LearningRate)
		}
		return cfg.Done(), nil
	case "adam":
		cfg := optimizers.Adam()
		if c.config.LearningRate > 0 {
			cfg = cfg.LearningRate(c.config.LearningRate)
		}
		return cfg.Done(), nil
	}
	return nil, errors.Errorf("unknown optimizer %q", c.config.Optimizer)
}

// maybeResume restores the latest checkpoint, if checkpointing is
// enabled and one exists. Every rank loads the same files after the
// models are replicated, so the replicas stay identical.
func (c *Coordinator) maybeResume(spec WorkerSpec, group *ProcessGroup,
	trainer *train.GANTrainer, handler *checkpoints.Handler, loop *train.Loop) error {
	if handler == nil {
		return nil
	}
	found, err := handler.HasCheckpoints()
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	state := c.checkpointState(trainer, group)
	if err := handler.LoadLatest(state); err != nil {
		return errors.WithMessagef(err, "rank %d failed to resume", spec.Rank)
	}
	trainer.SetProgress(state.Progress)
	loop.SetProgress(state.Progress.GlobalStep)
	c.setState(spec.Rank, StateResumed)

	// All ranks must have finished reading the files before the leader
	// may overwrite them with a new save.
	return group.Barrier()
}

// checkpointState assembles the checkpoint view of the trainer: the
// unwrapped modules, so a checkpoint written by a distributed run loads
// into a single-process one and vice versa.
func (c *Coordinator) checkpointState(trainer *train.GANTrainer, group *ProcessGroup) *checkpoints.State {
	unwrap := func(m nn.Module) nn.Module {
		if wrapped, ok := m.(*ReplicatedModel); ok {
			return wrapped.Module()
		}
		return m
	}
	return &checkpoints.State{
		Generator:     unwrap(trainer.Generator()),
		Discriminator: unwrap(trainer.Discriminator()),
		GenOpt:        trainer.GeneratorOptimizer(),
		DiscOpt:       trainer.DiscriminatorOptimizer(),
		Progress:      trainer.Progress(),
		Session:       group.Session(),
	}
}

// attachHooks wires metric reduction, epoch logging and checkpointing
// into the loop. Hook registration is identical on every rank; only
// side effects inside the hooks are leader-gated. Collective calls
// (metric reduction, the post-save barrier) are never gated.
func (c *Coordinator) attachHooks(spec WorkerSpec, group *ProcessGroup,
	trainer *train.GANTrainer, handler *checkpoints.Handler, loop *train.Loop) {
	gate := trainer.Gate()
	sampleConds := c.config.Dataset.LabelRows(c.config.SampleCount)

	// Epoch bookkeeping runs before everything else at this step.
	train.OnEveryEpochEnd(loop, "progress", -100, func(loop *train.Loop, stepMetrics []float64) error {
		p := trainer.Progress()
		p.Epoch++
		p.TotalEpochs = c.config.Epochs
		trainer.SetProgress(p)
		return nil
	})

	train.OnEveryEpochEnd(loop, "metrics", 0, func(loop *train.Loop, stepMetrics []float64) error {
		reduced, err := trainer.Sync().ReduceMetrics(stepMetrics)
		if err != nil {
			return err
		}
		if gate.IsLeader() {
			names := trainer.TrainMetrics()
			klog.Infof("Epoch %d/%d: %s=%s, %s=%s",
				trainer.Progress().Epoch, c.config.Epochs,
				names[0].ShortName(), names[0].PrettyPrint(reduced[0]),
				names[1].ShortName(), names[1].PrettyPrint(reduced[1]))
		}
		return nil
	})

	if handler == nil {
		return
	}
	saveAndBarrier := func(loop *train.Loop) error {
		if gate.IsLeader() {
			state := c.checkpointState(trainer, group)
			if c.config.SampleCount > 0 {
				state.Samples = trainer.GenerateSamples(c.config.SampleCount, sampleConds)
			}
			if err := handler.Save(state); err != nil {
				return err
			}
		}
		// Every rank waits for the save to be committed, so no rank can
		// race ahead, fail and leave a stale checkpoint behind.
		if err := group.Barrier(); err != nil {
			return err
		}
		c.setState(spec.Rank, StateSaved)
		return nil
	}
	train.OnEveryEpochEnd(loop, "checkpoint", 100, func(loop *train.Loop, stepMetrics []float64) error {
		epoch := trainer.Progress().Epoch
		if epoch%c.config.CheckpointEveryNEpochs != 0 && epoch != c.config.Epochs {
			return nil
		}
		return saveAndBarrier(loop)
	})
}
