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

// Package checkpoints saves and restores the training state of a GAN
// run: both models' parameters, both optimizers' state, the training
// progress and a batch of generated samples for eyeballing.
//
// Each checkpoint is a pair of files sharing a base name: a JSON
// metadata file (progress, optimizer state, variable index) and a raw
// binary blob with the parameter data. In a distributed run only the
// leader saves; restoring is done by every rank from the same files,
// which keeps the replicas identical without an extra broadcast.
//
// Example usage:
//
//	handler, err := checkpoints.Build().Dir(dir).Keep(3).Done()
//	...
//	err = handler.Save(state)     // Leader only.
//	err = handler.LoadLatest(state) // Every rank.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/tsgan/tsgan/ml/nn"
	"github.com/tsgan/tsgan/ml/train"
	"github.com/tsgan/tsgan/ml/train/optimizers"
	"github.com/tsgan/tsgan/types/shapes"
	"github.com/tsgan/tsgan/types/tensors"
	"k8s.io/klog/v2"
)

// Sentinel errors. Test with errors.Is.
var (
	// ErrNotFound: no checkpoint exists in the configured directory.
	ErrNotFound = errors.New("no checkpoint found")

	// ErrCorrupt: a checkpoint exists but cannot be restored -- truncated
	// files, unparseable metadata or parameters that don't match the
	// models being restored.
	ErrCorrupt = errors.New("checkpoint is corrupt or incompatible")
)

// DirPermMode is the default directory creation permission (before
// umask) used.
var DirPermMode = os.FileMode(0770)

// Config for the checkpoints Handler to be created. This is created
// with Build() and configured with the various methods. Once finished,
// call Done() to get the Handler.
type Config struct {
	err  error
	dir  string
	keep int
}

// Build a configuration for a checkpoints.Handler. Configure it and
// call Done.
func Build() *Config {
	return &Config{keep: 1}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints,
// creating it if needed.
//
// One of Dir or TempDir must be set before building the Handler.
func (c *Config) Dir(dir string) *Config {
	c.dir = dir
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("checkpoint directory %q exists but is a regular file", dir))
		return c
	}
	if err == nil {
		return c
	}
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		c.setError(errors.Wrapf(err, "failed to create checkpoint directory %q", dir))
	}
	return c
}

// TempDir creates a temporary directory under dir with the given
// pattern and uses it for checkpoints. A convenience wrapper around
// os.MkdirTemp, mostly for tests and throwaway runs.
func (c *Config) TempDir(dir, pattern string) *Config {
	newDir, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed os.MkdirTemp(%q, %q)", dir, pattern))
		return c
	}
	c.dir = newDir
	return c
}

// Keep configures the number of checkpoints to keep; older ones are
// erased after each save. -1 keeps everything. The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Done creates the Handler with the current configuration.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.New("checkpoint directory not configured")
	}
	h := &Handler{config: c}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	h.checkpointsCount = maxCheckpointCount(list) + 1
	return h, nil
}

// Handler saves and restores checkpoints in one directory.
type Handler struct {
	config           *Config
	checkpointsCount int
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir the handler reads from and writes to.
func (h *Handler) Dir() string { return h.config.dir }

// State is everything a checkpoint captures. The same struct drives
// Save and LoadLatest: loading restores parameters and optimizer state
// in place into the given modules and optimizers.
type State struct {
	Generator     nn.Module
	Discriminator nn.Module
	GenOpt        optimizers.Interface
	DiscOpt       optimizers.Interface
	Progress      train.Progress

	// Samples generated at save time, for inspection without loading
	// the model. Optional on save; repopulated on load when present.
	Samples *tensors.Tensor

	// Session of the process group that saved the checkpoint, if any.
	Session string
}

// varEntry indexes one tensor inside the binary blob, in file order.
type varEntry struct {
	Module string `json:"module"`
	Name   string `json:"name"`
	Dims   []int  `json:"dims"`
}

const (
	generatorModule     = "generator"
	discriminatorModule = "discriminator"
	samplesModule       = "samples"
)

// metadata is the JSON side of a checkpoint.
type metadata struct {
	SavedAt  time.Time        `json:"saved_at"`
	Session  string           `json:"session,omitempty"`
	Progress train.Progress   `json:"progress"`
	GenOpt   optimizers.State `json:"generator_optimizer"`
	DiscOpt  optimizers.State `json:"discriminator_optimizer"`
	Vars     []varEntry       `json:"variables"`
}

const (
	baseNamePrefix = "checkpoint-"
	jsonNameSuffix = ".json"
	varDataSuffix  = ".bin"
)

// newCheckpointBaseName returns the base name for the checkpoint files.
// Sorting base names lexicographically sorts checkpoints in save order.
func (h *Handler) newCheckpointBaseName(progress train.Progress) string {
	now := time.Now().Format("20060102-150405")
	return fmt.Sprintf("%sn%07d-%s-epoch-%04d", baseNamePrefix, h.checkpointsCount, now, progress.Epoch)
}

// ListCheckpoints returns the base names of the checkpoints in the
// directory, oldest first.
func (h *Handler) ListCheckpoints() ([]string, error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s failed listing checkpoints", h)
	}
	var list []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, jsonNameSuffix) {
			continue
		}
		list = append(list, fileName[:len(fileName)-len(jsonNameSuffix)])
	}
	sort.Strings(list)
	return list, nil
}

// HasCheckpoints returns whether any checkpoint is saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckpointCount returns the largest saved checkpoint count, so the
// next save uses count+1. -1 when there is none.
func maxCheckpointCount(list []string) int {
	maxID := -1
	for _, name := range list {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		if id > maxID {
			maxID = id
		}
	}
	return maxID
}

// Save writes a new checkpoint and prunes old ones per Keep. In a
// distributed run, gate this behind the leader.
func (h *Handler) Save(state *State) error {
	meta := metadata{
		SavedAt:  time.Now(),
		Session:  state.Session,
		Progress: state.Progress,
		GenOpt:   state.GenOpt.StateDict(),
		DiscOpt:  state.DiscOpt.StateDict(),
	}
	var blob []*tensors.Tensor
	appendModule := func(moduleKey string, m nn.Module) {
		for _, v := range m.Variables() {
			meta.Vars = append(meta.Vars, varEntry{
				Module: moduleKey,
				Name:   v.Name,
				Dims:   v.Value.Shape().Dimensions,
			})
			blob = append(blob, v.Value)
		}
	}
	appendModule(generatorModule, state.Generator)
	appendModule(discriminatorModule, state.Discriminator)
	if state.Samples != nil {
		meta.Vars = append(meta.Vars, varEntry{
			Module: samplesModule,
			Name:   samplesModule,
			Dims:   state.Samples.Shape().Dimensions,
		})
		blob = append(blob, state.Samples)
	}

	baseName := h.newCheckpointBaseName(state.Progress)
	varFileName := filepath.Join(h.config.dir, baseName+varDataSuffix)
	varFile, err := os.Create(varFileName)
	if err != nil {
		return errors.Wrapf(err, "%s failed to create %s", h, varFileName)
	}
	var written int64
	for _, t := range blob {
		n, err := t.WriteTo(varFile)
		if err != nil {
			_ = varFile.Close()
			return errors.Wrapf(err, "%s failed writing parameters to %s", h, varFileName)
		}
		written += n
	}
	if err := varFile.Close(); err != nil {
		return errors.Wrapf(err, "%s failed to close %s", h, varFileName)
	}

	jsonFileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
	jsonFile, err := os.Create(jsonFileName)
	if err != nil {
		return errors.Wrapf(err, "%s failed to create %s", h, jsonFileName)
	}
	enc := json.NewEncoder(jsonFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&meta); err != nil {
		_ = jsonFile.Close()
		return errors.Wrapf(err, "%s failed encoding metadata to %s", h, jsonFileName)
	}
	if err := jsonFile.Close(); err != nil {
		return errors.Wrapf(err, "%s failed to close %s", h, jsonFileName)
	}

	h.checkpointsCount++
	klog.V(1).Infof("Saved checkpoint %q (%s of parameters) at epoch %d",
		baseName, humanize.Bytes(uint64(written)), state.Progress.Epoch)
	return h.keepNCheckpoints()
}

// LoadLatest restores the most recent checkpoint into state: parameters
// into the modules, optimizer state into the optimizers, progress and
// samples into the struct. It fails with ErrNotFound when the
// directory has no checkpoint, and ErrCorrupt when the latest one
// cannot be restored.
func (h *Handler) LoadLatest(state *State) error {
	list, err := h.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return errors.Wrapf(ErrNotFound, "in directory %q", h.config.dir)
	}
	return h.loadCheckpoint(list[len(list)-1], state)
}

func (h *Handler) loadCheckpoint(baseName string, state *State) error {
	jsonFileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
	jsonFile, err := os.Open(jsonFileName)
	if err != nil {
		return errors.Wrapf(err, "%s failed to open %s", h, jsonFileName)
	}
	var meta metadata
	err = json.NewDecoder(jsonFile).Decode(&meta)
	_ = jsonFile.Close()
	if err != nil {
		return errors.Wrapf(ErrCorrupt, "failed decoding metadata of %q: %v", baseName, err)
	}

	varFileName := filepath.Join(h.config.dir, baseName+varDataSuffix)
	varFile, err := os.Open(varFileName)
	if err != nil {
		return errors.Wrapf(ErrCorrupt, "checkpoint %q has no parameter file: %v", baseName, err)
	}
	defer func() { _ = varFile.Close() }()

	varsByKey := make(map[string]*nn.Variable)
	indexModule := func(moduleKey string, m nn.Module) {
		for _, v := range m.Variables() {
			varsByKey[moduleKey+"/"+v.Name] = v
		}
	}
	indexModule(generatorModule, state.Generator)
	indexModule(discriminatorModule, state.Discriminator)

	restored := 0
	for _, entry := range meta.Vars {
		for _, dim := range entry.Dims {
			if dim <= 0 {
				return errors.Wrapf(ErrCorrupt, "checkpoint %q parameter %s/%s has invalid dimensions %v",
					baseName, entry.Module, entry.Name, entry.Dims)
			}
		}
		if entry.Module == samplesModule {
			samples := tensors.FromShape(shapes.Make(shapes.Float32, entry.Dims...))
			if _, err := samples.ReadFrom(varFile); err != nil {
				return errors.Wrapf(ErrCorrupt, "failed reading samples of %q: %v", baseName, err)
			}
			state.Samples = samples
			continue
		}
		v, found := varsByKey[entry.Module+"/"+entry.Name]
		if !found {
			return errors.Wrapf(ErrCorrupt, "checkpoint %q has parameter %s/%s, model doesn't",
				baseName, entry.Module, entry.Name)
		}
		loaded := tensors.FromShape(shapes.Make(shapes.Float32, entry.Dims...))
		if _, err := loaded.ReadFrom(varFile); err != nil {
			return errors.Wrapf(ErrCorrupt, "failed reading %s/%s of %q: %v",
				entry.Module, entry.Name, baseName, err)
		}
		if !loaded.Shape().Equal(v.Value.Shape()) {
			return errors.Wrapf(ErrCorrupt, "checkpoint %q parameter %s/%s has shape %s, model has %s",
				baseName, entry.Module, entry.Name, loaded.Shape(), v.Value.Shape())
		}
		v.Value.CopyFrom(loaded)
		restored++
	}

	state.GenOpt.LoadStateDict(meta.GenOpt)
	state.DiscOpt.LoadStateDict(meta.DiscOpt)
	state.Progress = meta.Progress
	state.Session = meta.Session
	klog.V(1).Infof("Loaded checkpoint %q: %d parameters, epoch %d of %d",
		baseName, restored, meta.Progress.Epoch, meta.Progress.TotalEpochs)
	return nil
}

// keepNCheckpoints removes the older checkpoints beyond the configured
// Keep count.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep <= 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(list) <= h.config.keep {
		return nil
	}
	for _, baseName := range list[:len(list)-h.config.keep] {
		for _, suffix := range []string{varDataSuffix, jsonNameSuffix} {
			fileName := filepath.Join(h.config.dir, baseName+suffix)
			if err := os.Remove(fileName); err != nil {
				return errors.Wrapf(err, "%s failed removing old checkpoint file %s", h, fileName)
			}
		}
	}
	return nil
}
