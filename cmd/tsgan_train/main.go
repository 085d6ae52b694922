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

// tsgan_train launches a coordinated adversarial training run: it
// assembles the process group, shards the dataset across the workers
// and trains the generator/critic pair with synchronized gradients.
//
// Run settings come from an optional YAML file (see RunFile) overridden
// by flags. Without --data it trains on a synthetic sine dataset, which
// is handy to try the distributed machinery end to end:
//
//	tsgan_train --world=4 --epochs=20 --checkpoint=/tmp/tsgan
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/tsgan/tsgan/distributed"
	"github.com/tsgan/tsgan/ml/data"
	"github.com/tsgan/tsgan/ml/nn"
	"github.com/tsgan/tsgan/ml/train"
	"github.com/tsgan/tsgan/ui/commandline"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "YAML run file. Flags given explicitly override its values.")
	flagWorld  = flag.Int("world", 1, "Number of workers to launch.")
	flagRank   = flag.Int("rank", -1, "Run only this rank, for one-process-per-rank launches. Requires --addr. Negative runs all ranks in-process.")
	flagAddr   = flag.String("addr", "", "Rendezvous host:port. Empty picks a free localhost port.")
	flagEpochs = flag.Int("epochs", 10, "Total epochs to train, checkpoint resumes included.")
	flagBatch  = flag.Int("batch", 32, "Batch size per worker.")
	flagSeed   = flag.Int64("seed", 42, "Seed of the run. Worker r uses seed+r.")

	flagData     = flag.String("data", "", "CSV training data, one window per row. Empty trains on synthetic sines.")
	flagLabelCol = flag.String("label_col", "", "Name of the categorical condition column in --data.")

	flagCheckpoint     = flag.String("checkpoint", "", "Directory to save checkpoints to (and resume from). Empty disables checkpointing.")
	flagCheckpointKeep = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep, -1 keeps all.")
)

// RunFile is the YAML shape of --config.
type RunFile struct {
	WorldSize    int     `yaml:"world_size"`
	Addr         string  `yaml:"addr"`
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	Seed         int64   `yaml:"seed"`
	CriticIters  int     `yaml:"critic_iters"`
	Optimizer    string  `yaml:"optimizer"`
	LearningRate float64 `yaml:"learning_rate"`

	SequenceLength int `yaml:"sequence_length"`
	LatentDim      int `yaml:"latent_dim"`
	HiddenDim      int `yaml:"hidden_dim"`

	Data struct {
		Path     string `yaml:"path"`
		LabelCol string `yaml:"label_col"`
	} `yaml:"data"`

	Checkpoint struct {
		Dir          string `yaml:"dir"`
		Keep         int    `yaml:"keep"`
		EveryNEpochs int    `yaml:"every_n_epochs"`
		SampleCount  int    `yaml:"sample_count"`
	} `yaml:"checkpoint"`
}

func loadRunFile(path string) (*RunFile, error) {
	run := &RunFile{}
	if path == "" {
		return run, nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read run file %q", path)
	}
	if err := yaml.Unmarshal(contents, run); err != nil {
		return nil, errors.Wrapf(err, "failed to parse run file %q", path)
	}
	return run, nil
}

// applyFlags overrides the run file with every flag the user set
// explicitly, and fills defaults for what neither source provided.
func applyFlags(run *RunFile) {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["world"] || run.WorldSize == 0 {
		run.WorldSize = *flagWorld
	}
	if set["addr"] || run.Addr == "" {
		run.Addr = *flagAddr
	}
	if set["epochs"] || run.Epochs == 0 {
		run.Epochs = *flagEpochs
	}
	if set["batch"] || run.BatchSize == 0 {
		run.BatchSize = *flagBatch
	}
	if set["seed"] || run.Seed == 0 {
		run.Seed = *flagSeed
	}
	if set["data"] {
		run.Data.Path = *flagData
	}
	if set["label_col"] {
		run.Data.LabelCol = *flagLabelCol
	}
	if set["checkpoint"] {
		run.Checkpoint.Dir = *flagCheckpoint
	}
	if set["checkpoint_keep"] || run.Checkpoint.Keep == 0 {
		run.Checkpoint.Keep = *flagCheckpointKeep
	}

	if run.SequenceLength == 0 {
		run.SequenceLength = 64
	}
	if run.LatentDim == 0 {
		run.LatentDim = 16
	}
	if run.HiddenDim == 0 {
		run.HiddenDim = 128
	}
	if run.Checkpoint.SampleCount == 0 {
		run.Checkpoint.SampleCount = 8
	}
}

// buildDataset loads the CSV data, or generates synthetic sines when no
// data file is configured.
func buildDataset(run *RunFile) (*data.InMemoryDataset, error) {
	if run.Data.Path != "" {
		return data.FromCSV("train", run.Data.Path, run.Data.LabelCol, run.BatchSize)
	}
	klog.Info("No --data given: training on synthetic sine waves")
	const numRows, numClasses = 2048, 4
	return data.SyntheticSines(numRows, run.SequenceLength, numClasses, run.BatchSize, run.Seed)
}

var (
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
)

// printRunSummary renders the effective settings before the run starts.
func printRunSummary(run *RunFile, ds *data.InMemoryDataset, condDim int) {
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row%2 == 0 {
				return oddRowStyle
			}
			return evenRowStyle
		})
	table.Row("Workers", fmt.Sprintf("%d", run.WorldSize))
	table.Row("Epochs", fmt.Sprintf("%d", run.Epochs))
	table.Row("Dataset", fmt.Sprintf("%s: %d windows of length %d, batch %d",
		ds.Name(), ds.NumRows(), run.SequenceLength, run.BatchSize))
	table.Row("Conditions", fmt.Sprintf("%d", condDim))
	table.Row("Latent / hidden dims", fmt.Sprintf("%d / %d", run.LatentDim, run.HiddenDim))
	if run.Checkpoint.Dir != "" {
		table.Row("Checkpoints", fmt.Sprintf("%s (keep %d)", run.Checkpoint.Dir, run.Checkpoint.Keep))
	} else {
		table.Row("Checkpoints", "disabled")
	}
	fmt.Println(table.String())
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	run := must.M1(loadRunFile(*flagConfig))
	applyFlags(run)

	ds := must.M1(buildDataset(run))
	condDim := 0
	if labels := ds.Labels(); labels != nil {
		condDim = labels.Shape().Dim(1)
	}
	seqLen := run.SequenceLength
	if run.Data.Path != "" {
		// The CSV decides the window length.
		inputs, _, err := ds.Yield()
		must.M(err)
		ds.Reset()
		seqLen = inputs.Shape().Dim(1)
		run.SequenceLength = seqLen
	}
	if *flagRank >= 0 && run.Addr == "" {
		klog.Exit("--rank needs an explicit --addr so all processes meet at the same rendezvous")
	}
	if *flagRank <= 0 {
		printRunSummary(run, ds, condDim)
	}

	coordinator := must.M1(distributed.NewCoordinator(distributed.RunConfig{
		WorldSize: run.WorldSize,
		Addr:      run.Addr,
		Timeout:   0, // Default rendezvous timeout.
		Dataset:   ds,
		GAN: nn.GANConfig{
			SequenceLength: seqLen,
			ConditionDim:   condDim,
			LatentDim:      run.LatentDim,
			HiddenDim:      run.HiddenDim,
		},
		Epochs:                 run.Epochs,
		CriticIters:            run.CriticIters,
		Optimizer:              run.Optimizer,
		LearningRate:           run.LearningRate,
		CheckpointDir:          run.Checkpoint.Dir,
		CheckpointKeep:         run.Checkpoint.Keep,
		CheckpointEveryNEpochs: run.Checkpoint.EveryNEpochs,
		SampleCount:            run.Checkpoint.SampleCount,
		Seed:                   run.Seed,
		LeaderLoopHook: func(loop *train.Loop) {
			commandline.AttachProgressBar(loop)
		},
	}))
	var err error
	if *flagRank >= 0 {
		err = coordinator.RunWorker(*flagRank)
	} else {
		err = coordinator.Run()
	}
	if err != nil {
		klog.Errorf("Training failed: %+v", err)
		os.Exit(1)
	}
	fmt.Println("Training done.")
}
