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

// Package commandline implements the terminal UI of a training run: an
// asynchronous progress bar with a live metrics table.
//
// In a distributed run attach it on the leader only. The display hooks
// are wall-clock driven and never issue collectives, so they are safe
// to register on a single rank.
package commandline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"github.com/tsgan/tsgan/ml/train"
	"golang.org/x/exp/constraints"
)

// ExtraMetricFn is any function that gives extra values to display
// along the progress bar. It is called on each display update and
// returns a name and the current value.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version. Consider
// progressbar.ThemeUnicode for a prettier version, if the graphical
// symbols are supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName identifies the attached hooks.
const ProgressBarName = "tsgan.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the minimum time between redraws of the stats
// table.
const maxUpdateFrequency = time.Millisecond * 200

// progressBar holds a progress bar being displayed.
type progressBar struct {
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar

	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount  int
	metrics []string
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	pBar.numSteps = loop.EndStep - loop.StartStep
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, stepMetrics []float64) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	amount := loop.LoopStep + 1 - pBar.lastStepReported // +1 because the current LoopStep is finished.
	if amount <= 0 {
		return nil
	}

	trainMetrics := loop.Trainer.TrainMetrics()
	update := progressBarUpdate{
		amount:  amount,
		metrics: make([]string, 0, len(trainMetrics)+1),
	}
	update.metrics = append(update.metrics, fmt.Sprintf("%s of %s",
		humanizeInt(loop.LoopStep), humanizeInt(loop.EndStep)))
	for metricIdx, metricObj := range trainMetrics {
		update.metrics = append(update.metrics, metricObj.PrettyPrint(stepMetrics[metricIdx]))
	}
	pBar.updates <- update

	pBar.lastStepReported = loop.LoopStep + 1
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ []float64) error {
	if pBar.updates != nil {
		close(pBar.updates)
	}
	pBar.asyncUpdatesDone.Wait()
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	fmt.Println()
	return nil
}

// AttachProgressBar creates a commandline progress bar and attaches it
// to the Loop, so that every time the Loop runs it displays progression
// and metrics.
//
// Optionally one can provide extraMetrics: functions called on every
// display update that return a name (title) and value to include in
// the table.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		isFirstOutput:  true,
		extraMetricFns: extraMetrics,
	}
	pBar.termenv = termenv.NewOutput(os.Stdout)
	pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so training is not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go func() {
		// Asynchronously draw updates: handy if the training is faster
		// than the terminal, e.g. over a slow network connection.
		for update := range pBar.updates {
			// Exhaust the updates in the buffer:
			amount := update.amount
		exhaust:
			for {
				select {
				case newUpdate, ok := <-pBar.updates:
					if !ok {
						break exhaust
					}
					amount += newUpdate.amount
					update = newUpdate
				default:
					break exhaust
				}
			}

			// Create the table to be printed.
			pBar.statsTable.Data(lgtable.NewStringData())
			pBar.statsTable.Row("Global Step", update.metrics[0])
			pBar.statsTable.Row("Median train step duration", FormatDuration(loop.MedianTrainStepDuration()))
			for metricIdx, metricObj := range loop.Trainer.TrainMetrics() {
				pBar.statsTable.Row(metricObj.Name(), update.metrics[1+metricIdx])
			}
			for _, extraMetric := range pBar.extraMetricFns {
				name, value := extraMetric()
				pBar.statsTable.Row(name, value)
			}

			// Clear the previous lines that will be overwritten.
			pBar.termenv.HideCursor()
			if !pBar.isFirstOutput {
				numLinesToBackup := len(update.metrics) + 2 + 2 + len(pBar.extraMetricFns)
				pBar.termenv.CursorPrevLine(numLinesToBackup)
			}
			pBar.isFirstOutput = false

			fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
			_ = pBar.bar.Add(amount) // Prints the progress bar line.
			fmt.Println()
			pBar.termenv.ShowCursor()
			time.Sleep(maxUpdateFrequency)
		}
		pBar.asyncUpdatesDone.Done()
	}()

	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at least 1000 times during the loop, or at least every
	// RefreshPeriod.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}

// FormatDuration rounds a duration to a readable precision.
func FormatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return d.Round(10 * time.Millisecond).String()
	case d >= time.Millisecond:
		return d.Round(10 * time.Microsecond).String()
	}
	return d.Round(time.Nanosecond).String()
}

func humanizeInt[I constraints.Integer](nI I) string {
	n := int(nI)
	str := fmt.Sprintf("%d", n)
	result := make([]byte, 0, len(str)+len(str)/3)
	strLen := len(str)
	for i := strLen - 1; i >= 0; i-- {
		if (strLen-i-1)%3 == 0 && i < strLen-1 {
			result = append([]byte{'_'}, result...)
		}
		result = append([]byte{str[i]}, result...)
	}
	return string(result)
}
