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

// Package metrics defines how scalar training metrics are named and
// pretty-printed, so log lines and the progress bar format identically
// on every rank.
package metrics

import "fmt"

// Interface for a scalar metric.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (a few characters) to
	// display in progress bars or similar UIs.
	ShortName() string

	// MetricType is a key for metrics that share the same quantity or
	// semantics, e.g. both batch losses have type "loss".
	MetricType() string

	// PrettyPrint a metric value, usually in a short form.
	PrettyPrint(value float64) string
}

// LossMetricType is the MetricType shared by the adversarial losses.
const LossMetricType = "loss"

// scalarMetric implements a stateless metric Interface.
type scalarMetric struct {
	name, shortName, metricType string
}

// NewLossMetric creates a metric of type LossMetricType with the given
// names.
func NewLossMetric(name, shortName string) Interface {
	return &scalarMetric{name: name, shortName: shortName, metricType: LossMetricType}
}

func (m *scalarMetric) Name() string       { return m.name }
func (m *scalarMetric) ShortName() string  { return m.shortName }
func (m *scalarMetric) MetricType() string { return m.metricType }

func (m *scalarMetric) PrettyPrint(value float64) string {
	return fmt.Sprintf("%.4f", value)
}
