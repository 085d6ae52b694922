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
	"github.com/pkg/errors"
	"github.com/tsgan/tsgan/ml/nn"
)

// MetricReducer averages scalar metrics across the group, so the
// leader's log lines describe the whole run and not just its own shard.
//
// Every rank must call ReduceAndAverage at the same points of the
// schedule with the same number of values: the reduction is a
// collective. The call is deterministic -- reducing the same values
// again yields the same result.
type MetricReducer struct {
	group *ProcessGroup
}

// NewMetricReducer creates a reducer over the group.
func NewMetricReducer(group *ProcessGroup) *MetricReducer {
	return &MetricReducer{group: group}
}

// ReduceAndAverage returns, on every rank, the across-rank mean of each
// value. All values are packed into a single all-reduce round.
func (r *MetricReducer) ReduceAndAverage(values []float64) ([]float64, error) {
	buf := make([]float32, len(values))
	for i, v := range values {
		buf[i] = float32(v)
	}
	if err := r.group.AllReduce(ReduceSum, buf); err != nil {
		return nil, errors.WithMessage(err, "failed to reduce metrics")
	}
	averaged := make([]float64, len(values))
	invWorld := 1 / float64(r.group.WorldSize())
	for i, v := range buf {
		averaged[i] = float64(v) * invWorld
	}
	return averaged, nil
}

// ReplicaSync is the distributed train.SyncPolicy: gradients and
// metrics are averaged across the process group.
type ReplicaSync struct {
	generator     *ReplicatedModel
	discriminator *ReplicatedModel
	reducer       *MetricReducer
}

// NewReplicaSync builds the sync policy for a replicated
// generator/critic pair.
func NewReplicaSync(group *ProcessGroup, generator, discriminator *ReplicatedModel) *ReplicaSync {
	return &ReplicaSync{
		generator:     generator,
		discriminator: discriminator,
		reducer:       NewMetricReducer(group),
	}
}

// SyncGradients implements train.SyncPolicy. The variable slice
// identifies which of the two replicated models to synchronize; the
// trainer always passes a whole model's variables.
func (s *ReplicaSync) SyncGradients(vars []*nn.Variable) error {
	m, err := s.modelFor(vars)
	if err != nil {
		return err
	}
	return m.SyncGradients()
}

// modelFor matches a variable slice to one of the replicated models.
func (s *ReplicaSync) modelFor(vars []*nn.Variable) (*ReplicatedModel, error) {
	if len(vars) == 0 {
		return nil, errors.New("cannot synchronize an empty variable set")
	}
	for _, m := range []*ReplicatedModel{s.generator, s.discriminator} {
		mVars := m.Variables()
		if len(mVars) == len(vars) && mVars[0] == vars[0] {
			return m, nil
		}
	}
	return nil, errors.Errorf("variable set starting at %q does not belong to a replicated model", vars[0].Name)
}

// ReduceMetrics implements train.SyncPolicy.
func (s *ReplicaSync) ReduceMetrics(values []float64) ([]float64, error) {
	return s.reducer.ReduceAndAverage(values)
}
