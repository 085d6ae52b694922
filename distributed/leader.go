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

// IsLeader reports whether rank is the group leader. The leader is
// always rank 0: side effects that must happen exactly once per group
// (checkpoint writes, log lines, sample persistence) are gated on it.
func IsLeader(rank int) bool { return rank == 0 }

// LeaderGate is the distributed train.LeaderGate for one member.
type LeaderGate struct {
	rank int
}

// NewLeaderGate builds the gate for a group member.
func NewLeaderGate(group *ProcessGroup) LeaderGate {
	return LeaderGate{rank: group.Rank()}
}

// IsLeader implements train.LeaderGate.
func (g LeaderGate) IsLeader() bool { return IsLeader(g.rank) }
