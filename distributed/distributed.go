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

// Package distributed implements the coordination layer for
// data-parallel adversarial training: process-group rendezvous and
// collectives, gradient-synchronized model replication, cross-replica
// metric averaging and leader gating.
//
// Topology: the rank-0 process hosts a TCP hub at the rendezvous
// address; every rank (rank 0 included) dials it. Collectives are
// synchronous rounds on the hub: each rank submits its contribution
// tagged with a sequence number, the hub reduces and fans the result
// back out. Ranks that diverge in their collective call order are
// detected by the sequence tag and the whole group is aborted, rather
// than silently exchanging mismatched data.
//
// The package never decides what to synchronize: the trainer does,
// through the train.SyncPolicy and train.LeaderGate it is composed
// with. ReplicatedModel and MetricReducer here are the distributed
// implementations of those policies.
package distributed

import (
	"time"

	"github.com/pkg/errors"
)

// Sentinel errors of the coordination layer. Call sites wrap them with
// context; test with errors.Is.
var (
	// ErrRendezvousTimeout: not all ranks joined the group within the
	// configured timeout.
	ErrRendezvousTimeout = errors.New("process group rendezvous timed out")

	// ErrCollectiveMismatch: ranks issued diverging collective calls
	// (different order, operation or element count). The group is
	// unusable after this.
	ErrCollectiveMismatch = errors.New("collective call mismatch across ranks")

	// ErrGroupClosed: operation on a group after Teardown or an abort.
	ErrGroupClosed = errors.New("process group is closed")

	// ErrDeviceUnavailable: the device assigned to a rank does not
	// exist on this host.
	ErrDeviceUnavailable = errors.New("device unavailable")
)

// ReduceOp selects the elementwise reduction of an AllReduce.
type ReduceOp byte

const (
	// ReduceSum adds contributions elementwise.
	ReduceSum ReduceOp = iota

	// ReduceMax takes the elementwise maximum.
	ReduceMax

	// ReduceMin takes the elementwise minimum.
	ReduceMin
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "sum"
	case ReduceMax:
		return "max"
	case ReduceMin:
		return "min"
	}
	return "invalid"
}

// Backend names the collective transport. Only TCPBackend is
// implemented; the constant exists so configs are explicit about what
// they ask for.
type Backend string

// TCPBackend is the rank-0-hosted TCP hub transport.
const TCPBackend Backend = "tcp"

// DefaultJoinTimeout bounds how long Join waits for the full group to
// assemble.
const DefaultJoinTimeout = 30 * time.Second

// Config of a process group member. All ranks of a group must agree on
// WorldSize, Addr and Backend.
type Config struct {
	// Rank of this process, in [0, WorldSize).
	Rank int

	// WorldSize is the total number of processes in the group.
	WorldSize int

	// Addr is the rendezvous "host:port". Rank 0 listens on it, every
	// rank dials it.
	Addr string

	// Backend selects the transport. Empty defaults to TCPBackend.
	Backend Backend

	// Timeout for the rendezvous. Zero defaults to DefaultJoinTimeout.
	// It bounds joining only: collectives during training are not
	// subject to it.
	Timeout time.Duration
}

// Validate checks the configuration, applying defaults in place.
func (c *Config) Validate() error {
	if c.WorldSize <= 0 {
		return errors.Errorf("world size must be positive, got %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return errors.Errorf("rank %d outside of world [0, %d)", c.Rank, c.WorldSize)
	}
	if c.Addr == "" {
		return errors.New("rendezvous address must be set")
	}
	if c.Backend == "" {
		c.Backend = TCPBackend
	}
	if c.Backend != TCPBackend {
		return errors.Errorf("unsupported backend %q, only %q is available", c.Backend, TCPBackend)
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultJoinTimeout
	}
	return nil
}
