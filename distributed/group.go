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
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ProcessGroup is one rank's membership in an assembled group. All
// collectives are synchronous and must be called by every rank in the
// same order with the same element counts -- divergence aborts the
// whole group with ErrCollectiveMismatch.
//
// A ProcessGroup serializes its own collectives internally, but the
// intended use is one goroutine driving training per process.
type ProcessGroup struct {
	config  Config
	session uuid.UUID
	conn    *wireConn
	hub     *hub // Non-nil on rank 0, which hosts the rendezvous.

	mu     sync.Mutex
	seq    uint64
	closed bool

	teardownOnce sync.Once
	teardownErr  error
}

// Join assembles the process group: rank 0 starts the hub at
// config.Addr, every rank (rank 0 included) dials it and waits for the
// group to complete. It blocks until all config.WorldSize ranks have
// joined, or fails with ErrRendezvousTimeout after config.Timeout.
func Join(config Config) (*ProcessGroup, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid process group config")
	}
	deadline := time.Now().Add(config.Timeout)

	var h *hub
	if config.Rank == 0 {
		var err error
		h, err = startHub(config.Addr, config.WorldSize, config.Timeout)
		if err != nil {
			return nil, err
		}
	}

	conn, err := dialRendezvous(config.Addr, deadline)
	if err != nil {
		return nil, err
	}
	wc := newWireConn(conn)
	if err := wc.writeHello(helloMsg{rank: int32(config.Rank), world: int32(config.WorldSize)}); err != nil {
		_ = wc.Close()
		return nil, errors.WithMessagef(err, "rank %d failed to join", config.Rank)
	}

	// The welcome only arrives once the whole group has assembled.
	_ = conn.SetReadDeadline(deadline)
	payload, err := wc.readFrame()
	if err != nil {
		_ = wc.Close()
		if netErr, ok := errors.Cause(err).(net.Error); ok && netErr.Timeout() {
			return nil, errors.Wrapf(ErrRendezvousTimeout, "rank %d waited %s for the group to assemble",
				config.Rank, config.Timeout)
		}
		return nil, errors.WithMessagef(err, "rank %d failed waiting for the group to assemble", config.Rank)
	}
	kind, _, welcome, _, _, abortReason, err := parseFrame(payload)
	if err != nil {
		_ = wc.Close()
		return nil, errors.WithMessagef(err, "rank %d received a malformed rendezvous reply", config.Rank)
	}
	switch kind {
	case kindWelcome:
		// Assembled.
	case kindAbort:
		_ = wc.Close()
		return nil, errors.WithMessagef(abortError(abortReason), "rank %d", config.Rank)
	default:
		_ = wc.Close()
		return nil, errors.Errorf("rank %d received unexpected frame kind %d during rendezvous", config.Rank, kind)
	}
	_ = conn.SetReadDeadline(time.Time{}) // Collectives are not bounded by the join timeout.

	g := &ProcessGroup{
		config: config,
		conn:   wc,
		hub:    h,
	}
	copy(g.session[:], welcome.session[:])
	klog.V(1).Infof("Rank %d of %d joined process group session %s at %s",
		config.Rank, config.WorldSize, g.session, config.Addr)
	return g, nil
}

// dialRendezvous retries the dial until the hub's listener is up or the
// deadline passes. Non-zero ranks typically start before rank 0's
// listener is bound.
func dialRendezvous(addr string, deadline time.Time) (net.Conn, error) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errors.Wrapf(ErrRendezvousTimeout, "could not reach rendezvous address %s", addr)
		}
		conn, err := net.DialTimeout("tcp", addr, remaining)
		if err == nil {
			return conn, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// abortError maps a hub abort reason to a sentinel error.
func abortError(reason string) error {
	switch {
	case strings.HasPrefix(reason, abortReasonTimeout):
		return errors.WithMessage(ErrRendezvousTimeout, reason)
	case strings.HasPrefix(reason, abortReasonMismatch):
		return errors.WithMessage(ErrCollectiveMismatch, reason)
	default:
		return errors.Errorf("process group aborted: %s", reason)
	}
}

// Rank of this member.
func (g *ProcessGroup) Rank() int { return g.config.Rank }

// WorldSize of the group.
func (g *ProcessGroup) WorldSize() int { return g.config.WorldSize }

// Session identifier shared by all members of this rendezvous.
func (g *ProcessGroup) Session() string { return g.session.String() }

// collective runs one synchronous round and returns the result data.
func (g *ProcessGroup) collective(op byte, root int32, data []float32) ([]float32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, errors.WithStack(ErrGroupClosed)
	}
	seq := g.seq
	g.seq++

	if err := g.conn.writeCollective(collectiveMsg{seq: seq, op: op, root: root, data: data}); err != nil {
		g.closed = true
		return nil, errors.WithMessagef(err, "rank %d failed to submit collective %d", g.config.Rank, seq)
	}
	payload, err := g.conn.readFrame()
	if err != nil {
		g.closed = true
		return nil, errors.WithMessagef(err, "rank %d lost the group during collective %d", g.config.Rank, seq)
	}
	kind, _, _, _, result, abortReason, err := parseFrame(payload)
	if err != nil {
		g.closed = true
		return nil, errors.WithMessagef(err, "rank %d received a malformed collective reply", g.config.Rank)
	}
	switch kind {
	case kindResult:
		if result.seq != seq {
			g.closed = true
			return nil, errors.Errorf("rank %d got result for round %d during round %d", g.config.Rank, result.seq, seq)
		}
		return result.data, nil
	case kindAbort:
		g.closed = true
		return nil, errors.WithMessagef(abortError(abortReason), "rank %d collective %d", g.config.Rank, seq)
	default:
		g.closed = true
		return nil, errors.Errorf("rank %d received unexpected frame kind %d during collective", g.config.Rank, kind)
	}
}

// AllReduce reduces data elementwise across all ranks with op and
// stores the result back into data, identically on every rank. Every
// rank must pass the same number of elements.
func (g *ProcessGroup) AllReduce(op ReduceOp, data []float32) error {
	result, err := g.collective(byte(op), 0, data)
	if err != nil {
		return err
	}
	copy(data, result)
	return nil
}

// Broadcast overwrites data on every rank with the root rank's data.
func (g *ProcessGroup) Broadcast(root int, data []float32) error {
	if root < 0 || root >= g.config.WorldSize {
		return errors.Errorf("broadcast root %d outside of world [0, %d)", root, g.config.WorldSize)
	}
	result, err := g.collective(opBroadcast, int32(root), data)
	if err != nil {
		return err
	}
	copy(data, result)
	return nil
}

// Barrier blocks until every rank of the group has called it.
func (g *ProcessGroup) Barrier() error {
	_, err := g.collective(byte(ReduceSum), 0, nil)
	return err
}

// Teardown leaves the group in an orderly way. It is idempotent; the
// group is unusable afterwards. All ranks must tear down at the same
// point of their schedule, or the remaining ranks' next collective
// fails with ErrCollectiveMismatch.
func (g *ProcessGroup) Teardown() error {
	g.teardownOnce.Do(func() {
		g.mu.Lock()
		alreadyClosed := g.closed
		g.closed = true
		g.mu.Unlock()
		if !alreadyClosed {
			g.teardownErr = g.conn.writeBye()
		}
		_ = g.conn.Close()
		klog.V(1).Infof("Rank %d left process group session %s", g.config.Rank, g.session)
	})
	return g.teardownErr
}
