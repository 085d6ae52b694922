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
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Abort reason prefixes, matched by members to map hub aborts back to
// sentinel errors.
const (
	abortReasonTimeout  = "rendezvous timeout"
	abortReasonMismatch = "collective mismatch"
	abortReasonLost     = "member lost"
)

// hub is the collective coordinator hosted by rank 0. It seats exactly
// world members, then serves synchronous collective rounds: one
// contribution per member per round, one reduced result back to each.
//
// The hub is deliberately dumb: it never initiates rounds and keeps no
// model state. Divergence between ranks shows up as mismatched round
// headers and aborts the whole group.
type hub struct {
	world    int
	session  uuid.UUID
	listener net.Listener
	members  []*hubMember
}

// hubMember is the hub's side of one rank's connection.
type hubMember struct {
	rank int
	conn *wireConn

	// msgs carries decoded collective contributions from the reader
	// goroutine to the round loop. Closed on bye, error or abort.
	msgs chan collectiveMsg

	// bye is true once the member sent an orderly bye before its msgs
	// channel closed.
	bye bool

	// readErr is the reader's terminal error, if not an orderly bye.
	readErr error
}

// startHub listens on addr and runs the rendezvous and round loop in
// background goroutines. It returns as soon as the listener is bound,
// so members (including the hosting rank itself) can dial immediately.
func startHub(addr string, world int, timeout time.Duration) (*hub, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "rank 0 failed to listen on rendezvous address %s", addr)
	}
	h := &hub{
		world:    world,
		session:  uuid.New(),
		listener: listener,
	}
	go h.serve(timeout)
	return h, nil
}

// Addr the hub is actually listening on (resolves ":0" ports).
func (h *hub) Addr() string { return h.listener.Addr().String() }

// serve runs the rendezvous, then the round loop, then cleans up.
func (h *hub) serve(timeout time.Duration) {
	defer func() { _ = h.listener.Close() }()
	if err := h.rendezvous(timeout); err != nil {
		klog.V(1).Infof("Process group rendezvous failed: %v", err)
		h.abortAll(err.Error())
		return
	}
	klog.V(1).Infof("Process group assembled: %d member(s), session %s", h.world, h.session)
	h.roundLoop()
}

// rendezvous seats world members. Each incoming connection must present
// a valid hello within the deadline; the full group must assemble
// within the deadline.
func (h *hub) rendezvous(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if tcpListener, ok := h.listener.(*net.TCPListener); ok {
		_ = tcpListener.SetDeadline(deadline)
	}
	h.members = make([]*hubMember, h.world)
	seated := 0
	for seated < h.world {
		conn, err := h.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return errors.Wrapf(ErrRendezvousTimeout,
					"%s: %d of %d member(s) joined within %s", abortReasonTimeout, seated, h.world, timeout)
			}
			return errors.Wrap(err, "rendezvous accept failed")
		}
		member, err := h.seat(conn, deadline)
		if err != nil {
			return err
		}
		h.members[member.rank] = member
		seated++
	}

	// The group is complete: welcome everyone and start the readers.
	for _, member := range h.members {
		welcome := welcomeMsg{world: int32(h.world)}
		copy(welcome.session[:], h.session[:])
		if err := member.conn.writeWelcome(welcome); err != nil {
			return errors.WithMessagef(err, "failed to welcome rank %d", member.rank)
		}
	}
	for _, member := range h.members {
		go member.readLoop()
	}
	return nil
}

// seat reads and validates the hello of a new connection.
func (h *hub) seat(conn net.Conn, deadline time.Time) (*hubMember, error) {
	_ = conn.SetReadDeadline(deadline)
	wc := newWireConn(conn)
	payload, err := wc.readFrame()
	if err != nil {
		_ = wc.Close()
		return nil, errors.Wrap(err, "failed to read hello from joining member")
	}
	kind, hello, _, _, _, _, err := parseFrame(payload)
	if err != nil || kind != kindHello {
		_ = wc.Close()
		return nil, errors.Errorf("joining member sent %d instead of hello (parse error: %v)", kind, err)
	}
	if int(hello.world) != h.world {
		_ = wc.Close()
		return nil, errors.Errorf("joining member expects world size %d, group has %d", hello.world, h.world)
	}
	if hello.rank < 0 || int(hello.rank) >= h.world {
		_ = wc.Close()
		return nil, errors.Errorf("joining member claims rank %d outside of world [0, %d)", hello.rank, h.world)
	}
	if h.members[hello.rank] != nil {
		_ = wc.Close()
		return nil, errors.Errorf("rank %d joined twice", hello.rank)
	}
	_ = conn.SetReadDeadline(time.Time{}) // Collectives are not bounded by the join timeout.
	return &hubMember{
		rank: int(hello.rank),
		conn: wc,
		msgs: make(chan collectiveMsg, 1),
	}, nil
}

// readLoop decodes frames from the member until bye, error or close.
func (m *hubMember) readLoop() {
	defer close(m.msgs)
	for {
		payload, err := m.conn.readFrame()
		if err != nil {
			m.readErr = err
			return
		}
		kind, _, _, coll, _, _, err := parseFrame(payload)
		if err != nil {
			m.readErr = err
			return
		}
		switch kind {
		case kindCollective:
			m.msgs <- coll
		case kindBye:
			m.bye = true
			return
		default:
			m.readErr = errors.Errorf("unexpected frame kind %d from rank %d", kind, m.rank)
			return
		}
	}
}

// roundLoop serves collective rounds until every member said bye.
func (h *hub) roundLoop() {
	defer h.closeAll()
	for seq := uint64(0); ; seq++ {
		contribs := make([]collectiveMsg, h.world)
		byes := 0
		for _, member := range h.members {
			msg, ok := <-member.msgs
			if !ok {
				if member.bye {
					byes++
					continue
				}
				h.abortAll(fmt.Sprintf("%s: rank %d: %v", abortReasonLost, member.rank, member.readErr))
				return
			}
			contribs[member.rank] = msg
		}
		if byes == h.world {
			klog.V(1).Infof("Process group session %s torn down after %d round(s)", h.session, seq)
			return
		}
		if byes > 0 {
			h.abortAll(fmt.Sprintf("%s: %d member(s) left the group while others issued collective round %d",
				abortReasonMismatch, byes, seq))
			return
		}
		if reason := checkRound(seq, contribs); reason != "" {
			h.abortAll(reason)
			return
		}
		result := reduceRound(contribs)
		for _, member := range h.members {
			if err := member.conn.writeResult(resultMsg{seq: seq, data: result}); err != nil {
				h.abortAll(fmt.Sprintf("%s: rank %d: %v", abortReasonLost, member.rank, err))
				return
			}
		}
	}
}

// checkRound verifies that all contributions describe the same
// collective call. A non-empty return is the abort reason.
func checkRound(seq uint64, contribs []collectiveMsg) string {
	first := contribs[0]
	for rank, c := range contribs {
		if c.seq != seq {
			return fmt.Sprintf("%s: rank %d issued call %d during round %d", abortReasonMismatch, rank, c.seq, seq)
		}
		if c.op != first.op {
			return fmt.Sprintf("%s: rank 0 called op %d but rank %d called op %d in round %d",
				abortReasonMismatch, first.op, rank, c.op, seq)
		}
		if len(c.data) != len(first.data) {
			return fmt.Sprintf("%s: rank 0 sent %d elements but rank %d sent %d in round %d",
				abortReasonMismatch, len(first.data), rank, len(c.data), seq)
		}
		if c.op == opBroadcast {
			if c.root != first.root {
				return fmt.Sprintf("%s: broadcast roots diverge (%d vs %d) in round %d",
					abortReasonMismatch, first.root, c.root, seq)
			}
			if c.root < 0 || int(c.root) >= len(contribs) {
				return fmt.Sprintf("%s: broadcast root %d outside of world [0, %d) in round %d",
					abortReasonMismatch, c.root, len(contribs), seq)
			}
		}
	}
	return ""
}

// reduceRound computes the round result from validated contributions.
func reduceRound(contribs []collectiveMsg) []float32 {
	first := contribs[0]
	if first.op == opBroadcast {
		return contribs[first.root].data
	}
	result := make([]float32, len(first.data))
	copy(result, first.data)
	for _, c := range contribs[1:] {
		switch ReduceOp(c.op) {
		case ReduceSum:
			for i, v := range c.data {
				result[i] += v
			}
		case ReduceMax:
			for i, v := range c.data {
				if v > result[i] {
					result[i] = v
				}
			}
		case ReduceMin:
			for i, v := range c.data {
				if v < result[i] {
					result[i] = v
				}
			}
		}
	}
	return result
}

// abortAll notifies every seated member and closes their connections.
func (h *hub) abortAll(reason string) {
	for _, member := range h.members {
		if member == nil {
			continue
		}
		_ = member.conn.writeAbort(reason)
	}
	h.closeAll()
}

func (h *hub) closeAll() {
	for _, member := range h.members {
		if member == nil {
			continue
		}
		_ = member.conn.Close()
	}
}
