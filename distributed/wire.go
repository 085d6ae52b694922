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
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"net"

	"github.com/pkg/errors"
)

// Wire format: length-prefixed frames over TCP. Each frame is a
// little-endian uint32 payload length followed by the payload; the
// first payload byte is the message kind. All multi-byte integers are
// little-endian, matching the tensor serialization.

type msgKind byte

const (
	// kindHello: member -> hub. rank int32, world int32.
	kindHello msgKind = iota + 1

	// kindWelcome: hub -> member. session uuid (16 bytes), world int32.
	kindWelcome

	// kindCollective: member -> hub. seq uint64, op byte, root int32,
	// count uint32, count float32s.
	kindCollective

	// kindResult: hub -> member. seq uint64, count uint32, count
	// float32s.
	kindResult

	// kindAbort: hub -> member. reason string (rest of payload).
	kindAbort

	// kindBye: member -> hub, no fields. Orderly teardown.
	kindBye
)

// maxFrameSize bounds a frame to catch corrupted length prefixes before
// allocating. Model gradients for this layer are well under it.
const maxFrameSize = 1 << 28

// helloMsg opens a member connection.
type helloMsg struct {
	rank  int32
	world int32
}

// welcomeMsg acknowledges a fully assembled group.
type welcomeMsg struct {
	session [16]byte
	world   int32
}

// collectiveMsg is one rank's contribution to collective round seq.
// root is only meaningful for broadcast (opBroadcast), where the hub
// keeps the root's data instead of reducing.
type collectiveMsg struct {
	seq  uint64
	op   byte
	root int32
	data []float32
}

// resultMsg carries the reduced data of round seq back to a member.
type resultMsg struct {
	seq  uint64
	data []float32
}

// opBroadcast is the pseudo reduction of Broadcast: the hub returns the
// root's contribution verbatim. It shares the ReduceOp byte on the wire
// but is never exposed as a ReduceOp.
const opBroadcast byte = 0xff

// wireConn frames messages over a TCP connection. Reads and writes may
// run on separate goroutines, but each side is single-goroutine.
type wireConn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func newWireConn(conn net.Conn) *wireConn {
	return &wireConn{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

func (wc *wireConn) Close() error { return wc.conn.Close() }

// writeFrame writes one length-prefixed frame and flushes it.
func (wc *wireConn) writeFrame(payload []byte) error {
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := wc.w.Write(prefix[:]); err != nil {
		return errors.Wrap(err, "failed to write frame header")
	}
	if _, err := wc.w.Write(payload); err != nil {
		return errors.Wrap(err, "failed to write frame payload")
	}
	return errors.Wrap(wc.w.Flush(), "failed to flush frame")
}

// readFrame reads one frame payload.
func (wc *wireConn) readFrame() ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(wc.r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(prefix[:])
	if size == 0 || size > maxFrameSize {
		return nil, errors.Errorf("invalid frame size %d", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(wc.r, payload); err != nil {
		return nil, errors.Wrap(err, "failed to read frame payload")
	}
	return payload, nil
}

func (wc *wireConn) writeHello(m helloMsg) error {
	payload := make([]byte, 1+4+4)
	payload[0] = byte(kindHello)
	binary.LittleEndian.PutUint32(payload[1:], uint32(m.rank))
	binary.LittleEndian.PutUint32(payload[5:], uint32(m.world))
	return wc.writeFrame(payload)
}

func (wc *wireConn) writeWelcome(m welcomeMsg) error {
	payload := make([]byte, 1+16+4)
	payload[0] = byte(kindWelcome)
	copy(payload[1:17], m.session[:])
	binary.LittleEndian.PutUint32(payload[17:], uint32(m.world))
	return wc.writeFrame(payload)
}

func (wc *wireConn) writeCollective(m collectiveMsg) error {
	payload := make([]byte, 1+8+1+4+4+4*len(m.data))
	payload[0] = byte(kindCollective)
	binary.LittleEndian.PutUint64(payload[1:], m.seq)
	payload[9] = m.op
	binary.LittleEndian.PutUint32(payload[10:], uint32(m.root))
	binary.LittleEndian.PutUint32(payload[14:], uint32(len(m.data)))
	encodeFloats(payload[18:], m.data)
	return wc.writeFrame(payload)
}

func (wc *wireConn) writeResult(m resultMsg) error {
	payload := make([]byte, 1+8+4+4*len(m.data))
	payload[0] = byte(kindResult)
	binary.LittleEndian.PutUint64(payload[1:], m.seq)
	binary.LittleEndian.PutUint32(payload[9:], uint32(len(m.data)))
	encodeFloats(payload[13:], m.data)
	return wc.writeFrame(payload)
}

func (wc *wireConn) writeAbort(reason string) error {
	payload := make([]byte, 1+len(reason))
	payload[0] = byte(kindAbort)
	copy(payload[1:], reason)
	return wc.writeFrame(payload)
}

func (wc *wireConn) writeBye() error {
	return wc.writeFrame([]byte{byte(kindBye)})
}

// parseFrame decodes a frame payload into one of the message structs.
// It returns the message kind and exactly one non-zero message value.
func parseFrame(payload []byte) (kind msgKind, hello helloMsg, welcome welcomeMsg,
	coll collectiveMsg, result resultMsg, abortReason string, err error) {
	kind = msgKind(payload[0])
	body := payload[1:]
	switch kind {
	case kindHello:
		if len(body) != 8 {
			err = errors.Errorf("malformed hello frame (%d bytes)", len(body))
			return
		}
		hello.rank = int32(binary.LittleEndian.Uint32(body))
		hello.world = int32(binary.LittleEndian.Uint32(body[4:]))
	case kindWelcome:
		if len(body) != 20 {
			err = errors.Errorf("malformed welcome frame (%d bytes)", len(body))
			return
		}
		copy(welcome.session[:], body[:16])
		welcome.world = int32(binary.LittleEndian.Uint32(body[16:]))
	case kindCollective:
		if len(body) < 17 {
			err = errors.Errorf("malformed collective frame (%d bytes)", len(body))
			return
		}
		coll.seq = binary.LittleEndian.Uint64(body)
		coll.op = body[8]
		coll.root = int32(binary.LittleEndian.Uint32(body[9:]))
		count := binary.LittleEndian.Uint32(body[13:])
		if len(body) != 17+4*int(count) {
			err = errors.Errorf("collective frame count %d does not match %d payload bytes", count, len(body)-17)
			return
		}
		coll.data = decodeFloats(body[17:], int(count))
	case kindResult:
		if len(body) < 12 {
			err = errors.Errorf("malformed result frame (%d bytes)", len(body))
			return
		}
		result.seq = binary.LittleEndian.Uint64(body)
		count := binary.LittleEndian.Uint32(body[8:])
		if len(body) != 12+4*int(count) {
			err = errors.Errorf("result frame count %d does not match %d payload bytes", count, len(body)-12)
			return
		}
		result.data = decodeFloats(body[12:], int(count))
	case kindAbort:
		abortReason = string(body)
	case kindBye:
		// No fields.
	default:
		err = errors.Errorf("unknown frame kind %d", kind)
	}
	return
}

func encodeFloats(dst []byte, data []float32) {
	for i, v := range data {
		binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(v))
	}
}

func decodeFloats(src []byte, count int) []float32 {
	data := make([]float32, count)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
	}
	return data
}
