// Package transport carries encoded frame packets to WebRTC peers.
//
// Data channel messages are bounded in size, so each packet is split into
// fragments:
//
//	Seq(4) Index(2) Count(2) Chunk(...)
//
// All integers are little-endian. Fragments of one packet share Seq and are
// sent in Index order on an ordered, reliable channel.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FragmentHeaderSize is the size of a fragment header in bytes.
const FragmentHeaderSize = 8

// DefaultMaxChunk is the largest fragment payload sent by default. 16 KiB
// is the message size every browser SCTP stack accepts.
const DefaultMaxChunk = 16 * 1024

var (
	ErrFragmentHeader = errors.New("transport: short fragment header")
	ErrFragmentCount  = errors.New("transport: invalid fragment index or count")
	ErrPacketTooLarge = errors.New("transport: packet needs too many fragments")
)

// Fragment splits packet into data channel messages of at most
// maxChunk+FragmentHeaderSize bytes.
func Fragment(seq uint32, packet []byte, maxChunk int) ([][]byte, error) {
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunk
	}
	count := (len(packet) + maxChunk - 1) / maxChunk
	if count == 0 {
		count = 1
	}
	if count > 0xffff {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(packet))
	}

	frags := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxChunk
		end := min(start+maxChunk, len(packet))
		msg := make([]byte, FragmentHeaderSize+end-start)
		binary.LittleEndian.PutUint32(msg[0:4], seq)
		binary.LittleEndian.PutUint16(msg[4:6], uint16(i))
		binary.LittleEndian.PutUint16(msg[6:8], uint16(count))
		copy(msg[FragmentHeaderSize:], packet[start:end])
		frags = append(frags, msg)
	}
	return frags, nil
}

// Reassembler rebuilds packets from fragments. A fragment of a newer
// sequence discards any partial packet; fragments of older or completed
// sequences are ignored. Not safe for concurrent use.
type Reassembler struct {
	started  bool
	seq      uint32 // sequence being assembled, or the next one after a completion
	parts    [][]byte
	received int
}

// Push adds a fragment. It returns the packet once all of its fragments
// have arrived, otherwise nil.
func (r *Reassembler) Push(msg []byte) ([]byte, error) {
	if len(msg) < FragmentHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFragmentHeader, len(msg))
	}
	seq := binary.LittleEndian.Uint32(msg[0:4])
	index := int(binary.LittleEndian.Uint16(msg[4:6]))
	count := int(binary.LittleEndian.Uint16(msg[6:8]))
	if count == 0 || index >= count {
		return nil, fmt.Errorf("%w: %d/%d", ErrFragmentCount, index, count)
	}

	if r.started && int32(seq-r.seq) < 0 {
		return nil, nil
	}
	if r.parts == nil || seq != r.seq {
		r.started = true
		r.seq = seq
		r.parts = make([][]byte, count)
		r.received = 0
	}
	if count != len(r.parts) {
		r.parts = nil
		return nil, fmt.Errorf("%w: count changed to %d within seq %d", ErrFragmentCount, count, seq)
	}
	if r.parts[index] != nil {
		return nil, nil
	}

	r.parts[index] = append([]byte{}, msg[FragmentHeaderSize:]...)
	r.received++
	if r.received < count {
		return nil, nil
	}

	size := 0
	for _, p := range r.parts {
		size += len(p)
	}
	packet := make([]byte, 0, size)
	for _, p := range r.parts {
		packet = append(packet, p...)
	}
	r.parts = nil
	r.seq = seq + 1
	return packet, nil
}
