/*
	Copyright (c) 2015-2016 Christopher Young,
	Copyright (c) 2022 Refactored R. van Twisk
	Distributable under the terms of The "BSD New" License
	that can be found in the LICENSE file, herein included
	as part of this header.

	frame.go: UBX binary framing. Byte-level decoder and encoder.
*/

package ubx

import (
	"encoding/binary"
	"sync/atomic"
)

const (
	Sync1 = 0xB5
	Sync2 = 0x62

	// MaxPayloadLength bounds the payload buffer. The largest message we
	// accept (NAV-SAT with 255 SVs) is 8+12*255 = 3068 bytes.
	MaxPayloadLength = 4096
)

// Frame is one checksum-validated UBX message.
type Frame struct {
	Class   byte
	ID      byte
	Payload []byte
}

type decodeState int

const (
	waitSync1 decodeState = iota
	waitSync2
	readClass
	readID
	readLenLo
	readLenHi
	readPayload
	readCkA
	readCkB
)

// DecoderStats are running diagnostic counters of a Decoder.
type DecoderStats struct {
	Bytes          uint64 `json:"bytes"`
	Frames         uint64 `json:"frames"`
	ChecksumErrors uint64 `json:"checksum_errors"`
	Oversize       uint64 `json:"oversize"`
}

// Decoder turns an arbitrarily chunked byte stream into Frames. Each stream
// needs its own Decoder; Feed must not be called concurrently.
type Decoder struct {
	state   decodeState
	class   byte
	id      byte
	length  int
	payload []byte
	ckA     byte
	ckB     byte
	gotCkA  byte

	// bytes of the candidate frame after the sync pair, used to resume the
	// sync search after a checksum failure.
	pending []byte

	bytes     atomic.Uint64
	frames    atomic.Uint64
	ckErrors  atomic.Uint64
	oversized atomic.Uint64
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes chunk and returns the frames completed by it, in stream
// order. A trailing partial frame is kept for the next call.
func (d *Decoder) Feed(chunk []byte) []Frame {
	d.bytes.Add(uint64(len(chunk)))

	var out []Frame
	work := chunk
	for len(work) > 0 {
		c := work[0]
		work = work[1:]

		if d.state != waitSync1 && d.state != waitSync2 {
			d.pending = append(d.pending, c)
		}

		switch d.state {
		case waitSync1:
			if c == Sync1 {
				d.state = waitSync2
			}
		case waitSync2:
			switch c {
			case Sync2:
				d.state = readClass
				d.ckA, d.ckB = 0, 0
				d.pending = d.pending[:0]
			case Sync1:
				// 0xB5 0xB5 0x62: stay, the second byte may start the frame
			default:
				d.state = waitSync1
			}
		case readClass:
			d.class = c
			d.accumulate(c)
			d.state = readID
		case readID:
			d.id = c
			d.accumulate(c)
			d.state = readLenLo
		case readLenLo:
			d.length = int(c)
			d.accumulate(c)
			d.state = readLenHi
		case readLenHi:
			d.length |= int(c) << 8
			d.accumulate(c)
			if d.length > MaxPayloadLength {
				d.oversized.Add(1)
				work = d.resync(work)
				continue
			}
			d.payload = make([]byte, 0, d.length)
			if d.length == 0 {
				d.state = readCkA
			} else {
				d.state = readPayload
			}
		case readPayload:
			d.payload = append(d.payload, c)
			d.accumulate(c)
			if len(d.payload) == d.length {
				d.state = readCkA
			}
		case readCkA:
			d.gotCkA = c
			d.state = readCkB
		case readCkB:
			if d.gotCkA == d.ckA && c == d.ckB {
				out = append(out, Frame{Class: d.class, ID: d.id, Payload: d.payload})
				d.frames.Add(1)
				d.payload = nil
				d.pending = d.pending[:0]
				d.state = waitSync1
			} else {
				d.ckErrors.Add(1)
				work = d.resync(work)
			}
		}
	}
	return out
}

// resync discards the current candidate and rescans its bytes, starting
// right after the sync pair, ahead of the unread input.
func (d *Decoder) resync(rest []byte) []byte {
	replay := append([]byte(nil), d.pending...)
	d.pending = d.pending[:0]
	d.payload = nil
	d.state = waitSync1
	return append(replay, rest...)
}

func (d *Decoder) accumulate(c byte) {
	d.ckA += c
	d.ckB += d.ckA
}

// Reset drops any partially received frame.
func (d *Decoder) Reset() {
	d.state = waitSync1
	d.payload = nil
	d.pending = d.pending[:0]
}

func (d *Decoder) Stats() DecoderStats {
	return DecoderStats{
		Bytes:          d.bytes.Load(),
		Frames:         d.frames.Load(),
		ChecksumErrors: d.ckErrors.Load(),
		Oversize:       d.oversized.Load(),
	}
}

/*
	Checksum()
		returns the two-byte Fletcher checksum over class, ID, length and
		payload. See p. 97 of the u-blox M8 Receiver Description.
*/
func Checksum(msg []byte) (ckA, ckB byte) {
	for _, b := range msg {
		ckA += b
		ckB += ckA
	}
	return ckA, ckB
}

/*
	Encode()
		creates a UBX frame consisting of two sync characters, class, ID,
		payload length (2-byte little endian), payload and checksum.
*/
func Encode(class, id byte, payload []byte) []byte {
	ret := make([]byte, 0, 8+len(payload))
	ret = append(ret, Sync1, Sync2, class, id)
	ret = binary.LittleEndian.AppendUint16(ret, uint16(len(payload)))
	ret = append(ret, payload...)
	ckA, ckB := Checksum(ret[2:])
	return append(ret, ckA, ckB)
}
