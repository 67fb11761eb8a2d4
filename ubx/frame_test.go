package ubx

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		// Keep sync bytes out of test payloads so no frame can hide inside
		// another one.
		p[i] = byte(i*7+int(seed)) % 0xA0
	}
	return p
}

func TestDecoder_RoundTrip(t *testing.T) {
	cases := []Frame{
		{Class: ClassNAV, ID: IDNavPVT, Payload: testPayload(92, 1)},
		{Class: ClassNAV, ID: IDNavStatus, Payload: testPayload(16, 2)},
		{Class: 0x05, ID: 0x01, Payload: []byte{}},
		{Class: 0x0A, ID: 0x04, Payload: testPayload(1, 3)},
		{Class: ClassNAV, ID: IDNavSat, Payload: testPayload(MaxPayloadLength, 4)},
	}
	for _, want := range cases {
		d := NewDecoder()
		got := d.Feed(Encode(want.Class, want.ID, want.Payload))
		require.Len(t, got, 1)
		if diff := cmp.Diff(want, got[0], cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("frame mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestDecoder_SkipsLineNoise(t *testing.T) {
	var stream []byte
	stream = append(stream, []byte("$GPGGA,noise*00\r\n")...)
	stream = append(stream, Sync1, 0x00, Sync1, Sync1)
	stream = append(stream, Encode(ClassNAV, IDNavPosLLH, testPayload(28, 9))...)
	stream = append(stream, 0xFF, 0xFE)

	d := NewDecoder()
	got := d.Feed(stream)
	require.Len(t, got, 1)
	assert.Equal(t, byte(IDNavPosLLH), got[0].ID)
	assert.Zero(t, d.Stats().ChecksumErrors)
}

func TestDecoder_ChecksumSensitivity(t *testing.T) {
	frame := Encode(ClassNAV, IDNavStatus, testPayload(16, 5))
	// Every bit after the sync pair.
	for byteIdx := 2; byteIdx < len(frame); byteIdx++ {
		for bit := 0; bit < 8; bit++ {
			corrupt := append([]byte(nil), frame...)
			corrupt[byteIdx] ^= 1 << bit

			d := NewDecoder()
			got := d.Feed(corrupt)
			if len(got) != 0 {
				t.Fatalf("byte %d bit %d: got %d frames, want 0", byteIdx, bit, len(got))
			}
		}
	}
}

func TestDecoder_ResumesAfterBadFrame(t *testing.T) {
	bad := Encode(ClassNAV, IDNavStatus, testPayload(16, 5))
	bad[len(bad)-1] ^= 0x01
	good := Encode(ClassNAV, IDNavPVT, testPayload(92, 6))

	d := NewDecoder()
	got := d.Feed(append(bad, good...))
	require.Len(t, got, 1)
	assert.Equal(t, byte(IDNavPVT), got[0].ID)
	assert.Equal(t, uint64(1), d.Stats().ChecksumErrors)
}

func TestDecoder_ChunkBoundaryInvariance(t *testing.T) {
	var want []Frame
	var stream []byte
	for i := 0; i < 20; i++ {
		f := Frame{Class: ClassNAV, ID: byte(i), Payload: testPayload(i*5, byte(i))}
		want = append(want, f)
		stream = append(stream, Encode(f.Class, f.ID, f.Payload)...)
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		d := NewDecoder()
		var got []Frame
		rest := stream
		for len(rest) > 0 {
			n := 1 + rng.Intn(40)
			if n > len(rest) {
				n = len(rest)
			}
			got = append(got, d.Feed(rest[:n])...)
			rest = rest[n:]
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("trial %d: frames mismatch (-want +got):\n%s", trial, diff)
		}
	}
}

func TestDecoder_ByteAtATime(t *testing.T) {
	frame := Encode(ClassNAV, IDNavVelNED, testPayload(36, 3))
	d := NewDecoder()
	var got []Frame
	for _, b := range frame {
		got = append(got, d.Feed([]byte{b})...)
	}
	require.Len(t, got, 1)
	assert.True(t, bytes.Equal(testPayload(36, 3), got[0].Payload))
}

func TestDecoder_OversizeLengthResyncs(t *testing.T) {
	stream := []byte{Sync1, Sync2, ClassNAV, IDNavPVT, 0xFF, 0xFF}
	stream = append(stream, Encode(ClassNAV, IDNavStatus, testPayload(16, 1))...)

	d := NewDecoder()
	got := d.Feed(stream)
	require.Len(t, got, 1)
	assert.Equal(t, byte(IDNavStatus), got[0].ID)
	assert.Equal(t, uint64(1), d.Stats().Oversize)
}

func TestDecoder_IndependentInstances(t *testing.T) {
	frame := Encode(ClassNAV, IDNavStatus, testPayload(16, 1))
	a, b := NewDecoder(), NewDecoder()

	assert.Empty(t, a.Feed(frame[:10]))
	assert.Len(t, b.Feed(frame), 1)
	assert.Len(t, a.Feed(frame[10:]), 1)
}

func TestChecksum_MatchesKnownFrame(t *testing.T) {
	// UBX-CFG-RATE 10Hz as written by u-center.
	want := []byte{0xB5, 0x62, 0x06, 0x08, 0x06, 0x00, 0x64, 0x00, 0x01, 0x00, 0x01, 0x00, 0x7A, 0x12}
	assert.Equal(t, want, CfgRate(10))
}
