package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// Codec is an immutable RTP payload specification.
type Codec struct {
	Name        string
	PayloadType uint8
	SampleRate  int
	FrameDur    time.Duration
}

var (
	// PCMU is G.711 µ-law at 8 kHz, the FreeSWITCH default for this plane.
	PCMU = Codec{Name: "PCMU", PayloadType: 0, SampleRate: 8000, FrameDur: 20 * time.Millisecond}

	// TelephoneEvent carries RFC 4733 DTMF events.
	TelephoneEvent = Codec{Name: "telephone-event", PayloadType: 101, SampleRate: 8000, FrameDur: 20 * time.Millisecond}
)

// SamplesPerFrame is the sample count of one frame (160 for PCMU/20 ms).
func (c Codec) SamplesPerFrame() int {
	return c.SampleRate * int(c.FrameDur) / int(time.Second)
}

// PayloadBytes is the encoded payload size of one frame. G.711 is one byte
// per sample.
func (c Codec) PayloadBytes() int {
	return c.SamplesPerFrame()
}

// PCMBytes is the decoded PCM16 size of one frame.
func (c Codec) PCMBytes() int {
	return c.SamplesPerFrame() * 2
}

// TimestampIncrement is the RTP timestamp advance per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// randomSSRC returns a random 32-bit SSRC per RFC 3550.
func randomSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x6f786276
	}
	return binary.BigEndian.Uint32(b[:])
}

// randomSequence returns a random initial sequence number.
func randomSequence() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

// randomTimestamp returns a random initial timestamp.
func randomTimestamp() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}
