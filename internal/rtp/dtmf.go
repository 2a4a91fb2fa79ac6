package rtp

import "fmt"

// dtmfDigits maps RFC 4733 event codes to digits.
var dtmfDigits = [...]byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '*', '#', 'A', 'B', 'C', 'D'}

// dtmfEvent is one decoded RFC 4733 payload.
type dtmfEvent struct {
	code     uint8
	end      bool
	duration uint16
}

// decodeDTMF parses a telephone-event payload: event code, end bit, volume
// and 16-bit duration.
func decodeDTMF(payload []byte) (dtmfEvent, error) {
	if len(payload) < 4 {
		return dtmfEvent{}, fmt.Errorf("rtp: telephone-event payload too short: %d bytes", len(payload))
	}
	return dtmfEvent{
		code:     payload[0],
		end:      payload[1]&0x80 != 0,
		duration: uint16(payload[2])<<8 | uint16(payload[3]),
	}, nil
}

// minDTMFDuration filters accidental taps, in timestamp units (50 ms @8 kHz).
const minDTMFDuration = 400

// dtmfDetector turns the redundant RFC 4733 packet train into single digit
// reports: one digit per event, emitted on the first end packet.
type dtmfDetector struct {
	active   bool
	code     uint8
	reported bool
}

// process consumes one telephone-event payload and returns a completed digit
// when one finished.
func (d *dtmfDetector) process(payload []byte) (string, bool) {
	ev, err := decodeDTMF(payload)
	if err != nil || int(ev.code) >= len(dtmfDigits) {
		return "", false
	}
	if !d.active || d.code != ev.code {
		d.active = true
		d.code = ev.code
		d.reported = false
	}
	if !ev.end {
		// A start packet after a completed event of the same digit begins
		// a new press.
		d.reported = false
		return "", false
	}
	if d.reported {
		return "", false
	}
	d.reported = true
	if ev.duration < minDTMFDuration {
		return "", false
	}
	return string(dtmfDigits[ev.code]), true
}
