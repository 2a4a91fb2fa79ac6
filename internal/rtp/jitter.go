package rtp

import (
	"sort"
	"time"
)

// Jitter buffer defaults, in frames of 20 ms.
const (
	defaultJitterMinMs    = 40
	defaultJitterMaxMs    = 200
	defaultJitterTargetMs = 60
)

// JitterConfig shapes the receive-side reorder buffer. Values come from the
// secretary's audio tuning; zeroes mean the defaults.
type JitterConfig struct {
	MinMs    int
	MaxMs    int
	TargetMs int
}

func (c *JitterConfig) applyDefaults() {
	if c.MinMs <= 0 {
		c.MinMs = defaultJitterMinMs
	}
	if c.MaxMs <= 0 {
		c.MaxMs = defaultJitterMaxMs
	}
	if c.TargetMs <= 0 {
		c.TargetMs = defaultJitterTargetMs
	}
	if c.TargetMs < c.MinMs {
		c.TargetMs = c.MinMs
	}
	if c.MaxMs < c.TargetMs {
		c.MaxMs = c.TargetMs
	}
}

type jitterEntry struct {
	ext     uint32 // extended sequence number
	payload []byte
}

// jitterBuffer reorders incoming frames by extended sequence number. It
// refills to the target depth after every underrun before releasing again,
// and skips over gaps once the buffer backs up past the maximum depth.
type jitterBuffer struct {
	cfg      JitterConfig
	frameDur time.Duration

	entries []jitterEntry
	nextExt uint32
	started bool
	priming bool

	// sequence rollover tracking
	seqInit bool
	lastSeq uint16
	cycles  uint32

	// counters
	late    uint64
	skipped uint64
}

func newJitterBuffer(cfg JitterConfig, frameDur time.Duration) *jitterBuffer {
	cfg.applyDefaults()
	return &jitterBuffer{cfg: cfg, frameDur: frameDur, priming: true}
}

// extend converts a 16-bit sequence number into the rollover-extended form.
func (j *jitterBuffer) extend(seq uint16) uint32 {
	if !j.seqInit {
		j.seqInit = true
		j.lastSeq = seq
		return uint32(seq)
	}
	if j.lastSeq > 0xF000 && seq < 0x1000 {
		j.cycles++
	}
	j.lastSeq = seq
	return (j.cycles << 16) | uint32(seq)
}

// push inserts one frame, dropping duplicates and frames already played out.
func (j *jitterBuffer) push(seq uint16, payload []byte) {
	ext := j.extend(seq)
	if j.started && ext < j.nextExt {
		j.late++
		return
	}
	idx := sort.Search(len(j.entries), func(i int) bool { return j.entries[i].ext >= ext })
	if idx < len(j.entries) && j.entries[idx].ext == ext {
		return
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	j.entries = append(j.entries, jitterEntry{})
	copy(j.entries[idx+1:], j.entries[idx:])
	j.entries[idx] = jitterEntry{ext: ext, payload: cp}
}

// depth is the buffered duration.
func (j *jitterBuffer) depth() time.Duration {
	return time.Duration(len(j.entries)) * j.frameDur
}

// pop releases the next in-order frame, or nil while the buffer is priming
// or waiting on a gap.
func (j *jitterBuffer) pop() []byte {
	if len(j.entries) == 0 {
		return nil
	}
	if j.priming {
		if j.depth() < time.Duration(j.cfg.TargetMs)*time.Millisecond {
			return nil
		}
		j.priming = false
		j.nextExt = j.entries[0].ext
		j.started = true
	}

	head := j.entries[0]
	if head.ext != j.nextExt {
		// Gap: wait for the missing frame until the backlog exceeds the
		// maximum depth, then concede it lost and resync.
		if j.depth() < time.Duration(j.cfg.MaxMs)*time.Millisecond {
			return nil
		}
		j.skipped += uint64(head.ext - j.nextExt)
		j.nextExt = head.ext
	}

	j.entries = j.entries[1:]
	j.nextExt = head.ext + 1
	return head.payload
}

// stats reports late-drop and gap-skip counters.
func (j *jitterBuffer) stats() (late, skipped uint64) {
	return j.late, j.skipped
}
