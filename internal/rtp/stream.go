// Package rtp implements the RTP media plane used when a call's audio
// bypasses the WebSocket bridge: PCMU frames at 8 kHz over UDP, transcoded
// to the PCM16 the session's audio plane speaks. The receive side reorders
// frames through a jitter buffer tuned per secretary; the send side paces
// outbound frames on the codec clock. RFC 4733 telephone events surface as
// DTMF digits.
package rtp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/zaf/g711"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// Config wires one RTP stream.
type Config struct {
	// LocalAddr is the ip:port to bind, from the channel's local media
	// variables.
	LocalAddr string

	// RemoteAddr is the ip:port frames are sent to, from the channel's
	// remote media variables. The stream re-latches onto the source
	// address of received frames, so a NATed peer still works.
	RemoteAddr string

	// Jitter shapes the receive buffer; zero values mean defaults.
	Jitter JitterConfig

	// OnAudio receives decoded caller PCM16LE at 8 kHz, in arrival order.
	OnAudio func(pcm []byte)

	// OnDTMF receives completed telephone-event digits.
	OnDTMF func(digit string)

	// EchoCancel enables line-echo suppression on caller audio, using the
	// transmitted frames as the far-end reference. Analog trunks and
	// speakerphones leak playback back into this leg.
	EchoCancel bool

	Logger *slog.Logger
}

// Stream is one bidirectional PCMU RTP leg.
type Stream struct {
	cfg    Config
	codec  Codec
	conn   *net.UDPConn
	logger *slog.Logger

	mu       sync.Mutex
	remote   *net.UDPAddr
	jb       *jitterBuffer
	detector dtmfDetector
	aec      *audio.EchoCanceller
	outBuf   []byte
	closed   bool

	ssrc      uint32
	seq       uint16
	timestamp uint32
	talking   bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial binds the local socket and starts the read and pace loops.
func Dial(cfg Config) (*Stream, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	local, err := net.ResolveUDPAddr("udp", cfg.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("rtp: local addr %q: %w", cfg.LocalAddr, err)
	}
	var remote *net.UDPAddr
	if cfg.RemoteAddr != "" {
		remote, err = net.ResolveUDPAddr("udp", cfg.RemoteAddr)
		if err != nil {
			return nil, fmt.Errorf("rtp: remote addr %q: %w", cfg.RemoteAddr, err)
		}
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("rtp: bind %q: %w", cfg.LocalAddr, err)
	}

	s := &Stream{
		cfg:       cfg,
		codec:     PCMU,
		conn:      conn,
		logger:    cfg.Logger.With("component", "rtp", "local", conn.LocalAddr().String()),
		remote:    remote,
		jb:        newJitterBuffer(cfg.Jitter, PCMU.FrameDur),
		ssrc:      randomSSRC(),
		seq:       randomSequence(),
		timestamp: randomTimestamp(),
		done:      make(chan struct{}),
	}
	if cfg.EchoCancel {
		s.aec = audio.NewEchoCanceller(PCMU.SampleRate)
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.paceLoop()
	return s, nil
}

// LocalAddr is the bound ip:port.
func (s *Stream) LocalAddr() string { return s.conn.LocalAddr().String() }

// WriteAudio queues assistant PCM16LE at 8 kHz for paced transmission. It
// satisfies the session's media-out contract.
func (s *Stream) WriteAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	s.outBuf = append(s.outBuf, pcm...)
	return nil
}

// BreakPlayback discards queued outbound audio, for barge-in.
func (s *Stream) BreakPlayback() {
	s.mu.Lock()
	s.outBuf = nil
	s.mu.Unlock()
}

// Close stops both loops and releases the socket. Idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.conn.Close()
	})
	s.wg.Wait()
	return nil
}

// readLoop parses incoming datagrams, feeds voice frames through the jitter
// buffer and telephone events through the DTMF detector.
func (s *Stream) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warn("read failed", "error", err)
			}
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		s.latchRemote(src)

		switch pkt.PayloadType {
		case s.codec.PayloadType:
			s.handleVoice(&pkt)
		case TelephoneEvent.PayloadType:
			s.handleDTMF(&pkt)
		}
	}
}

// latchRemote follows the peer's source address (symmetric RTP).
func (s *Stream) latchRemote(src *net.UDPAddr) {
	s.mu.Lock()
	if s.remote == nil || !s.remote.IP.Equal(src.IP) || s.remote.Port != src.Port {
		s.remote = src
	}
	s.mu.Unlock()
}

func (s *Stream) handleVoice(pkt *rtp.Packet) {
	s.mu.Lock()
	s.jb.push(pkt.SequenceNumber, pkt.Payload)
	var frames [][]byte
	for {
		payload := s.jb.pop()
		if payload == nil {
			break
		}
		pcm := g711.DecodeUlaw(payload)
		if s.aec != nil {
			pcm = s.aec.Process(pcm)
		}
		frames = append(frames, pcm)
	}
	s.mu.Unlock()

	if s.cfg.OnAudio == nil {
		return
	}
	for _, pcm := range frames {
		s.cfg.OnAudio(pcm)
	}
}

func (s *Stream) handleDTMF(pkt *rtp.Packet) {
	s.mu.Lock()
	digit, ok := s.detector.process(pkt.Payload)
	s.mu.Unlock()
	if ok && s.cfg.OnDTMF != nil {
		s.cfg.OnDTMF(digit)
	}
}

// paceLoop transmits one frame per codec tick while queued audio exists.
// Silence is not transmitted; the first frame of a new talkspurt carries the
// RTP marker bit.
func (s *Stream) paceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.codec.FrameDur)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sendFrame()
		}
	}
}

func (s *Stream) sendFrame() {
	frameBytes := s.codec.PCMBytes()

	s.mu.Lock()
	if s.closed || s.remote == nil || len(s.outBuf) < frameBytes {
		// Timestamp keeps advancing through silence so the receiver's
		// playout clock stays aligned.
		s.timestamp += s.codec.TimestampIncrement()
		s.talking = false
		s.mu.Unlock()
		return
	}
	pcm := s.outBuf[:frameBytes]
	payload := g711.EncodeUlaw(pcm)
	if s.aec != nil {
		s.aec.BufferFarEnd(pcm)
	}
	s.outBuf = s.outBuf[frameBytes:]

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         !s.talking,
			PayloadType:    s.codec.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.talking = true
	s.seq++
	s.timestamp += s.codec.TimestampIncrement()
	remote := s.remote
	s.mu.Unlock()

	data, err := pkt.Marshal()
	if err != nil {
		s.logger.Warn("marshal failed", "error", err)
		return
	}
	if _, err := s.conn.WriteToUDP(data, remote); err != nil {
		s.logger.Warn("send failed", "error", err)
	}
}

// Stats reports jitter-buffer counters.
func (s *Stream) Stats() (late, skipped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jb.stats()
}
