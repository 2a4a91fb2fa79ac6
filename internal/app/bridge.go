package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/directory"
	"github.com/MrWong99/voxbridge/internal/esl"
	"github.com/MrWong99/voxbridge/internal/media"
	"github.com/MrWong99/voxbridge/internal/rtp"
	"github.com/MrWong99/voxbridge/internal/session"
	"github.com/MrWong99/voxbridge/pkg/provider/llm"
	"github.com/MrWong99/voxbridge/pkg/provider/realtime"
)

// Media rates of the non-negotiated planes: uuid_audio_stream is started
// with "mono 16k", the RTP leg is PCMU at 8 kHz.
const (
	eslStreamRate = 16000
	rtpStreamRate = 8000
)

// defaultProvider answers calls whose secretary names none.
const defaultProvider = "openai"

// secretarySource resolves the answering secretary. *directory.Loader
// satisfies it.
type secretarySource interface {
	SecretaryByExtension(ctx context.Context, tenant, extension string) (*directory.Secretary, error)
	SecretaryByID(ctx context.Context, tenant, id string) (*directory.Secretary, error)
}

// toolSource contributes tenant tool catalogues. *tools.Host satisfies it.
type toolSource interface {
	Register(ctx context.Context, tenant string, urls []string) error
	Definitions(tenant string) []llm.ToolDefinition
}

// apiRunner issues api commands on the always-on inbound connection.
// *esl.InboundClient satisfies it.
type apiRunner interface {
	ExecuteAPI(ctx context.Context, command string) (string, error)
	Connected() bool
}

// bridge glues the two call surfaces to the session manager. It is the
// [media.Handler] of the WebSocket server and the [esl.Relay] of the
// outbound-socket server; which side materialises the session depends on the
// audio mode:
//
//   - websocket/dual: the stream connection owns the session; the ESL relay
//     only forwards channel events.
//   - esl: the relay materialises the session, then starts
//     uuid_audio_stream so the media WebSocket follows and attaches as the
//     outbound plane.
//   - rtp: the relay materialises the session over a private RTP leg.
type bridge struct {
	mode   config.AudioMode
	mgr    *session.Manager
	dir    secretarySource
	tools  toolSource
	api    apiRunner
	logger *slog.Logger

	// streamBase is the externally reachable ws:// base URL of the media
	// server, used to point uuid_audio_stream back at this process.
	streamBase string

	mu   sync.Mutex
	outs map[string]*switchableOut
	rtps map[string]*rtp.Stream
}

var (
	_ media.Handler = (*bridge)(nil)
	_ esl.Relay     = (*bridge)(nil)
)

func newBridge(mode config.AudioMode, mgr *session.Manager, dir secretarySource, tools toolSource, api apiRunner, streamBase string, logger *slog.Logger) *bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &bridge{
		mode:       mode,
		mgr:        mgr,
		dir:        dir,
		tools:      tools,
		api:        api,
		streamBase: strings.TrimRight(streamBase, "/"),
		logger:     logger.With("component", "bridge"),
		outs:       map[string]*switchableOut{},
		rtps:       map[string]*rtp.Stream{},
	}
}

// ── WebSocket side ──

// Connected attaches one accepted stream connection. When the relay already
// materialised the session (esl mode) the connection becomes its outbound
// plane; otherwise the connection creates the session itself.
func (b *bridge) Connected(ctx context.Context, conn *media.Conn, info media.ConnInfo) (media.Sink, error) {
	if out := b.out(info.CallID); out != nil {
		if _, ok := b.mgr.Get(info.CallID); ok {
			out.attach(conn)
			return &streamSink{b: b, callID: info.CallID, out: out}, nil
		}
	}
	if _, ok := b.mgr.Get(info.CallID); ok {
		return nil, fmt.Errorf("app: call %s already has a media plane", info.CallID)
	}

	sec, err := b.secretaryForStream(ctx, info.Tenant, info.CallID)
	if err != nil {
		return nil, err
	}
	if _, err := b.startSession(ctx, sec, info.Tenant, info.CallID, info.CallerID, conn, info.SampleRate); err != nil {
		return nil, err
	}
	return &streamSink{b: b, callID: info.CallID}, nil
}

// secretaryForStream resolves the answering secretary of a WebSocket-first
// call. The stream path carries only tenant and call id, so the dialplan's
// channel variables are read back over the inbound connection.
func (b *bridge) secretaryForStream(ctx context.Context, tenant, callID string) (*directory.Secretary, error) {
	if b.dir == nil {
		return nil, fmt.Errorf("app: no directory configured")
	}
	if b.api == nil || !b.api.Connected() {
		return nil, fmt.Errorf("app: inbound connection unavailable, cannot identify call %s", callID)
	}
	if id := b.getvar(ctx, callID, "secretary_id"); id != "" {
		return b.dir.SecretaryByID(ctx, tenant, id)
	}
	if ext := b.getvar(ctx, callID, "destination_number"); ext != "" {
		return b.dir.SecretaryByExtension(ctx, tenant, ext)
	}
	return nil, fmt.Errorf("app: call %s carries neither secretary_id nor destination_number", callID)
}

// getvar reads one channel variable; unset and error replies come back
// empty.
func (b *bridge) getvar(ctx context.Context, callID, name string) string {
	out, err := b.api.ExecuteAPI(ctx, "uuid_getvar "+callID+" "+name)
	if err != nil {
		b.logger.Debug("uuid_getvar failed", "call_id", callID, "variable", name, "error", err)
		return ""
	}
	out = strings.TrimSpace(out)
	if out == "" || out == "_undef_" || strings.HasPrefix(out, "-ERR") {
		return ""
	}
	return out
}

// ── ESL side ──

// HandleConnect serves one outbound-socket call for its full duration.
func (b *bridge) HandleConnect(ctx context.Context, conn *esl.OutboundConn, info esl.ChannelInfo) error {
	callID := info.UniqueID

	if b.mode == config.AudioDual {
		// The WebSocket owns the session; this socket only relays events.
		<-ctx.Done()
		return nil
	}

	tenant := channelTenant(info)
	if tenant == "" {
		return fmt.Errorf("app: call %s carries no tenant domain", callID)
	}
	sec, err := b.secretaryForChannel(ctx, tenant, info)
	if err != nil {
		return err
	}
	if err := conn.Answer(ctx); err != nil {
		return fmt.Errorf("app: answer %s: %w", callID, err)
	}

	var sess *session.Session
	switch b.mode {
	case config.AudioRTP:
		sess, err = b.startRTP(ctx, conn, info, sec, tenant)
	default:
		sess, err = b.startAudioStream(ctx, conn, info, sec, tenant)
	}
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		sess.Stop("connection_closed")
	case <-sess.Done():
	}
	return nil
}

// startAudioStream materialises the session behind a deferred outbound
// plane, then tells the media server to stream the channel to this process.
func (b *bridge) startAudioStream(ctx context.Context, conn *esl.OutboundConn, info esl.ChannelInfo, sec *directory.Secretary, tenant string) (*session.Session, error) {
	callID := info.UniqueID
	out := &switchableOut{}
	b.setOut(callID, out)

	sess, err := b.startSession(ctx, sec, tenant, callID, info.CallerNum, out, eslStreamRate)
	if err != nil {
		b.dropOut(callID)
		return nil, err
	}

	cmd := fmt.Sprintf("uuid_audio_stream %s start %s/stream/%s/%s mono 16k",
		callID, b.streamBase, tenant, callID)
	if _, err := conn.ExecuteAPI(ctx, cmd); err != nil {
		sess.Stop("error")
		return nil, fmt.Errorf("app: start audio stream for %s: %w", callID, err)
	}
	return sess, nil
}

// startRTP materialises the session over a private RTP leg built from the
// channel's media variables.
func (b *bridge) startRTP(ctx context.Context, _ *esl.OutboundConn, info esl.ChannelInfo, sec *directory.Secretary, tenant string) (*session.Session, error) {
	callID := info.UniqueID
	local, remote, err := channelMediaAddrs(info)
	if err != nil {
		return nil, err
	}
	stream, err := rtp.Dial(rtp.Config{
		LocalAddr:  local,
		RemoteAddr: remote,
		Jitter: rtp.JitterConfig{
			MinMs:    sec.Audio.JitterMinMs,
			MaxMs:    sec.Audio.JitterMaxMs,
			TargetMs: sec.Audio.JitterTargetMs,
		},
		OnAudio: func(pcm []byte) {
			if err := b.mgr.RouteAudio(callID, pcm); err != nil && !errors.Is(err, session.ErrNotFound) {
				b.logger.Warn("rtp audio rejected", "call_id", callID, "error", err)
			}
		},
		OnDTMF: func(digit string) {
			if s, ok := b.mgr.Get(callID); ok {
				s.HandleDTMF(digit)
			}
		},
		EchoCancel: sec.Audio.EchoCancel,
		Logger:     b.logger,
	})
	if err != nil {
		return nil, err
	}
	b.setRTP(callID, stream)

	sess, err := b.startSession(ctx, sec, tenant, callID, info.CallerNum, stream, rtpStreamRate)
	if err != nil {
		b.dropRTP(callID)
		return nil, err
	}
	return sess, nil
}

// HandleEvent forwards one channel event into the owning session.
func (b *bridge) HandleEvent(callID string, ev esl.Event) {
	b.mgr.RouteEvent(callID, ev)
}

// HandleDisconnect reacts to the call socket dying. In dual mode the
// WebSocket plane owns the session lifecycle; otherwise the socket is the
// call.
func (b *bridge) HandleDisconnect(callID, reason string) {
	if b.mode == config.AudioDual {
		return
	}
	if err := b.mgr.Stop(callID, "connection_closed"); err != nil && !errors.Is(err, session.ErrNotFound) {
		b.logger.Warn("stop on disconnect failed", "call_id", callID, "reason", reason, "error", err)
	}
}

// ── Session construction ──

// startSession registers the secretary's tools and admits the call through
// the manager.
func (b *bridge) startSession(ctx context.Context, sec *directory.Secretary, tenant, callID, callerID string, out session.MediaOut, mediaRate int) (*session.Session, error) {
	sessCfg := realtime.SessionConfig{
		Instructions: sec.SystemPrompt,
		Greeting:     sec.Greeting,
		Voice:        sec.VoiceID,
		Language:     sec.Language,
	}
	if b.tools != nil {
		if len(sec.ToolServers) > 0 {
			if err := b.tools.Register(ctx, tenant, sec.ToolServers); err != nil {
				b.logger.Warn("tool registration failed, call proceeds without tools",
					"tenant", tenant, "call_id", callID, "error", err)
			}
		}
		sessCfg.Tools = b.tools.Definitions(tenant)
	}

	cfg := session.Config{
		Tenant:      tenant,
		CallID:      callID,
		CallerID:    callerID,
		SecretaryID: sec.ID,
		Provider:    sec.Provider,
		Fallbacks:   sec.FallbackProviders,
		Session:     sessCfg,
		MediaRate:   mediaRate,
		IdleTimeout: sec.IdleTimeout,
		MaxDuration: sec.MaxDuration,
		WarmupMs:    sec.Audio.WarmupMs,
	}
	if cfg.Provider == "" {
		cfg.Provider = defaultProvider
	}
	return b.mgr.Create(ctx, cfg, out)
}

// secretaryForChannel resolves the secretary from the handshake snapshot.
func (b *bridge) secretaryForChannel(ctx context.Context, tenant string, info esl.ChannelInfo) (*directory.Secretary, error) {
	if b.dir == nil {
		return nil, fmt.Errorf("app: no directory configured")
	}
	if id := info.Variable("secretary_id"); id != "" {
		return b.dir.SecretaryByID(ctx, tenant, id)
	}
	if info.Destination != "" {
		return b.dir.SecretaryByExtension(ctx, tenant, info.Destination)
	}
	return nil, fmt.Errorf("app: call %s carries neither secretary_id nor a destination", info.UniqueID)
}

// ── Per-call plumbing ──

// breakTimeout bounds the uuid_break round-trip so a stalled inbound link
// cannot delay barge-in handling.
const breakTimeout = 200 * time.Millisecond

// BreakPlayback cuts assistant audio on barge-in. The RTP plane queues
// frames locally and drops them in-process; on the stream planes the
// unplayed audio sits in FreeSWITCH, so uuid_break on the a-leg flushes
// it. The break command runs off the caller's goroutine to keep the
// session event loop off the wire.
func (b *bridge) BreakPlayback(callID string) {
	b.mu.Lock()
	stream := b.rtps[callID]
	b.mu.Unlock()
	if stream != nil {
		stream.BreakPlayback()
		return
	}
	if b.api == nil || !b.api.Connected() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), breakTimeout)
		defer cancel()
		if _, err := b.api.ExecuteAPI(ctx, "uuid_break "+callID+" all"); err != nil {
			b.logger.Debug("uuid_break failed", "call_id", callID, "error", err)
		}
	}()
}

// cleanup releases the call's media plumbing once its session has ended.
func (b *bridge) cleanup(callID string) {
	b.mu.Lock()
	stream := b.rtps[callID]
	delete(b.rtps, callID)
	delete(b.outs, callID)
	b.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

func (b *bridge) out(callID string) *switchableOut {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outs[callID]
}

func (b *bridge) setOut(callID string, out *switchableOut) {
	b.mu.Lock()
	b.outs[callID] = out
	b.mu.Unlock()
}

func (b *bridge) dropOut(callID string) {
	b.mu.Lock()
	delete(b.outs, callID)
	b.mu.Unlock()
}

func (b *bridge) setRTP(callID string, stream *rtp.Stream) {
	b.mu.Lock()
	b.rtps[callID] = stream
	b.mu.Unlock()
}

func (b *bridge) dropRTP(callID string) {
	b.mu.Lock()
	stream := b.rtps[callID]
	delete(b.rtps, callID)
	b.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

// channelTenant extracts the owning tenant from the handshake snapshot.
func channelTenant(info esl.ChannelInfo) string {
	for _, name := range []string{"domain", "domain_name", "tenant"} {
		if v := info.Variable(name); v != "" {
			return v
		}
	}
	return info.Context
}

// channelMediaAddrs extracts the RTP endpoints, tolerating both the _media_
// and _audio_ spellings of the channel variables.
func channelMediaAddrs(info esl.ChannelInfo) (local, remote string, err error) {
	pick := func(names ...string) string {
		for _, n := range names {
			if v := info.Variable(n); v != "" {
				return v
			}
		}
		return ""
	}
	localIP := pick("local_media_ip", "local_audio_ip", "rtp_local_media_ip")
	localPort := pick("local_media_port", "local_audio_port", "rtp_local_media_port")
	remoteIP := pick("remote_media_ip", "remote_audio_ip", "rtp_remote_media_ip")
	remotePort := pick("remote_media_port", "remote_audio_port", "rtp_remote_media_port")
	if localIP == "" || localPort == "" {
		return "", "", fmt.Errorf("app: call %s carries no local media address", info.UniqueID)
	}
	local = net.JoinHostPort(localIP, localPort)
	if remoteIP != "" && remotePort != "" {
		remote = net.JoinHostPort(remoteIP, remotePort)
	}
	return local, remote, nil
}

// ── Inbound sink ──

// streamSink routes one stream connection's inbound frames to the session.
type streamSink struct {
	b      *bridge
	callID string

	// out is set when this connection is a follower attached to a
	// relay-created session.
	out *switchableOut
}

var _ media.Sink = (*streamSink)(nil)

func (s *streamSink) Audio(pcm []byte) error {
	err := s.b.mgr.RouteAudio(s.callID, pcm)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	return err
}

func (s *streamSink) DTMF(digit string) {
	if sess, ok := s.b.mgr.Get(s.callID); ok {
		sess.HandleDTMF(digit)
	}
}

func (s *streamSink) Hangup() {
	s.b.mgr.Stop(s.callID, "client_hangup")
}

func (s *streamSink) Closed(reason string) {
	if s.out != nil {
		s.out.attach(nil)
	}
	if err := s.b.mgr.Stop(s.callID, reason); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.b.logger.Warn("stop on close failed", "call_id", s.callID, "error", err)
	}
}

// switchableOut is an outbound plane whose target arrives later: the relay
// materialises the session before uuid_audio_stream has dialled back in.
// Audio written before the follower attaches is dropped.
type switchableOut struct {
	mu     sync.Mutex
	target session.MediaOut
}

var _ session.MediaOut = (*switchableOut)(nil)

func (o *switchableOut) attach(t session.MediaOut) {
	o.mu.Lock()
	o.target = t
	o.mu.Unlock()
}

func (o *switchableOut) WriteAudio(ctx context.Context, pcm []byte) error {
	o.mu.Lock()
	t := o.target
	o.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.WriteAudio(ctx, pcm)
}
