// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/voipcall/callsession"
	"github.com/emiago/voipcall/promise"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/srtp/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// When reading RTP use at least MTU size
	RTPBufSize = 1500

	RTPDebug  = false
	RTCPDebug = false
)

var (
	ErrEngineStopped     = errors.New("media engine stopped")
	ErrLayerNotSupported = errors.New("call layer not supported")
	ErrNoConnections     = errors.New("no media connections")
)

type Config struct {
	Codec Codec
	// ConnectTimeout bounds waiting for first packet from remote
	ConnectTimeout time.Duration
	// ReceiveTimeout fails connected media when remote goes silent
	ReceiveTimeout time.Duration
	// MinLayer is lowest call layer this engine can serve
	MinLayer int32
	// LocalAddr is UDP listen address. Used when no packet conn is provided
	LocalAddr string
}

func DefaultConfig() Config {
	return Config{
		Codec:          CodecAudioUlaw,
		ConnectTimeout: 10 * time.Second,
		ReceiveTimeout: 10 * time.Second,
		MinLayer:       65,
		LocalAddr:      ":0",
	}
}

type EngineStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
}

// Engine runs media of a single call. It starts once and can not be
// restarted after Stop.
type Engine struct {
	conf     Config
	log      zerolog.Logger
	conn     net.PacketConn
	capture  io.Reader
	playback io.Writer

	state       *promise.Value[State]
	muted       atomic.Bool
	audioActive atomic.Bool
	sent        atomic.Uint64
	received    atomic.Uint64

	mu      sync.Mutex
	started bool
	stopped bool
	run     *engineRun
}

type engineRun struct {
	cancel    context.CancelFunc
	conn      net.PacketConn
	writer    *rtpPacketWriter
	local     *srtp.Context
	unsub     func()
	writeDone chan struct{}
	readDone  chan struct{}
}

type EngineOption func(e *Engine)

func WithLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.log = l
	}
}

// WithPacketConn makes engine use conn instead of listening on Config.LocalAddr.
// Engine closes conn on Stop.
func WithPacketConn(conn net.PacketConn) EngineOption {
	return func(e *Engine) {
		e.conn = conn
	}
}

// WithCapture sets 16 bit PCM source sent to remote. Without it silence is sent.
func WithCapture(r io.Reader) EngineOption {
	return func(e *Engine) {
		e.capture = r
	}
}

// WithPlayback sets sink for decoded 16 bit PCM from remote.
func WithPlayback(w io.Writer) EngineOption {
	return func(e *Engine) {
		e.playback = w
	}
}

func NewEngine(conf Config, opts ...EngineOption) *Engine {
	def := DefaultConfig()
	if conf.Codec.SampleRate == 0 {
		conf.Codec = def.Codec
	}
	if conf.ConnectTimeout <= 0 {
		conf.ConnectTimeout = def.ConnectTimeout
	}
	if conf.ReceiveTimeout <= 0 {
		conf.ReceiveTimeout = def.ReceiveTimeout
	}
	if conf.LocalAddr == "" {
		conf.LocalAddr = def.LocalAddr
	}

	e := &Engine{
		conf: conf,
		log:  log.Logger,
		state: promise.NewValueOf(StateInitializing).IgnoreRepeated(func(a, b State) bool {
			return a == b
		}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// State is stream of media states starting with initializing.
func (e *Engine) State() promise.Signal[State] {
	return e.state
}

func (e *Engine) SetIsMuted(muted bool) {
	e.muted.Store(muted)
}

func (e *Engine) Stats() EngineStats {
	return EngineStats{
		PacketsSent:     e.sent.Load(),
		PacketsReceived: e.received.Load(),
	}
}

// LocalAddr returns bound address or nil when not started.
func (e *Engine) LocalAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil {
		return nil
	}
	return e.run.conn.LocalAddr()
}

// Start establishes media towards connections. Audio is played and captured
// only while audioActive reports true; nil audioActive means always active.
// Any failure is also reported as failed state. Calling Start on running
// engine does nothing.
func (e *Engine) Start(key []byte, isOutgoing bool, conns []callsession.Connection, maxLayer int32, audioActive promise.Signal[bool]) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true

	run, err := e.start(key, isOutgoing, conns, maxLayer, audioActive)
	if err == nil {
		e.run = run
	}
	e.mu.Unlock()

	if err != nil {
		e.log.Error().Err(err).Msg("Failed to start media")
		e.state.Set(StateFailed)
		return err
	}

	e.log.Info().
		Str("laddr", run.conn.LocalAddr().String()).
		Int("connections", len(conns)).
		Bool("outgoing", isOutgoing).
		Stringer("codec", e.conf.Codec).
		Msg("Media started")
	return nil
}

func (e *Engine) start(key []byte, isOutgoing bool, conns []callsession.Connection, maxLayer int32, audioActive promise.Signal[bool]) (*engineRun, error) {
	if maxLayer < e.conf.MinLayer {
		return nil, fmt.Errorf("%w: max layer %d below %d", ErrLayerNotSupported, maxLayer, e.conf.MinLayer)
	}
	if len(conns) == 0 {
		return nil, ErrNoConnections
	}

	raddrs := make([]net.Addr, 0, len(conns))
	for _, c := range conns {
		raddr, err := net.ResolveUDPAddr("udp", c.Addr())
		if err != nil {
			return nil, fmt.Errorf("resolve connection %d: %w", c.ID, err)
		}
		raddrs = append(raddrs, raddr)
	}

	local, remote, err := srtpContexts(key, isOutgoing)
	if err != nil {
		return nil, err
	}

	conn := e.conn
	if conn == nil {
		conn, err = net.ListenPacket("udp", e.conf.LocalAddr)
		if err != nil {
			return nil, fmt.Errorf("listen media: %w", err)
		}
	}

	unsub := func() {}
	if audioActive != nil {
		unsub = audioActive.Subscribe(func(active bool) {
			e.audioActive.Store(active)
		})
	} else {
		e.audioActive.Store(true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &engineRun{
		cancel:    cancel,
		conn:      conn,
		writer:    newRTPPacketWriter(conn, raddrs, local, e.conf.Codec, e.log),
		local:     local,
		unsub:     unsub,
		writeDone: make(chan struct{}),
		readDone:  make(chan struct{}),
	}

	go func() {
		defer close(run.writeDone)
		e.writeLoop(ctx, run.writer)
	}()
	go func() {
		defer close(run.readDone)
		e.readLoop(ctx, conn, remote)
	}()
	return run, nil
}

// Stop stops media and says goodbye to remote. It is safe to call multiple times.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	run := e.run
	e.mu.Unlock()

	if run == nil {
		if e.conn != nil {
			e.conn.Close()
		}
		return
	}

	run.unsub()
	run.cancel()
	<-run.writeDone

	if err := e.writeGoodbye(run); err != nil {
		e.log.Debug().Err(err).Msg("Failed to send RTCP goodbye")
	}
	run.conn.Close()
	<-run.readDone

	stats := e.Stats()
	e.log.Info().Uint64("sent", stats.PacketsSent).Uint64("received", stats.PacketsReceived).Msg("Media stopped")
}

func (e *Engine) writeGoodbye(run *engineRun) error {
	pkt := &rtcp.Goodbye{
		Sources: []uint32{run.writer.ssrc},
		Reason:  "call ended",
	}
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}

	enc, err := run.local.EncryptRTCP(nil, data, nil)
	if err != nil {
		return err
	}

	if RTCPDebug {
		e.log.Debug().Msgf("RTCP write %s:\n%+v", run.conn.LocalAddr(), pkt)
	}

	run.conn.SetWriteDeadline(time.Now().Add(time.Second))
	for _, raddr := range run.writer.raddrs {
		if _, err := run.conn.WriteTo(enc, raddr); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) writeLoop(ctx context.Context, w *rtpPacketWriter) {
	codec := e.conf.Codec
	ticker := time.NewTicker(codec.SampleDur)
	defer ticker.Stop()

	frame := make([]byte, codec.PCMFrameSize())
	payload := make([]byte, len(frame)/2)
	capture := e.capture
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if capture != nil && e.audioActive.Load() {
			if _, err := io.ReadFull(capture, frame); err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					e.log.Error().Err(err).Msg("Capture read failed. Sending silence")
				}
				capture = nil
				clear(frame)
			}
		} else {
			clear(frame)
		}

		if e.muted.Load() {
			clear(frame)
		}

		n, err := codec.Encode(payload, frame)
		if err != nil {
			e.log.Error().Err(err).Msg("Failed to encode frame")
			return
		}

		if err := w.WritePayload(payload[:n]); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.Debug().Err(err).Msg("RTP write failed")
			continue
		}
		e.sent.Add(1)
	}
}

func (e *Engine) readLoop(ctx context.Context, conn net.PacketConn, remote *srtp.Context) {
	codec := e.conf.Codec
	buf := make([]byte, RTPBufSize)
	plain := make([]byte, 0, RTPBufSize)
	lpcm := make([]byte, RTPBufSize*2)

	var seq sequencer
	connected := false
	deadline := time.Now().Add(e.conf.ConnectTimeout)
	for {
		conn.SetReadDeadline(deadline)
		n, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				e.log.Warn().Bool("connected", connected).Msg("Media receive timeout")
			} else {
				e.log.Error().Err(err).Msg("Media read failed")
			}
			e.state.Set(StateFailed)
			return
		}

		data := buf[:n]
		if isRTCP(data) {
			e.readRTCP(remote, data)
			continue
		}

		var hdr rtp.Header
		dec, err := remote.DecryptRTP(plain[:0], data, &hdr)
		if err != nil {
			e.log.Debug().Err(err).Str("raddr", raddr.String()).Msg("Dropping undecryptable packet")
			continue
		}

		if err := seq.update(hdr.SequenceNumber); err != nil {
			e.log.Debug().Err(err).Uint16("seq", hdr.SequenceNumber).Msg("Dropping packet")
			continue
		}
		e.received.Add(1)
		deadline = time.Now().Add(e.conf.ReceiveTimeout)

		if RTPDebug {
			e.log.Debug().Msgf("RTP read %s < %s: pt=%d seq=%d ts=%d ssrc=%d", conn.LocalAddr(), raddr, hdr.PayloadType, hdr.SequenceNumber, hdr.Timestamp, hdr.SSRC)
		}

		if !connected {
			connected = true
			e.log.Info().Str("raddr", raddr.String()).Msg("Media connected")
			e.state.Set(StateConnected)
		}

		if e.playback == nil || !e.audioActive.Load() {
			continue
		}

		payload := dec[hdr.MarshalSize():]
		if hdr.PayloadType != codec.PayloadType || len(payload)*2 > len(lpcm) {
			continue
		}
		m, err := codec.Decode(lpcm, payload)
		if err != nil {
			continue
		}
		if _, err := e.playback.Write(lpcm[:m]); err != nil {
			e.log.Error().Err(err).Msg("Playback write failed")
		}
	}
}

func (e *Engine) readRTCP(remote *srtp.Context, data []byte) {
	dec, err := remote.DecryptRTCP(nil, data, nil)
	if err != nil {
		e.log.Debug().Err(err).Msg("Dropping undecryptable RTCP")
		return
	}

	pkts, err := rtcp.Unmarshal(dec)
	if err != nil {
		e.log.Debug().Err(err).Msg("Dropping bad RTCP")
		return
	}

	for _, p := range pkts {
		if RTCPDebug {
			e.log.Debug().Msgf("RTCP read:\n%+v", p)
		}
		if bye, ok := p.(*rtcp.Goodbye); ok {
			e.log.Info().Str("reason", bye.Reason).Msg("Remote media goodbye")
		}
	}
}

// isRTCP demultiplexes RTCP from RTP on same port (RFC 5761)
func isRTCP(data []byte) bool {
	return len(data) >= 8 && data[1] >= 192 && data[1] <= 223
}
