// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/emiago/voipcall"
	"github.com/emiago/voipcall/audio"
	"github.com/emiago/voipcall/audiosession"
	"github.com/emiago/voipcall/callsession"
	"github.com/emiago/voipcall/media"
	"github.com/rs/zerolog"
)

const simMaxLayer = 92

type simConfig struct {
	Media      media.Config
	Timings    voipcall.Timings
	Tones      audio.ToneConfig
	ToneOutput audio.FrameWriter
	// Playback receives decoded remote audio. Nil discards it.
	Playback   io.Writer
	IsOutgoing bool
	PeerID     int64
	PeerName   string
	Log        zerolog.Logger
}

// simulator drives one call through scripted signaling against a loopback
// media peer.
type simulator struct {
	conf       simConfig
	log        zerolog.Logger
	id         callsession.InternalID
	sessions   *callsession.Memory
	audio      *audiosession.Manager
	engine     *media.Engine
	peer       *media.Engine
	localPort  int
	peerPort   int
	call       *voipcall.PresentationCall
	interrupts sync.WaitGroup

	mu     sync.Mutex
	states []voipcall.PresentationCallState
}

func newSimulator(conf simConfig) (*simulator, error) {
	localConn, err := net.ListenPacket("udp", conf.Media.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("listen media: %w", err)
	}
	peerConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		localConn.Close()
		return nil, fmt.Errorf("listen peer media: %w", err)
	}

	s := &simulator{
		conf:      conf,
		log:       conf.Log,
		id:        callsession.NewInternalID(),
		localPort: localConn.LocalAddr().(*net.UDPAddr).Port,
		peerPort:  peerConn.LocalAddr().(*net.UDPAddr).Port,
	}

	playback := conf.Playback
	if playback == nil {
		playback = io.Discard
	}
	s.engine = media.NewEngine(conf.Media,
		media.WithPacketConn(localConn),
		media.WithPlayback(playback),
		media.WithLogger(s.log.With().Str("side", "local").Logger()),
	)

	peerOpts := []media.EngineOption{
		media.WithPacketConn(peerConn),
		media.WithLogger(s.log.With().Str("side", "peer").Logger()),
	}
	pcm, err := audio.TonePCM(audio.ToneConnecting, audio.ToneConfig{
		SampleRate: int(conf.Media.Codec.SampleRate),
		Volume:     conf.Tones.Volume,
	})
	if err == nil {
		peerOpts = append(peerOpts, media.WithCapture(&loopReader{pcm: pcm}))
	}
	s.peer = media.NewEngine(conf.Media, peerOpts...)

	s.sessions = callsession.NewMemory(callsession.WithMemoryLogger(s.log))
	s.audio = audiosession.NewManager(&audiosession.LogDevice{Log: s.log},
		audiosession.WithLogger(s.log),
	)

	opts := []voipcall.PresentationCallOption{
		voipcall.WithLogger(s.log),
		voipcall.WithTimings(conf.Timings),
		voipcall.WithToneConfig(conf.Tones),
		voipcall.WithNativeIntegration(&logNative{log: s.log}),
	}
	if conf.ToneOutput != nil {
		opts = append(opts, voipcall.WithToneOutput(conf.ToneOutput))
	}
	s.call = voipcall.NewPresentationCall(s.audio, s.sessions, s.engine, s.id, conf.PeerID, conf.IsOutgoing,
		&voipcall.Peer{ID: conf.PeerID, DisplayTitle: conf.PeerName},
		opts...,
	)
	s.call.State().Subscribe(func(st voipcall.PresentationCallState) {
		s.mu.Lock()
		s.states = append(s.states, st)
		s.mu.Unlock()
		s.log.Info().Stringer("state", st).Msg("Presentation state")
	})
	return s, nil
}

func (s *simulator) States() []voipcall.PresentationCallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]voipcall.PresentationCallState(nil), s.states...)
}

// Run executes commands in order and waits for call removal if it terminated.
func (s *simulator) Run(ctx context.Context, cmds []command) error {
	for _, cmd := range cmds {
		s.log.Debug().Int("line", cmd.Line).Stringer("cmd", cmd).Msg("Script")
		if err := s.exec(ctx, cmd); err != nil {
			return fmt.Errorf("line %d: %s: %w", cmd.Line, cmd, err)
		}
	}
	return s.waitRemovable(ctx)
}

func (s *simulator) exec(ctx context.Context, cmd command) error {
	switch cmd.Name {
	case "ringing":
		return s.put(callsession.Ringing())
	case "requesting":
		return s.put(callsession.Requesting(len(cmd.Args) == 1))
	case "accepting":
		return s.put(callsession.Accepting())
	case "active":
		return s.activate()
	case "dropping":
		return s.put(callsession.Dropping())
	case "terminated":
		reason, err := parseTermination(cmd.Args)
		if err != nil {
			return err
		}
		return s.put(callsession.Terminated(reason))
	case "answer":
		s.call.Answer()
	case "hangup":
		select {
		case <-s.call.HangUp():
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return fmt.Errorf("call did not terminate")
		}
	case "busy":
		s.call.RejectBusy()
	case "mute":
		s.call.ToggleIsMuted()
	case "speaker":
		s.call.ToggleSpeaker()
	case "native":
		s.call.NativeCallDropped()
	case "peer":
		s.peer.Stop()
	case "interrupt":
		d, _ := time.ParseDuration(cmd.Args[0])
		s.interrupt(d)
	case "wait":
		d, _ := time.ParseDuration(cmd.Args[0])
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *simulator) put(st callsession.State) error {
	return s.sessions.Put(callsession.Session{ID: s.id, IsOutgoing: s.conf.IsOutgoing, State: st})
}

// activate starts loopback peer media and publishes active session pointing to it.
func (s *simulator) activate() error {
	key := make([]byte, 256)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	hash := sha256.Sum256(key)

	conn := callsession.Connection{
		ID:      1,
		IPv4:    "127.0.0.1",
		Port:    s.peerPort,
		PeerTag: hex.EncodeToString(hash[:8]),
	}
	peerConn := callsession.Connection{
		ID:      1,
		IPv4:    "127.0.0.1",
		Port:    s.localPort,
		PeerTag: conn.PeerTag,
	}
	if err := s.peer.Start(key, !s.conf.IsOutgoing, []callsession.Connection{peerConn}, simMaxLayer, nil); err != nil {
		return fmt.Errorf("start peer media: %w", err)
	}
	return s.put(callsession.Active(key, hash[:16], []callsession.Connection{conn}, simMaxLayer))
}

// interrupt takes audio session away from call for d.
func (s *simulator) interrupt(d time.Duration) {
	s.log.Info().Dur("duration", d).Msg("Audio session interrupted")
	release := s.audio.Push(audiosession.TypePlay,
		func(ctl audiosession.Control) { ctl.Activate(nil) },
		func() <-chan struct{} {
			done := make(chan struct{})
			close(done)
			return done
		},
	)
	s.interrupts.Add(1)
	time.AfterFunc(d, func() {
		defer s.interrupts.Done()
		release()
	})
}

func (s *simulator) waitRemovable(ctx context.Context) error {
	cur, err := s.sessions.Current(s.id)
	if err != nil || cur.State.Kind != callsession.StateTerminated {
		return nil
	}

	removable := make(chan struct{})
	var once sync.Once
	cancel := s.call.CanBeRemoved().Subscribe(func(v bool) {
		if v {
			once.Do(func() { close(removable) })
		}
	})
	defer cancel()

	select {
	case <-removable:
		s.log.Info().Msg("Call can be removed")
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.conf.Timings.CanBeRemovedDelay + time.Second):
		return fmt.Errorf("call was not removable in time")
	}
	return nil
}

func (s *simulator) Close() {
	s.interrupts.Wait()
	s.call.Close()
	s.peer.Stop()
	s.audio.Close()

	stats := s.engine.Stats()
	peer := s.peer.Stats()
	s.log.Info().
		Uint64("sent", stats.PacketsSent).
		Uint64("received", stats.PacketsReceived).
		Uint64("peer_sent", peer.PacketsSent).
		Uint64("peer_received", peer.PacketsReceived).
		Msg("Media stats")
}

// logNative stands in for system call UI.
type logNative struct {
	log zerolog.Logger
}

func (n *logNative) ReportIncomingCall(id callsession.InternalID, handle string, displayTitle string, completion func(err error)) {
	n.log.Info().Str("handle", handle).Str("title", displayTitle).Msg("Native incoming call")
	completion(nil)
}

func (n *logNative) ReportOutgoingCallConnected(id callsession.InternalID, at time.Time) {
	n.log.Info().Time("at", at).Msg("Native outgoing call connected")
}

func (n *logNative) AnswerCall(id callsession.InternalID) {
	n.log.Info().Msg("Native call answered")
}

func (n *logNative) DropCall(id callsession.InternalID) {
	n.log.Info().Msg("Native call dropped")
}

// newPlaybackRecorder records decoded call audio of codec as WAV.
func newPlaybackRecorder(w io.WriteSeeker, codec media.Codec) *audio.WavWriter {
	return audio.NewWavWriter(w, int(codec.SampleRate))
}

// loopReader repeats pcm forever.
type loopReader struct {
	pcm []byte
	off int
}

func (r *loopReader) Read(p []byte) (int, error) {
	if len(r.pcm) == 0 {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) {
		c := copy(p[n:], r.pcm[r.off:])
		n += c
		r.off = (r.off + c) % len(r.pcm)
	}
	return n, nil
}
