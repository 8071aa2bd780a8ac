// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package voipcall coordinates a single voice call for presentation. It
// combines signaling session, media engine and audio session access into
// one state stream for UI, plays call tones, and reports the call to the
// native call integration.
package voipcall

import (
	"strconv"
	"sync"
	"time"

	"github.com/emiago/voipcall/audio"
	"github.com/emiago/voipcall/audiosession"
	"github.com/emiago/voipcall/callsession"
	"github.com/emiago/voipcall/dispatch"
	"github.com/emiago/voipcall/media"
	"github.com/emiago/voipcall/promise"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PresentationCall reconciles call inputs into PresentationCallState.
//
// All state is touched only from funcs running on its queue. Public methods
// can be called from any goroutine, except Close which must not be called
// from the queue itself. Stream subscribers are called on the queue and
// must not block.
type PresentationCall struct {
	InternalID callsession.InternalID
	PeerID     int64
	IsOutgoing bool
	Peer       *Peer

	audioSession AudioSession
	sessions     callsession.Manager
	engine       MediaEngine
	native       NativeCallIntegration

	queue     *dispatch.Queue
	ownsQueue bool
	timings   Timings
	now       func() time.Time
	log       zerolog.Logger

	newToneRenderer ToneRendererFactory
	toneOpts        audio.ToneRendererOptions

	state              *promise.Value[PresentationCallState]
	isMuted            *promise.Value[bool]
	speakerMode        *promise.Value[bool]
	canBeRemoved       *promise.Value[bool]
	audioSessionActive *promise.Value[bool]

	hungUp     chan struct{}
	closedOnce sync.Once

	// Everything below is owned by queue

	sessionState *callsession.Session
	mediaState   *media.State
	control      audiosession.Control

	isMutedValue     bool
	speakerModeValue bool
	activeTimestamp  time.Time

	// latches
	reportedIncomingCall      bool
	reportedOutgoingConnected bool
	requestedDisconnect       bool
	didSetCanBeRemoved        bool
	droppedCall               bool
	emittedTerminated         bool
	hungUpClosed              bool

	shouldBeActive       bool
	shouldBeActiveSet    bool
	isAudioSessionActive bool
	activityWait         func()
	activityGen          uint64

	toneRenderer       ToneRenderer
	canBeRemovedTimer  *dispatch.Timer
	dropNativeTimer    *dispatch.Timer
	sessionStateCancel func()
	mediaStateCancel   func()
	releaseAudio       func()
	closed             bool
}

// NewPresentationCall creates coordinator and subscribes to its inputs.
// peer can be nil.
func NewPresentationCall(
	audioSession AudioSession,
	sessions callsession.Manager,
	engine MediaEngine,
	internalID callsession.InternalID,
	peerID int64,
	isOutgoing bool,
	peer *Peer,
	opts ...PresentationCallOption,
) *PresentationCall {
	c := &PresentationCall{
		InternalID:   internalID,
		PeerID:       peerID,
		IsOutgoing:   isOutgoing,
		Peer:         peer,
		audioSession: audioSession,
		sessions:     sessions,
		engine:       engine,
		ownsQueue:    true,
		timings:      DefaultTimings(),
		now:          time.Now,
		log:          log.Logger,
		toneOpts: audio.ToneRendererOptions{
			Config: audio.DefaultToneConfig(),
		},

		state: promise.NewValueOf(Waiting()).IgnoreRepeated(func(a, b PresentationCallState) bool {
			return a.Equal(b)
		}),
		isMuted:            promise.NewValueOf(false),
		speakerMode:        promise.NewValueOf(false),
		canBeRemoved:       promise.NewValueOf(false).IgnoreRepeated(boolEqual),
		audioSessionActive: promise.NewValueOf(false).IgnoreRepeated(boolEqual),
		hungUp:             make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.queue == nil {
		c.queue = dispatch.NewQueue()
		c.ownsQueue = true
	}
	if c.newToneRenderer == nil {
		c.newToneRenderer = c.defaultToneRenderer
	}
	c.log = c.log.With().Str("call_id", internalID.String()).Bool("outgoing", isOutgoing).Logger()

	c.sessionStateCancel = sessions.CallState(internalID).Subscribe(func(s callsession.Session) {
		c.queue.Async(func() {
			if c.closed {
				return
			}
			c.updateSessionState(s, c.mediaState, c.control)
		})
	})

	c.mediaStateCancel = engine.State().Subscribe(func(ms media.State) {
		c.queue.Async(func() {
			if c.closed {
				return
			}
			if c.sessionState == nil {
				c.mediaState = &ms
				return
			}
			c.updateSessionState(*c.sessionState, &ms, c.control)
		})
	})

	c.releaseAudio = audioSession.Push(audiosession.TypeVoiceCall, c.audioGranted, c.audioRevoked)
	return c
}

func boolEqual(a, b bool) bool { return a == b }

func (c *PresentationCall) audioGranted(ctl audiosession.Control) {
	c.queue.Async(func() {
		if c.closed {
			return
		}
		if c.sessionState == nil {
			c.control = ctl
			return
		}
		c.updateSessionState(*c.sessionState, c.mediaState, ctl)
	})
}

func (c *PresentationCall) audioRevoked() <-chan struct{} {
	handled := make(chan struct{})
	c.queue.Async(func() {
		defer close(handled)
		if c.closed {
			return
		}
		c.setAudioSessionActive(false)
		if c.sessionState == nil {
			c.control = nil
			return
		}
		c.updateSessionState(*c.sessionState, c.mediaState, nil)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-handled:
		case <-c.queue.Done():
		}
	}()
	return done
}

// updateSessionState stores input snapshot and reconciles everything from it.
func (c *PresentationCall) updateSessionState(session callsession.Session, mediaState *media.State, control audiosession.Control) {
	previous := c.sessionState
	previousControl := c.control
	c.sessionState = &session
	c.mediaState = mediaState
	c.control = control
	if control != previousControl && c.toneRenderer != nil {
		c.toneRenderer.SetActivation(c.toneActivation())
	}

	wasActive := previous != nil && previous.State.Kind == callsession.StateActive
	wasTerminated := previous != nil && previous.State.Kind == callsession.StateTerminated
	controlGranted := control != nil && (previous == nil || previousControl == nil)
	mediaFailed := mediaState != nil && *mediaState == media.StateFailed

	c.log.Debug().
		Stringer("session", session.State).
		Str("media", mediaStateString(mediaState)).
		Bool("control", control != nil).
		Msg("Reconciling call state")

	if controlGranted {
		mode := audiosession.OutputSystem
		if c.speakerModeValue {
			mode = audiosession.OutputSpeaker
		}
		control.SetOutputMode(mode)
		control.Setup(true)
	}

	var presentation *PresentationCallState
	st := session.State
	switch st.Kind {
	case callsession.StateRinging:
		p := RingingState()
		presentation = &p
		if controlGranted && !c.reportedIncomingCall {
			c.reportedIncomingCall = true
			c.reportIncomingCall()
		}
	case callsession.StateAccepting:
		p := Connecting(nil)
		presentation = &p
	case callsession.StateDropping:
		p := Terminating()
		presentation = &p
	case callsession.StateTerminated:
		p := TerminatedState(st.Reason)
		presentation = &p
	case callsession.StateRequesting:
		p := RequestingState(st.IsRinging)
		presentation = &p
	case callsession.StateActive:
		switch {
		case mediaState == nil || *mediaState == media.StateInitializing:
			p := Connecting(st.KeyVisualHash)
			presentation = &p
		case mediaFailed:
			if !c.requestedDisconnect && !c.emittedTerminated {
				c.requestedDisconnect = true
				c.log.Warn().Msg("Media failed. Dropping call")
				c.sessions.Drop(c.InternalID, callsession.DropDisconnect)
			}
		default:
			if c.activeTimestamp.IsZero() {
				c.activeTimestamp = c.now()
			}
			p := ActiveState(c.activeTimestamp, st.KeyVisualHash)
			presentation = &p
		}
	}

	var shouldBeActive bool
	switch st.Kind {
	case callsession.StateRequesting:
		shouldBeActive = true
	case callsession.StateActive:
		shouldBeActive = true
		if mediaFailed {
			c.engine.Stop()
		} else if control != nil && !c.emittedTerminated && (!wasActive || previousControl == nil) {
			c.startMedia(session)
		}
	case callsession.StateTerminated:
		shouldBeActive = true
		if wasActive {
			c.engine.Stop()
		}
	default:
		if wasActive {
			c.engine.Stop()
		}
	}
	c.setShouldBeActive(shouldBeActive, (previousControl == nil) != (control == nil))

	if st.Kind == callsession.StateTerminated && !wasTerminated {
		c.onTerminated(session)
	}

	if presentation != nil && !c.emittedTerminated {
		if c.state.Set(*presentation) {
			c.log.Info().Stringer("state", presentation).Msg("Call state")
		}
		if presentation.IsTerminal() {
			c.emittedTerminated = true
		}
		c.updateTone(*presentation)
	}
}

func (c *PresentationCall) startMedia(session callsession.Session) {
	st := session.State
	if err := c.engine.Start(st.Key, session.IsOutgoing, st.Connections, st.MaxLayer, c.audioSessionActive); err != nil {
		// Engine reports failure through its state
		c.log.Error().Err(err).Msg("Failed to start media engine")
	}
	if session.IsOutgoing && !c.reportedOutgoingConnected && c.native != nil {
		c.reportedOutgoingConnected = true
		c.native.ReportOutgoingCallConnected(c.InternalID, c.now())
	}
}

func (c *PresentationCall) reportIncomingCall() {
	if c.native == nil {
		return
	}
	title := "Unknown"
	if c.Peer != nil && c.Peer.DisplayTitle != "" {
		title = c.Peer.DisplayTitle
	}
	handle := strconv.FormatInt(c.PeerID, 10)

	c.native.ReportIncomingCall(c.InternalID, handle, title, func(err error) {
		if err == nil {
			return
		}
		c.log.Error().Err(err).Msg("Failed to report incoming call")
		c.queue.Async(func() {
			if c.closed {
				return
			}
			c.sessions.Drop(c.InternalID, callsession.DropHangUp)
		})
	})
}

func (c *PresentationCall) onTerminated(session callsession.Session) {
	if !c.didSetCanBeRemoved {
		c.didSetCanBeRemoved = true
		c.canBeRemovedTimer = c.queue.After(c.timings.CanBeRemovedDelay, func() {
			c.canBeRemoved.Set(true)
		})
	}

	if !c.hungUpClosed {
		c.hungUpClosed = true
		close(c.hungUp)
	}

	if session.IsOutgoing {
		if !c.droppedCall && c.dropNativeTimer == nil {
			c.dropNativeTimer = c.queue.After(c.timings.DropNativeCallDelay, func() {
				c.dropNativeTimer = nil
				c.dropNativeCall()
			})
		}
		return
	}
	c.dropNativeCall()
}

func (c *PresentationCall) dropNativeCall() {
	if c.droppedCall {
		return
	}
	c.droppedCall = true
	if c.native != nil {
		c.native.DropCall(c.InternalID)
	}
}

// setShouldBeActive updates desired audio session activity. Activation is
// reevaluated when the desire changes or control was granted or revoked.
func (c *PresentationCall) setShouldBeActive(active bool, controlChanged bool) {
	changed := !c.shouldBeActiveSet || c.shouldBeActive != active
	c.shouldBeActive = active
	c.shouldBeActiveSet = true
	if !changed && !controlChanged {
		return
	}
	c.applyAudioActivation()
}

func (c *PresentationCall) applyAudioActivation() {
	c.cancelActivityWait()

	if !c.shouldBeActive || c.control == nil {
		c.setAudioSessionActive(false)
		return
	}

	reporter, ok := c.native.(AudioActivityReporter)
	if !ok {
		c.control.Activate(c.activationCompleted)
		c.setAudioSessionActive(true)
		return
	}

	// System activates audio session for native calls. Fall back to manual
	// activation when it does not report in time.
	gen := c.activityGen
	cancelSub := reporter.AudioSessionActive().Subscribe(func(active bool) {
		if !active {
			return
		}
		c.queue.Async(func() {
			if c.closed || c.activityGen != gen {
				return
			}
			c.cancelActivityWait()
			c.setAudioSessionActive(true)
		})
	})
	timer := c.queue.After(c.timings.NativeAudioActiveTimeout, func() {
		if c.activityGen != gen {
			return
		}
		c.log.Warn().Msg("Native audio session activation timed out. Activating manually")
		c.cancelActivityWait()
		if c.control != nil {
			c.control.Activate(c.activationCompleted)
		}
		c.setAudioSessionActive(true)
	})
	c.activityWait = func() {
		cancelSub()
		timer.Cancel()
	}
}

func (c *PresentationCall) cancelActivityWait() {
	c.activityGen++
	if c.activityWait != nil {
		c.activityWait()
		c.activityWait = nil
	}
}

func (c *PresentationCall) activationCompleted(err error) {
	if err != nil {
		c.log.Error().Err(err).Msg("Audio session activation failed")
	}
}

func (c *PresentationCall) setAudioSessionActive(active bool) {
	if c.isAudioSessionActive == active {
		return
	}
	c.isAudioSessionActive = active
	c.audioSessionActive.Set(active)
	if c.toneRenderer != nil {
		c.toneRenderer.SetAudioSessionActive(active)
	}
}

// State streams presentation states starting with waiting.
func (c *PresentationCall) State() promise.Signal[PresentationCallState] {
	return c.state
}

// IsMuted streams microphone mute flag.
func (c *PresentationCall) IsMuted() promise.Signal[bool] {
	return c.isMuted
}

// SpeakerMode streams whether speaker output is requested.
func (c *PresentationCall) SpeakerMode() promise.Signal[bool] {
	return c.speakerMode
}

// CanBeRemoved emits true once, shortly after call terminated.
func (c *PresentationCall) CanBeRemoved() promise.Signal[bool] {
	return c.canBeRemoved
}

// Answer accepts incoming call. State change arrives through signaling.
func (c *PresentationCall) Answer() {
	c.queue.Async(func() {
		if c.closed {
			return
		}
		c.sessions.Accept(c.InternalID)
		if c.native != nil {
			c.native.AnswerCall(c.InternalID)
		}
	})
}

// HangUp drops the call and stops media right away. Returned channel is
// closed once termination is observed.
func (c *PresentationCall) HangUp() <-chan struct{} {
	c.queue.Async(func() {
		if c.closed {
			return
		}
		c.sessions.Drop(c.InternalID, callsession.DropHangUp)
		c.engine.Stop()
	})
	return c.hungUp
}

// RejectBusy drops the call as busy and stops media.
func (c *PresentationCall) RejectBusy() {
	c.queue.Async(func() {
		if c.closed {
			return
		}
		c.sessions.Drop(c.InternalID, callsession.DropBusy)
		c.engine.Stop()
	})
}

// ToggleIsMuted flips microphone mute on the media engine.
func (c *PresentationCall) ToggleIsMuted() {
	c.queue.Async(func() {
		if c.closed {
			return
		}
		c.isMutedValue = !c.isMutedValue
		c.isMuted.Set(c.isMutedValue)
		c.engine.SetIsMuted(c.isMutedValue)
	})
}

// ToggleSpeaker flips speaker mode. Route is applied only while a control is granted.
func (c *PresentationCall) ToggleSpeaker() {
	c.queue.Async(func() {
		if c.closed {
			return
		}
		c.speakerModeValue = !c.speakerModeValue
		c.speakerMode.Set(c.speakerModeValue)
		if c.control != nil {
			mode := audiosession.OutputSystem
			if c.speakerModeValue {
				mode = audiosession.OutputSpeakerIfNoHeadphones
			}
			c.control.SetOutputMode(mode)
		}
	})
}

// NativeCallDropped tells that system already dropped native call UI.
func (c *PresentationCall) NativeCallDropped() {
	c.queue.Async(func() {
		c.droppedCall = true
		if c.dropNativeTimer != nil {
			c.dropNativeTimer.Cancel()
			c.dropNativeTimer = nil
		}
	})
}

// Close releases every subscription, timer and held resource. Pending native
// call drop is done immediately.
func (c *PresentationCall) Close() {
	c.closedOnce.Do(func() {
		c.queue.Sync(c.close)
	})
}

func (c *PresentationCall) close() {
	c.closed = true
	c.sessionStateCancel()
	c.mediaStateCancel()
	c.cancelActivityWait()

	if c.canBeRemovedTimer != nil {
		c.canBeRemovedTimer.Cancel()
	}
	if c.dropNativeTimer != nil {
		c.dropNativeTimer.Cancel()
		c.dropNativeTimer = nil
		c.dropNativeCall()
	}
	if c.toneRenderer != nil {
		c.toneRenderer.Close()
		c.toneRenderer = nil
	}
	c.engine.Stop()
	c.releaseAudio()
	c.log.Debug().Msg("Call closed")

	if c.ownsQueue {
		c.queue.Close()
	}
}

func mediaStateString(s *media.State) string {
	if s == nil {
		return "none"
	}
	return s.String()
}
