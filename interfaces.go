// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voipcall

import (
	"time"

	"github.com/emiago/voipcall/audio"
	"github.com/emiago/voipcall/audiosession"
	"github.com/emiago/voipcall/callsession"
	"github.com/emiago/voipcall/media"
	"github.com/emiago/voipcall/promise"
)

// AudioSession hands out exclusive audio device access. Implemented by audiosession.Manager.
type AudioSession interface {
	Push(t audiosession.Type, manualActivate func(audiosession.Control), deactivate func() <-chan struct{}) (release func())
}

// MediaEngine establishes call audio path. Implemented by media.Engine.
type MediaEngine interface {
	Start(key []byte, isOutgoing bool, conns []callsession.Connection, maxLayer int32, audioActive promise.Signal[bool]) error
	Stop()
	SetIsMuted(muted bool)
	State() promise.Signal[media.State]
}

// NativeCallIntegration reports calls to the operating system call UI.
// Completion may be called from any goroutine.
type NativeCallIntegration interface {
	ReportIncomingCall(id callsession.InternalID, handle string, displayTitle string, completion func(err error))
	ReportOutgoingCallConnected(id callsession.InternalID, at time.Time)
	AnswerCall(id callsession.InternalID)
	DropCall(id callsession.InternalID)
}

// AudioActivityReporter is optionally implemented by NativeCallIntegration
// when the system activates the audio session itself.
type AudioActivityReporter interface {
	AudioSessionActive() promise.Signal[bool]
}

// ToneRenderer plays a call tone until closed.
type ToneRenderer interface {
	Tone() audio.Tone
	// SetActivation attaches audio activation token. Nil detaches it.
	SetActivation(a audio.Activation)
	SetAudioSessionActive(active bool)
	Close()
}

type ToneRendererFactory func(tone audio.Tone) (ToneRenderer, error)

// Peer is the other party of the call.
type Peer struct {
	ID           int64
	DisplayTitle string
}
