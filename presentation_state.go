// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voipcall

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emiago/voipcall/callsession"
)

type PresentationStateKind int

const (
	StateWaiting PresentationStateKind = iota
	StateRinging
	StateRequesting
	StateConnecting
	StateActive
	StateTerminating
	StateTerminated
)

func (k PresentationStateKind) String() string {
	switch k {
	case StateWaiting:
		return "waiting"
	case StateRinging:
		return "ringing"
	case StateRequesting:
		return "requesting"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// PresentationCallState is what UI renders for a call.
type PresentationCallState struct {
	Kind PresentationStateKind

	// Requesting
	IsRinging bool
	// Connecting (optional) and Active
	KeyVisualHash []byte
	// Active. Latched on first entry to active
	ActivatedAt time.Time
	// Terminated. Nil means no reason
	Reason *callsession.TerminationReason
}

func Waiting() PresentationCallState     { return PresentationCallState{Kind: StateWaiting} }
func RingingState() PresentationCallState { return PresentationCallState{Kind: StateRinging} }
func Terminating() PresentationCallState { return PresentationCallState{Kind: StateTerminating} }

func RequestingState(isRinging bool) PresentationCallState {
	return PresentationCallState{Kind: StateRequesting, IsRinging: isRinging}
}

func Connecting(keyVisualHash []byte) PresentationCallState {
	return PresentationCallState{Kind: StateConnecting, KeyVisualHash: keyVisualHash}
}

func ActiveState(activatedAt time.Time, keyVisualHash []byte) PresentationCallState {
	return PresentationCallState{Kind: StateActive, ActivatedAt: activatedAt, KeyVisualHash: keyVisualHash}
}

func TerminatedState(reason *callsession.TerminationReason) PresentationCallState {
	return PresentationCallState{Kind: StateTerminated, Reason: reason}
}

func (s PresentationCallState) IsTerminal() bool {
	return s.Kind == StateTerminated
}

func (s PresentationCallState) Equal(o PresentationCallState) bool {
	if s.Kind != o.Kind {
		return false
	}
	switch s.Kind {
	case StateRequesting:
		return s.IsRinging == o.IsRinging
	case StateConnecting:
		return bytes.Equal(s.KeyVisualHash, o.KeyVisualHash)
	case StateActive:
		return s.ActivatedAt.Equal(o.ActivatedAt) && bytes.Equal(s.KeyVisualHash, o.KeyVisualHash)
	case StateTerminated:
		return s.Reason.Equal(o.Reason)
	}
	return true
}

func (s PresentationCallState) String() string {
	switch s.Kind {
	case StateRequesting:
		return fmt.Sprintf("requesting(ringing=%t)", s.IsRinging)
	case StateConnecting:
		if s.KeyVisualHash == nil {
			return "connecting"
		}
		return fmt.Sprintf("connecting(hash=%x)", s.KeyVisualHash)
	case StateActive:
		return fmt.Sprintf("active(at=%s hash=%x)", s.ActivatedAt.Format(time.RFC3339Nano), s.KeyVisualHash)
	case StateTerminated:
		return fmt.Sprintf("terminated(%s)", s.Reason)
	}
	return s.Kind.String()
}
