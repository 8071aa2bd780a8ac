// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package callsession defines call signaling session states and the manager
// contract that produces them.
package callsession

import (
	"bytes"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
)

// InternalID correlates one call's signaling session, media context and
// native call report.
type InternalID uuid.UUID

func NewInternalID() InternalID {
	return InternalID(uuid.New())
}

func ParseInternalID(s string) (InternalID, error) {
	id, err := uuid.Parse(s)
	return InternalID(id), err
}

func (id InternalID) String() string {
	return uuid.UUID(id).String()
}

// StateKind is the signaling lifecycle stage of a call.
type StateKind int

const (
	StateRinging StateKind = iota
	StateRequesting
	StateAccepting
	StateActive
	StateDropping
	StateTerminated
)

func (k StateKind) String() string {
	switch k {
	case StateRinging:
		return "Ringing"
	case StateRequesting:
		return "Requesting"
	case StateAccepting:
		return "Accepting"
	case StateActive:
		return "Active"
	case StateDropping:
		return "Dropping"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Connection describes one media endpoint (reflector or peer) negotiated for the call.
type Connection struct {
	ID   int64
	IPv4 string
	IPv6 string
	Port int
	// PeerTag identifies the call on a reflector
	PeerTag string
}

// Addr returns host:port preferring IPv4.
func (c Connection) Addr() string {
	host := c.IPv4
	if host == "" {
		host = c.IPv6
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// State is a tagged variant. Only fields of the current Kind are meaningful.
type State struct {
	Kind StateKind

	// Requesting
	IsRinging bool

	// Active
	Key           []byte
	KeyVisualHash []byte
	Connections   []Connection
	MaxLayer      int32

	// Terminated. Nil means no reason reported.
	Reason *TerminationReason
}

func Ringing() State { return State{Kind: StateRinging} }

func Requesting(isRinging bool) State {
	return State{Kind: StateRequesting, IsRinging: isRinging}
}

func Accepting() State { return State{Kind: StateAccepting} }

func Active(key, keyVisualHash []byte, connections []Connection, maxLayer int32) State {
	return State{
		Kind:          StateActive,
		Key:           key,
		KeyVisualHash: keyVisualHash,
		Connections:   connections,
		MaxLayer:      maxLayer,
	}
}

func Dropping() State { return State{Kind: StateDropping} }

func Terminated(reason *TerminationReason) State {
	return State{Kind: StateTerminated, Reason: reason}
}

func (s State) String() string {
	switch s.Kind {
	case StateRequesting:
		return fmt.Sprintf("Requesting(ringing=%t)", s.IsRinging)
	case StateActive:
		return fmt.Sprintf("Active(connections=%d layer=%d)", len(s.Connections), s.MaxLayer)
	case StateTerminated:
		return fmt.Sprintf("Terminated(%s)", s.Reason)
	}
	return s.Kind.String()
}

// Equal compares states including their payload.
func (s State) Equal(o State) bool {
	if s.Kind != o.Kind {
		return false
	}
	switch s.Kind {
	case StateRequesting:
		return s.IsRinging == o.IsRinging
	case StateActive:
		if len(s.Connections) != len(o.Connections) {
			return false
		}
		for i := range s.Connections {
			if s.Connections[i] != o.Connections[i] {
				return false
			}
		}
		return bytes.Equal(s.Key, o.Key) && bytes.Equal(s.KeyVisualHash, o.KeyVisualHash) && s.MaxLayer == o.MaxLayer
	case StateTerminated:
		return s.Reason.Equal(o.Reason)
	}
	return true
}

// Session is one snapshot of a call's signaling state.
type Session struct {
	ID         InternalID
	IsOutgoing bool
	State      State
}
