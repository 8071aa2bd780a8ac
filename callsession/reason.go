// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callsession

import "fmt"

// EndedType tells how a call that ended normally finished.
type EndedType int

const (
	EndedHungUp EndedType = iota
	EndedBusy
	EndedMissed
)

func (e EndedType) String() string {
	switch e {
	case EndedHungUp:
		return "HungUp"
	case EndedBusy:
		return "Busy"
	case EndedMissed:
		return "Missed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(e))
	}
}

// TerminationReason explains why a call was terminated.
// Either the call ended (Error false, Ended set) or it failed (Error true).
type TerminationReason struct {
	Error bool
	Ended EndedType
}

func Ended(t EndedType) *TerminationReason {
	return &TerminationReason{Ended: t}
}

func Failed() *TerminationReason {
	return &TerminationReason{Error: true}
}

func (r *TerminationReason) String() string {
	if r == nil {
		return "none"
	}
	if r.Error {
		return "Error"
	}
	return "Ended(" + r.Ended.String() + ")"
}

// Equal compares reasons. Two nil reasons are equal.
func (r *TerminationReason) Equal(o *TerminationReason) bool {
	if r == nil || o == nil {
		return r == nil && o == nil
	}
	if r.Error != o.Error {
		return false
	}
	return r.Error || r.Ended == o.Ended
}

// DropReason is given when asking the signaling side to drop a call.
type DropReason int

const (
	DropHangUp DropReason = iota
	DropBusy
	DropDisconnect
	DropMissed
)

func (d DropReason) String() string {
	switch d {
	case DropHangUp:
		return "HangUp"
	case DropBusy:
		return "Busy"
	case DropDisconnect:
		return "Disconnect"
	case DropMissed:
		return "Missed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(d))
	}
}

// TerminationReason maps a local drop to the reason the session terminates with.
func (d DropReason) TerminationReason() *TerminationReason {
	switch d {
	case DropBusy:
		return Ended(EndedBusy)
	case DropMissed:
		return Ended(EndedMissed)
	case DropDisconnect:
		return Failed()
	default:
		return Ended(EndedHungUp)
	}
}
