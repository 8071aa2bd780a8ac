// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package audiosession arbitrates exclusive access to the audio device
// between holders. The most recently pushed holder owns the device; the
// previous owner is revoked and granted again once the newer holder leaves.
package audiosession

import (
	"fmt"

	"github.com/rs/zerolog"
)

type Type int

const (
	TypePlay Type = iota
	TypePlayAndRecord
	TypeVoiceCall
)

func (t Type) String() string {
	switch t {
	case TypePlay:
		return "play"
	case TypePlayAndRecord:
		return "play_and_record"
	case TypeVoiceCall:
		return "voice_call"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// OutputMode is audio route selection.
type OutputMode int

const (
	OutputSystem OutputMode = iota
	OutputSpeaker
	OutputSpeakerIfNoHeadphones
)

func (m OutputMode) String() string {
	switch m {
	case OutputSystem:
		return "system"
	case OutputSpeaker:
		return "speaker"
	case OutputSpeakerIfNoHeadphones:
		return "speaker_if_no_headphones"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Control is the granted right to configure and activate the audio device.
// After revocation all methods are no-ops.
type Control interface {
	SetOutputMode(mode OutputMode)
	Setup(synchronous bool)
	Activate(completion func(err error))
	Deactivate()
}

// Device performs the platform side of the audio session.
type Device interface {
	SetCategory(t Type) error
	SetOutputMode(mode OutputMode) error
	SetActive(active bool) error
}

// LogDevice is a Device which only logs. Used where no audio hardware is present.
type LogDevice struct {
	Log zerolog.Logger
}

func (d *LogDevice) SetCategory(t Type) error {
	d.Log.Debug().Stringer("type", t).Msg("Audio session category")
	return nil
}

func (d *LogDevice) SetOutputMode(mode OutputMode) error {
	d.Log.Debug().Stringer("mode", mode).Msg("Audio session output mode")
	return nil
}

func (d *LogDevice) SetActive(active bool) error {
	d.Log.Debug().Bool("active", active).Msg("Audio session active")
	return nil
}
