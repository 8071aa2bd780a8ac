// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voipcall

import (
	"github.com/emiago/voipcall/audio"
	"github.com/emiago/voipcall/audiosession"
	"github.com/emiago/voipcall/callsession"
	"github.com/rs/zerolog"
)

// toneForState returns tone that should play while UI shows state.
func toneForState(s PresentationCallState) (audio.Tone, bool) {
	switch s.Kind {
	case StateConnecting:
		return audio.ToneConnecting, true
	case StateRequesting:
		if s.IsRinging {
			return audio.ToneRingback, true
		}
	case StateTerminated:
		if s.Reason == nil {
			return 0, false
		}
		if s.Reason.Error {
			return audio.ToneFailed, true
		}
		switch s.Reason.Ended {
		case callsession.EndedBusy:
			return audio.ToneBusy, true
		case callsession.EndedHungUp, callsession.EndedMissed:
			return audio.ToneEnded, true
		}
	}
	return 0, false
}

func (c *PresentationCall) defaultToneRenderer(tone audio.Tone) (ToneRenderer, error) {
	opts := c.toneOpts
	opts.Logger = &c.log
	r, err := audio.NewToneRenderer(tone, opts)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (c *PresentationCall) updateTone(s PresentationCallState) {
	tone, ok := toneForState(s)
	if c.toneRenderer != nil && ok && c.toneRenderer.Tone() == tone {
		return
	}
	if c.toneRenderer == nil && !ok {
		return
	}

	if c.toneRenderer != nil {
		c.toneRenderer.Close()
		c.toneRenderer = nil
	}
	if !ok {
		return
	}

	r, err := c.newToneRenderer(tone)
	if err != nil {
		c.log.Error().Err(err).Stringer("tone", tone).Msg("Failed to create tone renderer")
		return
	}
	c.log.Debug().Stringer("tone", tone).Msg("Playing call tone")
	c.toneRenderer = r
	r.SetActivation(c.toneActivation())
	r.SetAudioSessionActive(c.isAudioSessionActive)
}

// toneActivation returns token driving currently granted control, or nil.
func (c *PresentationCall) toneActivation() audio.Activation {
	if c.control == nil {
		return nil
	}
	return &controlActivation{ctl: c.control, log: c.log}
}

// controlActivation lets tone renderer activate and deactivate audio session
// through granted control.
type controlActivation struct {
	ctl audiosession.Control
	log zerolog.Logger
}

func (a *controlActivation) Activate() {
	a.ctl.Activate(func(err error) {
		if err != nil {
			a.log.Debug().Err(err).Msg("Tone audio activation failed")
		}
	})
}

func (a *controlActivation) Deactivate() {
	a.ctl.Deactivate()
}
