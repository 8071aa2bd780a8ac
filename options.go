// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voipcall

import (
	"time"

	"github.com/emiago/voipcall/audio"
	"github.com/emiago/voipcall/dispatch"
	"github.com/rs/zerolog"
)

// Timings are delays of call teardown and audio activation.
type Timings struct {
	// CanBeRemovedDelay is delay between termination and call removal from UI
	CanBeRemovedDelay time.Duration
	// DropNativeCallDelay is how long outgoing call waits for system to drop native call UI
	DropNativeCallDelay time.Duration
	// NativeAudioActiveTimeout bounds waiting for system to activate audio session
	NativeAudioActiveTimeout time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		CanBeRemovedDelay:        2 * time.Second,
		DropNativeCallDelay:      2 * time.Second,
		NativeAudioActiveTimeout: 2 * time.Second,
	}
}

type PresentationCallOption func(c *PresentationCall)

func WithLogger(l zerolog.Logger) PresentationCallOption {
	return func(c *PresentationCall) {
		c.log = l
	}
}

// WithQueue runs the call on shared queue. Queue is not closed by Close.
func WithQueue(q *dispatch.Queue) PresentationCallOption {
	return func(c *PresentationCall) {
		c.queue = q
		c.ownsQueue = false
	}
}

func WithTimings(t Timings) PresentationCallOption {
	return func(c *PresentationCall) {
		c.timings = t
	}
}

// WithClock replaces time source used for active timestamp.
func WithClock(now func() time.Time) PresentationCallOption {
	return func(c *PresentationCall) {
		c.now = now
	}
}

func WithNativeIntegration(n NativeCallIntegration) PresentationCallOption {
	return func(c *PresentationCall) {
		c.native = n
	}
}

func WithToneRendererFactory(f ToneRendererFactory) PresentationCallOption {
	return func(c *PresentationCall) {
		c.newToneRenderer = f
	}
}

// WithToneConfig sets config of default tone renderer.
func WithToneConfig(conf audio.ToneConfig) PresentationCallOption {
	return func(c *PresentationCall) {
		c.toneOpts.Config = conf
	}
}

// WithToneOutput sets where default tone renderer writes frames.
func WithToneOutput(w audio.FrameWriter) PresentationCallOption {
	return func(c *PresentationCall) {
		c.toneOpts.Output = w
	}
}
