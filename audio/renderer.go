// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FrameWriter is the audio pipeline receiving rendered frames.
type FrameWriter interface {
	WriteFrame(f Frame) error
}

// Activation is the audio output activation token used by the renderer.
type Activation interface {
	Activate()
	Deactivate()
}

type ToneRendererOptions struct {
	Config ToneConfig
	// Output receives frames. Nil discards them.
	Output FrameWriter
	// Activation can also be attached later with SetActivation.
	Activation Activation
	Logger     *zerolog.Logger
}

// ToneRenderer loops a tone through an audio output. Rendering starts on
// construction at normal rate and runs on its own goroutine until Close.
type ToneRenderer struct {
	tone   Tone
	source *FrameSource
	out    FrameWriter
	log    zerolog.Logger

	mu         sync.Mutex
	activation Activation
	activated  bool

	rate atomic.Uint64 // float64 bits

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewToneRenderer(tone Tone, opts ToneRendererOptions) (*ToneRenderer, error) {
	conf := opts.Config.withDefaults()
	pcm, err := TonePCM(tone, conf)
	if err != nil {
		return nil, err
	}

	r := &ToneRenderer{
		tone:       tone,
		source:     NewFrameSource(pcm, conf.SampleRate),
		out:        opts.Output,
		activation: opts.Activation,
		log:        log.Logger,
	}
	if opts.Logger != nil {
		r.log = *opts.Logger
	}
	r.log = r.log.With().Stringer("tone", tone).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.setRate(1)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.render(ctx)
	}()
	return r, nil
}

func (r *ToneRenderer) Tone() Tone {
	return r.tone
}

// Rate is current playback rate. 0 means paused.
func (r *ToneRenderer) Rate() float64 {
	return math.Float64frombits(r.rate.Load())
}

func (r *ToneRenderer) setRate(rate float64) {
	r.rate.Store(math.Float64bits(rate))
}

// SetActivation attaches activation token. If audio session was already
// marked active the token is activated right away.
func (r *ToneRenderer) SetActivation(a Activation) {
	r.mu.Lock()
	r.activation = a
	activated := r.activated
	r.mu.Unlock()

	if a != nil && activated {
		a.Activate()
	}
}

// SetAudioSessionActive pauses or resumes rendering together with the
// activation token. Repeated calls with same value do nothing.
func (r *ToneRenderer) SetAudioSessionActive(active bool) {
	r.mu.Lock()
	if r.activated == active {
		r.mu.Unlock()
		return
	}
	r.activated = active
	activation := r.activation
	r.mu.Unlock()

	r.log.Debug().Bool("active", active).Msg("Tone audio session")
	if active {
		r.setRate(1)
		if activation != nil {
			activation.Activate()
		}
		return
	}

	r.setRate(0)
	if activation != nil {
		activation.Deactivate()
	}
}

// Close stops rendering and waits for render goroutine to exit.
func (r *ToneRenderer) Close() {
	r.once.Do(func() {
		r.cancel()
		r.wg.Wait()
		r.log.Debug().Msg("Tone renderer stopped")
	})
}

func (r *ToneRenderer) render(ctx context.Context) {
	t := time.NewTimer(0)
	defer t.Stop()
	interval := r.source.FrameDuration()
	for {
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}

		if r.Rate() > 0 {
			frame, ok := r.source.Next()
			if !ok {
				r.log.Error().Msg("Tone has no audio data")
				return
			}

			if r.out != nil {
				if err := r.out.WriteFrame(frame); err != nil {
					r.log.Error().Err(err).Msg("Failed to write tone frame")
					return
				}
			}
		}
		t.Reset(interval)
	}
}
