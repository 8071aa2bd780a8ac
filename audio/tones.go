// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// Tone is a call progress tone played outside of call media.
type Tone int

const (
	ToneConnecting Tone = iota
	ToneRingback
	ToneBusy
	ToneEnded
	ToneFailed
)

func (t Tone) String() string {
	switch t {
	case ToneConnecting:
		return "connecting"
	case ToneRingback:
		return "ringback"
	case ToneBusy:
		return "busy"
	case ToneEnded:
		return "ended"
	case ToneFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseTone is reverse of Tone.String
func ParseTone(s string) (Tone, error) {
	for _, t := range Tones {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown tone %q", s)
}

// Tones lists all tone kinds.
var Tones = []Tone{ToneConnecting, ToneRingback, ToneBusy, ToneEnded, ToneFailed}

// ToneConfig controls tone synthesis.
type ToneConfig struct {
	SampleRate int
	Volume     float64

	// Overrides replaces the synthesized tone with 16 bit mono WAV file content.
	// File sample rate must match SampleRate.
	Overrides map[Tone]string
}

func DefaultToneConfig() ToneConfig {
	return ToneConfig{
		SampleRate: 44100,
		Volume:     0.3,
	}
}

func (c ToneConfig) withDefaults() ToneConfig {
	def := DefaultToneConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = def.SampleRate
	}
	if c.Volume <= 0 {
		c.Volume = def.Volume
	}
	return c
}

// toneSegment plays freqs mixed for dur. No freqs is silence.
type toneSegment struct {
	freqs []float64
	dur   time.Duration
}

func seg(dur time.Duration, freqs ...float64) toneSegment {
	return toneSegment{freqs: freqs, dur: dur}
}

// One cadence period per tone. The buffer is looped by the renderer.
var toneCadences = map[Tone][]toneSegment{
	ToneConnecting: {
		seg(150*time.Millisecond, 480), seg(150*time.Millisecond),
		seg(150*time.Millisecond, 480), seg(1550*time.Millisecond),
	},
	// ETSI ringing 425Hz 1s on 3s off
	ToneRingback: {seg(time.Second, 425), seg(3 * time.Second)},
	ToneBusy:     {seg(500*time.Millisecond, 425), seg(500 * time.Millisecond)},
	ToneEnded: {
		seg(300*time.Millisecond, 480, 620), seg(200*time.Millisecond),
		seg(300*time.Millisecond, 480, 620), seg(1200*time.Millisecond),
	},
	// Special information tone
	ToneFailed: {
		seg(330*time.Millisecond, 950), seg(330*time.Millisecond, 1400),
		seg(330*time.Millisecond, 1800), seg(1010*time.Millisecond),
	},
}

var tonesCache sync.Map

// TonePCM loads the tone as 16 bit little endian mono PCM.
// Results are cached per tone and config.
func TonePCM(tone Tone, conf ToneConfig) ([]byte, error) {
	conf = conf.withDefaults()

	if path, exists := conf.Overrides[tone]; exists && path != "" {
		pcm, sampleRate, err := LoadWavPCM(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s tone: %w", tone, err)
		}
		if sampleRate != conf.SampleRate {
			return nil, fmt.Errorf("%s tone sample rate %d does not match %d", tone, sampleRate, conf.SampleRate)
		}
		return pcm, nil
	}

	segments, exists := toneCadences[tone]
	if !exists {
		return nil, fmt.Errorf("no cadence for tone %s", tone)
	}

	uuid := fmt.Sprintf("%s-%d-%.3f", tone, conf.SampleRate, conf.Volume)
	if val, exists := tonesCache.Load(uuid); exists {
		return val.([]byte), nil
	}

	pcmBytes := tonePCMGenerate(segments, conf.SampleRate, conf.Volume)
	tonesCache.Store(uuid, pcmBytes)
	return pcmBytes, nil
}

func tonePCMGenerate(segments []toneSegment, sampleRate int, volume float64) []byte {
	buf := &bytes.Buffer{}
	for _, s := range segments {
		numSamples := int(float64(sampleRate) * s.dur.Seconds())
		for i := 0; i < numSamples; i++ {
			if len(s.freqs) == 0 {
				binary.Write(buf, binary.LittleEndian, int16(0))
				continue
			}

			t := float64(i) / float64(sampleRate)
			// Combine the sine waves and normalize
			sample := 0.0
			for _, f := range s.freqs {
				sample += math.Sin(2 * math.Pi * f * t)
			}
			sample = volume * sample / float64(len(s.freqs))
			// Convert to 16-bit signed PCM
			binary.Write(buf, binary.LittleEndian, int16(sample*math.MaxInt16))
		}
	}
	return buf.Bytes()
}

// ToneDuration is the length of one cadence period.
func ToneDuration(tone Tone) time.Duration {
	var d time.Duration
	for _, s := range toneCadences[tone] {
		d += s.dur
	}
	return d
}
