// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"sync/atomic"
	"time"
)

const bytesPerSample = 2 // 16 bit mono

// Frame is a chunk of 16 bit mono PCM.
type Frame struct {
	Data      []byte
	Timestamp time.Duration
	Duration  time.Duration
}

// FrameSource cuts fixed size frames out of a PCM buffer treated as circular.
// Frame N starts at (N*FrameSize) mod len(pcm). Safe for concurrent use.
type FrameSource struct {
	data       []byte
	frameSize  int
	sampleRate int

	offset atomic.Int64
}

// NewFrameSource creates source producing frames of one second of audio.
func NewFrameSource(pcm []byte, sampleRate int) *FrameSource {
	return &FrameSource{
		data:       pcm,
		frameSize:  sampleRate * bytesPerSample,
		sampleRate: sampleRate,
	}
}

func (s *FrameSource) FrameSize() int {
	return s.frameSize
}

// FrameDuration is playback time of one frame.
func (s *FrameSource) FrameDuration() time.Duration {
	return s.samplesDuration(int64(s.frameSize / bytesPerSample))
}

func (s *FrameSource) samplesDuration(samples int64) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(s.sampleRate)
}

// Next returns next frame. It returns false if source has no data.
func (s *FrameSource) Next() (Frame, bool) {
	if len(s.data) == 0 || s.frameSize <= 0 {
		return Frame{}, false
	}

	takeOffset := s.offset.Add(int64(s.frameSize)) - int64(s.frameSize)

	buf := make([]byte, s.frameSize)
	dataLen := int64(len(s.data))
	taken := 0
	for taken < s.frameSize {
		off := (takeOffset + int64(taken)) % dataLen
		taken += copy(buf[taken:], s.data[off:])
	}

	return Frame{
		Data:      buf,
		Timestamp: s.samplesDuration(takeOffset / bytesPerSample),
		Duration:  s.FrameDuration(),
	}, true
}
