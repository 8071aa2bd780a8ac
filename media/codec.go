// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zaf/g711"
)

var (
	CodecAudioUlaw = Codec{Name: "PCMU", PayloadType: 0, SampleRate: 8000, SampleDur: 20 * time.Millisecond}
	CodecAudioAlaw = Codec{Name: "PCMA", PayloadType: 8, SampleRate: 8000, SampleDur: 20 * time.Millisecond}
)

var ErrUnsupportedCodec = errors.New("unsupported codec")

type Codec struct {
	Name        string
	PayloadType uint8
	SampleRate  uint32
	SampleDur   time.Duration
}

func (c Codec) String() string {
	return fmt.Sprintf("%s pt=%d rate=%d dur=%s", c.Name, c.PayloadType, c.SampleRate, c.SampleDur.String())
}

// SampleTimestamp is RTP timestamp increment of one packet
func (c Codec) SampleTimestamp() uint32 {
	return uint32(float64(c.SampleRate) * c.SampleDur.Seconds())
}

// PCMFrameSize is size of 16 bit linear PCM needed for one packet
func (c Codec) PCMFrameSize() int {
	return int(c.SampleTimestamp()) * 2
}

// Encode converts 16 bit little endian PCM into codec payload
func (c Codec) Encode(payload []byte, lpcm []byte) (int, error) {
	switch c.PayloadType {
	case CodecAudioUlaw.PayloadType:
		return encodeG711(payload, lpcm, g711.EncodeUlawFrame)
	case CodecAudioAlaw.PayloadType:
		return encodeG711(payload, lpcm, g711.EncodeAlawFrame)
	}
	return 0, fmt.Errorf("%w: payload type %d", ErrUnsupportedCodec, c.PayloadType)
}

// Decode converts codec payload into 16 bit little endian PCM
func (c Codec) Decode(lpcm []byte, payload []byte) (int, error) {
	switch c.PayloadType {
	case CodecAudioUlaw.PayloadType:
		return decodeG711(lpcm, payload, g711.DecodeUlawFrame)
	case CodecAudioAlaw.PayloadType:
		return decodeG711(lpcm, payload, g711.DecodeAlawFrame)
	}
	return 0, fmt.Errorf("%w: payload type %d", ErrUnsupportedCodec, c.PayloadType)
}

// ParseCodec maps codec name as used in config
func ParseCodec(name string) (Codec, error) {
	switch strings.ToUpper(name) {
	case "PCMU", "ULAW":
		return CodecAudioUlaw, nil
	case "PCMA", "ALAW":
		return CodecAudioAlaw, nil
	}
	return Codec{}, fmt.Errorf("%w: %q", ErrUnsupportedCodec, name)
}

func encodeG711(out []byte, lpcm []byte, enc func(int16) uint8) (n int, err error) {
	if len(lpcm) > len(out)*2 {
		return 0, io.ErrShortBuffer
	}

	for i, j := 0, 0; j <= len(lpcm)-2; i, j = i+1, j+2 {
		out[i] = enc(int16(lpcm[j]) | int16(lpcm[j+1])<<8)
		n++
	}
	return n, nil
}

func decodeG711(lpcm []byte, in []byte, dec func(uint8) int16) (n int, err error) {
	if len(lpcm) < 2*len(in) {
		return 0, io.ErrShortBuffer
	}
	for i, j := 0, 0; i < len(in); i, j = i+1, j+2 {
		frame := dec(in[i])
		lpcm[j] = byte(frame)
		lpcm[j+1] = byte(frame >> 8)
		n += 2
	}
	return n, nil
}
