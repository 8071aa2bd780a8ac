// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var ErrInvalidWav = errors.New("invalid wav file")

// WavWriter streams PCM into a WAV container. Header is rewritten with final
// sizes on Close.
type WavWriter struct {
	SampleRate  int
	BitDepth    int
	NumChans    int
	AudioFormat int

	W              io.WriteSeeker
	headersWritten bool
	dataSize       int64
}

func NewWavWriter(w io.WriteSeeker, sampleRate int) *WavWriter {
	return &WavWriter{
		SampleRate:  sampleRate,
		BitDepth:    16,
		NumChans:    1,
		AudioFormat: 1, // 1 PCM
		W:           w,
	}
}

func (ww *WavWriter) Write(pcm []byte) (int, error) {
	if !ww.headersWritten {
		if _, err := ww.writeHeader(); err != nil {
			return 0, err
		}
		ww.headersWritten = true
	}

	n, err := ww.W.Write(pcm)
	ww.dataSize += int64(n)
	return n, err
}

// DataSize is number of PCM bytes written
func (ww *WavWriter) DataSize() int64 {
	return ww.dataSize
}

func (ww *WavWriter) writeHeader() (int, error) {
	const (
		headerSize   = 44
		fmtChunkSize = 16
	)

	blockAlign := ww.BitDepth * ww.NumChans / 8
	header := make([]byte, headerSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(ww.dataSize+headerSize-8))
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], fmtChunkSize)
	binary.LittleEndian.PutUint16(header[20:22], uint16(ww.AudioFormat))
	binary.LittleEndian.PutUint16(header[22:24], uint16(ww.NumChans))
	binary.LittleEndian.PutUint32(header[24:28], uint32(ww.SampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(ww.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(ww.BitDepth))

	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(ww.dataSize))
	return ww.W.Write(header)
}

// Close finalizes header. It does not close underlying writer.
func (ww *WavWriter) Close() error {
	if _, err := ww.W.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := ww.writeHeader(); err != nil {
		return err
	}
	_, err := ww.W.Seek(0, io.SeekEnd)
	return err
}

// WavFrameWriter is FrameWriter recording frames to a WAV stream.
type WavFrameWriter struct {
	mu sync.Mutex
	ww *WavWriter
}

func NewWavFrameWriter(w io.WriteSeeker, sampleRate int) *WavFrameWriter {
	return &WavFrameWriter{ww: NewWavWriter(w, sampleRate)}
}

func (w *WavFrameWriter) WriteFrame(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.ww.Write(f.Data)
	return err
}

func (w *WavFrameWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ww.Close()
}

// LoadWavPCM reads 16 bit mono WAV file and returns its PCM and sample rate.
func LoadWavPCM(path string) ([]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, ErrInvalidWav
	}
	if dec.BitDepth != 16 || dec.NumChans != 1 {
		return nil, 0, fmt.Errorf("%w: only 16 bit mono supported, got bitdepth=%d channels=%d", ErrInvalidWav, dec.BitDepth, dec.NumChans)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, err
	}
	return IntBufferToPCM(buf), int(dec.SampleRate), nil
}

// IntBufferToPCM converts samples to 16 bit little endian PCM.
func IntBufferToPCM(buf *goaudio.IntBuffer) []byte {
	pcm := make([]byte, len(buf.Data)*bytesPerSample)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*bytesPerSample:], uint16(int16(s)))
	}
	return pcm
}

// PCMToIntBuffer converts 16 bit little endian mono PCM to samples.
func PCMToIntBuffer(pcm []byte, sampleRate int) *goaudio.IntBuffer {
	data := make([]int, len(pcm)/bytesPerSample)
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
}

// ExportToneWav writes one cadence period of tone as WAV file.
func ExportToneWav(w io.WriteSeeker, tone Tone, conf ToneConfig) error {
	conf = conf.withDefaults()
	pcm, err := TonePCM(tone, conf)
	if err != nil {
		return err
	}

	enc := wav.NewEncoder(w, conf.SampleRate, 16, 1, 1)
	if err := enc.Write(PCMToIntBuffer(pcm, conf.SampleRate)); err != nil {
		return err
	}
	return enc.Close()
}
