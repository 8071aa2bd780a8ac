// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package config loads call settings from ini files and sets up logging.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/emiago/voipcall"
	"github.com/emiago/voipcall/audio"
	"github.com/emiago/voipcall/media"
	"github.com/rs/zerolog"
	ini "gopkg.in/ini.v1"
)

var ErrInvalidSettings = errors.New("invalid settings")

// Settings holds configuration loaded from settings ini.
type Settings struct {
	logLevel      zerolog.Level
	logConsole    bool
	logFile       bool
	logFilePath   string
	logMaxSize    int
	logMaxBackups int
	rtpDebug      bool

	canBeRemovedDelay   time.Duration
	dropNativeCallDelay time.Duration
	nativeAudioTimeout  time.Duration

	toneSampleRate int
	toneVolume     float64
	toneOverrides  map[audio.Tone]string

	codec          media.Codec
	connectTimeout time.Duration
	receiveTimeout time.Duration
	minLayer       int32
	localAddr      string
}

// Load reads settings from ini file at path. Empty path gives defaults.
func Load(path string) (*Settings, error) {
	if path == "" {
		return LoadSettings(ini.Empty())
	}
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load settings %s: %w", path, err)
	}
	return LoadSettings(cfg)
}

// LoadSettings reads configuration from ini file and validates it.
// LOG_LEVEL and RTP_DEBUG environment variables override file values.
func LoadSettings(cfg *ini.File) (*Settings, error) {
	s := &Settings{
		toneOverrides: make(map[audio.Tone]string),
	}

	sec := cfg.Section("logging")
	level := sec.Key("level").MustString("info")
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	lev, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("%w: logging level %q", ErrInvalidSettings, level)
	}
	if lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}
	s.logLevel = lev
	s.logConsole = sec.Key("console").MustBool(true)
	s.logFile = sec.Key("file").MustBool(false)
	s.logFilePath = sec.Key("file_path").MustString("voipcall.log")
	s.logMaxSize = sec.Key("max_size").MustInt(100)
	s.logMaxBackups = sec.Key("max_backups").MustInt(1)
	s.rtpDebug = sec.Key("rtp_debug").MustBool(false)
	if env := os.Getenv("RTP_DEBUG"); env != "" {
		s.rtpDebug = env == "true"
	}

	def := voipcall.DefaultTimings()
	sec = cfg.Section("call")
	s.canBeRemovedDelay = sec.Key("can_be_removed_delay").MustDuration(def.CanBeRemovedDelay)
	s.dropNativeCallDelay = sec.Key("drop_native_call_delay").MustDuration(def.DropNativeCallDelay)
	s.nativeAudioTimeout = sec.Key("native_audio_active_timeout").MustDuration(def.NativeAudioActiveTimeout)

	toneDef := audio.DefaultToneConfig()
	sec = cfg.Section("tones")
	s.toneSampleRate = sec.Key("sample_rate").MustInt(toneDef.SampleRate)
	s.toneVolume = sec.Key("volume").MustFloat64(toneDef.Volume)
	for _, tone := range audio.Tones {
		if path := sec.Key(tone.String()).String(); path != "" {
			s.toneOverrides[tone] = path
		}
	}

	mediaDef := media.DefaultConfig()
	sec = cfg.Section("media")
	s.codec, err = media.ParseCodec(sec.Key("codec").MustString(mediaDef.Codec.Name))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	s.codec.SampleDur = sec.Key("packet_duration").MustDuration(s.codec.SampleDur)
	s.connectTimeout = sec.Key("connect_timeout").MustDuration(mediaDef.ConnectTimeout)
	s.receiveTimeout = sec.Key("receive_timeout").MustDuration(mediaDef.ReceiveTimeout)
	s.minLayer = int32(sec.Key("min_layer").MustInt(int(mediaDef.MinLayer)))
	s.localAddr = sec.Key("local_addr").MustString(mediaDef.LocalAddr)

	if s.toneSampleRate <= 0 {
		return nil, fmt.Errorf("%w: tone sample rate %d", ErrInvalidSettings, s.toneSampleRate)
	}
	if s.toneVolume <= 0 || s.toneVolume > 1 {
		return nil, fmt.Errorf("%w: tone volume %v out of range", ErrInvalidSettings, s.toneVolume)
	}
	if s.codec.SampleDur < 10*time.Millisecond {
		return nil, fmt.Errorf("%w: packet duration %s", ErrInvalidSettings, s.codec.SampleDur)
	}

	return s, nil
}

func (s *Settings) LogLevel() zerolog.Level { return s.logLevel }
func (s *Settings) LogConsole() bool        { return s.logConsole }
func (s *Settings) LogFile() bool           { return s.logFile }
func (s *Settings) LogFilePath() string     { return s.logFilePath }
func (s *Settings) LogMaxSize() int         { return s.logMaxSize }
func (s *Settings) LogMaxBackups() int      { return s.logMaxBackups }
func (s *Settings) RTPDebug() bool          { return s.rtpDebug }

func (s *Settings) Timings() voipcall.Timings {
	return voipcall.Timings{
		CanBeRemovedDelay:        s.canBeRemovedDelay,
		DropNativeCallDelay:      s.dropNativeCallDelay,
		NativeAudioActiveTimeout: s.nativeAudioTimeout,
	}
}

func (s *Settings) ToneConfig() audio.ToneConfig {
	overrides := make(map[audio.Tone]string, len(s.toneOverrides))
	for k, v := range s.toneOverrides {
		overrides[k] = v
	}
	return audio.ToneConfig{
		SampleRate: s.toneSampleRate,
		Volume:     s.toneVolume,
		Overrides:  overrides,
	}
}

func (s *Settings) MediaConfig() media.Config {
	return media.Config{
		Codec:          s.codec,
		ConnectTimeout: s.connectTimeout,
		ReceiveTimeout: s.receiveTimeout,
		MinLayer:       s.minLayer,
		LocalAddr:      s.localAddr,
	}
}
