// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// callsim plays a scripted call through the presentation coordinator with
// in memory signaling and a loopback media peer.
//
//	callsim -config settings.ini -script call.txt -out tones.wav
//	callsim -export-tones ./tones
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/emiago/voipcall/audio"
	"github.com/emiago/voipcall/config"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "settings ini file")
	scriptPath := flag.String("script", "-", "call script, - reads stdin")
	toneOut := flag.String("out", "", "record rendered tones to WAV file")
	mediaOut := flag.String("media-out", "", "record received call audio to WAV file")
	exportDir := flag.String("export-tones", "", "write every tone as WAV into directory and exit")
	incoming := flag.Bool("incoming", false, "simulate incoming call")
	peerID := flag.Int64("peer-id", 42, "remote peer id")
	peerName := flag.String("peer-name", "Alice", "remote peer display title")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	settings, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	_, closer := config.SetupLogger(settings)
	defer closer.Close()

	err = func(ctx context.Context) error {
		if *exportDir != "" {
			return exportTones(*exportDir, settings.ToneConfig())
		}

		cmds, err := readScript(*scriptPath)
		if err != nil {
			return err
		}

		conf := simConfig{
			Media:      settings.MediaConfig(),
			Timings:    settings.Timings(),
			Tones:      settings.ToneConfig(),
			IsOutgoing: !*incoming,
			PeerID:     *peerID,
			PeerName:   *peerName,
			Log:        log.Logger,
		}

		if *toneOut != "" {
			f, err := os.Create(*toneOut)
			if err != nil {
				return err
			}
			defer f.Close()
			w := audio.NewWavFrameWriter(f, conf.Tones.SampleRate)
			defer w.Close()
			conf.ToneOutput = w
		}

		if *mediaOut != "" {
			f, err := os.Create(*mediaOut)
			if err != nil {
				return err
			}
			defer f.Close()
			w := newPlaybackRecorder(f, conf.Media.Codec)
			defer w.Close()
			conf.Playback = w
		}

		sim, err := newSimulator(conf)
		if err != nil {
			return err
		}
		defer sim.Close()

		log.Info().Int("commands", len(cmds)).Bool("outgoing", conf.IsOutgoing).Msg("Running call script")
		return sim.Run(ctx, cmds)
	}(ctx)

	if err != nil {
		log.Error().Err(err).Msg("Call simulation failed")
		closer.Close()
		os.Exit(1)
	}
}

func readScript(path string) ([]command, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return parseScript(r)
}

func exportTones(dir string, conf audio.ToneConfig) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, tone := range audio.Tones {
		path := filepath.Join(dir, tone.String()+".wav")
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		err = audio.ExportToneWav(f, tone, conf)
		f.Close()
		if err != nil {
			return fmt.Errorf("export %s: %w", tone, err)
		}
		log.Info().Str("path", path).Msg("Exported tone")
	}
	return nil
}
