// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package config

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/emiago/voipcall/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogger configures global zerolog logger from settings.
// Returned closer flushes and closes log file when file logging is enabled.
func SetupLogger(s *Settings) (zerolog.Logger, io.Closer) {
	return setupLogger(s, os.Stdout)
}

func setupLogger(s *Settings, console io.Writer) (zerolog.Logger, io.Closer) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro

	var writers []io.Writer
	if s.LogConsole() {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        console,
			TimeFormat: time.StampMicro,
		})
	}

	var closer io.Closer = nopCloser{}
	if s.LogFile() {
		lj := &lumberjack.Logger{
			Filename:   s.LogFilePath(),
			MaxSize:    s.LogMaxSize(),
			MaxBackups: s.LogMaxBackups(),
		}
		writers = append(writers, lj)
		closer = lj
	}

	var out io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}

	l := zerolog.New(out).With().Timestamp().Logger().Level(s.LogLevel())
	log.Logger = l

	media.RTPDebug = s.RTPDebug()
	media.RTCPDebug = s.RTPDebug()
	return l, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// CollectLogs returns current log file and its rotated backups, newest first.
func CollectLogs(s *Settings) ([]string, error) {
	path := s.LogFilePath()
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	prefix := strings.TrimSuffix(filepath.Base(path), ext) + "-"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var backups []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || filepath.Ext(name) != ext {
			continue
		}
		backups = append(backups, filepath.Join(dir, name))
	}
	// lumberjack backup names carry timestamp so lexical order is time order
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))

	var files []string
	if _, err := os.Stat(path); err == nil {
		files = append(files, path)
	}
	return append(files, backups...), nil
}
