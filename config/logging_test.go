// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/emiago/voipcall/media"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLoggerConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voipcall.log")
	s, err := loadString(t, fmt.Sprintf(`
[logging]
level = info
file = true
file_path = %s
rtp_debug = true
`, path))
	require.NoError(t, err)

	prevLogger := log.Logger
	prevRTP, prevRTCP := media.RTPDebug, media.RTCPDebug
	t.Cleanup(func() {
		log.Logger = prevLogger
		media.RTPDebug, media.RTCPDebug = prevRTP, prevRTCP
	})

	console := &bytes.Buffer{}
	l, closer := setupLogger(s, console)
	l.Info().Str("call", "42").Msg("Call started")
	l.Debug().Msg("Hidden")
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "Call started")
	assert.NotContains(t, console.String(), "Hidden")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"call":"42"`)
	assert.Contains(t, string(data), `"message":"Call started"`)

	assert.True(t, media.RTPDebug)
	assert.True(t, media.RTCPDebug)
}

func TestCollectLogs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voipcall.log")
	s, err := loadString(t, fmt.Sprintf("[logging]\nfile_path = %s\n", path))
	require.NoError(t, err)

	for _, name := range []string{
		"voipcall.log",
		"voipcall-2024-01-01T10-00-00.000.log",
		"voipcall-2024-03-01T10-00-00.000.log",
		"other.log",
		"voipcall-2024-02-01T10-00-00.000.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	files, err := CollectLogs(s)
	require.NoError(t, err)
	assert.Equal(t, []string{
		path,
		filepath.Join(dir, "voipcall-2024-03-01T10-00-00.000.log"),
		filepath.Join(dir, "voipcall-2024-01-01T10-00-00.000.log"),
	}, files)
}
