// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emiago/voipcall/callsession"
)

var ErrScript = errors.New("invalid script")

// command is one script line. Lines starting with # are comments.
type command struct {
	Line int
	Name string
	Args []string
}

func (c command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// argument count bounds per command name
var commandArgs = map[string][2]int{
	"ringing":    {0, 0},
	"requesting": {0, 1},
	"accepting":  {0, 0},
	"active":     {0, 0},
	"dropping":   {0, 0},
	"terminated": {0, 1},
	"answer":     {0, 0},
	"hangup":     {0, 0},
	"busy":       {0, 0},
	"mute":       {0, 0},
	"speaker":    {0, 0},
	"interrupt":  {1, 1},
	"peer":       {1, 1},
	"native":     {1, 1},
	"wait":       {1, 1},
}

func parseScript(r io.Reader) ([]command, error) {
	var cmds []command
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.Fields(text)
		cmd := command{Line: line, Name: strings.ToLower(fields[0]), Args: fields[1:]}
		bounds, exists := commandArgs[cmd.Name]
		if !exists {
			return nil, fmt.Errorf("%w: line %d: unknown command %q", ErrScript, line, cmd.Name)
		}
		if len(cmd.Args) < bounds[0] || len(cmd.Args) > bounds[1] {
			return nil, fmt.Errorf("%w: line %d: %s takes %d..%d arguments", ErrScript, line, cmd.Name, bounds[0], bounds[1])
		}
		if err := validateArgs(cmd); err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrScript, line, err)
		}
		cmds = append(cmds, cmd)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cmds, nil
}

func validateArgs(cmd command) error {
	switch cmd.Name {
	case "requesting":
		if len(cmd.Args) == 1 && cmd.Args[0] != "ringing" {
			return fmt.Errorf("requesting accepts only ringing, got %q", cmd.Args[0])
		}
	case "terminated":
		_, err := parseTermination(cmd.Args)
		return err
	case "wait", "interrupt":
		_, err := time.ParseDuration(cmd.Args[0])
		return err
	case "peer":
		if cmd.Args[0] != "stop" {
			return fmt.Errorf("unknown peer action %q", cmd.Args[0])
		}
	case "native":
		if cmd.Args[0] != "dropped" {
			return fmt.Errorf("unknown native action %q", cmd.Args[0])
		}
	}
	return nil
}

// parseTermination reads optional reason. No argument is no reason.
func parseTermination(args []string) (*callsession.TerminationReason, error) {
	if len(args) == 0 {
		return nil, nil
	}
	switch strings.ToLower(args[0]) {
	case "none":
		return nil, nil
	case "hungup":
		return callsession.Ended(callsession.EndedHungUp), nil
	case "busy":
		return callsession.Ended(callsession.EndedBusy), nil
	case "missed":
		return callsession.Ended(callsession.EndedMissed), nil
	case "failed", "error":
		return callsession.Failed(), nil
	}
	return nil, fmt.Errorf("unknown termination reason %q", args[0])
}
