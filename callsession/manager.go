// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callsession

import (
	"errors"
	"fmt"
	"sync"

	"github.com/emiago/voipcall/promise"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionNotFound   = errors.New("call session not found")
	ErrSessionTerminated = errors.New("call session terminated")
	ErrUnexpectedState   = errors.New("unexpected call session state")
)

// Manager is the signaling side of calls.
type Manager interface {
	// CallState streams session snapshots for id.
	CallState(id InternalID) promise.Signal[Session]
	Accept(id InternalID)
	Drop(id InternalID, reason DropReason)
}

// DropRequest records a Drop call received by Memory.
type DropRequest struct {
	ID     InternalID
	Reason DropReason
}

// Memory is an in process Manager. Sessions are published with Put, and
// Accept/Drop advance them the way a signaling server would answer.
type Memory struct {
	mu       sync.Mutex
	sessions map[InternalID]*memorySession
	drops    []DropRequest
	accepts  []InternalID

	// AutoTerminate makes Drop move the session through dropping into
	// terminated with the mapped reason. Enabled by default.
	AutoTerminate bool

	log zerolog.Logger
}

type memorySession struct {
	value   *promise.Value[Session]
	current *Session
}

type MemoryOption func(m *Memory)

func WithMemoryLogger(l zerolog.Logger) MemoryOption {
	return func(m *Memory) {
		m.log = l
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		sessions:      make(map[InternalID]*memorySession),
		AutoTerminate: true,
		log:           log.Logger,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) session(id InternalID) *memorySession {
	s, exists := m.sessions[id]
	if !exists {
		s = &memorySession{value: NewSessionValue()}
		m.sessions[id] = s
	}
	return s
}

// NewSessionValue creates a session stream that drops repeated snapshots.
func NewSessionValue() *promise.Value[Session] {
	return promise.NewValue[Session]().IgnoreRepeated(func(a, b Session) bool {
		return a.ID == b.ID && a.IsOutgoing == b.IsOutgoing && a.State.Equal(b.State)
	})
}

// CallState implements Manager.
func (m *Memory) CallState(id InternalID) promise.Signal[Session] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session(id).value
}

// Put publishes a new snapshot. Snapshots after termination are rejected.
func (m *Memory) Put(s Session) error {
	m.mu.Lock()
	sess := m.session(s.ID)
	if sess.current != nil && sess.current.State.Kind == StateTerminated {
		m.mu.Unlock()
		return ErrSessionTerminated
	}
	snapshot := s
	sess.current = &snapshot
	m.mu.Unlock()

	m.log.Debug().Str("call_id", s.ID.String()).Stringer("state", s.State).Msg("Call session state")
	sess.value.Set(s)
	return nil
}

// Current returns the last published snapshot.
func (m *Memory) Current(id InternalID) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, exists := m.sessions[id]
	if !exists || sess.current == nil {
		return Session{}, ErrSessionNotFound
	}
	return *sess.current, nil
}

// Accept implements Manager. A ringing session moves to accepting.
func (m *Memory) Accept(id InternalID) {
	m.mu.Lock()
	m.accepts = append(m.accepts, id)
	m.mu.Unlock()

	cur, err := m.Current(id)
	if err != nil {
		m.log.Error().Err(err).Str("call_id", id.String()).Msg("Failed to accept call")
		return
	}
	if cur.State.Kind != StateRinging {
		m.log.Error().Err(fmt.Errorf("%w: %s", ErrUnexpectedState, cur.State)).Str("call_id", id.String()).Msg("Failed to accept call")
		return
	}
	cur.State = Accepting()
	m.Put(cur)
}

// Drop implements Manager.
func (m *Memory) Drop(id InternalID, reason DropReason) {
	m.mu.Lock()
	m.drops = append(m.drops, DropRequest{ID: id, Reason: reason})
	autoTerminate := m.AutoTerminate
	m.mu.Unlock()

	m.log.Info().Str("call_id", id.String()).Stringer("reason", reason).Msg("Dropping call")
	if !autoTerminate {
		return
	}

	cur, err := m.Current(id)
	if err != nil {
		m.log.Error().Err(err).Str("call_id", id.String()).Msg("Failed to drop call")
		return
	}
	if cur.State.Kind == StateTerminated {
		return
	}

	cur.State = Dropping()
	m.Put(cur)
	cur.State = Terminated(reason.TerminationReason())
	m.Put(cur)
}

// Drops returns every Drop request received so far.
func (m *Memory) Drops() []DropRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DropRequest(nil), m.drops...)
}

// Accepts returns ids of every Accept request received so far.
func (m *Memory) Accepts() []InternalID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]InternalID(nil), m.accepts...)
}
