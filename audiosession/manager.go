// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audiosession

import (
	"errors"
	"sync"
	"time"

	"github.com/emiago/voipcall/dispatch"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrControlRevoked = errors.New("audio session control revoked")

type Manager struct {
	device Device
	queue  *dispatch.Queue
	log    zerolog.Logger

	// RevokeTimeout bounds waiting for a revoked holder cleanup
	revokeTimeout time.Duration

	// holders is stack of pushed holders. Only touched on queue
	holders []*holder
	nextID  uint64

	// mu guards device access and control revocation
	mu     sync.Mutex
	active bool
}

type holder struct {
	id             uint64
	typ            Type
	manualActivate func(Control)
	deactivate     func() <-chan struct{}

	control *control
}

type ManagerOption func(m *Manager)

func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = l
	}
}

func WithRevokeTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.revokeTimeout = d
	}
}

// NewManager creates manager over device. Nil device logs only.
func NewManager(device Device, opts ...ManagerOption) *Manager {
	m := &Manager{
		queue:         dispatch.NewQueue(),
		log:           log.Logger,
		revokeTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(m)
	}
	if device == nil {
		device = &LogDevice{Log: m.log}
	}
	m.device = device
	return m
}

// Push registers holder of type t. manualActivate is called with a Control
// whenever the holder becomes owner. deactivate is called when ownership is
// taken away and must return channel closed once holder stopped using audio.
// Calling release removes the holder.
func (m *Manager) Push(t Type, manualActivate func(Control), deactivate func() <-chan struct{}) (release func()) {
	h := &holder{
		typ:            t,
		manualActivate: manualActivate,
		deactivate:     deactivate,
	}

	m.queue.Async(func() {
		m.nextID++
		h.id = m.nextID
		m.log.Debug().Uint64("holder", h.id).Stringer("type", t).Msg("Audio session push")

		prev := m.top()
		m.holders = append(m.holders, h)
		if prev != nil {
			m.revoke(prev, true)
		}
		m.grant(h)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.queue.Async(func() { m.remove(h) })
		})
	}
}

// Holders returns number of pushed holders
func (m *Manager) Holders() int {
	var n int
	m.queue.Sync(func() { n = len(m.holders) })
	return n
}

// Flush waits until all pending transitions are processed.
func (m *Manager) Flush() {
	m.queue.Sync(func() {})
}

func (m *Manager) Close() {
	m.queue.Close()
}

func (m *Manager) top() *holder {
	if len(m.holders) == 0 {
		return nil
	}
	return m.holders[len(m.holders)-1]
}

func (m *Manager) grant(h *holder) {
	ctl := &control{m: m, typ: h.typ}
	h.control = ctl
	m.log.Debug().Uint64("holder", h.id).Msg("Audio session granted")
	if h.manualActivate != nil {
		h.manualActivate(ctl)
	}
}

func (m *Manager) revoke(h *holder, notify bool) {
	ctl := h.control
	if ctl == nil {
		return
	}
	h.control = nil

	if notify && h.deactivate != nil {
		if done := h.deactivate(); done != nil {
			select {
			case <-done:
			case <-time.After(m.revokeTimeout):
				m.log.Warn().Uint64("holder", h.id).Msg("Audio session holder cleanup timed out")
			}
		}
	}

	m.mu.Lock()
	ctl.revoked = true
	if m.active {
		if err := m.device.SetActive(false); err != nil {
			m.log.Error().Err(err).Msg("Failed to deactivate audio session")
		}
		m.active = false
	}
	m.mu.Unlock()
	m.log.Debug().Uint64("holder", h.id).Msg("Audio session revoked")
}

func (m *Manager) remove(h *holder) {
	idx := -1
	for i, cur := range m.holders {
		if cur == h {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	wasTop := idx == len(m.holders)-1
	m.holders = append(m.holders[:idx], m.holders[idx+1:]...)
	m.revoke(h, false)
	m.log.Debug().Uint64("holder", h.id).Msg("Audio session released")

	if top := m.top(); wasTop && top != nil {
		m.grant(top)
	}
}

type control struct {
	m   *Manager
	typ Type
	// revoked is guarded by m.mu
	revoked bool
}

func (c *control) SetOutputMode(mode OutputMode) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.revoked {
		return
	}
	if err := c.m.device.SetOutputMode(mode); err != nil {
		c.m.log.Error().Err(err).Stringer("mode", mode).Msg("Failed to set output mode")
	}
}

func (c *control) Setup(synchronous bool) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.revoked {
		return
	}
	if err := c.m.device.SetCategory(c.typ); err != nil {
		c.m.log.Error().Err(err).Stringer("type", c.typ).Msg("Failed to setup audio session")
	}
}

func (c *control) Activate(completion func(err error)) {
	c.m.mu.Lock()
	var err error
	if c.revoked {
		err = ErrControlRevoked
	} else if err = c.m.device.SetActive(true); err == nil {
		c.m.active = true
	}
	c.m.mu.Unlock()

	if completion != nil {
		completion(err)
	}
}

func (c *control) Deactivate() {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.revoked || !c.m.active {
		return
	}
	if err := c.m.device.SetActive(false); err != nil {
		c.m.log.Error().Err(err).Msg("Failed to deactivate audio session")
	}
	c.m.active = false
}
