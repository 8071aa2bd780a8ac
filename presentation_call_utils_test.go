// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voipcall

import (
	"sync"
	"testing"
	"time"

	"github.com/emiago/voipcall/audio"
	"github.com/emiago/voipcall/audiosession"
	"github.com/emiago/voipcall/callsession"
	"github.com/emiago/voipcall/dispatch"
	"github.com/emiago/voipcall/media"
	"github.com/emiago/voipcall/promise"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	value *promise.Value[callsession.Session]

	mu      sync.Mutex
	accepts int
	drops   []callsession.DropReason
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{value: promise.NewValue[callsession.Session]()}
}

func (f *fakeSessions) CallState(id callsession.InternalID) promise.Signal[callsession.Session] {
	return f.value
}

func (f *fakeSessions) Accept(id callsession.InternalID) {
	f.mu.Lock()
	f.accepts++
	f.mu.Unlock()
}

func (f *fakeSessions) Drop(id callsession.InternalID, reason callsession.DropReason) {
	f.mu.Lock()
	f.drops = append(f.drops, reason)
	f.mu.Unlock()
}

func (f *fakeSessions) Drops() []callsession.DropReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]callsession.DropReason(nil), f.drops...)
}

type fakeStart struct {
	Key         []byte
	IsOutgoing  bool
	Conns       []callsession.Connection
	MaxLayer    int32
	AudioActive promise.Signal[bool]
}

type fakeEngine struct {
	state *promise.Value[media.State]

	mu     sync.Mutex
	starts []fakeStart
	stops  int
	muted  bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{state: promise.NewValue[media.State]()}
}

func (f *fakeEngine) Start(key []byte, isOutgoing bool, conns []callsession.Connection, maxLayer int32, audioActive promise.Signal[bool]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, fakeStart{key, isOutgoing, conns, maxLayer, audioActive})
	return nil
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeEngine) SetIsMuted(muted bool) {
	f.mu.Lock()
	f.muted = muted
	f.mu.Unlock()
}

func (f *fakeEngine) State() promise.Signal[media.State] { return f.state }

func (f *fakeEngine) Starts() []fakeStart {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeStart(nil), f.starts...)
}

func (f *fakeEngine) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeEngine) Muted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted
}

type fakeAudioSession struct {
	mu         sync.Mutex
	granted    func(audiosession.Control)
	deactivate func() <-chan struct{}
	released   bool
}

func (f *fakeAudioSession) Push(t audiosession.Type, manualActivate func(audiosession.Control), deactivate func() <-chan struct{}) func() {
	f.mu.Lock()
	f.granted = manualActivate
	f.deactivate = deactivate
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.released = true
		f.mu.Unlock()
	}
}

func (f *fakeAudioSession) Grant(ctl audiosession.Control) {
	f.mu.Lock()
	granted := f.granted
	f.mu.Unlock()
	granted(ctl)
}

func (f *fakeAudioSession) Revoke() <-chan struct{} {
	f.mu.Lock()
	deactivate := f.deactivate
	f.mu.Unlock()
	return deactivate()
}

func (f *fakeAudioSession) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

type fakeControl struct {
	mu    sync.Mutex
	calls []string
	modes []audiosession.OutputMode
}

func (f *fakeControl) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeControl) SetOutputMode(mode audiosession.OutputMode) {
	f.mu.Lock()
	f.calls = append(f.calls, "mode")
	f.modes = append(f.modes, mode)
	f.mu.Unlock()
}

func (f *fakeControl) Setup(synchronous bool) { f.record("setup") }

func (f *fakeControl) Activate(completion func(err error)) {
	f.record("activate")
	if completion != nil {
		completion(nil)
	}
}

func (f *fakeControl) Deactivate() { f.record("deactivate") }

func (f *fakeControl) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeControl) Modes() []audiosession.OutputMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audiosession.OutputMode(nil), f.modes...)
}

func (f *fakeControl) Count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

type fakeNative struct {
	reportErr error

	mu                sync.Mutex
	incoming          []string
	outgoingConnected int
	answered          int
	dropped           int
}

func (f *fakeNative) ReportIncomingCall(id callsession.InternalID, handle string, displayTitle string, completion func(err error)) {
	f.mu.Lock()
	f.incoming = append(f.incoming, handle+":"+displayTitle)
	err := f.reportErr
	f.mu.Unlock()
	go completion(err)
}

func (f *fakeNative) ReportOutgoingCallConnected(id callsession.InternalID, at time.Time) {
	f.mu.Lock()
	f.outgoingConnected++
	f.mu.Unlock()
}

func (f *fakeNative) AnswerCall(id callsession.InternalID) {
	f.mu.Lock()
	f.answered++
	f.mu.Unlock()
}

func (f *fakeNative) DropCall(id callsession.InternalID) {
	f.mu.Lock()
	f.dropped++
	f.mu.Unlock()
}

func (f *fakeNative) Incoming() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.incoming...)
}

func (f *fakeNative) Counts() (outgoingConnected, answered, dropped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outgoingConnected, f.answered, f.dropped
}

// fakeActivityNative also reports system audio session activity
type fakeActivityNative struct {
	fakeNative
	active *promise.Value[bool]
}

func (f *fakeActivityNative) AudioSessionActive() promise.Signal[bool] { return f.active }

type fakeTone struct {
	tone audio.Tone

	mu          sync.Mutex
	active      []bool
	activations []audio.Activation
	closed      bool
}

func (f *fakeTone) Tone() audio.Tone { return f.tone }

func (f *fakeTone) SetActivation(a audio.Activation) {
	f.mu.Lock()
	f.activations = append(f.activations, a)
	f.mu.Unlock()
}

func (f *fakeTone) Activations() []audio.Activation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audio.Activation(nil), f.activations...)
}

func (f *fakeTone) SetAudioSessionActive(active bool) {
	f.mu.Lock()
	f.active = append(f.active, active)
	f.mu.Unlock()
}

func (f *fakeTone) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeTone) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTone) Active() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.active...)
}

type fakeTones struct {
	mu      sync.Mutex
	created []*fakeTone
}

func (f *fakeTones) New(tone audio.Tone) (ToneRenderer, error) {
	r := &fakeTone{tone: tone}
	f.mu.Lock()
	f.created = append(f.created, r)
	f.mu.Unlock()
	return r, nil
}

func (f *fakeTones) Created() []*fakeTone {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTone(nil), f.created...)
}

func (f *fakeTones) Kinds() []audio.Tone {
	var kinds []audio.Tone
	for _, r := range f.Created() {
		kinds = append(kinds, r.tone)
	}
	return kinds
}

type stateRecorder struct {
	mu     sync.Mutex
	states []PresentationCallState
}

func (r *stateRecorder) put(s PresentationCallState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) States() []PresentationCallState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PresentationCallState(nil), r.states...)
}

func (r *stateRecorder) Kinds() []PresentationStateKind {
	var kinds []PresentationStateKind
	for _, s := range r.States() {
		kinds = append(kinds, s.Kind)
	}
	return kinds
}

func (r *stateRecorder) Last() PresentationCallState {
	states := r.States()
	if len(states) == 0 {
		return PresentationCallState{}
	}
	return states[len(states)-1]
}

type callHarness struct {
	t        *testing.T
	queue    *dispatch.Queue
	sessions *fakeSessions
	engine   *fakeEngine
	audio    *fakeAudioSession
	tones    *fakeTones
	states   *stateRecorder
	call     *PresentationCall

	id         callsession.InternalID
	isOutgoing bool
}

var testTimings = Timings{
	CanBeRemovedDelay:        50 * time.Millisecond,
	DropNativeCallDelay:      50 * time.Millisecond,
	NativeAudioActiveTimeout: 50 * time.Millisecond,
}

func newCallHarness(t *testing.T, isOutgoing bool, opts ...PresentationCallOption) *callHarness {
	h := &callHarness{
		t:          t,
		queue:      dispatch.NewQueue(),
		sessions:   newFakeSessions(),
		engine:     newFakeEngine(),
		audio:      &fakeAudioSession{},
		tones:      &fakeTones{},
		states:     &stateRecorder{},
		id:         callsession.NewInternalID(),
		isOutgoing: isOutgoing,
	}

	opts = append([]PresentationCallOption{
		WithQueue(h.queue),
		WithTimings(testTimings),
		WithToneRendererFactory(h.tones.New),
		WithLogger(zerolog.New(zerolog.NewTestWriter(t))),
	}, opts...)

	h.call = NewPresentationCall(h.audio, h.sessions, h.engine, h.id, 42, isOutgoing, &Peer{ID: 42, DisplayTitle: "Alice"}, opts...)
	h.call.State().Subscribe(h.states.put)
	t.Cleanup(func() {
		h.call.Close()
		h.queue.Close()
	})
	h.flush()
	return h
}

// flush drains queue including work chained by processed funcs
func (h *callHarness) flush() {
	for i := 0; i < 5; i++ {
		h.queue.Sync(func() {})
	}
}

func (h *callHarness) signal(st callsession.State) {
	h.sessions.value.Set(callsession.Session{ID: h.id, IsOutgoing: h.isOutgoing, State: st})
	h.flush()
}

func (h *callHarness) media(st media.State) {
	h.engine.state.Set(st)
	h.flush()
}

func (h *callHarness) grant(ctl audiosession.Control) {
	h.audio.Grant(ctl)
	h.flush()
}

func (h *callHarness) revoke() {
	done := h.audio.Revoke()
	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(h.t, "revoke cleanup not completed")
	}
	h.flush()
}
