// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voipcall

import (
	"errors"
	"testing"
	"time"

	"github.com/emiago/voipcall/audio"
	"github.com/emiago/voipcall/audiosession"
	"github.com/emiago/voipcall/callsession"
	"github.com/emiago/voipcall/media"
	"github.com/emiago/voipcall/promise"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKey   = []byte("call key")
	testHash  = []byte{0xde, 0xad, 0xbe, 0xef}
	testConns = []callsession.Connection{{ID: 1, IPv4: "10.0.0.1", Port: 5000}}
)

func activeSession() callsession.State {
	return callsession.Active(testKey, testHash, testConns, 92)
}

func TestOutgoingCallScenario(t *testing.T) {
	native := &fakeNative{}
	h := newCallHarness(t, true, WithNativeIntegration(native))
	ctl := &fakeControl{}
	h.grant(ctl)

	canBeRemoved := make(chan bool, 4)
	h.call.CanBeRemoved().Subscribe(func(v bool) { canBeRemoved <- v })
	require.False(t, <-canBeRemoved)

	h.signal(callsession.Requesting(true))
	assert.Equal(t, RequestingState(true), h.states.Last())
	assert.Equal(t, []audio.Tone{audio.ToneRingback}, h.tones.Kinds())

	h.signal(activeSession())
	assert.True(t, h.states.Last().Equal(Connecting(testHash)))

	starts := h.engine.Starts()
	require.Len(t, starts, 1)
	assert.Equal(t, testKey, starts[0].Key)
	assert.True(t, starts[0].IsOutgoing)
	assert.Equal(t, testConns, starts[0].Conns)
	assert.Equal(t, int32(92), starts[0].MaxLayer)
	outgoingConnected, _, _ := native.Counts()
	assert.Equal(t, 1, outgoingConnected)

	h.media(media.StateConnected)
	last := h.states.Last()
	assert.Equal(t, StateActive, last.Kind)
	assert.Equal(t, testHash, last.KeyVisualHash)
	assert.False(t, last.ActivatedAt.IsZero())
	assert.Len(t, h.engine.Starts(), 1)

	hungUp := h.call.HangUp()
	h.flush()
	assert.Equal(t, []callsession.DropReason{callsession.DropHangUp}, h.sessions.Drops())
	assert.Equal(t, 1, h.engine.Stops())

	h.signal(callsession.Terminated(callsession.Ended(callsession.EndedHungUp)))
	assert.Equal(t, TerminatedState(callsession.Ended(callsession.EndedHungUp)), h.states.Last())
	assert.Equal(t, []audio.Tone{audio.ToneRingback, audio.ToneConnecting, audio.ToneEnded}, h.tones.Kinds())
	assert.GreaterOrEqual(t, h.engine.Stops(), 2)

	select {
	case <-hungUp:
	default:
		t.Fatal("hang up not resolved")
	}

	select {
	case v := <-canBeRemoved:
		assert.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("call never became removable")
	}

	// Native call UI is dropped after delay for outgoing calls
	require.Eventually(t, func() bool {
		_, _, dropped := native.Counts()
		return dropped == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTerminatedIsFinal(t *testing.T) {
	h := newCallHarness(t, true)
	h.grant(&fakeControl{})

	h.signal(callsession.Requesting(false))
	h.signal(callsession.Terminated(callsession.Failed()))
	h.signal(callsession.Active(testKey, testHash, testConns, 92))
	h.media(media.StateConnected)
	h.signal(callsession.Terminated(callsession.Ended(callsession.EndedBusy)))
	h.signal(callsession.Ringing())

	kinds := h.states.Kinds()
	assert.Equal(t, []PresentationStateKind{StateWaiting, StateRequesting, StateTerminated}, kinds)
	assert.Equal(t, TerminatedState(callsession.Failed()), h.states.Last())
}

func TestActiveTimestampLatched(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	h := newCallHarness(t, false, WithClock(clock))
	h.grant(&fakeControl{})
	h.signal(activeSession())
	h.media(media.StateConnected)
	h.media(media.StateInitializing)
	h.media(media.StateConnected)

	var actives []PresentationCallState
	for _, s := range h.states.States() {
		if s.Kind == StateActive {
			actives = append(actives, s)
		}
	}
	require.Len(t, actives, 2)
	assert.Equal(t, actives[0].ActivatedAt, actives[1].ActivatedAt)
	assert.Equal(t, []PresentationStateKind{StateWaiting, StateConnecting, StateActive, StateConnecting, StateActive}, h.states.Kinds())
}

func TestToneMapping(t *testing.T) {
	hung := callsession.Ended(callsession.EndedHungUp)
	missed := callsession.Ended(callsession.EndedMissed)
	busy := callsession.Ended(callsession.EndedBusy)

	cases := []struct {
		state PresentationCallState
		tone  audio.Tone
		ok    bool
	}{
		{Waiting(), 0, false},
		{RingingState(), 0, false},
		{RequestingState(false), 0, false},
		{RequestingState(true), audio.ToneRingback, true},
		{Connecting(nil), audio.ToneConnecting, true},
		{Connecting(testHash), audio.ToneConnecting, true},
		{ActiveState(time.Now(), testHash), 0, false},
		{Terminating(), 0, false},
		{TerminatedState(nil), 0, false},
		{TerminatedState(hung), audio.ToneEnded, true},
		{TerminatedState(missed), audio.ToneEnded, true},
		{TerminatedState(busy), audio.ToneBusy, true},
		{TerminatedState(callsession.Failed()), audio.ToneFailed, true},
	}
	for _, tc := range cases {
		tone, ok := toneForState(tc.state)
		assert.Equal(t, tc.ok, ok, tc.state.String())
		if tc.ok {
			assert.Equal(t, tc.tone, tone, tc.state.String())
		}
	}
}

func TestToneRendererNotRecreated(t *testing.T) {
	h := newCallHarness(t, false)
	h.grant(&fakeControl{})

	h.signal(callsession.Ringing())
	h.signal(callsession.Accepting())
	h.signal(activeSession())
	h.media(media.StateInitializing)
	h.media(media.StateConnected)
	h.signal(callsession.Terminated(callsession.Ended(callsession.EndedBusy)))

	assert.Equal(t, []audio.Tone{audio.ToneConnecting, audio.ToneBusy}, h.tones.Kinds())
	created := h.tones.Created()
	assert.True(t, created[0].Closed())
	assert.False(t, created[1].Closed())

	h.call.Close()
	assert.True(t, created[1].Closed())
}

func TestToneFollowsAudioSessionActive(t *testing.T) {
	h := newCallHarness(t, true)

	h.signal(callsession.Requesting(true))
	created := h.tones.Created()
	require.Len(t, created, 1)
	assert.Equal(t, []bool{false}, created[0].Active())

	ctl := &fakeControl{}
	h.grant(ctl)
	assert.Equal(t, 1, ctl.Count("activate"))
	assert.Equal(t, []bool{false, true}, created[0].Active())

	h.revoke()
	assert.Equal(t, []bool{false, true, false}, created[0].Active())

	// New renderer starts synchronized with current activity
	h.grant(ctl)
	h.signal(activeSession())
	created = h.tones.Created()
	require.Len(t, created, 2)
	assert.Equal(t, []bool{true}, created[1].Active())
}

func TestToneActivationFollowsControl(t *testing.T) {
	h := newCallHarness(t, true)
	ctl := &fakeControl{}
	h.grant(ctl)

	h.signal(callsession.Requesting(true))
	tone := h.tones.Created()[0]
	activations := tone.Activations()
	require.Len(t, activations, 1)
	require.NotNil(t, activations[0])

	activations[0].Deactivate()
	activations[0].Activate()
	assert.Equal(t, 1, ctl.Count("deactivate"))
	assert.Equal(t, 2, ctl.Count("activate"))

	h.revoke()
	activations = tone.Activations()
	require.Len(t, activations, 2)
	assert.Nil(t, activations[1])

	ctl2 := &fakeControl{}
	h.grant(ctl2)
	activations = tone.Activations()
	require.Len(t, activations, 3)
	activations[2].Deactivate()
	assert.Equal(t, 1, ctl2.Count("deactivate"))
	assert.Equal(t, 1, ctl.Count("deactivate"))
}

func TestDefaultToneRendererDeactivatesControl(t *testing.T) {
	// nil factory selects the built in renderer
	h := newCallHarness(t, true, WithToneRendererFactory(nil))
	ctl := &fakeControl{}
	h.grant(ctl)

	h.signal(callsession.Requesting(true))
	_, ok := h.call.toneRenderer.(*audio.ToneRenderer)
	require.True(t, ok)
	assert.Zero(t, ctl.Count("deactivate"))

	h.revoke()
	assert.Equal(t, 1, ctl.Count("deactivate"))

	ctl2 := &fakeControl{}
	h.grant(ctl2)
	assert.NotZero(t, ctl2.Count("activate"))
	assert.Equal(t, 1, ctl.Count("deactivate"))
}

func TestMediaFailureAfterTerminationIgnored(t *testing.T) {
	h := newCallHarness(t, true)
	h.grant(&fakeControl{})

	h.signal(callsession.Terminated(callsession.Ended(callsession.EndedHungUp)))
	h.media(media.StateFailed)
	h.signal(activeSession())

	assert.Empty(t, h.sessions.Drops())
	assert.Equal(t, []PresentationStateKind{StateWaiting, StateTerminated}, h.states.Kinds())
}

func TestIncomingReportedOnce(t *testing.T) {
	native := &fakeNative{}
	h := newCallHarness(t, false, WithNativeIntegration(native))
	h.grant(&fakeControl{})

	h.signal(callsession.Ringing())
	h.signal(callsession.Ringing())

	assert.Equal(t, []string{"42:Alice"}, native.Incoming())
	assert.Empty(t, h.sessions.Drops())
}

func TestIncomingReportWaitsForControl(t *testing.T) {
	native := &fakeNative{}
	h := newCallHarness(t, false, WithNativeIntegration(native))

	h.signal(callsession.Ringing())
	assert.Empty(t, native.Incoming())

	h.grant(&fakeControl{})
	assert.Len(t, native.Incoming(), 1)
}

func TestIncomingReportFailureDrops(t *testing.T) {
	native := &fakeNative{reportErr: errors.New("rejected")}
	h := newCallHarness(t, false, WithNativeIntegration(native))
	h.grant(&fakeControl{})
	h.signal(callsession.Ringing())

	require.Eventually(t, func() bool {
		h.flush()
		drops := h.sessions.Drops()
		return len(drops) == 1 && drops[0] == callsession.DropHangUp
	}, time.Second, 10*time.Millisecond)
}

func TestIncomingTerminationDropsNativeCall(t *testing.T) {
	native := &fakeNative{}
	h := newCallHarness(t, false, WithNativeIntegration(native))
	h.grant(&fakeControl{})
	h.signal(callsession.Ringing())
	h.signal(callsession.Terminated(callsession.Ended(callsession.EndedMissed)))

	_, _, dropped := native.Counts()
	assert.Equal(t, 1, dropped)

	h.call.Close()
	_, _, dropped = native.Counts()
	assert.Equal(t, 1, dropped)
}

func TestMediaFailureDisconnectsOnce(t *testing.T) {
	h := newCallHarness(t, true)
	h.grant(&fakeControl{})

	h.signal(activeSession())
	h.media(media.StateFailed)
	h.media(media.StateFailed)
	h.signal(activeSession())

	assert.Equal(t, []callsession.DropReason{callsession.DropDisconnect}, h.sessions.Drops())
	assert.NotContains(t, h.states.Kinds(), StateActive)
	assert.GreaterOrEqual(t, h.engine.Stops(), 1)
	assert.Len(t, h.engine.Starts(), 1)

	h.signal(callsession.Terminated(callsession.Failed()))
	assert.Equal(t, TerminatedState(callsession.Failed()), h.states.Last())
	assert.Equal(t, audio.ToneFailed, h.tones.Kinds()[len(h.tones.Kinds())-1])
}

func TestSpeakerToggleWithoutControl(t *testing.T) {
	h := newCallHarness(t, true)

	speaker := make(chan bool, 4)
	h.call.SpeakerMode().Subscribe(func(v bool) { speaker <- v })
	require.False(t, <-speaker)

	h.signal(callsession.Requesting(true))
	h.call.ToggleSpeaker()
	h.flush()
	require.True(t, <-speaker)

	ctl := &fakeControl{}
	h.grant(ctl)
	assert.Equal(t, []audiosession.OutputMode{audiosession.OutputSpeaker}, ctl.Modes())
	assert.Equal(t, []string{"mode", "setup", "activate"}, ctl.Calls())

	h.call.ToggleSpeaker()
	h.call.ToggleSpeaker()
	h.flush()
	assert.Equal(t, []audiosession.OutputMode{
		audiosession.OutputSpeaker,
		audiosession.OutputSystem,
		audiosession.OutputSpeakerIfNoHeadphones,
	}, ctl.Modes())
}

func TestControlSetupOnlyWhenGranted(t *testing.T) {
	h := newCallHarness(t, true)
	ctl := &fakeControl{}
	h.grant(ctl)

	h.signal(callsession.Requesting(false))
	h.signal(callsession.Requesting(true))
	h.signal(activeSession())

	assert.Equal(t, 1, ctl.Count("setup"))
	assert.Equal(t, []audiosession.OutputMode{audiosession.OutputSystem}, ctl.Modes())

	// Regrant configures control again and starts media
	h.revoke()
	h.grant(ctl)
	assert.Equal(t, 2, ctl.Count("setup"))
	assert.Len(t, h.engine.Starts(), 2)
}

func TestToggleMuted(t *testing.T) {
	h := newCallHarness(t, true)

	muted := make(chan bool, 4)
	h.call.IsMuted().Subscribe(func(v bool) { muted <- v })
	require.False(t, <-muted)

	h.call.ToggleIsMuted()
	h.flush()
	assert.True(t, <-muted)
	assert.True(t, h.engine.Muted())

	h.call.ToggleIsMuted()
	h.flush()
	assert.False(t, <-muted)
	assert.False(t, h.engine.Muted())
}

func TestAnswerAndRejectBusy(t *testing.T) {
	native := &fakeNative{}
	h := newCallHarness(t, false, WithNativeIntegration(native))

	h.call.Answer()
	h.call.RejectBusy()
	h.flush()

	_, answered, _ := native.Counts()
	assert.Equal(t, 1, answered)
	assert.Equal(t, 1, h.sessions.accepts)
	assert.Equal(t, []callsession.DropReason{callsession.DropBusy}, h.sessions.Drops())
	assert.Equal(t, 1, h.engine.Stops())
}

func TestNativeCallDroppedCancelsTimer(t *testing.T) {
	native := &fakeNative{}
	h := newCallHarness(t, true, WithNativeIntegration(native))
	h.grant(&fakeControl{})
	h.signal(callsession.Requesting(true))
	h.signal(callsession.Terminated(callsession.Ended(callsession.EndedHungUp)))

	h.call.NativeCallDropped()
	h.flush()
	time.Sleep(3 * testTimings.DropNativeCallDelay)
	h.flush()

	_, _, dropped := native.Counts()
	assert.Zero(t, dropped)
}

func TestCloseDropsPendingNativeCall(t *testing.T) {
	native := &fakeNative{}
	h := newCallHarness(t, true, WithNativeIntegration(native), WithTimings(Timings{
		CanBeRemovedDelay:        time.Minute,
		DropNativeCallDelay:      time.Minute,
		NativeAudioActiveTimeout: time.Minute,
	}))
	h.grant(&fakeControl{})
	h.signal(callsession.Terminated(callsession.Ended(callsession.EndedHungUp)))

	_, _, dropped := native.Counts()
	assert.Zero(t, dropped)

	h.call.Close()
	_, _, dropped = native.Counts()
	assert.Equal(t, 1, dropped)
	assert.True(t, h.audio.Released())

	// Inputs after close are ignored
	h.signal(callsession.Ringing())
	assert.Equal(t, StateTerminated, h.states.Last().Kind)
}

func TestNativeAudioActivation(t *testing.T) {
	native := &fakeActivityNative{active: promise.NewValueOf(false)}
	h := newCallHarness(t, true, WithNativeIntegration(native), WithTimings(Timings{
		CanBeRemovedDelay:        time.Minute,
		DropNativeCallDelay:      time.Minute,
		NativeAudioActiveTimeout: time.Minute,
	}))

	ctl := &fakeControl{}
	h.grant(ctl)
	h.signal(callsession.Requesting(true))
	tone := h.tones.Created()[0]
	assert.Equal(t, []bool{false}, tone.Active())

	native.active.Set(true)
	h.flush()
	assert.Equal(t, []bool{false, true}, tone.Active())
	assert.Zero(t, ctl.Count("activate"))
}

func TestNativeAudioActivationTimeout(t *testing.T) {
	native := &fakeActivityNative{active: promise.NewValueOf(false)}
	h := newCallHarness(t, true, WithNativeIntegration(native))

	ctl := &fakeControl{}
	h.grant(ctl)
	h.signal(callsession.Requesting(true))

	require.Eventually(t, func() bool {
		h.flush()
		return ctl.Count("activate") == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []bool{false, true}, h.tones.Created()[0].Active())
}

func TestHangUpWithMemorySessions(t *testing.T) {
	sessions := callsession.NewMemory()
	engine := newFakeEngine()
	tones := &fakeTones{}
	id := callsession.NewInternalID()

	call := NewPresentationCall(&fakeAudioSession{}, sessions, engine, id, 7, true, nil,
		WithTimings(testTimings), WithToneRendererFactory(tones.New))
	defer call.Close()

	states := &stateRecorder{}
	call.State().Subscribe(states.put)

	require.NoError(t, sessions.Put(callsession.Session{ID: id, IsOutgoing: true, State: callsession.Requesting(true)}))

	select {
	case <-call.HangUp():
	case <-time.After(time.Second):
		t.Fatal("hang up not resolved")
	}

	require.Eventually(t, func() bool {
		return states.Last().Kind == StateTerminated
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, TerminatedState(callsession.Ended(callsession.EndedHungUp)), states.Last())
	assert.Contains(t, states.Kinds(), StateTerminating)
}

func TestPresentationStateEqual(t *testing.T) {
	at := time.Now()
	assert.True(t, Connecting(testHash).Equal(Connecting([]byte{0xde, 0xad, 0xbe, 0xef})))
	assert.False(t, Connecting(nil).Equal(Connecting(testHash)))
	assert.True(t, ActiveState(at, testHash).Equal(ActiveState(at, testHash)))
	assert.False(t, ActiveState(at, testHash).Equal(ActiveState(at.Add(time.Second), testHash)))
	assert.False(t, RequestingState(true).Equal(RequestingState(false)))
	assert.True(t, TerminatedState(nil).Equal(TerminatedState(nil)))
	assert.False(t, TerminatedState(nil).Equal(TerminatedState(callsession.Failed())))
	assert.False(t, Waiting().Equal(RingingState()))
}
