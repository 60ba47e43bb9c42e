package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall/core/internal/domain"
	"peercall/core/internal/executor"
	"peercall/core/internal/stats"
)

// callbackRecorder captures the application callback surface.
type callbackRecorder struct {
	continueSetup bool
	// joinedHook runs inside OnRoomJoined, the way an application reacting
	// to the callback would.
	joinedHook func()

	joined        chan bool
	incoming      chan struct{}
	cancelled     chan struct{}
	connected     chan struct{}
	offerFailed   chan struct{}
	hangup        chan struct{}
	statsReceived chan *stats.CallStats
	errors        chan domain.ErrorCode
}

func newCallbackRecorder() *callbackRecorder {
	return &callbackRecorder{
		continueSetup: true,
		joined:        make(chan bool, 4),
		incoming:      make(chan struct{}, 4),
		cancelled:     make(chan struct{}, 4),
		connected:     make(chan struct{}, 4),
		offerFailed:   make(chan struct{}, 4),
		hangup:        make(chan struct{}, 4),
		statsReceived: make(chan *stats.CallStats, 16),
		errors:        make(chan domain.ErrorCode, 16),
	}
}

func (r *callbackRecorder) OnRoomJoined(roomID string, initiator bool) bool {
	r.joined <- initiator
	if r.joinedHook != nil {
		r.joinedHook()
	}
	return r.continueSetup
}
func (r *callbackRecorder) OnIncomingCall()            { r.incoming <- struct{}{} }
func (r *callbackRecorder) OnIncomingCallCancelled()   { r.cancelled <- struct{}{} }
func (r *callbackRecorder) OnCallConnected()           { r.connected <- struct{}{} }
func (r *callbackRecorder) OnCallOfferFailed()         { r.offerFailed <- struct{}{} }
func (r *callbackRecorder) OnHangup()                  { r.hangup <- struct{}{} }
func (r *callbackRecorder) OnStats(s *stats.CallStats) { r.statsReceived <- s }
func (r *callbackRecorder) OnError(c domain.ErrorCode) { r.errors <- c }

// trace is a shared ordered call log used to verify teardown sequencing.
type trace struct {
	mu    sync.Mutex
	calls []string
}

func (t *trace) add(call string) {
	t.mu.Lock()
	t.calls = append(t.calls, call)
	t.mu.Unlock()
}

func (t *trace) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

// fakeEngine records media-engine calls.
type fakeEngine struct {
	tr *trace

	mu         sync.Mutex
	remoteDesc []domain.SessionDescription
	candidates []domain.IceCandidate
	audioState []bool
	statsOn    bool
}

func (e *fakeEngine) CreatePeerConnection(p *domain.SignalingParameters) error {
	e.tr.add("engine.CreatePeerConnection")
	return nil
}
func (e *fakeEngine) CreateOffer()  { e.tr.add("engine.CreateOffer") }
func (e *fakeEngine) CreateAnswer() { e.tr.add("engine.CreateAnswer") }
func (e *fakeEngine) SetRemoteDescription(sdp domain.SessionDescription) {
	e.tr.add("engine.SetRemoteDescription")
	e.mu.Lock()
	e.remoteDesc = append(e.remoteDesc, sdp)
	e.mu.Unlock()
}
func (e *fakeEngine) AddRemoteIceCandidate(c domain.IceCandidate) {
	e.mu.Lock()
	e.candidates = append(e.candidates, c)
	e.mu.Unlock()
}
func (e *fakeEngine) RemoveRemoteIceCandidates(cs []domain.IceCandidate) {}
func (e *fakeEngine) SetAudioEnabled(enabled bool) {
	e.mu.Lock()
	e.audioState = append(e.audioState, enabled)
	e.mu.Unlock()
}
func (e *fakeEngine) StartVideoSource() { e.tr.add("engine.StartVideoSource") }
func (e *fakeEngine) StopVideoSource()  { e.tr.add("engine.StopVideoSource") }
func (e *fakeEngine) SwitchCamera()     { e.tr.add("engine.SwitchCamera") }
func (e *fakeEngine) EnableStats(interval time.Duration) {
	e.mu.Lock()
	e.statsOn = true
	e.mu.Unlock()
}
func (e *fakeEngine) Close() { e.tr.add("engine.Close") }

// fakeClient records the signaling-client surface.
type fakeClient struct {
	tr *trace

	mu      sync.Mutex
	joined  bool
	offers  []string
	answers int
	reason  domain.DisconnectReason
	stats   *stats.CallStats
	leaves  int
}

func (f *fakeClient) JoinRoom(p domain.RoomConnectionParams) {
	f.mu.Lock()
	f.joined = true
	f.mu.Unlock()
}
func (f *fakeClient) SendOfferSDP(sdp domain.SessionDescription, dest string) {
	f.mu.Lock()
	f.offers = append(f.offers, dest)
	f.mu.Unlock()
}
func (f *fakeClient) SendAnswerSDP(sdp domain.SessionDescription) {
	f.mu.Lock()
	f.answers++
	f.mu.Unlock()
}
func (f *fakeClient) SendLocalIceCandidate(c domain.IceCandidate)            {}
func (f *fakeClient) SendLocalIceCandidateRemovals(cs []domain.IceCandidate) {}
func (f *fakeClient) SetDisconnectReason(r domain.DisconnectReason) {
	f.mu.Lock()
	f.reason = r
	f.mu.Unlock()
}
func (f *fakeClient) SetLastStats(s *stats.CallStats) {
	f.mu.Lock()
	f.stats = s
	f.mu.Unlock()
}
func (f *fakeClient) LeaveRoom() {
	f.tr.add("client.LeaveRoom")
	f.mu.Lock()
	f.leaves++
	f.mu.Unlock()
}

func (f *fakeClient) leaveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaves
}

type fakeRenderer struct {
	tr   *trace
	name string

	mu        sync.Mutex
	positions [][4]int
	mirror    bool
}

func (r *fakeRenderer) SetPosition(x, y, w, h int) {
	r.mu.Lock()
	r.positions = append(r.positions, [4]int{x, y, w, h})
	r.mu.Unlock()
}
func (r *fakeRenderer) SetMirror(m bool) {
	r.mu.Lock()
	r.mirror = m
	r.mu.Unlock()
}
func (r *fakeRenderer) Release() { r.tr.add(r.name + ".Release") }

type fakeAudio struct{ tr *trace }

func (a *fakeAudio) Init() error { a.tr.add("audio.Init"); return nil }
func (a *fakeAudio) Close()      { a.tr.add("audio.Close") }

type fixture struct {
	ctrl   *Controller
	cb     *callbackRecorder
	engine *fakeEngine
	client *fakeClient
	local  *fakeRenderer
	remote *fakeRenderer
	audio  *fakeAudio
	tr     *trace
}

func setup(t *testing.T) *fixture {
	tr := &trace{}
	cb := newCallbackRecorder()
	engine := &fakeEngine{tr: tr}
	client := &fakeClient{tr: tr}

	ctrl := New(cb, func(events domain.MediaEngineEvents) (domain.MediaEngine, error) {
		return engine, nil
	})
	ctrl.newClient = func(exec *executor.Executor, events domain.SignalingEvents, name string) domain.SignalingClient {
		return client
	}

	fx := &fixture{
		ctrl: ctrl, cb: cb, engine: engine, client: client,
		local:  &fakeRenderer{tr: tr, name: "local"},
		remote: &fakeRenderer{tr: tr, name: "remote"},
		audio:  &fakeAudio{tr: tr},
		tr:     tr,
	}
	ctrl.SetRenderers(fx.local, fx.remote)
	ctrl.SetAudioSession(fx.audio)
	t.Cleanup(ctrl.Shutdown)
	return fx
}

func initiatorParams() *domain.SignalingParameters {
	return &domain.SignalingParameters{ClientID: "client1", Initiator: true}
}

func receiverParams(offer *domain.SessionDescription, cands ...domain.IceCandidate) *domain.SignalingParameters {
	return &domain.SignalingParameters{
		ClientID: "client2", Initiator: false, OfferSDP: offer, IceCandidates: cands,
	}
}

func expect[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func expectNone[T any](t *testing.T, ch chan T, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(100 * time.Millisecond):
	}
}

func (fx *fixture) connectReady(t *testing.T, params *domain.SignalingParameters) {
	t.Helper()
	fx.ctrl.Connect(domain.RoomConnectionParams{RoomServerURL: "http://room.invalid", RoomID: "room1"}, "alice")
	fx.ctrl.OnRoomJoined(params)
	expect(t, fx.cb.joined, "room joined")
}

func TestInitiator_FullCallFlow(t *testing.T) {
	fx := setup(t)
	fx.connectReady(t, initiatorParams())
	assert.Equal(t, domain.StateReady, fx.ctrl.State())

	fx.ctrl.Call("bob")
	assert.Equal(t, domain.StateCalling, fx.ctrl.State())

	// The engine produces the local offer; it must be routed to the callee.
	fx.ctrl.OnLocalDescription(domain.SessionDescription{Type: "offer", SDP: "v=0"})
	assert.Eventually(t, func() bool {
		fx.client.mu.Lock()
		defer fx.client.mu.Unlock()
		return len(fx.client.offers) == 1 && fx.client.offers[0] == "bob"
	}, 2*time.Second, 10*time.Millisecond)

	fx.ctrl.OnRemoteDescription(domain.SessionDescription{Type: "answer", SDP: "v=0 answer"})
	fx.ctrl.OnIceConnected()

	expect(t, fx.cb.connected, "call connected")
	assert.Equal(t, domain.StateInCall, fx.ctrl.State())
	fx.engine.mu.Lock()
	assert.True(t, fx.engine.statsOn)
	fx.engine.mu.Unlock()

	// Local preview shrinks to picture-in-picture once connected.
	fx.local.mu.Lock()
	require.NotEmpty(t, fx.local.positions)
	assert.Equal(t, [4]int{72, 72, 25, 25}, fx.local.positions[len(fx.local.positions)-1])
	assert.True(t, fx.local.mirror)
	fx.local.mu.Unlock()
}

func TestReceiver_OfferPresentAtJoin(t *testing.T) {
	fx := setup(t)
	offer := &domain.SessionDescription{Type: "offer", SDP: "v=0 offer"}
	fx.connectReady(t, receiverParams(offer, domain.IceCandidate{Mid: "audio", SDP: "candidate:1"}))

	// Incoming call fires straight from the join, no second event needed.
	expect(t, fx.cb.incoming, "incoming call")
	assert.Equal(t, domain.StateInCallOffer, fx.ctrl.State())
	fx.engine.mu.Lock()
	require.Len(t, fx.engine.remoteDesc, 1)
	assert.Equal(t, "v=0 offer", fx.engine.remoteDesc[0].SDP)
	assert.Len(t, fx.engine.candidates, 1)
	fx.engine.mu.Unlock()

	// The same offer arriving over the channel is a duplicate, not an error.
	fx.ctrl.OnRemoteDescription(*offer)
	expectNone(t, fx.cb.incoming, "second incoming call")
	expectNone(t, fx.cb.errors, "error")
	assert.Equal(t, domain.StateInCallOffer, fx.ctrl.State())
}

func TestReceiver_OfferArrivesOverChannel(t *testing.T) {
	fx := setup(t)
	fx.connectReady(t, receiverParams(nil))
	assert.Equal(t, domain.StateReady, fx.ctrl.State())

	fx.ctrl.OnRemoteDescription(domain.SessionDescription{Type: "offer", SDP: "v=0"})
	expect(t, fx.cb.incoming, "incoming call")
	assert.Equal(t, domain.StateInCallOffer, fx.ctrl.State())

	fx.ctrl.AcceptCall()
	assert.Eventually(t, func() bool {
		for _, call := range fx.tr.snapshot() {
			if call == "engine.CreateAnswer" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	// Accepting does not connect the call by itself.
	assert.Equal(t, domain.StateInCallOffer, fx.ctrl.State())
}

func TestRejectCall_NoHangupCallback(t *testing.T) {
	fx := setup(t)
	fx.connectReady(t, receiverParams(&domain.SessionDescription{Type: "offer", SDP: "v=0"}))
	expect(t, fx.cb.incoming, "incoming call")

	fx.ctrl.RejectCall()

	assert.Equal(t, domain.StateDisconnected, fx.ctrl.State())
	assert.Eventually(t, func() bool { return fx.client.leaveCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	fx.client.mu.Lock()
	assert.Equal(t, domain.DisconnectCallReject, fx.client.reason)
	fx.client.mu.Unlock()
	expectNone(t, fx.cb.hangup, "hangup callback")
}

func TestHangup_IdempotentDisconnect(t *testing.T) {
	fx := setup(t)
	fx.connectReady(t, initiatorParams())

	fx.ctrl.Hangup()
	fx.ctrl.Hangup()

	expect(t, fx.cb.hangup, "hangup")
	expectNone(t, fx.cb.hangup, "second hangup")
	expectNone(t, fx.cb.errors, "error")
	assert.Eventually(t, func() bool { return fx.client.leaveCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.StateDisconnected, fx.ctrl.State())
}

func TestTeardown_OrderingAndDiagnostics(t *testing.T) {
	fx := setup(t)
	fx.connectReady(t, initiatorParams())
	fx.ctrl.OnStatsReady([]stats.RawSample{{
		Type: "ssrc",
		Values: map[string]string{
			"mediaType": "audio", "bytesSent": "1000",
			"packetsSent": "10", "packetsLost": "1", "googCodecName": "opus",
		},
	}})
	expect(t, fx.cb.statsReceived, "stats")

	fx.ctrl.Hangup()
	expect(t, fx.cb.hangup, "hangup")

	var order []string
	require.Eventually(t, func() bool {
		order = nil
		for _, call := range fx.tr.snapshot() {
			switch call {
			case "client.LeaveRoom", "engine.Close", "local.Release", "remote.Release", "audio.Close":
				order = append(order, call)
			}
		}
		return len(order) == 5
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		"client.LeaveRoom", "engine.Close", "local.Release", "remote.Release", "audio.Close",
	}, order)

	// The final stats sample rides along in the leave diagnostics.
	fx.client.mu.Lock()
	require.NotNil(t, fx.client.stats)
	assert.Equal(t, domain.DisconnectHangup, fx.client.reason)
	fx.client.mu.Unlock()
}

func TestCalleeBusy_WhileCallingIsOfferFailure(t *testing.T) {
	fx := setup(t)
	fx.connectReady(t, initiatorParams())
	fx.ctrl.Call("bob")

	fx.ctrl.OnChannelError("RESPONSE_CALLEE_BUSY", domain.ErrSignalingServerReported)

	expect(t, fx.cb.offerFailed, "offer failed")
	expectNone(t, fx.cb.errors, "generic error")
	assert.Equal(t, domain.StateDisconnected, fx.ctrl.State())
}

func TestChannelClosed_CallbackByPriorState(t *testing.T) {
	cases := []struct {
		name    string
		prepare func(t *testing.T, fx *fixture)
		expects func(t *testing.T, fx *fixture)
	}{
		{
			name: "while calling",
			prepare: func(t *testing.T, fx *fixture) {
				fx.connectReady(t, initiatorParams())
				fx.ctrl.Call("bob")
			},
			expects: func(t *testing.T, fx *fixture) {
				expect(t, fx.cb.offerFailed, "offer failed")
			},
		},
		{
			name: "while call offer pending",
			prepare: func(t *testing.T, fx *fixture) {
				fx.connectReady(t, receiverParams(&domain.SessionDescription{Type: "offer", SDP: "v=0"}))
				expect(t, fx.cb.incoming, "incoming call")
			},
			expects: func(t *testing.T, fx *fixture) {
				expect(t, fx.cb.cancelled, "incoming call cancelled")
			},
		},
		{
			name: "while in call",
			prepare: func(t *testing.T, fx *fixture) {
				fx.connectReady(t, initiatorParams())
				fx.ctrl.Call("bob")
				fx.ctrl.OnIceConnected()
				expect(t, fx.cb.connected, "call connected")
			},
			expects: func(t *testing.T, fx *fixture) {
				expect(t, fx.cb.hangup, "hangup")
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := setup(t)
			tc.prepare(t, fx)
			fx.ctrl.OnChannelClosed()
			tc.expects(t, fx)
			assert.Equal(t, domain.StateDisconnected, fx.ctrl.State())
		})
	}
}

func TestIceFailure_ReportsAndDisconnects(t *testing.T) {
	fx := setup(t)
	fx.connectReady(t, initiatorParams())
	fx.ctrl.Call("bob")
	fx.ctrl.OnIceConnected()
	expect(t, fx.cb.connected, "call connected")

	fx.ctrl.OnIceDisconnected()

	code := expect(t, fx.cb.errors, "error")
	assert.Equal(t, domain.ErrIceConnectionFailed, code)
	assert.Equal(t, domain.StateDisconnected, fx.ctrl.State())
	// The disconnect reason is recorded by the teardown goroutine.
	assert.Eventually(t, func() bool {
		fx.client.mu.Lock()
		defer fx.client.mu.Unlock()
		return fx.client.reason == domain.DisconnectIceDisconnect
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMisuse_ReportedBeforeReadySuppressedAfter(t *testing.T) {
	fx := setup(t)

	// Before the session was ever READY a wrong-state call is a real bug.
	fx.ctrl.Call("bob")
	code := expect(t, fx.cb.errors, "error")
	assert.Equal(t, domain.ErrInternalStateMachine, code)

	// After READY and disconnect, late calls are harmless races.
	fx.connectReady(t, initiatorParams())
	fx.ctrl.Hangup()
	expect(t, fx.cb.hangup, "hangup")
	fx.ctrl.Call("bob")
	fx.ctrl.AcceptCall()
	expectNone(t, fx.cb.errors, "suppressed misuse error")
}

func TestToggleAudioMute(t *testing.T) {
	fx := setup(t)
	fx.connectReady(t, initiatorParams())

	assert.True(t, fx.ctrl.ToggleAudioMute())
	assert.False(t, fx.ctrl.ToggleAudioMute())

	assert.Eventually(t, func() bool {
		fx.engine.mu.Lock()
		defer fx.engine.mu.Unlock()
		return len(fx.engine.audioState) == 2
	}, 2*time.Second, 10*time.Millisecond)
	fx.engine.mu.Lock()
	assert.Equal(t, []bool{false, true}, fx.engine.audioState)
	fx.engine.mu.Unlock()
}

func TestHangupInsideRoomJoinedCallback_StaysDisconnected(t *testing.T) {
	fx := setup(t)
	fx.cb.joinedHook = func() { fx.ctrl.Hangup() }
	offer := &domain.SessionDescription{Type: "offer", SDP: "v=0"}

	fx.ctrl.Connect(domain.RoomConnectionParams{RoomID: "room1"}, "alice")
	fx.ctrl.OnRoomJoined(receiverParams(offer))
	expect(t, fx.cb.joined, "room joined")
	expect(t, fx.cb.hangup, "hangup")

	// The join event must not resurrect the session it just tore down.
	expectNone(t, fx.cb.incoming, "incoming call after hangup")
	assert.Equal(t, domain.StateDisconnected, fx.ctrl.State())

	// A fresh Connect still works.
	fx.cb.joinedHook = nil
	assert.Eventually(t, func() bool { return fx.client.leaveCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	fx.ctrl.Connect(domain.RoomConnectionParams{RoomID: "room1"}, "alice")
	fx.ctrl.OnRoomJoined(initiatorParams())
	expect(t, fx.cb.joined, "room joined again")
	assert.Equal(t, domain.StateReady, fx.ctrl.State())
	expectNone(t, fx.cb.errors, "error")
}

func TestDeclinedRoomJoin_SkipsCallSetup(t *testing.T) {
	fx := setup(t)
	fx.cb.continueSetup = false
	offer := &domain.SessionDescription{Type: "offer", SDP: "v=0"}

	fx.ctrl.Connect(domain.RoomConnectionParams{RoomID: "room1"}, "alice")
	fx.ctrl.OnRoomJoined(receiverParams(offer))
	expect(t, fx.cb.joined, "room joined")

	expectNone(t, fx.cb.incoming, "incoming call")
	fx.engine.mu.Lock()
	assert.Empty(t, fx.engine.remoteDesc)
	fx.engine.mu.Unlock()
	assert.Equal(t, domain.StateReady, fx.ctrl.State())
}
