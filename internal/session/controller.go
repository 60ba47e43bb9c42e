// Package session implements the call state machine: the single authority
// for session state, reconciling signaling events and media-engine events
// into the high-level callback surface.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peercall/core/internal/domain"
	"peercall/core/internal/executor"
	"peercall/core/internal/signal"
	"peercall/core/internal/stats"
)

var log = logrus.WithField("component", "session")

const statsInterval = time.Second

// Local preview geometry, in percent of the enclosing view.
const (
	previewFullX, previewFullY, previewFullW, previewFullH = 0, 0, 100, 100
	previewPipX, previewPipY, previewPipW, previewPipH     = 72, 72, 25, 25
)

// Controller drives one call session at a time. Public methods are safe to
// call from any goroutine and return immediately; protocol work runs on the
// session's signaling executor and surfaces through Callbacks.
type Controller struct {
	callbacks domain.Callbacks
	newEngine domain.EngineFactory
	newClient func(exec *executor.Executor, events domain.SignalingEvents, clientName string) domain.SignalingClient

	mu           sync.Mutex
	state        domain.State
	wasEverReady bool
	// active is true from Connect until the first disconnect of the session.
	active bool

	exec       *executor.Executor
	client     domain.SignalingClient
	engine     domain.MediaEngine
	connParams domain.RoomConnectionParams
	clientName string
	peerName   string
	initiator  bool

	localRender  domain.VideoRenderer
	remoteRender domain.VideoRenderer
	audio        domain.AudioSession
	audioEnabled bool

	callStartedAt   time.Time
	callConnectedAt time.Time
	lastStats       *stats.CallStats
}

// New creates an idle controller. engineFactory allocates the media engine
// for each session; callbacks receive the session's high-level events.
func New(callbacks domain.Callbacks, engineFactory domain.EngineFactory) *Controller {
	return &Controller{
		callbacks: callbacks,
		newEngine: engineFactory,
		newClient: func(exec *executor.Executor, events domain.SignalingEvents, clientName string) domain.SignalingClient {
			return signal.NewClient(exec, events, clientName)
		},
	}
}

// SetRenderers supplies the render surfaces released during teardown. Must be
// set before Connect; replacing them mid-call is not supported.
func (c *Controller) SetRenderers(local, remote domain.VideoRenderer) {
	c.mu.Lock()
	c.localRender = local
	c.remoteRender = remote
	c.mu.Unlock()
}

// SetAudioSession supplies the audio-route subsystem, initialized at Connect
// and closed as the last teardown step.
func (c *Controller) SetAudioSession(a domain.AudioSession) {
	c.mu.Lock()
	c.audio = a
	c.mu.Unlock()
}

// State is the externally-visible session state, readable from any goroutine.
func (c *Controller) State() domain.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastStats returns the most recent stats sample of the current or previous
// call, or nil when none was ever collected.
func (c *Controller) LastStats() *stats.CallStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStats
}

// Connect starts a new session: allocates the media engine and begins the
// room join. Valid only while DISCONNECTED. Results arrive via Callbacks.
func (c *Controller) Connect(params domain.RoomConnectionParams, username string) {
	c.mu.Lock()
	if c.state != domain.StateDisconnected || c.active {
		c.mu.Unlock()
		c.misuse("connect")
		return
	}

	engine, err := c.newEngine(c)
	if err != nil {
		c.mu.Unlock()
		log.WithError(err).Error("allocating media engine")
		c.callbacks.OnError(domain.ErrGeneral)
		return
	}

	c.active = true
	c.wasEverReady = false
	c.lastStats = nil
	c.callStartedAt = time.Now()
	c.callConnectedAt = time.Time{}
	c.audioEnabled = true
	c.connParams = params
	c.clientName = username
	c.engine = engine
	c.exec = executor.New()
	c.exec.Start()
	c.client = c.newClient(c.exec, c, username)
	audio := c.audio
	client := c.client
	c.mu.Unlock()

	log.WithFields(logrus.Fields{"room": params.RoomID, "user": username}).Info("connecting session")
	if audio != nil {
		if err := audio.Init(); err != nil {
			log.WithError(err).Warn("audio session init failed")
		}
	}
	client.JoinRoom(params)
}

// Call offers a call to peerName. Initiator only, valid in READY.
func (c *Controller) Call(peerName string) {
	c.mu.Lock()
	if c.state != domain.StateReady || !c.initiator {
		c.mu.Unlock()
		c.misuse("call")
		return
	}
	c.state = domain.StateCalling
	c.peerName = peerName
	engine := c.engine
	c.mu.Unlock()

	log.WithField("peer", peerName).Info("calling")
	c.post(engine.CreateOffer)
}

// AcceptCall answers the pending incoming call. Valid in IN_CALL_OFFER; the
// transition to IN_CALL completes asynchronously on ICE connection.
func (c *Controller) AcceptCall() {
	c.mu.Lock()
	if c.state != domain.StateInCallOffer {
		c.mu.Unlock()
		c.misuse("accept call")
		return
	}
	engine := c.engine
	c.mu.Unlock()

	log.Info("accepting call")
	c.post(engine.CreateAnswer)
}

// RejectCall declines the pending incoming call. The call was never
// connected, so no hangup callback is emitted.
func (c *Controller) RejectCall() {
	c.mu.Lock()
	reject := c.state == domain.StateInCallOffer
	c.mu.Unlock()
	if !reject {
		c.misuse("reject call")
		return
	}
	log.Info("rejecting call")
	c.disconnect(domain.DisconnectCallReject)
}

// Hangup ends the session from any non-DISCONNECTED state.
func (c *Controller) Hangup() {
	c.mu.Lock()
	hang := c.state != domain.StateDisconnected
	c.mu.Unlock()
	if !hang {
		c.misuse("hangup")
		return
	}
	log.Info("hanging up")
	if _, done := c.disconnect(domain.DisconnectHangup); done {
		c.callbacks.OnHangup()
	}
}

// Shutdown ends the session as part of application teardown. Emits no
// terminal callback.
func (c *Controller) Shutdown() {
	c.disconnect(domain.DisconnectClientShutdown)
}

// MuteVideo stops the local video source.
func (c *Controller) MuteVideo() { c.engineOp("mute video", domain.MediaEngine.StopVideoSource) }

// UnmuteVideo restarts the local video source.
func (c *Controller) UnmuteVideo() { c.engineOp("unmute video", domain.MediaEngine.StartVideoSource) }

// SwitchCamera cycles to the next video source.
func (c *Controller) SwitchCamera() { c.engineOp("switch camera", domain.MediaEngine.SwitchCamera) }

// ToggleAudioMute flips the microphone and reports whether audio is now
// muted.
func (c *Controller) ToggleAudioMute() bool {
	c.mu.Lock()
	if !c.active || c.state == domain.StateDisconnected {
		c.mu.Unlock()
		c.misuse("toggle audio mute")
		return false
	}
	c.audioEnabled = !c.audioEnabled
	enabled := c.audioEnabled
	engine := c.engine
	c.mu.Unlock()

	c.post(func() { engine.SetAudioEnabled(enabled) })
	return !enabled
}

// engineOp runs a state-guarded pass-through media-engine call on the
// executor.
func (c *Controller) engineOp(op string, f func(domain.MediaEngine)) {
	c.mu.Lock()
	if !c.active || c.state == domain.StateDisconnected {
		c.mu.Unlock()
		c.misuse(op)
		return
	}
	engine := c.engine
	c.mu.Unlock()
	c.post(func() { f(engine) })
}

// misuse reports a call-control method invoked in the wrong state. Once the
// session has been READY, late calls racing a disconnect are expected and
// suppressed.
func (c *Controller) misuse(op string) {
	c.mu.Lock()
	suppress := c.wasEverReady
	state := c.state
	c.mu.Unlock()
	if suppress {
		log.WithFields(logrus.Fields{"op": op, "state": state}).Debug("ignoring late call-control op")
		return
	}
	log.WithFields(logrus.Fields{"op": op, "state": state}).Error("call-control op in wrong state")
	c.callbacks.OnError(domain.ErrInternalStateMachine)
}

// post marshals f onto the session's signaling executor, if one is live.
func (c *Controller) post(f func()) {
	c.mu.Lock()
	exec := c.exec
	c.mu.Unlock()
	if exec != nil {
		exec.Execute(f)
	}
}

// disconnect is the two-phase teardown: the state flips to DISCONNECTED
// synchronously, release of the collaborators happens on a dedicated
// goroutine. Returns the prior state and whether this call performed the
// teardown (false when already disconnected).
func (c *Controller) disconnect(reason domain.DisconnectReason) (domain.State, bool) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return domain.StateDisconnected, false
	}
	c.active = false
	prior := c.state
	c.state = domain.StateDisconnected
	client := c.client
	engine := c.engine
	exec := c.exec
	local := c.localRender
	remote := c.remoteRender
	audio := c.audio
	last := c.lastStats
	c.client = nil
	c.engine = nil
	c.exec = nil
	c.mu.Unlock()

	log.WithFields(logrus.Fields{"reason": reason, "prior": prior}).Info("disconnecting session")
	go func() {
		if client != nil {
			client.SetDisconnectReason(reason)
			client.SetLastStats(last)
			client.LeaveRoom()
		}
		if engine != nil {
			engine.Close()
		}
		if local != nil {
			local.Release()
		}
		if remote != nil {
			remote.Release()
		}
		if audio != nil {
			audio.Close()
		}
		if exec != nil {
			exec.Stop()
		}
		log.Info("session teardown complete")
	}()
	return prior, true
}

// Signaling events. All run on the signaling executor.

func (c *Controller) OnRoomJoined(params *domain.SignalingParameters) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.state = domain.StateReady
	c.wasEverReady = true
	c.initiator = params.Initiator
	roomID := c.connParams.RoomID
	c.mu.Unlock()

	log.WithFields(logrus.Fields{"room": roomID, "initiator": params.Initiator}).Info("room joined")
	if !c.callbacks.OnRoomJoined(roomID, params.Initiator) {
		log.Info("application declined call setup")
		return
	}

	// The application may have hung up from inside the callback; the engine
	// is gone once teardown has begun.
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return
	}

	if err := engine.CreatePeerConnection(params); err != nil {
		log.WithError(err).Error("creating peer connection")
		c.fail(domain.DisconnectChannelError, domain.ErrGeneral)
		return
	}
	c.applyGeometry(false)

	for _, cand := range params.IceCandidates {
		engine.AddRemoteIceCandidate(cand)
	}
	if !params.Initiator && params.OfferSDP != nil {
		log.Info("offer present at join, call incoming")
		engine.SetRemoteDescription(*params.OfferSDP)
		if !c.setState(domain.StateInCallOffer) {
			return
		}
		c.callbacks.OnIncomingCall()
	}
}

func (c *Controller) OnRemoteDescription(sdp domain.SessionDescription) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	state := c.state
	initiator := c.initiator
	engine := c.engine
	c.mu.Unlock()

	switch sdp.Type {
	case "answer":
		if !initiator || state != domain.StateCalling {
			c.unexpectedEvent("answer", state)
			return
		}
		engine.SetRemoteDescription(sdp)
	case "offer":
		if initiator {
			c.unexpectedEvent("offer", state)
			return
		}
		if state == domain.StateInCallOffer {
			// The offer was already delivered inline in the join response.
			log.Warn("duplicate offer over channel, ignoring")
			return
		}
		if state != domain.StateReady {
			c.unexpectedEvent("offer", state)
			return
		}
		engine.SetRemoteDescription(sdp)
		if !c.setState(domain.StateInCallOffer) {
			return
		}
		c.callbacks.OnIncomingCall()
	default:
		c.unexpectedEvent(sdp.Type, state)
	}
}

func (c *Controller) OnRemoteIceCandidate(cand domain.IceCandidate) {
	c.mu.Lock()
	engine := c.engine
	active := c.active
	c.mu.Unlock()
	if active && engine != nil {
		engine.AddRemoteIceCandidate(cand)
	}
}

func (c *Controller) OnRemoteIceCandidatesRemoved(cands []domain.IceCandidate) {
	c.mu.Lock()
	engine := c.engine
	active := c.active
	c.mu.Unlock()
	if active && engine != nil {
		engine.RemoveRemoteIceCandidates(cands)
	}
}

func (c *Controller) OnChannelClosed() {
	prior, done := c.disconnect(domain.DisconnectHangup)
	if !done {
		// Teardown already in flight; this is the channel reporting it.
		return
	}
	log.WithField("prior", prior).Info("channel closed by peer")
	switch prior {
	case domain.StateCalling:
		c.callbacks.OnCallOfferFailed()
	case domain.StateInCallOffer:
		c.callbacks.OnIncomingCallCancelled()
	default:
		c.callbacks.OnHangup()
	}
}

func (c *Controller) OnChannelError(description string, code domain.ErrorCode) {
	c.mu.Lock()
	active := c.active
	state := c.state
	c.mu.Unlock()
	if !active {
		log.WithField("description", description).Debug("signaling error after disconnect, ignoring")
		return
	}

	if state == domain.StateCalling && strings.Contains(description, "RESPONSE_CALLEE_BUSY") {
		log.Info("callee busy")
		if _, done := c.disconnect(domain.DisconnectChannelError); done {
			c.callbacks.OnCallOfferFailed()
		}
		return
	}
	log.WithFields(logrus.Fields{"code": code, "description": description}).Error("signaling failure")
	c.fail(domain.DisconnectChannelError, code)
}

// Media-engine events. These may arrive on arbitrary engine goroutines and
// are marshaled onto the signaling executor.

func (c *Controller) OnLocalDescription(sdp domain.SessionDescription) {
	c.post(func() {
		c.mu.Lock()
		client := c.client
		initiator := c.initiator
		peer := c.peerName
		c.mu.Unlock()
		if client == nil {
			return
		}
		if initiator {
			client.SendOfferSDP(sdp, peer)
		} else {
			client.SendAnswerSDP(sdp)
		}
	})
}

func (c *Controller) OnIceCandidate(cand domain.IceCandidate) {
	c.post(func() {
		c.mu.Lock()
		client := c.client
		c.mu.Unlock()
		if client != nil {
			client.SendLocalIceCandidate(cand)
		}
	})
}

func (c *Controller) OnIceCandidatesRemoved(cands []domain.IceCandidate) {
	c.post(func() {
		c.mu.Lock()
		client := c.client
		c.mu.Unlock()
		if client != nil {
			client.SendLocalIceCandidateRemovals(cands)
		}
	})
}

func (c *Controller) OnIceConnected() {
	c.post(func() {
		c.mu.Lock()
		if !c.active || (c.state != domain.StateCalling && c.state != domain.StateInCallOffer) {
			state := c.state
			c.mu.Unlock()
			log.WithField("state", state).Warn("ice connected in unexpected state, ignoring")
			return
		}
		c.state = domain.StateInCall
		c.callConnectedAt = time.Now()
		engine := c.engine
		c.mu.Unlock()

		log.Info("call connected")
		c.applyGeometry(true)
		engine.EnableStats(statsInterval)
		c.callbacks.OnCallConnected()
	})
}

func (c *Controller) OnIceFailed() {
	c.post(func() { c.iceLost("ice connection failed") })
}

func (c *Controller) OnIceDisconnected() {
	c.post(func() { c.iceLost("ice connection lost") })
}

func (c *Controller) iceLost(what string) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if !active {
		return
	}
	log.Error(what)
	c.fail(domain.DisconnectIceDisconnect, domain.ErrIceConnectionFailed)
}

func (c *Controller) OnStatsReady(samples []stats.RawSample) {
	c.post(func() {
		c.mu.Lock()
		if !c.active {
			c.mu.Unlock()
			return
		}
		built := stats.Build(samples)
		built.CallConnectedAt = c.callConnectedAt
		c.lastStats = built
		c.mu.Unlock()
		c.callbacks.OnStats(built)
	})
}

func (c *Controller) OnEngineError(description string) {
	c.post(func() {
		c.mu.Lock()
		active := c.active
		c.mu.Unlock()
		if !active {
			return
		}
		log.WithField("description", description).Error("media engine failure")
		c.fail(domain.DisconnectChannelError, domain.ErrGeneral)
	})
}

// fail tears the session down and reports code, once.
func (c *Controller) fail(reason domain.DisconnectReason, code domain.ErrorCode) {
	if _, done := c.disconnect(reason); done {
		c.callbacks.OnError(code)
	}
}

func (c *Controller) unexpectedEvent(what string, state domain.State) {
	log.WithFields(logrus.Fields{"event": what, "state": state}).Error("remote description in wrong state")
	c.fail(domain.DisconnectChannelError, domain.ErrInternalStateMachine)
}

// setState moves a live session to s. It refuses to touch a session whose
// teardown has begun, so a disconnect can never be overwritten by an event
// that was already past its own state check.
func (c *Controller) setState(s domain.State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return false
	}
	c.state = s
	return true
}

// applyGeometry positions the render surfaces: full-screen local preview
// while connecting, picture-in-picture once the call is up.
func (c *Controller) applyGeometry(connected bool) {
	c.mu.Lock()
	local := c.localRender
	remote := c.remoteRender
	c.mu.Unlock()
	if remote != nil {
		remote.SetPosition(previewFullX, previewFullY, previewFullW, previewFullH)
		remote.SetMirror(false)
	}
	if local != nil {
		if connected {
			local.SetPosition(previewPipX, previewPipY, previewPipW, previewPipH)
		} else {
			local.SetPosition(previewFullX, previewFullY, previewFullW, previewFullH)
		}
		local.SetMirror(true)
	}
}
