package domain

import (
	"time"

	"peercall/core/internal/stats"
)

// MediaEngine is the capability surface the session controller drives. The
// real implementation wraps a WebRTC stack; tests substitute a fake. All
// calls are made from the signaling executor and must not block on network
// completion -- results surface through MediaEngineEvents.
type MediaEngine interface {
	// CreatePeerConnection builds the underlying peer connection using the
	// ICE servers from the room-join handshake.
	CreatePeerConnection(params *SignalingParameters) error
	CreateOffer()
	CreateAnswer()
	SetRemoteDescription(sdp SessionDescription)
	AddRemoteIceCandidate(c IceCandidate)
	RemoveRemoteIceCandidates(cs []IceCandidate)
	SetAudioEnabled(enabled bool)
	StartVideoSource()
	StopVideoSource()
	SwitchCamera()
	// EnableStats starts periodic stat sampling delivered via OnStatsReady.
	EnableStats(interval time.Duration)
	Close()
}

// MediaEngineEvents is the callback surface a MediaEngine reports into.
// Implementations may be invoked from arbitrary engine threads; the session
// controller marshals them onto the signaling executor.
type MediaEngineEvents interface {
	OnLocalDescription(sdp SessionDescription)
	OnIceCandidate(c IceCandidate)
	OnIceCandidatesRemoved(cs []IceCandidate)
	OnIceConnected()
	OnIceFailed()
	OnIceDisconnected()
	OnStatsReady(samples []stats.RawSample)
	OnEngineError(description string)
}

// EngineFactory allocates a media engine for one session. The engine reports
// into the supplied events sink for its whole lifetime.
type EngineFactory func(events MediaEngineEvents) (MediaEngine, error)

// SignalingClient is the room join/leave handshake and SDP/ICE relay
// contract. All methods return immediately; protocol work happens on the
// signaling executor and surfaces via SignalingEvents.
type SignalingClient interface {
	JoinRoom(params RoomConnectionParams)
	SendOfferSDP(sdp SessionDescription, destClientName string)
	SendAnswerSDP(sdp SessionDescription)
	SendLocalIceCandidate(c IceCandidate)
	SendLocalIceCandidateRemovals(cs []IceCandidate)
	// SetDisconnectReason and SetLastStats stage the diagnostic payload for
	// the leave message sent by LeaveRoom.
	SetDisconnectReason(reason DisconnectReason)
	SetLastStats(s *stats.CallStats)
	LeaveRoom()
}

// SignalingEvents is the normalized signaling-event surface consumed by the
// session controller. Events arrive strictly in order on the signaling
// executor.
type SignalingEvents interface {
	OnRoomJoined(params *SignalingParameters)
	OnRemoteDescription(sdp SessionDescription)
	OnRemoteIceCandidate(c IceCandidate)
	OnRemoteIceCandidatesRemoved(cs []IceCandidate)
	OnChannelClosed()
	OnChannelError(description string, code ErrorCode)
}

// Callbacks is the high-level session surface the embedding application
// implements.
type Callbacks interface {
	// OnRoomJoined reports room entry; returning false stops further call
	// setup (pending offer and candidates are not applied).
	OnRoomJoined(roomID string, initiator bool) bool
	OnIncomingCall()
	OnIncomingCallCancelled()
	OnCallConnected()
	OnCallOfferFailed()
	OnHangup()
	OnStats(s *stats.CallStats)
	OnError(code ErrorCode)
}

// VideoRenderer is a render surface owned by the embedding application and
// released by the session teardown sequence. Positions are percentages of
// the enclosing view.
type VideoRenderer interface {
	SetPosition(x, y, width, height int)
	SetMirror(mirror bool)
	Release()
}

// AudioSession is the audio-route subsystem handle: initialized at connect,
// closed as the last teardown step.
type AudioSession interface {
	Init() error
	Close()
}
