package domain

// State is the lifecycle state of a call session. A session starts and ends
// in StateDisconnected; CALLING is reachable only for the initiator and
// IN_CALL_OFFER only for the receiver.
type State int

const (
	StateDisconnected State = iota
	StateReady
	StateCalling
	StateInCallOffer
	StateInCall
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateReady:
		return "READY"
	case StateCalling:
		return "CALLING"
	case StateInCallOffer:
		return "IN_CALL_OFFER"
	case StateInCall:
		return "IN_CALL"
	}
	return "UNKNOWN"
}

// DisconnectReason is attached to the session when it is torn down and sent
// to the room server as a diagnostic field in the leave message.
type DisconnectReason string

const (
	DisconnectHangup         DisconnectReason = "HANGUP"
	DisconnectClientShutdown DisconnectReason = "CLIENT_SHUTDOWN"
	DisconnectIceDisconnect  DisconnectReason = "ICE_DISCONNECT"
	DisconnectChannelError   DisconnectReason = "CHANNEL_ERROR"
	DisconnectCallReject     DisconnectReason = "CALL_REJECT"
)

// ErrorCode is the closed error taxonomy delivered to the application layer.
// Error descriptions are implementation details and stay in the logs; only
// the code crosses the API boundary.
type ErrorCode int

const (
	ErrCantJoinRoom                    ErrorCode = 101
	ErrCantConnectToSignalingServer    ErrorCode = 102
	ErrCantMessageRoom                 ErrorCode = 103
	ErrIceConnectionFailed             ErrorCode = 104
	ErrInternalStateMachine            ErrorCode = 105
	ErrSignalingServerConnection       ErrorCode = 201
	ErrSignalingServerConnectionClosed ErrorCode = 202
	ErrSignalingServerReported         ErrorCode = 301
	ErrUnknownSignalingServerMessage   ErrorCode = 302
	ErrGeneral                         ErrorCode = 500
)

func (e ErrorCode) String() string {
	switch e {
	case ErrCantJoinRoom:
		return "CANT_JOIN_ROOM"
	case ErrCantConnectToSignalingServer:
		return "CANT_CONNECT_TO_SIGNALING_SERVER"
	case ErrCantMessageRoom:
		return "CANT_MESSAGE_ROOM"
	case ErrIceConnectionFailed:
		return "ICE_CONNECTION_FAILED"
	case ErrInternalStateMachine:
		return "INTERNAL_STATE_MACHINE_ERROR"
	case ErrSignalingServerConnection:
		return "SIGNALING_SERVER_CONNECTION_ERROR"
	case ErrSignalingServerConnectionClosed:
		return "SIGNALING_SERVER_CONNECTION_CLOSED"
	case ErrSignalingServerReported:
		return "SIGNALING_SERVER_REPORTED_ERROR"
	case ErrUnknownSignalingServerMessage:
		return "UNKNOWN_SIGNALING_SERVER_MESSAGE"
	case ErrGeneral:
		return "GENERAL_ERROR"
	}
	return "UNKNOWN"
}

// RoomConnectionParams identify the room to join. Immutable, supplied at
// connect time.
type RoomConnectionParams struct {
	RoomServerURL string
	RoomID        string
	// Loopback routes a posted offer back to this client as the answer.
	// Test harnesses only; production paths must never set it implicitly.
	Loopback bool
}

// SignalingParameters is the result of the room-join handshake. The first
// client in a room is the initiator. Immutable once received.
type SignalingParameters struct {
	ClientID   string
	Initiator  bool
	WssURL     string
	WssPostURL string
	IceServers []IceServer
	// OfferSDP is non-nil when the initiator already posted an offer before
	// this client joined.
	OfferSDP      *SessionDescription
	IceCandidates []IceCandidate
}

// IceServer is a STUN/TURN server entry from the join response.
type IceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// SessionDescription is an SDP payload. The body is opaque to this package.
type SessionDescription struct {
	Type string
	SDP  string
}

// IceCandidate is a connectivity option for the peer transport path, opaque
// beyond relay and serialization.
type IceCandidate struct {
	Mid        string
	MLineIndex int
	SDP        string
}
