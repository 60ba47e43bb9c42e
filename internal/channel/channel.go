// Package channel implements the persistent low-latency signaling transport:
// a WebSocket connection with an explicit connect -> register -> ready
// lifecycle in front of the room server's socket endpoint.
package channel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"peercall/core/internal/domain"
	"peercall/core/internal/executor"
)

var log = logrus.WithField("component", "channel")

const requestTimeout = 8 * time.Second

// State is the lifecycle of the channel, independent of the call state.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateRegistered
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateRegistered:
		return "REGISTERED"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Events is the owner-facing surface. All events are delivered on the
// signaling executor, in arrival order.
type Events interface {
	OnChannelOpen()
	OnChannelRegistered()
	OnChannelMessage(msg string)
	OnChannelClose()
	OnChannelError(description string, code domain.ErrorCode)
}

// command is the outbound frame format of the socket endpoint.
type command struct {
	Cmd      string `json:"cmd"`
	RoomID   string `json:"roomid,omitempty"`
	ClientID string `json:"clientid,omitempty"`
	Msg      string `json:"msg,omitempty"`
}

// envelope is the inbound frame format. Exactly one of Msg/Error is set.
type envelope struct {
	Msg   string `json:"msg"`
	Error string `json:"error"`
}

// registeredAck is the msg body the server sends to acknowledge a register
// command.
const registeredAck = "registered"

// Channel is a single-use WebSocket transport. All methods must be invoked
// on the signaling executor; the read loop marshals inbound traffic back
// onto it, so state needs no locking beyond the write mutex.
type Channel struct {
	exec   *executor.Executor
	events Events
	dialer *websocket.Dialer
	httpc  *http.Client

	state    State
	conn     *websocket.Conn
	writeMu  sync.Mutex
	postURL  string
	roomID   string
	clientID string
	// closeNotified guarantees the owner sees exactly one close event no
	// matter which side initiated closure.
	closeNotified bool
}

// New creates a channel in StateNew reporting into events via exec.
func New(exec *executor.Executor, events Events) *Channel {
	return &Channel{
		exec:   exec,
		events: events,
		dialer: &websocket.Dialer{HandshakeTimeout: requestTimeout},
		httpc:  &http.Client{Timeout: requestTimeout},
	}
}

// ChannelState returns the current lifecycle state. Executor-confined.
func (c *Channel) ChannelState() State {
	return c.state
}

// Connect dials the socket endpoint. postURL is the registration URL used
// for the best-effort deregistration on graceful disconnect.
func (c *Channel) Connect(wssURL, postURL string) {
	if c.state != StateNew {
		log.WithField("state", c.state).Error("connect on used channel")
		c.events.OnChannelError("channel connect attempted twice", domain.ErrInternalStateMachine)
		return
	}
	c.state = StateConnecting
	c.postURL = postURL
	log.WithField("url", wssURL).Info("connecting channel")

	// The handshake can take the full timeout; it must not stall the
	// executor, so dial off it and marshal the result back.
	go func() {
		conn, _, err := c.dialer.Dial(wssURL, nil)
		c.exec.Execute(func() { c.dialComplete(conn, err, wssURL) })
	}()
}

// dialComplete runs on the executor.
func (c *Channel) dialComplete(conn *websocket.Conn, err error, wssURL string) {
	if c.state != StateConnecting {
		// A disconnect raced the dial; the channel is already done.
		log.WithField("state", c.state).Info("dropping late dial result")
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.state = StateError
		c.events.OnChannelError(fmt.Sprintf("websocket dial to %s: %v", wssURL, err),
			domain.ErrCantConnectToSignalingServer)
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.events.OnChannelOpen()
	go c.readLoop(conn)
}

// Register announces this client on the socket. Must be called exactly once
// after the channel reports open; messages flow only after the server acks.
func (c *Channel) Register(roomID, clientID string) {
	if c.state != StateConnected {
		log.WithField("state", c.state).Error("register in wrong channel state")
		c.events.OnChannelError("channel register in state "+c.state.String(),
			domain.ErrInternalStateMachine)
		return
	}
	c.roomID = roomID
	c.clientID = clientID
	log.WithFields(logrus.Fields{"room": roomID, "client": clientID}).Info("registering on channel")
	c.write(command{Cmd: "register", RoomID: roomID, ClientID: clientID})
}

// Send relays one application message. Calling this before registration
// completes is a programming error, not a queueing request.
func (c *Channel) Send(msg string) {
	if c.state != StateRegistered {
		log.WithField("state", c.state).Error("send in non-registered channel state")
		c.events.OnChannelError("channel send in state "+c.state.String(),
			domain.ErrInternalStateMachine)
		return
	}
	log.WithField("msg", msg).Debug("channel send")
	c.write(command{Cmd: "send", Msg: msg})
}

// Disconnect converges the channel to CLOSED. When graceful and registered,
// the registration is first deleted from the room server so the peer gets a
// bye instead of a timeout.
func (c *Channel) Disconnect(graceful bool) {
	log.WithFields(logrus.Fields{"state": c.state, "graceful": graceful}).Info("disconnecting channel")
	if c.state == StateRegistered && graceful {
		c.deregister()
	}
	if c.conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.conn.Close()
	}
	c.notifyClose()
}

// deregister issues the best-effort DELETE against the registration URL.
// Failures are logged only; the channel is going away regardless.
func (c *Channel) deregister() {
	url := c.postURL + "/" + c.roomID + "/" + c.clientID
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		log.WithError(err).Warn("building deregister request")
		return
	}
	go func() {
		resp, err := c.httpc.Do(req)
		if err != nil {
			log.WithError(err).Warn("channel deregister failed")
			return
		}
		resp.Body.Close()
	}()
}

func (c *Channel) write(cmd command) {
	data, err := json.Marshal(cmd)
	if err != nil {
		log.WithError(err).Error("marshal channel command")
		return
	}
	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.state = StateError
		c.events.OnChannelError(fmt.Sprintf("websocket write: %v", err),
			domain.ErrSignalingServerConnection)
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			err := err
			c.exec.Execute(func() { c.handleReadError(err) })
			return
		}
		raw := string(data)
		c.exec.Execute(func() { c.handleFrame(raw) })
	}
}

// handleFrame runs on the executor.
func (c *Channel) handleFrame(raw string) {
	log.WithField("frame", raw).Debug("channel recv")
	switch c.state {
	case StateConnected:
		// Registration pending: the only meaningful frame is the ack.
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			log.WithError(err).Warn("undecodable frame before registration")
			return
		}
		if env.Error != "" {
			c.state = StateError
			c.events.OnChannelError("channel registration refused: "+env.Error,
				domain.ErrSignalingServerReported)
			return
		}
		if env.Msg == registeredAck {
			c.state = StateRegistered
			log.Info("channel registered")
			c.events.OnChannelRegistered()
			return
		}
		log.WithField("frame", raw).Warn("frame before registration ack, dropping")
	case StateRegistered:
		c.events.OnChannelMessage(raw)
	default:
		log.WithField("state", c.state).Debug("frame on inactive channel, dropping")
	}
}

// handleReadError runs on the executor.
func (c *Channel) handleReadError(err error) {
	if c.closeNotified || c.state == StateClosed {
		// Local disconnect already tore the socket down.
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Info("channel closed by remote")
		c.notifyClose()
		return
	}
	c.state = StateError
	c.events.OnChannelError(fmt.Sprintf("websocket read: %v", err),
		domain.ErrSignalingServerConnection)
}

func (c *Channel) notifyClose() {
	if c.closeNotified {
		return
	}
	c.closeNotified = true
	c.state = StateClosed
	c.events.OnChannelClose()
}
