// Package signal implements the room-server signaling client: the HTTP
// join/message/leave protocol plus the persistent channel, normalized into
// the SignalingEvents surface the session controller consumes.
package signal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"peercall/core/internal/channel"
	"peercall/core/internal/domain"
	"peercall/core/internal/executor"
	"peercall/core/internal/stats"
)

var log = logrus.WithField("component", "signal")

// calleeBusyResponse is the error body the room server reports when the
// offer destination is already in a call.
const calleeBusyResponse = "RESPONSE_CALLEE_BUSY"

type roomState int

const (
	roomNew roomState = iota
	roomConnected
	roomClosed
	roomError
)

// messageChannel abstracts the socket channel so tests can substitute a
// scripted transport.
type messageChannel interface {
	Connect(wssURL, postURL string)
	Register(roomID, clientID string)
	Send(msg string)
	Disconnect(graceful bool)
}

// Client is a single-use signaling session against one room. All protocol
// state is confined to the signaling executor; public methods enqueue and
// return.
type Client struct {
	exec       *executor.Executor
	events     domain.SignalingEvents
	clientName string
	httpc      *http.Client
	newChannel func(exec *executor.Executor, ev channel.Events) messageChannel

	// postMu guards the outbound POST queue; posts run on their own
	// goroutine but strictly one at a time, in submission order.
	postMu    sync.Mutex
	postQueue []postJob
	posting   bool

	state            roomState
	connParams       domain.RoomConnectionParams
	params           *domain.SignalingParameters
	initiator        bool
	ch               messageChannel
	messageURL       string
	leaveURL         string
	disconnectReason domain.DisconnectReason
	lastStats        *stats.CallStats
}

// NewClient creates a signaling client reporting into events on exec.
// clientName is this participant's username, used for directed offers and
// the leave URL.
func NewClient(exec *executor.Executor, events domain.SignalingEvents, clientName string) *Client {
	return &Client{
		exec:       exec,
		events:     events,
		clientName: clientName,
		httpc:      &http.Client{Timeout: httpTimeout},
		newChannel: func(exec *executor.Executor, ev channel.Events) messageChannel {
			return channel.New(exec, ev)
		},
	}
}

// JoinRoom starts the join handshake. The result arrives as OnRoomJoined
// once the channel registration completes, or as OnChannelError.
func (c *Client) JoinRoom(params domain.RoomConnectionParams) {
	c.exec.Execute(func() { c.connectToRoom(params) })
}

func (c *Client) connectToRoom(params domain.RoomConnectionParams) {
	if c.state != roomNew {
		c.reportError("join on used signaling client", domain.ErrInternalStateMachine)
		return
	}
	c.connParams = params
	c.ch = c.newChannel(c.exec, c)

	joinURL := params.RoomServerURL + "/join/" + params.RoomID
	log.WithField("url", joinURL).Info("joining room")
	go func() {
		body, err := doRequest(c.httpc, http.MethodGet, joinURL, "")
		c.exec.Execute(func() {
			if err != nil {
				c.reportError(fmt.Sprintf("room join: %v", err), domain.ErrCantJoinRoom)
				return
			}
			parsed, perr := parseJoinResponse(body)
			if perr != nil {
				c.reportError(fmt.Sprintf("room join: %v", perr), domain.ErrCantJoinRoom)
				return
			}
			c.signalingParametersReady(parsed)
		})
	}()
}

func (c *Client) signalingParametersReady(params *domain.SignalingParameters) {
	if c.state != roomNew {
		// Leave or an error raced the join response.
		log.WithField("state", c.state).Info("dropping join response")
		return
	}
	if c.connParams.Loopback && (!params.Initiator || params.OfferSDP != nil) {
		c.reportError("loopback room is busy", domain.ErrGeneral)
		return
	}
	if !c.connParams.Loopback && !params.Initiator && params.OfferSDP == nil {
		log.Warn("joined as receiver with no stored offer")
	}

	log.WithFields(logrus.Fields{
		"room":      c.connParams.RoomID,
		"client":    params.ClientID,
		"initiator": params.Initiator,
	}).Info("room join handshake complete")

	c.params = params
	c.initiator = params.Initiator
	c.messageURL = c.connParams.RoomServerURL + "/message/" + c.connParams.RoomID + "/" + params.ClientID
	c.leaveURL = c.connParams.RoomServerURL + "/leave/" + c.connParams.RoomID + "/" + params.ClientID
	if c.clientName != "" {
		c.leaveURL += "/" + c.clientName
	}
	c.state = roomConnected
	c.ch.Connect(params.WssURL, params.WssPostURL)
}

// SendOfferSDP relays the local offer to destClientName. In loopback the
// offer is echoed back locally as an answer and nothing touches the network.
func (c *Client) SendOfferSDP(sdp domain.SessionDescription, destClientName string) {
	c.exec.Execute(func() { c.sendOffer(sdp, destClientName) })
}

func (c *Client) sendOffer(sdp domain.SessionDescription, destClientName string) {
	if c.state != roomConnected {
		c.reportError("offer outside of connected room", domain.ErrInternalStateMachine)
		return
	}
	if c.connParams.Loopback {
		// The mirrored peer would answer with the same SDP.
		c.events.OnRemoteDescription(domain.SessionDescription{Type: typeAnswer, SDP: sdp.SDP})
		return
	}
	msg := wireMessage{
		Type:             typeOffer,
		SDP:              sdp.SDP,
		SourceClientName: c.clientName,
		DestClientName:   destClientName,
	}
	c.postMessage(msg.encode())
}

// SendAnswerSDP relays the local answer over the channel to the initiator,
// plus a diagnostic notice to the room server.
func (c *Client) SendAnswerSDP(sdp domain.SessionDescription) {
	c.exec.Execute(func() { c.sendAnswer(sdp) })
}

func (c *Client) sendAnswer(sdp domain.SessionDescription) {
	if c.connParams.Loopback {
		log.Error("answer has no meaning in loopback")
		return
	}
	if c.state != roomConnected {
		c.reportError("answer outside of connected room", domain.ErrInternalStateMachine)
		return
	}
	c.ch.Send(wireMessage{Type: typeAnswer, SDP: sdp.SDP}.encode())
	c.postMessage(wireMessage{Type: typeSystemAnswer, SourceClientName: c.clientName}.encode())
}

// SendLocalIceCandidate relays one local candidate: the initiator posts to
// the room store, the receiver sends over the channel.
func (c *Client) SendLocalIceCandidate(cand domain.IceCandidate) {
	c.exec.Execute(func() {
		if c.state != roomConnected {
			c.reportError("candidate outside of connected room", domain.ErrInternalStateMachine)
			return
		}
		msg := candidateMessage(cand)
		if c.initiator {
			if c.connParams.Loopback {
				c.events.OnRemoteIceCandidate(cand)
				return
			}
			c.postMessage(msg.encode())
			return
		}
		c.ch.Send(msg.encode())
	})
}

// SendLocalIceCandidateRemovals relays retracted local candidates, routed
// like SendLocalIceCandidate.
func (c *Client) SendLocalIceCandidateRemovals(cands []domain.IceCandidate) {
	c.exec.Execute(func() {
		if c.state != roomConnected {
			c.reportError("candidate removals outside of connected room", domain.ErrInternalStateMachine)
			return
		}
		msg := removalsMessage(cands)
		if c.initiator {
			if c.connParams.Loopback {
				c.events.OnRemoteIceCandidatesRemoved(cands)
				return
			}
			c.postMessage(msg.encode())
			return
		}
		c.ch.Send(msg.encode())
	})
}

// SetDisconnectReason stages the reason included in the leave diagnostic.
func (c *Client) SetDisconnectReason(reason domain.DisconnectReason) {
	c.exec.Execute(func() { c.disconnectReason = reason })
}

// SetLastStats stages the final call stats included in the leave diagnostic.
func (c *Client) SetLastStats(s *stats.CallStats) {
	c.exec.Execute(func() { c.lastStats = s })
}

// LeaveRoom reports the leave to the room server, closes the channel and
// finishes the session. Idempotent.
func (c *Client) LeaveRoom() {
	c.exec.Execute(c.disconnectFromRoom)
}

func (c *Client) disconnectFromRoom() {
	if c.state == roomClosed {
		return
	}
	if c.state == roomConnected {
		body := map[string]any{"disconnectReason": string(c.disconnectReason)}
		if c.lastStats != nil {
			body["clientStats"] = c.lastStats.JSONTree()
		}
		data, err := json.Marshal(body)
		if err != nil {
			log.WithError(err).Warn("marshal leave diagnostic")
			data = []byte("{}")
		}
		c.postLeave(c.leaveURL, string(data))
	}
	c.state = roomClosed
	if c.ch != nil {
		c.ch.Disconnect(true)
	}
	log.Info("left room")
}

// postJob is one queued room-server POST. leave jobs are best effort and
// never escalate.
type postJob struct {
	url     string
	payload string
	leave   bool
}

// postMessage queues one relay message for the room server's message store.
// Posts are serialized so messages reach the store in the order they were
// sent; the durable offer must land before the candidates that refer to it.
// Failures surface as ErrCantMessageRoom.
func (c *Client) postMessage(msg string) {
	log.WithField("msg", msg).Debug("posting room message")
	c.enqueuePost(postJob{url: c.messageURL, payload: msg})
}

// postLeave is best effort: the session is ending either way, so failures
// are logged and never escalated.
func (c *Client) postLeave(url, payload string) {
	c.enqueuePost(postJob{url: url, payload: payload, leave: true})
}

func (c *Client) enqueuePost(job postJob) {
	c.postMu.Lock()
	c.postQueue = append(c.postQueue, job)
	start := !c.posting
	if start {
		c.posting = true
	}
	c.postMu.Unlock()
	if start {
		go c.drainPosts()
	}
}

func (c *Client) drainPosts() {
	for {
		c.postMu.Lock()
		if len(c.postQueue) == 0 {
			c.posting = false
			c.postMu.Unlock()
			return
		}
		job := c.postQueue[0]
		c.postQueue = c.postQueue[1:]
		c.postMu.Unlock()

		body, err := doRequest(c.httpc, http.MethodPost, job.url, job.payload)
		if job.leave {
			if err != nil {
				log.WithError(err).Warn("room leave report failed")
			}
			continue
		}
		c.exec.Execute(func() { c.postResult(body, err) })
	}
}

func (c *Client) postResult(body string, err error) {
	if err != nil {
		c.reportError(fmt.Sprintf("room message: %v", err), domain.ErrCantMessageRoom)
		return
	}
	var resp struct {
		Result string `json:"result"`
	}
	if jerr := json.Unmarshal([]byte(body), &resp); jerr != nil || resp.Result != "SUCCESS" {
		if resp.Result == calleeBusyResponse {
			c.reportError(calleeBusyResponse, domain.ErrSignalingServerReported)
			return
		}
		c.reportError("room message rejected: "+body, domain.ErrCantMessageRoom)
	}
}

// Channel event surface. All of these already run on the executor.

func (c *Client) OnChannelOpen() {
	c.ch.Register(c.connParams.RoomID, c.params.ClientID)
}

func (c *Client) OnChannelRegistered() {
	c.events.OnRoomJoined(c.params)
}

func (c *Client) OnChannelMessage(raw string) {
	var frame inboundFrame
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		c.reportError("undecodable channel frame: "+raw, domain.ErrUnknownSignalingServerMessage)
		return
	}
	if frame.Error != "" {
		c.reportError(frame.Error, domain.ErrSignalingServerReported)
		return
	}
	if frame.Msg == "" {
		log.WithField("frame", raw).Debug("empty channel frame, dropping")
		return
	}
	var msg wireMessage
	if err := json.Unmarshal([]byte(frame.Msg), &msg); err != nil {
		c.reportError("undecodable channel message: "+frame.Msg, domain.ErrUnknownSignalingServerMessage)
		return
	}
	c.dispatch(msg)
}

func (c *Client) dispatch(msg wireMessage) {
	switch msg.Type {
	case typeCandidate:
		c.events.OnRemoteIceCandidate(msg.iceCandidate())
	case typeRemoveCandidates:
		cands := make([]domain.IceCandidate, 0, len(msg.Candidates))
		for _, wc := range msg.Candidates {
			cands = append(cands, wc.iceCandidate())
		}
		c.events.OnRemoteIceCandidatesRemoved(cands)
	case typeAnswer:
		if !c.initiator {
			c.reportError("answer delivered to call receiver", domain.ErrInternalStateMachine)
			return
		}
		c.events.OnRemoteDescription(domain.SessionDescription{Type: typeAnswer, SDP: msg.SDP})
	case typeOffer:
		if c.initiator {
			c.reportError("offer delivered to call initiator", domain.ErrInternalStateMachine)
			return
		}
		c.events.OnRemoteDescription(domain.SessionDescription{Type: typeOffer, SDP: msg.SDP})
	case typeBye:
		c.events.OnChannelClosed()
	default:
		c.reportError("unknown signaling message type: "+msg.Type, domain.ErrUnknownSignalingServerMessage)
	}
}

func (c *Client) OnChannelClose() {
	c.events.OnChannelClosed()
}

func (c *Client) OnChannelError(description string, code domain.ErrorCode) {
	c.reportError(description, code)
}

// reportError is a one-shot latch: the first error puts the session into
// roomError and reaches the owner; later ones are logged only.
func (c *Client) reportError(description string, code domain.ErrorCode) {
	if c.state == roomError {
		log.WithFields(logrus.Fields{"code": code, "description": description}).
			Warn("suppressing error after first")
		return
	}
	log.WithFields(logrus.Fields{"code": code, "description": description}).Error("signaling error")
	c.state = roomError
	c.events.OnChannelError(description, code)
}
