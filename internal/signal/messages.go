package signal

import (
	"encoding/json"
	"fmt"

	"peercall/core/internal/domain"
)

// Relay message types exchanged between the two participants, either via the
// room server's message store or directly over the channel.
const (
	typeOffer            = "offer"
	typeAnswer           = "answer"
	typeCandidate        = "candidate"
	typeRemoveCandidates = "remove-candidates"
	typeBye              = "bye"
	// typeSystemAnswer is a diagnostic notice to the room server that this
	// client is answering a call; it is never relayed to the peer.
	typeSystemAnswer = "system:answer"
)

// wireMessage is the inner JSON of every relay message.
type wireMessage struct {
	Type             string          `json:"type"`
	SDP              string          `json:"sdp,omitempty"`
	Label            int             `json:"label,omitempty"`
	ID               string          `json:"id,omitempty"`
	Candidate        string          `json:"candidate,omitempty"`
	Candidates       []wireCandidate `json:"candidates,omitempty"`
	SourceClientName string          `json:"sourceClientName,omitempty"`
	DestClientName   string          `json:"destClientName,omitempty"`
}

type wireCandidate struct {
	Label     int    `json:"label"`
	ID        string `json:"id"`
	Candidate string `json:"candidate"`
}

func (w wireMessage) encode() string {
	data, err := json.Marshal(w)
	if err != nil {
		// All wireMessage fields are plain strings and ints.
		panic(fmt.Sprintf("marshal wire message: %v", err))
	}
	return string(data)
}

func candidateMessage(c domain.IceCandidate) wireMessage {
	return wireMessage{Type: typeCandidate, Label: c.MLineIndex, ID: c.Mid, Candidate: c.SDP}
}

func removalsMessage(cs []domain.IceCandidate) wireMessage {
	msg := wireMessage{Type: typeRemoveCandidates}
	for _, c := range cs {
		msg.Candidates = append(msg.Candidates, wireCandidate{Label: c.MLineIndex, ID: c.Mid, Candidate: c.SDP})
	}
	return msg
}

func (w wireMessage) iceCandidate() domain.IceCandidate {
	return domain.IceCandidate{Mid: w.ID, MLineIndex: w.Label, SDP: w.Candidate}
}

func (w wireCandidate) iceCandidate() domain.IceCandidate {
	return domain.IceCandidate{Mid: w.ID, MLineIndex: w.Label, SDP: w.Candidate}
}

// inboundFrame is the outer envelope of frames arriving on the channel.
type inboundFrame struct {
	Msg   string `json:"msg"`
	Error string `json:"error"`
}
