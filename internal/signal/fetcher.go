package signal

import (
	"encoding/json"
	"fmt"

	"peercall/core/internal/domain"
)

// joinResponse is the room server's answer to the join request.
type joinResponse struct {
	Result string     `json:"result"`
	Params joinParams `json:"params"`
}

type joinParams struct {
	RoomID      string             `json:"room_id"`
	ClientID    string             `json:"client_id"`
	IsInitiator string             `json:"is_initiator"`
	WssURL      string             `json:"wss_url"`
	WssPostURL  string             `json:"wss_post_url"`
	IceServers  []domain.IceServer `json:"ice_servers"`
	// Messages carries relay messages the initiator posted before this
	// client joined, each one a stringified wireMessage.
	Messages []string `json:"messages"`
}

// parseJoinResponse turns the join response body into SignalingParameters,
// folding any stored offer and candidates into the result.
func parseJoinResponse(body string) (*domain.SignalingParameters, error) {
	var resp joinResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("decode join response: %w", err)
	}
	if resp.Result != "SUCCESS" {
		return nil, fmt.Errorf("room join rejected: %s", resp.Result)
	}

	p := resp.Params
	params := &domain.SignalingParameters{
		ClientID:   p.ClientID,
		Initiator:  p.IsInitiator == "true",
		WssURL:     p.WssURL,
		WssPostURL: p.WssPostURL,
		IceServers: p.IceServers,
	}

	for _, raw := range p.Messages {
		var msg wireMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			log.WithError(err).WithField("message", raw).Warn("undecodable stored room message, skipping")
			continue
		}
		switch msg.Type {
		case typeOffer:
			sdp := domain.SessionDescription{Type: typeOffer, SDP: msg.SDP}
			params.OfferSDP = &sdp
		case typeCandidate:
			params.IceCandidates = append(params.IceCandidates, msg.iceCandidate())
		default:
			log.WithField("type", msg.Type).Warn("unexpected stored room message, skipping")
		}
	}
	return params, nil
}
