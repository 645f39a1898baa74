package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	TypeJoin      MessageType = "join"
	TypeWelcome   MessageType = "welcome"
	TypeNewPeer   MessageType = "new-peer"
	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeCandidate MessageType = "candidate"
	TypeLeave     MessageType = "leave"
)

// RelayID is the sender id the relay uses for envelopes it originates.
const RelayID = "server"

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) *SDP {
	return &SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate mirrors the browser RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) *Candidate {
	return &Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Envelope is one signaling frame. Every frame carries the room and the
// sender; offer, answer and candidate frames are addressed to one peer.
type Envelope struct {
	Type      MessageType `json:"type"`
	Room      string      `json:"room"`
	From      string      `json:"from"`
	To        string      `json:"to,omitempty"`
	Clients   []string    `json:"clients,omitempty"`
	SDP       *SDP        `json:"sdp,omitempty"`
	Candidate *Candidate  `json:"candidate,omitempty"`
}

func (e Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// MarshalJSON writes clients on every welcome, as an empty list when the
// room had no other members.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	if e.Type != TypeWelcome {
		return json.Marshal(plain(e))
	}
	clients := e.Clients
	if clients == nil {
		clients = []string{}
	}
	return json.Marshal(struct {
		plain
		Clients []string `json:"clients"`
	}{plain: plain(e), Clients: clients})
}

// ParseEnvelope decodes exactly one envelope. Unknown fields and trailing
// data are rejected.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

func (e Envelope) Validate() error {
	if e.Room == "" {
		return fmt.Errorf("%s message missing room", e.Type)
	}
	if e.From == "" {
		return fmt.Errorf("%s message missing from", e.Type)
	}

	switch e.Type {
	case TypeJoin, TypeNewPeer, TypeLeave:
		if e.To != "" || e.Clients != nil || e.SDP != nil || e.Candidate != nil {
			return fmt.Errorf("%s message has unexpected fields", e.Type)
		}
	case TypeWelcome:
		if e.To != "" || e.SDP != nil || e.Candidate != nil {
			return fmt.Errorf("welcome message has unexpected fields")
		}
		if e.Clients == nil {
			return fmt.Errorf("welcome message missing clients")
		}
		for _, id := range e.Clients {
			if id == "" {
				return fmt.Errorf("welcome message has empty client id")
			}
		}
	case TypeOffer, TypeAnswer:
		if e.To == "" {
			return fmt.Errorf("%s message missing to", e.Type)
		}
		if e.SDP == nil {
			return fmt.Errorf("%s message missing sdp", e.Type)
		}
		if e.SDP.Type != string(e.Type) {
			return fmt.Errorf("%s message has sdp.type=%q", e.Type, e.SDP.Type)
		}
		if e.Clients != nil || e.Candidate != nil {
			return fmt.Errorf("%s message has unexpected fields", e.Type)
		}
	case TypeCandidate:
		if e.To == "" {
			return fmt.Errorf("candidate message missing to")
		}
		if e.Candidate == nil {
			return fmt.Errorf("candidate message missing candidate")
		}
		if e.Clients != nil || e.SDP != nil {
			return fmt.Errorf("candidate message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", e.Type)
	}
	return nil
}
