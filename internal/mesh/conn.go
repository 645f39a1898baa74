package mesh

import (
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
)

// ChatLabel is the label of the ordered, reliable chat data channel.
const ChatLabel = "chat"

// NegotiableConnection is one peer connection as seen by the negotiation
// engine. All asynchronous notifications arrive through the single OnEvent
// sink, which must be registered before any other method is called.
type NegotiableConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) error
	CreateDataChannel(label string) (DataChannel, error)
	OnEvent(func(Event))
	Close() error
}

type DataChannel interface {
	Label() string
	SendText(text string) error
	IsOpen() bool
	Close() error
}

type ConnectionFactory interface {
	NewConnection(peerID string) (NegotiableConnection, error)
}

type ConnectionFactoryFunc func(peerID string) (NegotiableConnection, error)

func (f ConnectionFactoryFunc) NewConnection(peerID string) (NegotiableConnection, error) {
	return f(peerID)
}

// Event is a notification from a NegotiableConnection.
type Event interface {
	isEvent()
}

// CandidateEvent carries a locally gathered ICE candidate.
type CandidateEvent struct {
	Candidate webrtc.ICECandidateInit
}

type TrackEvent struct {
	Track media.RemoteTrack
}

// DataChannelEvent announces a data channel opened by the remote side.
type DataChannelEvent struct {
	Channel DataChannel
}

type ChannelOpenEvent struct {
	Channel DataChannel
}

type ChannelMessageEvent struct {
	Channel  DataChannel
	Data     []byte
	IsString bool
}

type ChannelCloseEvent struct {
	Channel DataChannel
}

type StateEvent struct {
	State webrtc.PeerConnectionState
}

func (CandidateEvent) isEvent()      {}
func (TrackEvent) isEvent()          {}
func (DataChannelEvent) isEvent()    {}
func (ChannelOpenEvent) isEvent()    {}
func (ChannelMessageEvent) isEvent() {}
func (ChannelCloseEvent) isEvent()   {}
func (StateEvent) isEvent()          {}
