package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/chat"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/mesh"
)

const maxControlBodyBytes = 64 * 1024

// RoomController is the room session the control API drives.
type RoomController interface {
	Room() string
	Self() string
	State() mesh.State
	Peers() []mesh.PeerInfo
	SendChat(text string) (chat.Message, error)
	ChatHistory() []chat.Message
	SubscribeChat() (<-chan chat.Message, func())
	MediaState() media.State
	// ReceivedPackets maps peer id to RTP packets read from that peer.
	ReceivedPackets() map[string]int64
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	LeaveRoom() error
}

type coordinatorController struct {
	*mesh.Coordinator
	drain *media.DrainSlot
}

// Controller adapts a Coordinator to RoomController. drain may be nil when
// remote video is not being consumed.
func Controller(c *mesh.Coordinator, drain *media.DrainSlot) RoomController {
	return coordinatorController{Coordinator: c, drain: drain}
}

func (c coordinatorController) ReceivedPackets() map[string]int64 {
	if c.drain == nil {
		return nil
	}
	out := make(map[string]int64)
	for _, p := range c.Peers() {
		out[p.ID] = c.drain.Packets(p.ID)
	}
	return out
}

func (c coordinatorController) ChatHistory() []chat.Message { return c.Chat().History() }

func (c coordinatorController) SubscribeChat() (<-chan chat.Message, func()) {
	return c.Chat().Subscribe()
}

func (c coordinatorController) MediaState() media.State { return c.Media().State() }

func (c coordinatorController) ToggleAudio() (bool, error) { return c.Media().ToggleAudio() }

func (c coordinatorController) ToggleVideo() (bool, error) { return c.Media().ToggleVideo() }

type roomResponse struct {
	Room  string          `json:"room"`
	Self  string          `json:"self"`
	State mesh.State      `json:"state"`
	Peers []mesh.PeerInfo `json:"peers"`
	Media media.State     `json:"media"`

	ReceivedPackets map[string]int64 `json:"receivedPackets,omitempty"`
}

type chatRequest struct {
	Text string `json:"text"`
}

type toggleResponse struct {
	Enabled bool `json:"enabled"`
}

// RegisterControl mounts the local room control API under /v1.
func (s *Server) RegisterControl(rc RoomController) {
	s.mux.HandleFunc("GET /v1/room", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, roomResponse{
			Room:  rc.Room(),
			Self:  rc.Self(),
			State: rc.State(),
			Peers: rc.Peers(),
			Media: rc.MediaState(),

			ReceivedPackets: rc.ReceivedPackets(),
		})
	}))

	s.mux.HandleFunc("GET /v1/chat", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"messages": rc.ChatHistory()})
	}))

	s.mux.HandleFunc("POST /v1/chat", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "bad_request", "invalid json body")
			return
		}
		msg, err := rc.SendChat(req.Text)
		if err != nil {
			writeControlError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, msg)
	}))

	s.mux.HandleFunc("GET /v1/chat/events", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		s.streamChat(w, r, rc)
	}))

	s.mux.HandleFunc("POST /v1/media/audio/toggle", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		writeToggle(w, rc.ToggleAudio)
	}))

	s.mux.HandleFunc("POST /v1/media/video/toggle", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		writeToggle(w, rc.ToggleVideo)
	}))

	s.mux.HandleFunc("POST /v1/leave", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		if err := rc.LeaveRoom(); err != nil {
			writeControlError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"state": rc.State()})
	}))
}

func writeToggle(w http.ResponseWriter, toggle func() (bool, error)) {
	enabled, err := toggle()
	if err != nil {
		writeControlError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, toggleResponse{Enabled: enabled})
}

// streamChat writes chat messages as server-sent events until the client
// goes away or the subscription ends.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, rc RoomController) {
	rw := http.NewResponseController(w)
	msgs, cancel := rc.SubscribeChat()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := rw.Flush(); err != nil {
		s.log.Debug("chat stream flush unsupported", "err", err)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			b, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: chat\ndata: %s\n\n", b); err != nil {
				return
			}
			if err := rw.Flush(); err != nil {
				return
			}
		}
	}
}

func writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMessageTooLarge):
		WriteError(w, http.StatusBadRequest, "invalid_message", err.Error())
	case errors.Is(err, mesh.ErrNotJoined), errors.Is(err, mesh.ErrLeft):
		WriteError(w, http.StatusConflict, "not_joined", err.Error())
	case errors.Is(err, media.ErrMediaUnavailable), errors.Is(err, media.ErrReleased):
		WriteError(w, http.StatusConflict, "media_unavailable", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
