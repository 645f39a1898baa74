package webrtcpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/mesh"
)

// validateChatDataChannel checks a remotely opened channel. Chat text must
// arrive complete and in order, so only fully reliable ordered channels are
// accepted.
func validateChatDataChannel(dc *webrtc.DataChannel) error {
	if dc.Label() != mesh.ChatLabel {
		return fmt.Errorf("expected label=%q (got %q)", mesh.ChatLabel, dc.Label())
	}
	if !dc.Ordered() {
		return fmt.Errorf("chat datachannel must be ordered (ordered=false)")
	}
	if dc.MaxPacketLifeTime() != nil {
		return fmt.Errorf("chat datachannel must be fully reliable (maxPacketLifeTime must be unset)")
	}
	if dc.MaxRetransmits() != nil {
		return fmt.Errorf("chat datachannel must be fully reliable (maxRetransmits must be unset)")
	}
	return nil
}

// dataChannel is the mesh view of a pion data channel. One wrapper exists
// per pion channel so events and the link compare equal.
type dataChannel struct {
	dc *webrtc.DataChannel
}

func (d *dataChannel) Label() string { return d.dc.Label() }

func (d *dataChannel) SendText(text string) error { return d.dc.SendText(text) }

func (d *dataChannel) IsOpen() bool { return d.dc.ReadyState() == webrtc.DataChannelStateOpen }

func (d *dataChannel) Close() error { return d.dc.Close() }
