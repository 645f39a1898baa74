package mesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func sentTo(envs []signaling.Envelope, peerID string) []signaling.Envelope {
	var out []signaling.Envelope
	for _, env := range envs {
		if env.To == peerID {
			out = append(out, env)
		}
	}
	return out
}

func TestJoin_SendsJoinAndReportsMissingMedia(t *testing.T) {
	h := newHarness(t, media.NoneCapturer{})
	h.join(t)

	require.ErrorIs(t, h.coord.MediaErr(), media.ErrMediaUnavailable)
	require.Equal(t, StateJoining, h.coord.State())

	joins := h.channel.sentOf(signaling.TypeJoin)
	require.Len(t, joins, 1)
	require.Equal(t, "room-1", joins[0].Room)
	require.Equal(t, "self", joins[0].From)

	err := h.coord.Join(context.Background())
	require.ErrorIs(t, err, ErrAlreadyJoined)
}

func TestJoin_AnnouncesBeforeMediaIsReady(t *testing.T) {
	capturer := heldCapturer{release: make(chan struct{})}
	h := newHarness(t, capturer)
	require.NoError(t, h.coord.Join(context.Background()))

	require.Len(t, h.channel.sentOf(signaling.TypeJoin), 1)
	require.Equal(t, StateJoining, h.coord.State())
	select {
	case <-h.coord.MediaReady():
		t.Fatalf("media should still be pending")
	default:
	}

	// Links made while media is pending negotiate without local tracks.
	h.channel.deliver(signaling.Envelope{Type: signaling.TypeWelcome, Room: "room-1", From: signaling.RelayID, Clients: []string{"a"}})
	require.Eventually(t, func() bool {
		return len(sentTo(h.channel.sentOf(signaling.TypeOffer), "a")) == 1
	}, waitFor, tick)
	early := h.factory.conn("a")
	early.mu.Lock()
	require.Empty(t, early.tracks)
	early.mu.Unlock()

	close(capturer.release)
	select {
	case <-h.coord.MediaReady():
	case <-time.After(waitFor):
		t.Fatalf("timeout waiting for local media")
	}
	require.NoError(t, h.coord.MediaErr())
	require.Len(t, h.coord.Media().Tracks(), 2)

	h.from("b", signaling.Envelope{Type: signaling.TypeNewPeer})
	late := h.factory.conn("b")
	late.mu.Lock()
	require.Len(t, late.tracks, 2)
	late.mu.Unlock()
}

func TestLeaveRoomCancelsPendingMedia(t *testing.T) {
	h := newHarness(t, heldCapturer{release: make(chan struct{})})
	require.NoError(t, h.coord.Join(context.Background()))
	require.NoError(t, h.coord.LeaveRoom())

	select {
	case <-h.coord.MediaReady():
	case <-time.After(waitFor):
		t.Fatalf("pending capture was not cancelled")
	}
	require.Error(t, h.coord.MediaErr())
	require.Empty(t, h.coord.Media().Tracks())
	require.Equal(t, StateClosed, h.coord.State())
}

func TestJoin_DialFailureClosesSession(t *testing.T) {
	coord, err := New(Config{
		Room:        "room-1",
		Dial:        func(context.Context) (signaling.Channel, error) { return nil, errors.New("connection refused") },
		Connections: &fakeFactory{},
	})
	require.NoError(t, err)

	err = coord.Join(context.Background())
	require.ErrorIs(t, err, signaling.ErrTransport)
	require.Equal(t, StateClosed, coord.State())
	require.ErrorIs(t, coord.Err(), signaling.ErrTransport)

	select {
	case <-coord.Done():
	default:
		t.Fatalf("session should be done")
	}
}

func TestNew_RejectsIncompleteConfig(t *testing.T) {
	dial := func(context.Context) (signaling.Channel, error) { return newFakeChannel(), nil }

	_, err := New(Config{Dial: dial, Connections: &fakeFactory{}})
	require.Error(t, err)
	_, err = New(Config{Room: "r", Connections: &fakeFactory{}})
	require.Error(t, err)
	_, err = New(Config{Room: "r", Dial: dial})
	require.Error(t, err)
}

func TestWelcome_OffersToEveryExistingPeer(t *testing.T) {
	h := newHarness(t, media.SyntheticCapturer{})
	h.join(t)
	require.NoError(t, h.coord.MediaErr())

	h.channel.deliver(signaling.Envelope{
		Type:    signaling.TypeWelcome,
		Room:    "room-1",
		From:    signaling.RelayID,
		Clients: []string{"self", "a", "b", "a"},
	})
	require.Equal(t, StateActive, h.coord.State())

	require.Eventually(t, func() bool {
		offers := h.channel.sentOf(signaling.TypeOffer)
		return len(sentTo(offers, "a")) == 1 && len(sentTo(offers, "b")) == 1
	}, waitFor, tick)
	require.Len(t, h.channel.sentOf(signaling.TypeOffer), 2)

	offer := sentTo(h.channel.sentOf(signaling.TypeOffer), "a")[0]
	require.Equal(t, "offer", offer.SDP.Type)
	require.Equal(t, "offer-to-a", offer.SDP.SDP)

	peers := h.coord.Peers()
	require.Len(t, peers, 2)
	require.Equal(t, "a", peers[0].ID)
	require.Equal(t, "b", peers[1].ID)
	for _, p := range peers {
		require.Equal(t, RoleOfferer, p.Role)
	}

	for _, id := range []string{"a", "b"} {
		conn := h.factory.conn(id)
		calls, _, _ := conn.snapshot()
		require.Equal(t, []string{"create-data-channel", "create-offer", "set-local-offer"}, calls)
		conn.mu.Lock()
		require.Len(t, conn.tracks, 2)
		conn.mu.Unlock()
	}
	require.Nil(t, h.factory.conn("self"))
	require.Equal(t, float64(2), h.metrics.Gauge(metrics.GaugePeers))
}

func TestOfferer_AppliesAnswerThenCandidates(t *testing.T) {
	h := newHarness(t, nil)
	h.join(t)
	h.channel.deliver(signaling.Envelope{Type: signaling.TypeWelcome, Room: "room-1", From: signaling.RelayID, Clients: []string{"a"}})

	h.from("a", signaling.Envelope{Type: signaling.TypeCandidate, Candidate: candidate("early")})
	h.from("a", signaling.Envelope{Type: signaling.TypeAnswer, SDP: answerSDP()})
	h.from("a", signaling.Envelope{Type: signaling.TypeCandidate, Candidate: candidate("late")})

	conn := h.factory.conn("a")
	require.Eventually(t, func() bool {
		_, cands, _ := conn.snapshot()
		return len(cands) == 2
	}, waitFor, tick)

	calls, cands, _ := conn.snapshot()
	require.Equal(t, []string{"early", "late"}, cands)
	require.Equal(t, []string{
		"create-data-channel", "create-offer", "set-local-offer",
		"set-remote-answer", "add-candidate", "add-candidate",
	}, calls)
}

func TestAnswerer_BuffersCandidatesUntilOffer(t *testing.T) {
	h := newHarness(t, nil)
	h.join(t)

	h.from("b", signaling.Envelope{Type: signaling.TypeNewPeer})
	h.from("b", signaling.Envelope{Type: signaling.TypeCandidate, Candidate: candidate("c1")})
	h.from("b", signaling.Envelope{Type: signaling.TypeCandidate, Candidate: candidate("c2")})
	h.from("b", signaling.Envelope{Type: signaling.TypeOffer, SDP: offerSDP()})

	require.Eventually(t, func() bool {
		return len(sentTo(h.channel.sentOf(signaling.TypeAnswer), "b")) == 1
	}, waitFor, tick)

	answer := h.channel.sentOf(signaling.TypeAnswer)[0]
	require.Equal(t, "answer-to-b", answer.SDP.SDP)
	require.Equal(t, "room-1", answer.Room)
	require.Equal(t, "self", answer.From)

	calls, cands, _ := h.factory.conn("b").snapshot()
	require.Equal(t, []string{"c1", "c2"}, cands)
	require.Equal(t, []string{
		"set-remote-offer", "add-candidate", "add-candidate", "create-answer", "set-local-answer",
	}, calls)

	peer, err := h.coord.Peer("b")
	require.NoError(t, err)
	require.Equal(t, RoleAnswerer, peer.Role())
	require.Empty(t, h.channel.sentOf(signaling.TypeOffer))
}

func TestOfferFromUnannouncedPeerCreatesAnswerer(t *testing.T) {
	h := newHarness(t, nil)
	h.join(t)

	h.from("c", signaling.Envelope{Type: signaling.TypeOffer, SDP: offerSDP()})

	require.Eventually(t, func() bool {
		return len(sentTo(h.channel.sentOf(signaling.TypeAnswer), "c")) == 1
	}, waitFor, tick)
	peer, err := h.coord.Peer("c")
	require.NoError(t, err)
	require.Equal(t, RoleAnswerer, peer.Role())
}

func TestDuplicateNewPeerCreatesOneLink(t *testing.T) {
	h := newHarness(t, nil)
	h.join(t)

	h.from("b", signaling.Envelope{Type: signaling.TypeNewPeer})
	h.from("b", signaling.Envelope{Type: signaling.TypeNewPeer})

	require.Len(t, h.coord.Peers(), 1)
	require.Equal(t, uint64(1), h.metrics.Get(metrics.EventPeerAdded))
}

func TestOfferToOfferingSideIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.join(t)
	h.channel.deliver(signaling.Envelope{Type: signaling.TypeWelcome, Room: "room-1", From: signaling.RelayID, Clients: []string{"a"}})

	h.from("a", signaling.Envelope{Type: signaling.TypeOffer, SDP: offerSDP()})
	h.from("a", signaling.Envelope{Type: signaling.TypeAnswer, SDP: answerSDP()})

	conn := h.factory.conn("a")
	require.Eventually(t, func() bool {
		calls, _, _ := conn.snapshot()
		return len(calls) == 4
	}, waitFor, tick)
	calls, _, _ := conn.snapshot()
	require.NotContains(t, calls, "set-remote-offer")
	require.Empty(t, h.channel.sentOf(signaling.TypeAnswer))
}

func TestUnknownPeerEnvelopesAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.join(t)

	h.from("z", signaling.Envelope{Type: signaling.TypeAnswer, SDP: answerSDP()})
	h.from("z", signaling.Envelope{Type: signaling.TypeCandidate, Candidate: candidate("c")})
	h.from("z", signaling.Envelope{Type: signaling.TypeLeave})

	require.Equal(t, uint64(3), h.metrics.Get(metrics.EventUnknownPeer))
	require.Nil(t, h.factory.conn("z"))
	require.Empty(t, h.coord.Peers())

	_, err := h.coord.Peer("z")
	require.ErrorIs(t, err, ErrUnknownPeer)
}

func TestForeignEnvelopesAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.join(t)

	h.channel.deliver(signaling.Envelope{Type: signaling.TypeNewPeer, Room: "room-2", From: "b"})
	h.channel.deliver(signaling.Envelope{Type: signaling.TypeOffer, Room: "room-1", From: "b", To: "someone-else", SDP: offerSDP()})
	h.channel.deliver(signaling.Envelope{Type: signaling.TypeNewPeer, Room: "room-1", From: "self"})

	require.Equal(t, uint64(1), h.metrics.Get(metrics.EventWrongRoom))
	require.Equal(t, uint64(1), h.metrics.Get(metrics.EventMisaddressed))
	require.Empty(t, h.coord.Peers())
}

func TestNegotiationFailureRemovesOnlyThatPeer(t *testing.T) {
	h := newHarness(t, nil)
	h.factory.setup = func(c *fakeConn) {
		if c.peerID == "bad" {
			c.failSetRemote = errors.New("malformed sdp")
		}
	}
	h.join(t)

	h.from("bad", signaling.Envelope{Type: signaling.TypeNewPeer})
	h.from("good", signaling.Envelope{Type: signaling.TypeNewPeer})
	h.from("bad", signaling.Envelope{Type: signaling.TypeOffer, SDP: offerSDP()})
	h.from("good", signaling.Envelope{Type: signaling.TypeOffer, SDP: offerSDP()})

	require.Eventually(t, func() bool {
		peers := h.coord.Peers()
		return len(peers) == 1 && peers[0].ID == "good"
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return len(sentTo(h.channel.sentOf(signaling.TypeAnswer), "good")) == 1
	}, waitFor, tick)

	_, _, closes := h.factory.conn("bad").snapshot()
	require.Equal(t, 1, closes)
	require.Equal(t, uint64(1), h.metrics.Get(metrics.EventNegotiationFailed))
	require.Equal(t, []string{"bad"}, h.removedEvents())
	require.Empty(t, sentTo(h.channel.sentOf(signaling.TypeAnswer), "bad"))
}

func TestConnectionStates(t *testing.T) {
	h := newHarness(t, nil)
	h.join(t)
	h.from("b", signaling.Envelope{Type: signaling.TypeNewPeer})
	conn := h.factory.conn("b")

	// An answerer is negotiating as soon as it exists, before any offer.
	require.Eventually(t, func() bool {
		p, err := h.coord.Peer("b")
		return err == nil && p.State() == LinkNegotiating
	}, waitFor, tick)
	calls, _, _ := conn.snapshot()
	require.Empty(t, calls)

	conn.fire(StateEvent{State: webrtc.PeerConnectionStateConnected})
	require.Eventually(t, func() bool {
		p, err := h.coord.Peer("b")
		return err == nil && p.State() == LinkConnected
	}, waitFor, tick)
	require.Equal(t, uint64(1), h.metrics.Get(metrics.EventPeerConnected))

	conn.fire(StateEvent{State: webrtc.PeerConnectionStateDisconnected})
	require.Eventually(t, func() bool {
		p, err := h.coord.Peer("b")
		return err == nil && p.State() == LinkDisconnected
	}, waitFor, tick)

	conn.fire(StateEvent{State: webrtc.PeerConnectionStateFailed})
	require.Eventually(t, func() bool {
		return len(h.coord.Peers()) == 0
	}, waitFor, tick)
	_, _, closes := conn.snapshot()
	require.Equal(t, 1, closes)
}

func TestInboundLeaveRemovesPeer(t *testing.T) {
	h := newHarness(t, nil)
	h.join(t)
	h.from("b", signaling.Envelope{Type: signaling.TypeNewPeer})
	h.from("c", signaling.Envelope{Type: signaling.TypeNewPeer})

	h.from("b", signaling.Envelope{Type: signaling.TypeLeave})

	require.Eventually(t, func() bool {
		peers := h.coord.Peers()
		return len(peers) == 1 && peers[0].ID == "c"
	}, waitFor, tick)
	_, _, closes := h.factory.conn("b").snapshot()
	require.Equal(t, 1, closes)
	require.Equal(t, float64(1), h.metrics.Gauge(metrics.GaugePeers))
}

func TestLeaveDuringOfferDiscardsLateOffer(t *testing.T) {
	entered := make(chan struct{})
	gate := make(chan struct{})
	h := newHarness(t, nil)
	h.factory.setup = func(c *fakeConn) {
		if c.peerID == "a" {
			c.offerEntered = entered
			c.offerGate = gate
		}
	}
	h.join(t)
	h.channel.deliver(signaling.Envelope{Type: signaling.TypeWelcome, Room: "room-1", From: signaling.RelayID, Clients: []string{"a"}})
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatalf("offer was never started")
	}

	dispatched := make(chan struct{})
	go func() {
		h.from("a", signaling.Envelope{Type: signaling.TypeLeave})
		h.from("b", signaling.Envelope{Type: signaling.TypeNewPeer})
		close(dispatched)
	}()
	select {
	case <-dispatched:
	case <-time.After(waitFor):
		close(gate)
		t.Fatalf("leave blocked signaling dispatch")
	}
	stale, err := h.coord.Peer("a")
	require.NoError(t, err)
	require.Equal(t, LinkClosed, stale.State())

	close(gate)
	require.Eventually(t, func() bool {
		peers := h.coord.Peers()
		return len(peers) == 1 && peers[0].ID == "b"
	}, waitFor, tick)

	calls, _, closes := h.factory.conn("a").snapshot()
	require.Equal(t, 1, closes)
	require.NotContains(t, calls, "set-local-offer")
	require.Empty(t, sentTo(h.channel.sentOf(signaling.TypeOffer), "a"))
	require.Equal(t, []string{"a"}, h.removedEvents())
}

func TestToggleMediaLeavesLinksAlone(t *testing.T) {
	h := newHarness(t, media.SyntheticCapturer{})
	h.join(t)
	h.channel.deliver(signaling.Envelope{Type: signaling.TypeWelcome, Room: "room-1", From: signaling.RelayID, Clients: []string{"a"}})
	h.from("b", signaling.Envelope{Type: signaling.TypeNewPeer})
	h.from("b", signaling.Envelope{Type: signaling.TypeOffer, SDP: offerSDP()})
	require.Eventually(t, func() bool {
		return len(sentTo(h.channel.sentOf(signaling.TypeOffer), "a")) == 1 &&
			len(sentTo(h.channel.sentOf(signaling.TypeAnswer), "b")) == 1
	}, waitFor, tick)

	ids := []string{"a", "b"}
	for _, id := range ids {
		h.factory.conn(id).fire(StateEvent{State: webrtc.PeerConnectionStateConnected})
	}
	require.Eventually(t, func() bool {
		peers := h.coord.Peers()
		return len(peers) == 2 && peers[0].State == LinkConnected && peers[1].State == LinkConnected
	}, waitFor, tick)

	before := make(map[string][]string, len(ids))
	for _, id := range ids {
		calls, _, _ := h.factory.conn(id).snapshot()
		before[id] = calls
	}

	audio, err := h.coord.Media().ToggleAudio()
	require.NoError(t, err)
	require.False(t, audio)
	video, err := h.coord.Media().ToggleVideo()
	require.NoError(t, err)
	require.False(t, video)
	audio, err = h.coord.Media().ToggleAudio()
	require.NoError(t, err)
	require.True(t, audio)

	for _, id := range ids {
		calls, _, closes := h.factory.conn(id).snapshot()
		require.Equal(t, before[id], calls, "peer %s", id)
		require.Zero(t, closes, "peer %s", id)
	}
	for _, p := range h.coord.Peers() {
		require.Equal(t, LinkConnected, p.State, "peer %s", p.ID)
	}
	require.Len(t, h.channel.sentOf(signaling.TypeOffer), 1)
	require.Len(t, h.channel.sentOf(signaling.TypeAnswer), 1)
}

func TestLeaveRoomReleasesEverything(t *testing.T) {
	h := newHarness(t, media.SyntheticCapturer{})
	h.join(t)
	h.channel.deliver(signaling.Envelope{Type: signaling.TypeWelcome, Room: "room-1", From: signaling.RelayID, Clients: []string{"a", "b"}})
	require.Eventually(t, func() bool {
		return len(h.channel.sentOf(signaling.TypeOffer)) == 2
	}, waitFor, tick)
	tracks := h.coord.Media().Tracks()
	require.Len(t, tracks, 2)

	require.NoError(t, h.coord.LeaveRoom())
	require.NoError(t, h.coord.LeaveRoom())

	require.Equal(t, StateClosed, h.coord.State())
	require.NoError(t, h.coord.Err())
	require.Len(t, h.channel.sentOf(signaling.TypeLeave), 1)
	require.Equal(t, 1, h.channel.closeCount())
	for _, id := range []string{"a", "b"} {
		_, _, closes := h.factory.conn(id).snapshot()
		require.Equal(t, 1, closes, "peer %s", id)
	}
	for _, tr := range tracks {
		require.False(t, tr.Enabled())
	}
	require.Empty(t, h.coord.Peers())
	require.Empty(t, h.coord.Media().Tracks())
	require.Equal(t, float64(0), h.metrics.Gauge(metrics.GaugePeers))

	// Late envelopes are ignored once closed.
	h.from("c", signaling.Envelope{Type: signaling.TypeNewPeer})
	require.Nil(t, h.factory.conn("c"))
}

func TestLeaveRoomBeforeJoinIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.coord.LeaveRoom())
	require.Equal(t, StateIdle, h.coord.State())
	require.Empty(t, h.channel.sentOf(signaling.TypeLeave))
}

func TestTransportLossClosesSession(t *testing.T) {
	h := newHarness(t, nil)
	h.join(t)
	h.from("b", signaling.Envelope{Type: signaling.TypeNewPeer})

	h.channel.drop(errors.New("connection reset"))

	select {
	case <-h.coord.Done():
	case <-time.After(waitFor):
		t.Fatalf("timeout waiting for session to close")
	}
	require.Equal(t, StateClosed, h.coord.State())
	require.ErrorIs(t, h.coord.Err(), signaling.ErrTransport)
	_, _, closes := h.factory.conn("b").snapshot()
	require.Equal(t, 1, closes)
}

func TestChatOverDataChannels(t *testing.T) {
	h := newHarness(t, nil)
	h.join(t)
	h.channel.deliver(signaling.Envelope{Type: signaling.TypeWelcome, Room: "room-1", From: signaling.RelayID, Clients: []string{"a"}})

	conn := h.factory.conn("a")
	require.Eventually(t, func() bool { return conn.chatChannel() != nil }, waitFor, tick)
	dc := conn.chatChannel()
	require.Equal(t, ChatLabel, dc.Label())
	dc.setOpen()
	conn.fire(ChannelOpenEvent{Channel: dc})

	require.Eventually(t, func() bool {
		p := h.coord.Peers()
		return len(p) == 1 && p[0].ChatOpen
	}, waitFor, tick)
	require.Contains(t, h.coord.ChatChannels(), "a")

	_, err := h.coord.SendChat("hello")
	require.NoError(t, err)
	dc.mu.Lock()
	require.Equal(t, []string{"hello"}, dc.sent)
	dc.mu.Unlock()

	conn.fire(ChannelMessageEvent{Channel: dc, Data: []byte("hi back"), IsString: true})
	conn.fire(ChannelMessageEvent{Channel: dc, Data: []byte{0x01}, IsString: false})
	require.Eventually(t, func() bool {
		return len(h.coord.Chat().History()) == 2
	}, waitFor, tick)

	history := h.coord.Chat().History()
	require.Equal(t, "self", history[0].Sender)
	require.True(t, history[0].Local)
	require.Equal(t, "a", history[1].Sender)
	require.Equal(t, "hi back", history[1].Text)
	require.Equal(t, uint64(1), h.metrics.Get(metrics.EventChatReceived))
}

func TestSendChatRequiresSession(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.coord.SendChat("early")
	require.ErrorIs(t, err, ErrNotJoined)

	h.join(t)
	_, err = h.coord.SendChat("")
	require.Error(t, err)
	_, err = h.coord.SendChat("alone")
	require.NoError(t, err)

	require.NoError(t, h.coord.LeaveRoom())
	_, err = h.coord.SendChat("late")
	require.ErrorIs(t, err, ErrNotJoined)
}

func TestAnswererAcceptsOnlyOneChatChannel(t *testing.T) {
	h := newHarness(t, nil)
	h.join(t)
	h.from("b", signaling.Envelope{Type: signaling.TypeNewPeer})
	conn := h.factory.conn("b")

	first := &fakeDataChannel{label: ChatLabel}
	second := &fakeDataChannel{label: ChatLabel}
	other := &fakeDataChannel{label: "files"}
	conn.fire(DataChannelEvent{Channel: first})
	conn.fire(DataChannelEvent{Channel: second})
	conn.fire(DataChannelEvent{Channel: other})

	require.Eventually(t, func() bool {
		second.mu.Lock()
		defer second.mu.Unlock()
		other.mu.Lock()
		defer other.mu.Unlock()
		return second.closed == 1 && other.closed == 1
	}, waitFor, tick)

	peer, err := h.coord.Peer("b")
	require.NoError(t, err)
	require.Same(t, first, peer.Chat())

	conn.fire(ChannelCloseEvent{Channel: first})
	require.Eventually(t, func() bool { return peer.Chat() == nil }, waitFor, tick)
}

func TestRemoteTracksReachBinder(t *testing.T) {
	h := newHarness(t, nil)
	h.join(t)
	h.from("b", signaling.Envelope{Type: signaling.TypeNewPeer})

	h.factory.conn("b").fire(TrackEvent{Track: media.RemoteTrack{ID: "v1", StreamID: "s", Kind: webrtc.RTPCodecTypeVideo}})

	require.Eventually(t, func() bool {
		stream, ok := h.coord.Media().Remote("b")
		return ok && len(stream.Tracks) == 1
	}, waitFor, tick)

	h.from("b", signaling.Envelope{Type: signaling.TypeLeave})
	require.Eventually(t, func() bool {
		_, ok := h.coord.Media().Remote("b")
		return !ok
	}, waitFor, tick)
}
