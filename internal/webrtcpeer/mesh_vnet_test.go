package webrtcpeer_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/identity"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

func startRelay(t *testing.T) string {
	t.Helper()
	hub := relay.NewHub(relay.HubOptions{})
	srv, err := relay.NewServer(config.Config{}, hub, nil, quietLogger())
	require.NoError(t, err)
	mux := http.NewServeMux()
	mux.Handle("GET /signal", srv)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newVNet(t *testing.T, ips ...string) []*vnet.Net {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err)

	nets := make([]*vnet.Net, 0, len(ips))
	for _, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		require.NoError(t, err)
		require.NoError(t, router.AddNet(n))
		nets = append(nets, n)
	}
	require.NoError(t, router.Start())
	t.Cleanup(func() { _ = router.Stop() })
	return nets
}

func newPeer(t *testing.T, relayURL, id string, n *vnet.Net) *mesh.Coordinator {
	t.Helper()
	logger := quietLogger()
	api, err := webrtcpeer.NewAPI(config.Config{}, logger, webrtcpeer.WithVNet(n))
	require.NoError(t, err)

	coord, err := mesh.New(mesh.Config{
		Room: "vnet",
		Dial: func(ctx context.Context) (signaling.Channel, error) {
			return signaling.Dial(ctx, relayURL, signaling.DialOptions{Logger: logger})
		},
		Connections: webrtcpeer.NewFactory(api, nil, logger),
		Identity:    identity.WithID(id),
		Media:       media.NewBinder(media.SyntheticCapturer{}, logger),
		Logger:      logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.LeaveRoom() })
	return coord
}

func connectedTo(c *mesh.Coordinator, peerID string) bool {
	for _, p := range c.Peers() {
		if p.ID == peerID {
			return p.State == mesh.LinkConnected && p.ChatOpen
		}
	}
	return false
}

func TestMeshOverVNet(t *testing.T) {
	if testing.Short() {
		t.Skip("vnet mesh test is slow")
	}

	nets := newVNet(t, "10.0.0.1", "10.0.0.2")
	relayURL := startRelay(t)

	alice := newPeer(t, relayURL, "alice", nets[0])
	bob := newPeer(t, relayURL, "bob", nets[1])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Capture up front so the first links already carry local tracks.
	require.NoError(t, alice.Media().Acquire(ctx))
	require.NoError(t, bob.Media().Acquire(ctx))

	require.NoError(t, alice.Join(ctx))
	require.NoError(t, bob.Join(ctx))
	for _, c := range []*mesh.Coordinator{alice, bob} {
		<-c.MediaReady()
		require.NoError(t, c.MediaErr())
	}

	require.Eventually(t, func() bool {
		return connectedTo(alice, "bob") && connectedTo(bob, "alice")
	}, 20*time.Second, 50*time.Millisecond)

	bobLink, err := bob.Peer("alice")
	require.NoError(t, err)
	require.Equal(t, mesh.RoleOfferer, bobLink.Role())
	aliceLink, err := alice.Peer("bob")
	require.NoError(t, err)
	require.Equal(t, mesh.RoleAnswerer, aliceLink.Role())

	_, err = bob.SendChat("hello alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, msg := range alice.Chat().History() {
			if msg.Sender == "bob" && msg.Text == "hello alice" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		stream, ok := alice.Media().Remote("bob")
		return ok && len(stream.Tracks) == 2
	}, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, bob.LeaveRoom())
	require.Eventually(t, func() bool {
		return len(alice.Peers()) == 0
	}, 10*time.Second, 50*time.Millisecond)
	_, ok := alice.Media().Remote("bob")
	require.False(t, ok)
}
