package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

var ErrReleased = errors.New("media released")

// TrackAdder is the part of a peer connection the binder attaches tracks to.
type TrackAdder interface {
	AddTrack(track webrtc.TrackLocal) error
}

type State struct {
	Acquired     bool `json:"acquired"`
	HasAudio     bool `json:"hasAudio"`
	AudioEnabled bool `json:"audioEnabled"`
	HasVideo     bool `json:"hasVideo"`
	VideoEnabled bool `json:"videoEnabled"`
}

// Binder owns the local media source of a room session and routes remote
// tracks to render slots.
type Binder struct {
	capturer Capturer
	log      *slog.Logger

	mu       sync.Mutex
	source   *Source
	released bool
	remotes  map[string]*RemoteStream
	slots    map[string]Slot
}

func NewBinder(capturer Capturer, logger *slog.Logger) *Binder {
	if capturer == nil {
		capturer = NoneCapturer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		capturer: capturer,
		log:      logger,
		remotes:  make(map[string]*RemoteStream),
		slots:    make(map[string]Slot),
	}
}

// Acquire captures local media once. Failures wrap ErrMediaUnavailable; the
// session carries on receive-only.
func (b *Binder) Acquire(ctx context.Context) error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return ErrReleased
	}
	if b.source != nil {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	src, err := b.capturer.Capture(ctx)
	if err == nil && src == nil {
		err = ErrMediaUnavailable
	}
	if err != nil {
		if !errors.Is(err, ErrMediaUnavailable) {
			err = fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
		}
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released || b.source != nil {
		src.Stop()
		if b.released {
			return ErrReleased
		}
		return nil
	}
	b.source = src
	return nil
}

// Tracks returns the local tracks, or nil when no media was acquired.
func (b *Binder) Tracks() []*LocalTrack {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.source == nil {
		return nil
	}
	return b.source.Tracks()
}

// AttachTo adds every local track to conn. It must run before the first
// offer or answer on conn so the tracks are negotiated.
func (b *Binder) AttachTo(conn TrackAdder) error {
	for _, t := range b.Tracks() {
		if err := conn.AddTrack(t); err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}
	return nil
}

// ToggleAudio flips every local audio track and returns the new state.
func (b *Binder) ToggleAudio() (bool, error) {
	return b.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips every local video track and returns the new state.
func (b *Binder) ToggleVideo() (bool, error) {
	return b.toggle(webrtc.RTPCodecTypeVideo)
}

func (b *Binder) toggle(kind webrtc.RTPCodecType) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.source == nil {
		return false, ErrMediaUnavailable
	}
	tracks := b.source.TracksOf(kind)
	if len(tracks) == 0 {
		return false, fmt.Errorf("no local %s track: %w", kind, ErrMediaUnavailable)
	}
	enabled := tracks[0].Toggle()
	for _, t := range tracks[1:] {
		t.SetEnabled(enabled)
	}
	b.log.Info("local media toggled", "kind", kind.String(), "enabled", enabled)
	return enabled, nil
}

func (b *Binder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	var st State
	if b.source == nil {
		return st
	}
	st.Acquired = true
	if audio := b.source.TracksOf(webrtc.RTPCodecTypeAudio); len(audio) > 0 {
		st.HasAudio = true
		st.AudioEnabled = audio[0].Enabled()
	}
	if video := b.source.TracksOf(webrtc.RTPCodecTypeVideo); len(video) > 0 {
		st.HasVideo = true
		st.VideoEnabled = video[0].Enabled()
	}
	return st
}

// Attach records a remote track from peerID. It is rendered immediately when
// a slot is bound for the peer, otherwise cached until BindVideo.
func (b *Binder) Attach(peerID string, track RemoteTrack) {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return
	}
	stream, ok := b.remotes[peerID]
	if !ok {
		stream = &RemoteStream{PeerID: peerID}
		b.remotes[peerID] = stream
	}
	stream.Tracks = append(stream.Tracks, track)
	slot := b.slots[peerID]
	b.mu.Unlock()

	if slot != nil {
		slot.Render(peerID, track)
	}
}

// BindVideo binds slot to peerID's remote media, rendering anything that
// arrived earlier.
func (b *Binder) BindVideo(peerID string, slot Slot) {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return
	}
	prev := b.slots[peerID]
	b.slots[peerID] = slot
	var cached []RemoteTrack
	if stream, ok := b.remotes[peerID]; ok {
		cached = append(cached, stream.Tracks...)
	}
	b.mu.Unlock()

	if prev != nil && prev != slot {
		prev.Clear(peerID)
	}
	for _, t := range cached {
		slot.Render(peerID, t)
	}
}

// Remote returns a copy of the cached stream for peerID.
func (b *Binder) Remote(peerID string) (RemoteStream, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stream, ok := b.remotes[peerID]
	if !ok {
		return RemoteStream{}, false
	}
	return RemoteStream{PeerID: peerID, Tracks: append([]RemoteTrack(nil), stream.Tracks...)}, true
}

// Forget drops the stream and slot of a removed peer.
func (b *Binder) Forget(peerID string) {
	b.mu.Lock()
	slot := b.slots[peerID]
	delete(b.slots, peerID)
	delete(b.remotes, peerID)
	b.mu.Unlock()

	if slot != nil {
		slot.Clear(peerID)
	}
}

// Release stops the local source exactly once and clears all remote state.
func (b *Binder) Release() {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return
	}
	b.released = true
	src := b.source
	b.source = nil
	slots := b.slots
	b.slots = make(map[string]Slot)
	b.remotes = make(map[string]*RemoteStream)
	b.mu.Unlock()

	if src != nil {
		src.Stop()
	}
	for peerID, slot := range slots {
		slot.Clear(peerID)
	}
}
