package call

import (
	"context"

	"github.com/beegramm/beegram/internal/protocol"
)

// AudioStream is captured local audio.
type AudioStream interface {
	// TrackCount reports how many live tracks the stream holds.
	TrackCount() int
	// SetMuted toggles whether captured audio is sent.
	SetMuted(muted bool)
	// Stop ends every track. Safe to call more than once.
	Stop()
}

// MediaDevices acquires local audio. AcquireAudio blocks and is called off
// the loop.
type MediaDevices interface {
	AcquireAudio(ctx context.Context) (AudioStream, error)
}

// PeerState is the connection state reported by the peer connection.
type PeerState string

const (
	PeerNew          PeerState = "new"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

// PeerHandlers receive peer connection callbacks. They may be invoked from
// any goroutine.
type PeerHandlers struct {
	OnICECandidate func(c protocol.ICECandidate)
	OnStateChange  func(s PeerState)
}

// PeerConnection is one WebRTC peer connection. CreateOffer and CreateAnswer
// block and are called off the loop; the rest are called on it.
type PeerConnection interface {
	AddAudio(s AudioStream) error
	// CreateOffer creates an offer and installs it as the local description.
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer installs offer as the remote description, then creates
	// and installs the local answer.
	CreateAnswer(ctx context.Context, offer string) (string, error)
	SetAnswer(sdp string) error
	AddICECandidate(c protocol.ICECandidate) error
	Close() error
}

// PeerFactory creates peer connections.
type PeerFactory interface {
	NewPeerConnection(h PeerHandlers) (PeerConnection, error)
}
