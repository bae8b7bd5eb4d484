// Package rtc provides the pion/webrtc implementations of the call
// package's peer connection and media interfaces.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/beegramm/beegram/internal/call"
	"github.com/beegramm/beegram/internal/protocol"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// ICEServer is a STUN or TURN server.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Factory creates pion peer connections.
type Factory struct {
	api     *webrtc.API
	servers []webrtc.ICEServer
	logger  *zap.Logger
}

var _ call.PeerFactory = (*Factory)(nil)

// NewFactory registers the default codecs and prepares the ICE configuration.
func NewFactory(servers []ICEServer, logger *zap.Logger) (*Factory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	f := &Factory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		logger: logger.Named("rtc"),
	}
	for _, s := range servers {
		f.servers = append(f.servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return f, nil
}

// NewPeerConnection creates a peer connection whose callbacks feed h.
func (f *Factory) NewPeerConnection(h call.PeerHandlers) (call.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.servers})
	if err != nil {
		return nil, err
	}
	p := &peer{pc: pc, logger: f.logger}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || h.OnICECandidate == nil {
			return
		}
		init := c.ToJSON()
		h.OnICECandidate(protocol.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if h.OnStateChange != nil {
			h.OnStateChange(peerState(s))
		}
	})
	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f.logger.Info("remote track", zap.String("kind", t.Kind().String()), zap.String("codec", t.Codec().MimeType))
		go drain(t)
	})
	return p, nil
}

func peerState(s webrtc.PeerConnectionState) call.PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return call.PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return call.PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return call.PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return call.PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return call.PeerClosed
	default:
		return call.PeerNew
	}
}

// drain reads remote RTP until the track ends; playback is not ours.
func drain(t *webrtc.TrackRemote) {
	for {
		if _, _, err := t.ReadRTP(); err != nil {
			return
		}
	}
}

type peer struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger
}

func (p *peer) AddAudio(s call.AudioStream) error {
	stream, ok := s.(*Stream)
	if !ok {
		return fmt.Errorf("unsupported audio stream %T", s)
	}
	sender, err := p.pc.AddTrack(stream.Track())
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				if !errors.Is(err, io.EOF) {
					p.logger.Debug("rtcp reader stopped", zap.Error(err))
				}
				return
			}
		}
	}()
	return nil
}

func (p *peer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (p *peer) CreateAnswer(ctx context.Context, offer string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (p *peer) SetAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (p *peer) AddICECandidate(c protocol.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *peer) Close() error {
	return p.pc.Close()
}
