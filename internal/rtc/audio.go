package rtc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beegramm/beegram/internal/call"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

// ErrNoMicrophone is returned by AcquireAudio when capture is disabled.
var ErrNoMicrophone = errors.New("microphone disabled")

// DefaultFrame is the Opus frame length used by the silence source.
const DefaultFrame = 20 * time.Millisecond

// opusSilence is one Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SampleSource produces encoded Opus frames. NextSample blocks until the next
// frame is due.
type SampleSource interface {
	NextSample(ctx context.Context) (media.Sample, error)
}

// SilenceSource emits a silent frame every Frame.
type SilenceSource struct {
	Frame time.Duration
	next  time.Time
}

func (s *SilenceSource) NextSample(ctx context.Context) (media.Sample, error) {
	frame := s.Frame
	if frame <= 0 {
		frame = DefaultFrame
	}
	now := time.Now()
	if s.next.IsZero() || s.next.Before(now) {
		s.next = now
	}
	s.next = s.next.Add(frame)
	t := time.NewTimer(time.Until(s.next))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return media.Sample{}, ctx.Err()
	case <-t.C:
		return media.Sample{Data: opusSilence, Duration: frame}, nil
	}
}

// Devices captures local audio into Opus tracks.
type Devices struct {
	// Microphone enables capture; when false AcquireAudio fails.
	Microphone bool
	// NewSource opens a capture backend; nil means silence.
	NewSource func() SampleSource
	Logger    *zap.Logger
}

var _ call.MediaDevices = (*Devices)(nil)

// AcquireAudio opens a source and starts pumping it into a new track.
func (d *Devices) AcquireAudio(ctx context.Context) (call.AudioStream, error) {
	if !d.Microphone {
		return nil, ErrNoMicrophone
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "beegram",
	)
	if err != nil {
		return nil, err
	}
	var src SampleSource = &SilenceSource{}
	if d.NewSource != nil {
		src = d.NewSource()
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return startStream(track, track, src, logger.Named("audio")), nil
}

type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// Stream is a local audio track fed by a SampleSource.
type Stream struct {
	track  webrtc.TrackLocal
	muted  atomic.Bool
	live   atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

var _ call.AudioStream = (*Stream)(nil)

func startStream(track webrtc.TrackLocal, w sampleWriter, src SampleSource, logger *zap.Logger) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{track: track, cancel: cancel, done: make(chan struct{})}
	s.live.Store(true)
	go s.pump(ctx, w, src, logger)
	return s
}

func (s *Stream) pump(ctx context.Context, w sampleWriter, src SampleSource, logger *zap.Logger) {
	defer close(s.done)
	for {
		sample, err := src.NextSample(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("audio source stopped", zap.Error(err))
			}
			return
		}
		if s.muted.Load() {
			continue
		}
		if err := w.WriteSample(sample); err != nil {
			logger.Debug("write sample", zap.Error(err))
		}
	}
}

// Track is the pion track to attach to a peer connection.
func (s *Stream) Track() webrtc.TrackLocal { return s.track }

func (s *Stream) TrackCount() int {
	if s.live.Load() {
		return 1
	}
	return 0
}

func (s *Stream) SetMuted(muted bool) { s.muted.Store(muted) }

// Stop ends capture and waits for the pump to exit.
func (s *Stream) Stop() {
	s.once.Do(func() {
		s.live.Store(false)
		s.cancel()
		<-s.done
	})
}
