package rtc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beegramm/beegram/internal/call"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

func TestAcquireAudioWithoutMicrophone(t *testing.T) {
	d := &Devices{Microphone: false}
	if _, err := d.AcquireAudio(context.Background()); !errors.Is(err, ErrNoMicrophone) {
		t.Fatalf("AcquireAudio() error = %v, want ErrNoMicrophone", err)
	}
}

func TestOfferAnswerCarryAudio(t *testing.T) {
	f, err := NewFactory(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	devices := &Devices{Microphone: true}

	newPeer := func() call.PeerConnection {
		stream, err := devices.AcquireAudio(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(stream.Stop)
		pc, err := f.NewPeerConnection(call.PeerHandlers{})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = pc.Close() })
		if err := pc.AddAudio(stream); err != nil {
			t.Fatal(err)
		}
		return pc
	}
	caller, callee := newPeer(), newPeer()

	offer, err := caller.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	if !strings.Contains(offer, "m=audio") {
		t.Errorf("offer has no audio section:\n%s", offer)
	}
	answer, err := callee.CreateAnswer(context.Background(), offer)
	if err != nil {
		t.Fatalf("CreateAnswer() error = %v", err)
	}
	if !strings.Contains(answer, "m=audio") {
		t.Errorf("answer has no audio section:\n%s", answer)
	}
	if err := caller.SetAnswer(answer); err != nil {
		t.Fatalf("SetAnswer() error = %v", err)
	}
}

func TestAddAudioRejectsForeignStream(t *testing.T) {
	f, err := NewFactory(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	pc, err := f.NewPeerConnection(call.PeerHandlers{})
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	if err := pc.AddAudio(otherStream{}); err == nil {
		t.Error("AddAudio() accepted a stream it cannot send")
	}
}

type otherStream struct{}

func (otherStream) TrackCount() int { return 1 }
func (otherStream) SetMuted(bool)   {}
func (otherStream) Stop()           {}

// tickSource hands out frames as fast as the pump asks.
type tickSource struct{}

func (tickSource) NextSample(ctx context.Context) (media.Sample, error) {
	select {
	case <-ctx.Done():
		return media.Sample{}, ctx.Err()
	case <-time.After(time.Millisecond):
		return media.Sample{Data: opusSilence, Duration: DefaultFrame}, nil
	}
}

type countingWriter struct {
	mu sync.Mutex
	n  int
}

func (w *countingWriter) WriteSample(media.Sample) error {
	w.mu.Lock()
	w.n++
	w.mu.Unlock()
	return nil
}

func (w *countingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

func TestMutedStreamWritesNothing(t *testing.T) {
	w := &countingWriter{}
	s := startStream(nil, w, tickSource{}, zap.NewNop())
	s.SetMuted(true)
	// The first frame may already be in flight.
	time.Sleep(10 * time.Millisecond)
	before := w.count()
	time.Sleep(30 * time.Millisecond)
	if got := w.count(); got > before+1 {
		t.Errorf("muted stream wrote %d frames", got-before)
	}

	s.SetMuted(false)
	deadline := time.Now().Add(time.Second)
	for w.count() <= before+1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if w.count() <= before+1 {
		t.Error("unmuted stream wrote nothing")
	}

	s.Stop()
	s.Stop()
	if s.TrackCount() != 0 {
		t.Errorf("TrackCount() = %d after Stop", s.TrackCount())
	}
}

func TestSilenceSourcePacing(t *testing.T) {
	src := &SilenceSource{Frame: 5 * time.Millisecond}
	start := time.Now()
	for range 4 {
		s, err := src.NextSample(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if s.Duration != 5*time.Millisecond || len(s.Data) == 0 {
			t.Fatalf("sample = %+v", s)
		}
	}
	if el := time.Since(start); el < 15*time.Millisecond {
		t.Errorf("4 frames of 5ms took %v", el)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.NextSample(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("NextSample on cancelled ctx: err = %v", err)
	}
}
