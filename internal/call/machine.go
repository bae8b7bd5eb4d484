// Package call implements the voice call signaling state machine: one call
// session at a time, negotiated with offer/answer/ICE events relayed through
// the transport channel.
//
// The machine is owned by the event loop. Media capture and SDP generation
// run off-loop; each continuation first checks that the session it was
// started for is still current and releases what it produced otherwise.
package call

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/beegramm/beegram/internal/bus"
	"github.com/beegramm/beegram/internal/loop"
	"github.com/beegramm/beegram/internal/model"
	"github.com/beegramm/beegram/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the call machine state.
type State string

const (
	Idle        State = "IDLE"
	Calling     State = "CALLING"
	Ringing     State = "RINGING"
	Negotiating State = "NEGOTIATING"
	Connected   State = "CONNECTED"
)

// validTransitions defines allowed state transitions. Every state may fall
// back to Idle.
var validTransitions = map[State][]State{
	Idle:        {Calling, Ringing},
	Calling:     {Negotiating, Idle},
	Ringing:     {Negotiating, Idle},
	Negotiating: {Connected, Idle},
	Connected:   {Idle},
}

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoIncomingCall = errors.New("no incoming call")
	ErrNoCall         = errors.New("no call in progress")
	ErrNoActiveChat   = errors.New("no active chat")
	ErrNoPeer         = errors.New("call needs a peer user")
)

// Emitter sends signaling events over the transport channel.
type Emitter interface {
	Emit(event string, payload any) error
}

// ActiveChat reports the chat the user has open.
type ActiveChat interface {
	ActiveChatID() int64
}

// Recorder persists finished sessions. It is called off the loop.
type Recorder interface {
	RecordCall(ctx context.Context, r model.CallRecord) error
}

// Bus payloads.
type (
	StateChange struct {
		From     State
		To       State
		Snapshot Snapshot
	}

	IncomingCall struct {
		SessionID  string
		PeerUserID int64
		ChatID     int64
	}

	Rejected struct {
		Reason string
	}

	Failed struct {
		SessionID string
		Reason    string
	}

	Ended struct {
		Record model.CallRecord
		Reason string
	}

	MuteChange struct {
		SessionID string
		Muted     bool
	}
)

// Snapshot is a read-only view of the machine.
type Snapshot struct {
	State      State               `json:"state"`
	SessionID  string              `json:"session_id,omitempty"`
	PeerUserID int64               `json:"peer_user_id,omitempty"`
	ChatID     int64               `json:"chat_id,omitempty"`
	Direction  model.CallDirection `json:"direction,omitempty"`
	PeerState  PeerState           `json:"peer_state,omitempty"`
	Muted      bool                `json:"muted"`
	Tracks     int                 `json:"tracks"`
	HasPeer    bool                `json:"has_peer"`
}

type session struct {
	id     string
	peer   int64
	chatID int64
	dir    model.CallDirection

	ctx    context.Context
	cancel context.CancelFunc

	stream    AudioStream
	pc        PeerConnection
	pcState   PeerState
	offer     string
	muted     bool
	accepting bool

	// signaled is set once our offer or answer is sent; remoteSet once the
	// peer's description is installed. ICE waits for both sides.
	signaled  bool
	remoteSet bool
	localICE  []protocol.ICECandidate
	remoteICE []protocol.ICECandidate

	startedAt   time.Time
	connectedAt time.Time
}

// Machine is the call signaling state machine.
type Machine struct {
	sched    loop.Scheduler
	media    MediaDevices
	peers    PeerFactory
	signal   Emitter
	chats    ActiveChat
	recorder Recorder
	bus      *bus.Bus
	logger   *zap.Logger

	state State
	sess  *session
}

// Deps groups the collaborators of a Machine.
type Deps struct {
	Scheduler loop.Scheduler
	Media     MediaDevices
	Peers     PeerFactory
	Signal    Emitter
	Chats     ActiveChat
	Recorder  Recorder // optional
	Bus       *bus.Bus
	Logger    *zap.Logger
}

// NewMachine creates an idle machine.
func NewMachine(d Deps) *Machine {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		sched:    d.Scheduler,
		media:    d.Media,
		peers:    d.Peers,
		signal:   d.Signal,
		chats:    d.Chats,
		recorder: d.Recorder,
		bus:      d.Bus,
		logger:   logger.Named("call"),
		state:    Idle,
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Snapshot describes the machine and its session.
func (m *Machine) Snapshot() Snapshot {
	snap := Snapshot{State: m.state}
	s := m.sess
	if s == nil {
		return snap
	}
	snap.SessionID = s.id
	snap.PeerUserID = s.peer
	snap.ChatID = s.chatID
	snap.Direction = s.dir
	snap.PeerState = s.pcState
	snap.Muted = s.muted
	snap.HasPeer = s.pc != nil
	if s.stream != nil {
		snap.Tracks = s.stream.TrackCount()
	}
	return snap
}

// StartCall places a call to peer in the active chat.
func (m *Machine) StartCall(peer int64) error {
	if m.state != Idle {
		m.bus.Emit(bus.CallRejected, Rejected{Reason: ErrCallInProgress.Error()})
		return ErrCallInProgress
	}
	chatID := m.chats.ActiveChatID()
	if chatID == 0 {
		return ErrNoActiveChat
	}
	if peer == 0 {
		return ErrNoPeer
	}

	s := m.newSession(peer, chatID, model.Outgoing)
	m.sess = s
	m.transition(Calling)
	m.logger.Info("starting call", zap.String("session", s.id), zap.Int64("peer", peer), zap.Int64("chat_id", chatID))

	m.sched.Go(func() func() {
		stream, err := m.media.AcquireAudio(s.ctx)
		return func() { m.outgoingAudio(s, stream, err) }
	})
	return nil
}

func (m *Machine) outgoingAudio(s *session, stream AudioStream, err error) {
	if !m.current(s) {
		release(stream)
		return
	}
	if err != nil {
		m.fail(fmt.Errorf("acquire audio: %w", err))
		return
	}
	if err := m.attach(s, stream); err != nil {
		m.fail(err)
		return
	}
	pc := s.pc
	m.sched.Go(func() func() {
		sdp, err := pc.CreateOffer(s.ctx)
		return func() { m.offerCreated(s, sdp, err) }
	})
}

func (m *Machine) offerCreated(s *session, sdp string, err error) {
	if !m.current(s) {
		return
	}
	if err != nil {
		m.fail(fmt.Errorf("create offer: %w", err))
		return
	}
	if err := m.signal.Emit(protocol.CallOffer, protocol.CallOfferPayload{ToUserID: s.peer, ChatID: s.chatID, SDP: sdp}); err != nil {
		m.fail(fmt.Errorf("send offer: %w", err))
		return
	}
	s.signaled = true
	m.flushLocalICE(s)
	m.transition(Negotiating)
}

// attach installs the stream and a fresh peer connection on the session.
func (m *Machine) attach(s *session, stream AudioStream) error {
	s.stream = stream
	stream.SetMuted(s.muted)
	pc, err := m.peers.NewPeerConnection(PeerHandlers{
		OnICECandidate: func(c protocol.ICECandidate) {
			m.sched.Post(func() { m.localCandidate(s, c) })
		},
		OnStateChange: func(st PeerState) {
			m.sched.Post(func() { m.peerStateChanged(s, st) })
		},
	})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	s.pc = pc
	if err := pc.AddAudio(stream); err != nil {
		return fmt.Errorf("add audio: %w", err)
	}
	return nil
}

// HandleOffer handles an inbound call_offer.
func (m *Machine) HandleOffer(e protocol.CallOfferEvent) {
	if e.ChatID != m.chats.ActiveChatID() {
		m.logger.Debug("offer for inactive chat ignored", zap.Int64("chat_id", e.ChatID), zap.Int64("from", e.FromUserID))
		return
	}
	if m.state != Idle {
		m.logger.Info("busy, declining offer", zap.Int64("from", e.FromUserID))
		m.send(protocol.CallHangup, protocol.CallHangupPayload{ToUserID: e.FromUserID, ChatID: e.ChatID})
		now := m.sched.Now()
		m.record(model.CallRecord{
			ID: uuid.NewString(), ChatID: e.ChatID, PeerUserID: e.FromUserID,
			Direction: model.Incoming, Outcome: model.OutcomeBusy, StartedAt: now, EndedAt: now,
		})
		return
	}

	s := m.newSession(e.FromUserID, e.ChatID, model.Incoming)
	s.offer = e.SDP
	m.sess = s
	m.transition(Ringing)
	m.bus.Emit(bus.CallIncoming, IncomingCall{SessionID: s.id, PeerUserID: s.peer, ChatID: s.chatID})
}

// AcceptCall answers the ringing call.
func (m *Machine) AcceptCall() error {
	s := m.sess
	if m.state != Ringing || s == nil {
		return ErrNoIncomingCall
	}
	if s.accepting {
		return ErrCallInProgress
	}
	s.accepting = true
	m.sched.Go(func() func() {
		stream, err := m.media.AcquireAudio(s.ctx)
		return func() { m.incomingAudio(s, stream, err) }
	})
	return nil
}

func (m *Machine) incomingAudio(s *session, stream AudioStream, err error) {
	if !m.current(s) {
		release(stream)
		return
	}
	if err != nil {
		m.fail(fmt.Errorf("acquire audio: %w", err))
		return
	}
	if err := m.attach(s, stream); err != nil {
		m.fail(err)
		return
	}
	pc, offer := s.pc, s.offer
	m.sched.Go(func() func() {
		sdp, err := pc.CreateAnswer(s.ctx, offer)
		return func() { m.answerCreated(s, sdp, err) }
	})
}

func (m *Machine) answerCreated(s *session, sdp string, err error) {
	if !m.current(s) {
		return
	}
	if err != nil {
		m.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	s.remoteSet = true
	m.flushRemoteICE(s)
	if err := m.signal.Emit(protocol.CallAnswer, protocol.CallAnswerPayload{ToUserID: s.peer, ChatID: s.chatID, SDP: sdp}); err != nil {
		m.fail(fmt.Errorf("send answer: %w", err))
		return
	}
	s.signaled = true
	m.flushLocalICE(s)
	m.transition(Negotiating)
}

// RejectCall declines the ringing call.
func (m *Machine) RejectCall() error {
	if m.state != Ringing {
		return ErrNoIncomingCall
	}
	m.end(model.OutcomeRejected, "rejected", true)
	return nil
}

// HandleAnswer handles an inbound call_answer.
func (m *Machine) HandleAnswer(e protocol.CallAnswerEvent) {
	s := m.sess
	if !m.fromPeer(e.FromUserID, e.ChatID) {
		m.logger.Debug("answer from unexpected sender ignored", zap.Int64("from", e.FromUserID))
		return
	}
	if m.state != Negotiating || s.dir != model.Outgoing || s.remoteSet {
		m.logger.Debug("unexpected answer ignored", zap.String("state", string(m.state)))
		return
	}
	if err := s.pc.SetAnswer(e.SDP); err != nil {
		m.fail(fmt.Errorf("set answer: %w", err))
		return
	}
	s.remoteSet = true
	m.flushRemoteICE(s)
}

// HandleICE handles an inbound call_ice.
func (m *Machine) HandleICE(e protocol.CallICEEvent) {
	if !m.fromPeer(e.FromUserID, e.ChatID) {
		return
	}
	s := m.sess
	if !s.remoteSet || s.pc == nil {
		s.remoteICE = append(s.remoteICE, e.Candidate)
		return
	}
	if err := s.pc.AddICECandidate(e.Candidate); err != nil {
		m.logger.Warn("add remote candidate failed", zap.Error(err))
	}
}

// HandleHangup handles an inbound call_hangup from the current peer.
func (m *Machine) HandleHangup(e protocol.CallHangupEvent) {
	s := m.sess
	if s == nil || e.FromUserID != s.peer {
		return
	}
	outcome := model.OutcomeRejected
	switch {
	case !s.connectedAt.IsZero():
		outcome = model.OutcomeCompleted
	case s.dir == model.Incoming:
		outcome = model.OutcomeMissed
	}
	m.end(outcome, "remote hangup", false)
}

// Hangup ends the current call, if any. The peer is told unless it never
// saw our offer.
func (m *Machine) Hangup() {
	s := m.sess
	if s == nil {
		return
	}
	outcome := model.OutcomeCancelled
	switch {
	case !s.connectedAt.IsZero():
		outcome = model.OutcomeCompleted
	case m.state == Ringing:
		outcome = model.OutcomeRejected
	}
	m.end(outcome, "local hangup", s.dir == model.Incoming || s.signaled)
}

// ForceHangup ends the call without signaling; used when the transport
// channel is gone.
func (m *Machine) ForceHangup(reason string) {
	s := m.sess
	if s == nil {
		return
	}
	outcome := model.OutcomeFailed
	if !s.connectedAt.IsZero() {
		outcome = model.OutcomeCompleted
	}
	m.end(outcome, reason, false)
}

// SetMuted toggles the local audio track.
func (m *Machine) SetMuted(muted bool) error {
	s := m.sess
	if s == nil {
		return ErrNoCall
	}
	s.muted = muted
	if s.stream != nil {
		s.stream.SetMuted(muted)
	}
	m.bus.Emit(bus.CallMuteChanged, MuteChange{SessionID: s.id, Muted: muted})
	return nil
}

// ToggleMute flips the mute flag and returns the new value.
func (m *Machine) ToggleMute() (bool, error) {
	if m.sess == nil {
		return false, ErrNoCall
	}
	muted := !m.sess.muted
	return muted, m.SetMuted(muted)
}

func (m *Machine) localCandidate(s *session, c protocol.ICECandidate) {
	if !m.current(s) {
		return
	}
	if !s.signaled {
		s.localICE = append(s.localICE, c)
		return
	}
	m.send(protocol.CallICE, protocol.CallICEPayload{ToUserID: s.peer, ChatID: s.chatID, Candidate: c})
}

func (m *Machine) flushLocalICE(s *session) {
	pending := s.localICE
	s.localICE = nil
	for _, c := range pending {
		m.send(protocol.CallICE, protocol.CallICEPayload{ToUserID: s.peer, ChatID: s.chatID, Candidate: c})
	}
}

func (m *Machine) flushRemoteICE(s *session) {
	pending := s.remoteICE
	s.remoteICE = nil
	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			m.logger.Warn("add buffered remote candidate failed", zap.Error(err))
		}
	}
}

func (m *Machine) peerStateChanged(s *session, st PeerState) {
	if !m.current(s) {
		return
	}
	s.pcState = st
	m.logger.Debug("peer connection state", zap.String("session", s.id), zap.String("state", string(st)))
	switch st {
	case PeerConnected:
		if m.state == Negotiating {
			s.connectedAt = m.sched.Now()
			m.transition(Connected)
		}
	case PeerFailed:
		m.fail(errors.New("peer connection failed"))
	}
}

// fail ends the session after an error. The peer is told only if it already
// knows about the call.
func (m *Machine) fail(err error) {
	s := m.sess
	m.logger.Warn("call failed", zap.String("session", s.id), zap.Error(err))
	m.bus.Emit(bus.CallFailed, Failed{SessionID: s.id, Reason: err.Error()})
	outcome := model.OutcomeFailed
	if !s.connectedAt.IsZero() {
		outcome = model.OutcomeCompleted
	}
	m.end(outcome, err.Error(), s.dir == model.Incoming || s.signaled)
}

// end tears the session down and returns to Idle.
func (m *Machine) end(outcome model.CallOutcome, reason string, notify bool) {
	s := m.sess
	if notify {
		m.send(protocol.CallHangup, protocol.CallHangupPayload{ToUserID: s.peer, ChatID: s.chatID})
	}
	s.cancel()
	release(s.stream)
	s.stream = nil
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			m.logger.Debug("close peer connection", zap.Error(err))
		}
		s.pc = nil
	}
	m.sess = nil
	m.transition(Idle)

	rec := model.CallRecord{
		ID: s.id, ChatID: s.chatID, PeerUserID: s.peer, Direction: s.dir, Outcome: outcome,
		StartedAt: s.startedAt, ConnectedAt: s.connectedAt, EndedAt: m.sched.Now(),
	}
	m.logger.Info("call ended", zap.String("session", s.id), zap.String("outcome", string(outcome)), zap.String("reason", reason))
	m.bus.Emit(bus.CallEnded, Ended{Record: rec, Reason: reason})
	m.record(rec)
}

func (m *Machine) record(rec model.CallRecord) {
	if m.recorder == nil {
		return
	}
	m.sched.Go(func() func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.recorder.RecordCall(ctx, rec); err != nil {
			m.logger.Warn("record call failed", zap.String("session", rec.ID), zap.Error(err))
		}
		return nil
	})
}

func (m *Machine) transition(to State) {
	from := m.state
	if !slices.Contains(validTransitions[from], to) {
		m.logger.Error("invalid call transition", zap.String("from", string(from)), zap.String("to", string(to)))
		return
	}
	m.state = to
	m.bus.Emit(bus.CallStateChanged, StateChange{From: from, To: to, Snapshot: m.Snapshot()})
}

func (m *Machine) newSession(peer, chatID int64, dir model.CallDirection) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:        uuid.NewString(),
		peer:      peer,
		chatID:    chatID,
		dir:       dir,
		ctx:       ctx,
		cancel:    cancel,
		pcState:   PeerNew,
		startedAt: m.sched.Now(),
	}
}

func (m *Machine) current(s *session) bool {
	return m.sess == s
}

// fromPeer reports whether a signaling event belongs to the current session
// and the chat on screen.
func (m *Machine) fromPeer(from, chatID int64) bool {
	s := m.sess
	return s != nil && from == s.peer && chatID == s.chatID && chatID == m.chats.ActiveChatID()
}

func (m *Machine) send(event string, payload any) {
	if err := m.signal.Emit(event, payload); err != nil {
		m.logger.Debug("signal not sent", zap.String("event", event), zap.Error(err))
	}
}

func release(stream AudioStream) {
	if stream != nil {
		stream.Stop()
	}
}
