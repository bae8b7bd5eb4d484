// Package protocol defines the event names and JSON payloads exchanged over
// the transport channel.
package protocol

import "github.com/beegramm/beegram/internal/model"

// Outbound event names.
const (
	JoinChat      = "join_chat"
	LeaveChat     = "leave_chat"
	SendMessage   = "send_message"
	AddReaction   = "add_reaction"
	DeleteMessage = "delete_message"
	Typing        = "typing"
)

// Inbound event names.
const (
	NewMessage       = "new_message"
	ReactionsUpdated = "reactions_updated"
	UserTyping       = "user_typing"
	BeeStarsUpdated  = "bee_stars_updated"
	MessageDeleted   = "message_deleted"
	MessageError     = "message_error"
	JoinedChat       = "joined_chat"
)

// Call signaling event names; the same names travel in both directions.
const (
	CallOffer  = "call_offer"
	CallAnswer = "call_answer"
	CallICE    = "call_ice"
	CallHangup = "call_hangup"
)

// Lifecycle events raised locally by the transport channel.
const (
	Connect    = "connect"
	Disconnect = "disconnect"
)

// InboundNames lists every server-originated event the router handles.
var InboundNames = []string{
	NewMessage, ReactionsUpdated, UserTyping, BeeStarsUpdated,
	MessageDeleted, MessageError, JoinedChat,
	CallOffer, CallAnswer, CallICE, CallHangup,
}

type JoinChatPayload struct {
	ChatID int64 `json:"chat_id"`
}

type SendMessagePayload struct {
	ChatID      int64             `json:"chat_id"`
	UserID      int64             `json:"user_id"`
	Content     string            `json:"content"`
	MessageType model.MessageType `json:"message_type"`
	FileURL     string            `json:"file_url,omitempty"`
}

type AddReactionPayload struct {
	MessageID int64  `json:"message_id"`
	UserID    int64  `json:"user_id"`
	Emoji     string `json:"emoji"`
	ChatID    int64  `json:"chat_id"`
}

type DeleteMessagePayload struct {
	MessageID int64 `json:"message_id"`
	UserID    int64 `json:"user_id"`
	ChatID    int64 `json:"chat_id"`
}

type TypingPayload struct {
	ChatID   int64 `json:"chat_id"`
	UserID   int64 `json:"user_id"`
	IsTyping bool  `json:"is_typing"`
}

// ICECandidate mirrors RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Outbound signaling payloads address the peer; the server rewrites them into
// the inbound form carrying from_user_id.

type CallOfferPayload struct {
	ToUserID int64  `json:"to_user_id"`
	ChatID   int64  `json:"chat_id"`
	SDP      string `json:"sdp"`
}

type CallAnswerPayload struct {
	ToUserID int64  `json:"to_user_id"`
	ChatID   int64  `json:"chat_id"`
	SDP      string `json:"sdp"`
}

type CallICEPayload struct {
	ToUserID  int64        `json:"to_user_id"`
	ChatID    int64        `json:"chat_id"`
	Candidate ICECandidate `json:"candidate"`
}

type CallHangupPayload struct {
	ToUserID int64 `json:"to_user_id"`
	ChatID   int64 `json:"chat_id"`
}
