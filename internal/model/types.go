package model

import "time"

// MessageType classifies message content.
type MessageType string

const (
	TypeText    MessageType = "text"
	TypeImage   MessageType = "image"
	TypeFile    MessageType = "file"
	TypeSticker MessageType = "sticker"
	TypeVoice   MessageType = "voice"
	TypeSystem  MessageType = "system"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeSticker, TypeVoice, TypeSystem:
		return true
	}
	return false
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	Emoji    string `json:"emoji"`
	Username string `json:"username"`
}

// User is a chat participant as the server describes it.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	Status    string `json:"status,omitempty"`
	IsPremium Flag   `json:"is_premium"`
	IsAdmin   Flag   `json:"is_admin,omitempty"`
	BeeStars  int64  `json:"bee_stars,omitempty"`
}

// DisplayName prefers the nickname over the login name.
func (u User) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.Username
}

// Privileged reports whether the account gets the extended message limit.
func (u User) Privileged() bool {
	return bool(u.IsPremium) || bool(u.IsAdmin)
}

// Message is a chat message. Only IsDeleted and Reactions change after creation.
type Message struct {
	ID          int64       `json:"id"`
	ChatID      int64       `json:"chat_id"`
	UserID      int64       `json:"user_id"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"message_type"`
	FileURL     string      `json:"file_url,omitempty"`
	Reactions   []Reaction  `json:"reactions"`
	IsDeleted   Flag        `json:"is_deleted"`
	CreatedAt   Timestamp   `json:"created_at"`

	// Sender fields joined in by the server.
	Username  string `json:"username,omitempty"`
	Nickname  string `json:"nickname,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	IsPremium Flag   `json:"is_premium,omitempty"`
}

// SenderName is the name shown next to the message.
func (m Message) SenderName() string {
	if m.Nickname != "" {
		return m.Nickname
	}
	return m.Username
}

// VisibleReactions is what a renderer may show: deleted messages never show
// reactions even if a later reactions_updated stored some.
func (m Message) VisibleReactions() []Reaction {
	if m.IsDeleted {
		return nil
	}
	return m.Reactions
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	if m.Reactions != nil {
		m.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return m
}

// ChatSummary is one row of the chat list.
type ChatSummary struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Avatar      string   `json:"avatar,omitempty"`
	IsGroup     Flag     `json:"is_group"`
	IsChannel   Flag     `json:"is_channel"`
	OtherUser   *User    `json:"other_user,omitempty"`
	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount int      `json:"unread_count"`
}

// PeerID returns the other participant of a private chat, or 0.
func (c ChatSummary) PeerID() int64 {
	if c.IsGroup || c.IsChannel || c.OtherUser == nil {
		return 0
	}
	return c.OtherUser.ID
}

// CallDirection tells who placed a call.
type CallDirection string

const (
	Outgoing CallDirection = "outgoing"
	Incoming CallDirection = "incoming"
)

// CallOutcome is how a call session ended.
type CallOutcome string

const (
	OutcomeCompleted CallOutcome = "completed"
	OutcomeCancelled CallOutcome = "cancelled"
	OutcomeRejected  CallOutcome = "rejected"
	OutcomeMissed    CallOutcome = "missed"
	OutcomeFailed    CallOutcome = "failed"
	OutcomeBusy      CallOutcome = "busy"
)

// CallRecord is one finished call session as kept in the call log.
type CallRecord struct {
	ID          string        `json:"id"`
	ChatID      int64         `json:"chat_id"`
	PeerUserID  int64         `json:"peer_user_id"`
	Direction   CallDirection `json:"direction"`
	Outcome     CallOutcome   `json:"outcome"`
	StartedAt   time.Time     `json:"started_at"`
	ConnectedAt time.Time     `json:"connected_at,omitzero"`
	EndedAt     time.Time     `json:"ended_at"`
}

// Duration is the connected time of the call, or zero if it never connected.
func (r CallRecord) Duration() time.Duration {
	if r.ConnectedAt.IsZero() || r.EndedAt.Before(r.ConnectedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}
