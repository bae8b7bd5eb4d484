package control

import (
	"encoding/json"

	"github.com/beegramm/beegram/internal/call"
	"github.com/beegramm/beegram/internal/model"
	"github.com/beegramm/beegram/internal/router"
)

// Empty is the request or response of calls that carry nothing.
type Empty struct{}

type StatusResponse struct {
	Profile      string        `json:"profile"`
	State        string        `json:"state"`
	Reconnects   int           `json:"reconnects"`
	Self         model.User    `json:"self"`
	ActiveChatID int64         `json:"active_chat_id,omitempty"`
	Backgrounded bool          `json:"backgrounded"`
	Call         call.Snapshot `json:"call"`
	// MissedCalls counts the last 24 hours.
	MissedCalls  int           `json:"missed_calls"`
	UptimeMs     int64         `json:"uptime_ms"`
}

type ListChatsResponse struct {
	Chats []model.ChatSummary `json:"chats"`
}

type ChatRequest struct {
	ChatID int64 `json:"chat_id"`
}

type ListMessagesResponse struct {
	ChatID   int64           `json:"chat_id"`
	Loading  bool            `json:"loading"`
	Messages []model.Message `json:"messages"`
	Typing   []string        `json:"typing,omitempty"`
}

type SendMessageRequest struct {
	Content string            `json:"content"`
	Type    model.MessageType `json:"type,omitempty"`
	FileURL string            `json:"file_url,omitempty"`
}

// SendMessageResponse echoes the composer count so a UI can show it.
type SendMessageResponse struct {
	Counter router.Counter `json:"counter"`
}

type CountContentRequest struct {
	Content string `json:"content"`
}

// CountContentResponse is the composer counter for a draft. Over is set
// when SendMessage would reject the draft as too long.
type CountContentResponse struct {
	Counter router.Counter `json:"counter"`
}

type ReactRequest struct {
	MessageID int64  `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type MessageRequest struct {
	MessageID int64 `json:"message_id"`
}

type SetBackgroundedRequest struct {
	Backgrounded bool `json:"backgrounded"`
}

type CreateChatRequest struct {
	IsGroup     bool    `json:"is_group"`
	IsChannel   bool    `json:"is_channel"`
	Name        string  `json:"name,omitempty"`
	Description string  `json:"description,omitempty"`
	Members     []int64 `json:"members,omitempty"`
	Open        bool    `json:"open,omitempty"`
}

type CreateChatResponse struct {
	ChatID int64 `json:"chat_id"`
}

type SearchUsersRequest struct {
	Query string `json:"query"`
}

type SearchUsersResponse struct {
	Users []model.User `json:"users"`
}

type CallResponse struct {
	Call call.Snapshot `json:"call"`
}

type SetMutedRequest struct {
	Muted bool `json:"muted"`
}

type ListCallsRequest struct {
	PeerUserID int64             `json:"peer_user_id,omitempty"`
	Outcome    model.CallOutcome `json:"outcome,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

type ListCallsResponse struct {
	Calls []model.CallRecord `json:"calls"`
}

type WatchEventsRequest struct {
	// Prefix filters event kinds, for example "call.". Empty means all.
	Prefix string `json:"prefix,omitempty"`
}

// Event is one bus event as streamed to watchers.
type Event struct {
	ID               string          `json:"id"`
	Profile          string          `json:"profile"`
	Kind             string          `json:"kind"`
	OccurredAtUnixMs int64           `json:"occurred_at_unix_ms"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}
