package router

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/beegramm/beegram/internal/model"
	"github.com/beegramm/beegram/internal/protocol"
)

// Message length limits, in characters.
const (
	MaxContent           = 500
	MaxContentPrivileged = 1000
)

var (
	ErrNoActiveChat   = errors.New("no active chat")
	ErrEmptyContent   = errors.New("message is empty")
	ErrMissingFile    = errors.New("file message needs a file url")
	ErrUnknownMessage = errors.New("message not in active chat")
	ErrNotPrivateChat = errors.New("calls are only possible in private chats")
	ErrInvalidType    = errors.New("invalid message type")
	ErrEmptyReaction  = errors.New("reaction emoji is empty")
)

// ContentTooLongError rejects a message over the sender's limit.
type ContentTooLongError struct {
	Length int
	Limit  int
}

func (e *ContentTooLongError) Error() string {
	return fmt.Sprintf("message is %d characters, limit is %d", e.Length, e.Limit)
}

// Counter is the composer's character count.
type Counter struct {
	Length int  `json:"length"`
	Limit  int  `json:"limit"`
	Over   bool `json:"over"`
}

// Limit is the local user's maximum message length.
func (r *Router) Limit() int {
	if r.self.Privileged() {
		return MaxContentPrivileged
	}
	return MaxContent
}

// Count measures content against the local user's limit.
func (r *Router) Count(content string) Counter {
	n := utf8.RuneCountInString(strings.TrimSpace(content))
	limit := r.Limit()
	return Counter{Length: n, Limit: limit, Over: n > limit}
}

// SendMessage sends a message to the active chat. Nothing is emitted when
// validation fails.
func (r *Router) SendMessage(content string, typ model.MessageType, fileURL string) error {
	chatID := r.chats.ActiveChatID()
	if chatID == 0 {
		return ErrNoActiveChat
	}
	if !typ.Valid() || typ == model.TypeSystem {
		return fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	content = strings.TrimSpace(content)
	fileURL = strings.TrimSpace(fileURL)
	switch typ {
	case model.TypeImage, model.TypeFile, model.TypeVoice:
		if fileURL == "" {
			return ErrMissingFile
		}
	default:
		if content == "" {
			return ErrEmptyContent
		}
	}
	if c := r.Count(content); c.Over {
		return &ContentTooLongError{Length: c.Length, Limit: c.Limit}
	}

	err := r.channel.Emit(protocol.SendMessage, protocol.SendMessagePayload{
		ChatID:      chatID,
		UserID:      r.self.ID,
		Content:     content,
		MessageType: typ,
		FileURL:     fileURL,
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	r.stopTyping()
	return nil
}

// SendText sends a text message.
func (r *Router) SendText(content string) error {
	return r.SendMessage(content, model.TypeText, "")
}

// SendSticker sends a sticker; the emoji is the content.
func (r *Router) SendSticker(emoji string) error {
	return r.SendMessage(emoji, model.TypeSticker, "")
}

// SendFile sends an uploaded file, image or voice note with an optional
// caption.
func (r *Router) SendFile(url string, typ model.MessageType, caption string) error {
	switch typ {
	case model.TypeImage, model.TypeFile, model.TypeVoice:
	default:
		return fmt.Errorf("%w for a file: %q", ErrInvalidType, typ)
	}
	return r.SendMessage(caption, typ, url)
}

// ToggleReaction adds or removes the local user's emoji on a message; the
// server decides which.
func (r *Router) ToggleReaction(messageID int64, emoji string) error {
	chatID := r.chats.ActiveChatID()
	if chatID == 0 {
		return ErrNoActiveChat
	}
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return ErrEmptyReaction
	}
	m, ok := r.chats.Message(messageID)
	if !ok || bool(m.IsDeleted) {
		return ErrUnknownMessage
	}
	err := r.channel.Emit(protocol.AddReaction, protocol.AddReactionPayload{
		MessageID: messageID, UserID: r.self.ID, Emoji: emoji, ChatID: chatID,
	})
	if err != nil {
		return fmt.Errorf("react: %w", err)
	}
	return nil
}

// DeleteMessage asks the server to delete a message. The server checks
// ownership.
func (r *Router) DeleteMessage(messageID int64) error {
	chatID := r.chats.ActiveChatID()
	if chatID == 0 {
		return ErrNoActiveChat
	}
	if _, ok := r.chats.Message(messageID); !ok {
		return ErrUnknownMessage
	}
	err := r.channel.Emit(protocol.DeleteMessage, protocol.DeleteMessagePayload{
		MessageID: messageID, UserID: r.self.ID, ChatID: chatID,
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// StartCall calls the other participant of the active private chat.
func (r *Router) StartCall() error {
	c, ok := r.chats.ActiveChat()
	if !ok {
		return ErrNoActiveChat
	}
	peer := c.PeerID()
	if peer == 0 {
		return ErrNotPrivateChat
	}
	return r.calls.StartCall(peer)
}
