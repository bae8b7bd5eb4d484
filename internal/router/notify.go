package router

import (
	"github.com/beegramm/beegram/internal/bus"
	"github.com/beegramm/beegram/internal/model"
	"go.uber.org/zap"
)

const previewLimit = 100

// Notification describes a new message the user is not looking at.
type Notification struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

// Notifier shows notifications outside the client, for example on the
// desktop.
type Notifier interface {
	Notify(n Notification) error
}

// SetBackgrounded tells the router whether the client window is hidden.
// While backgrounded, messages for the active chat notify too.
func (r *Router) SetBackgrounded(b bool) {
	r.backgrounded = b
}

// Backgrounded reports the last value passed to SetBackgrounded.
func (r *Router) Backgrounded() bool { return r.backgrounded }

func (r *Router) notify(m model.Message) {
	if !r.limiter.AllowN(r.sched.Now(), 1) {
		r.logger.Debug("notification suppressed", zap.Int64("message_id", m.ID))
		return
	}
	n := Notification{ChatID: m.ChatID, MessageID: m.ID, Title: m.SenderName(), Body: Preview(m)}
	if n.Title == "" {
		n.Title = "New message"
	}
	r.bus.Emit(bus.ChatNotification, n)
	if r.notifier != nil {
		if err := r.notifier.Notify(n); err != nil {
			r.logger.Warn("notify failed", zap.Error(err))
		}
	}
}

// Preview is the one-line text shown for a message in notifications.
func Preview(m model.Message) string {
	switch m.MessageType {
	case model.TypeSticker:
		return "Sticker " + m.Content
	case model.TypeImage:
		return withCaption("Photo", m.Content)
	case model.TypeFile:
		return withCaption("File", m.Content)
	case model.TypeVoice:
		return "Voice message"
	}
	r := []rune(m.Content)
	if len(r) > previewLimit {
		return string(r[:previewLimit]) + "…"
	}
	return m.Content
}

func withCaption(label, caption string) string {
	if caption == "" {
		return label
	}
	return label + ": " + caption
}
