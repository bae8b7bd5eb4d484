package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/beegramm/beegram/internal/model"
)

// Inbound is the closed set of events the router dispatches on. Only types in
// this package implement it.
type Inbound interface {
	EventName() string
	inbound()
}

type (
	NewMessageEvent struct {
		Message model.Message
	}

	ReactionsUpdatedEvent struct {
		MessageID int64            `json:"message_id"`
		Reactions []model.Reaction `json:"reactions"`
	}

	UserTypingEvent struct {
		UserID   int64  `json:"user_id"`
		Username string `json:"username"`
		IsTyping bool   `json:"is_typing"`
	}

	BeeStarsUpdatedEvent struct {
		UserID   int64 `json:"user_id"`
		BeeStars int64 `json:"bee_stars"`
	}

	MessageDeletedEvent struct {
		MessageID int64 `json:"message_id"`
	}

	MessageErrorEvent struct {
		Error string `json:"error"`
	}

	JoinedChatEvent struct {
		ChatID int64 `json:"chat_id"`
	}

	CallOfferEvent struct {
		FromUserID int64  `json:"from_user_id"`
		ChatID     int64  `json:"chat_id"`
		SDP        string `json:"sdp"`
	}

	CallAnswerEvent struct {
		FromUserID int64  `json:"from_user_id"`
		ChatID     int64  `json:"chat_id"`
		SDP        string `json:"sdp"`
	}

	CallICEEvent struct {
		FromUserID int64        `json:"from_user_id"`
		ChatID     int64        `json:"chat_id"`
		Candidate  ICECandidate `json:"candidate"`
	}

	CallHangupEvent struct {
		FromUserID int64 `json:"from_user_id"`
		ChatID     int64 `json:"chat_id"`
	}

	// ConnectedEvent and DisconnectedEvent are raised by the transport itself.
	ConnectedEvent    struct{}
	DisconnectedEvent struct {
		Reason string
	}
)

func (NewMessageEvent) EventName() string       { return NewMessage }
func (ReactionsUpdatedEvent) EventName() string { return ReactionsUpdated }
func (UserTypingEvent) EventName() string       { return UserTyping }
func (BeeStarsUpdatedEvent) EventName() string  { return BeeStarsUpdated }
func (MessageDeletedEvent) EventName() string   { return MessageDeleted }
func (MessageErrorEvent) EventName() string     { return MessageError }
func (JoinedChatEvent) EventName() string       { return JoinedChat }
func (CallOfferEvent) EventName() string        { return CallOffer }
func (CallAnswerEvent) EventName() string       { return CallAnswer }
func (CallICEEvent) EventName() string          { return CallICE }
func (CallHangupEvent) EventName() string       { return CallHangup }
func (ConnectedEvent) EventName() string        { return Connect }
func (DisconnectedEvent) EventName() string     { return Disconnect }

func (NewMessageEvent) inbound()       {}
func (ReactionsUpdatedEvent) inbound() {}
func (UserTypingEvent) inbound()       {}
func (BeeStarsUpdatedEvent) inbound()  {}
func (MessageDeletedEvent) inbound()   {}
func (MessageErrorEvent) inbound()     {}
func (JoinedChatEvent) inbound()       {}
func (CallOfferEvent) inbound()        {}
func (CallAnswerEvent) inbound()       {}
func (CallICEEvent) inbound()          {}
func (CallHangupEvent) inbound()       {}
func (ConnectedEvent) inbound()        {}
func (DisconnectedEvent) inbound()     {}

// UnknownEventError is returned by Decode for names outside the protocol.
type UnknownEventError struct {
	Name string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown event %q", e.Name)
}

// Decode parses a server event into its typed form.
func Decode(name string, data json.RawMessage) (Inbound, error) {
	var (
		evt Inbound
		err error
	)
	switch name {
	case NewMessage:
		var e NewMessageEvent
		err = json.Unmarshal(data, &e.Message)
		evt = e
	case ReactionsUpdated:
		evt, err = decodeInto[ReactionsUpdatedEvent](data)
	case UserTyping:
		evt, err = decodeInto[UserTypingEvent](data)
	case BeeStarsUpdated:
		evt, err = decodeInto[BeeStarsUpdatedEvent](data)
	case MessageDeleted:
		evt, err = decodeInto[MessageDeletedEvent](data)
	case MessageError:
		evt, err = decodeInto[MessageErrorEvent](data)
	case JoinedChat:
		evt, err = decodeInto[JoinedChatEvent](data)
	case CallOffer:
		evt, err = decodeInto[CallOfferEvent](data)
	case CallAnswer:
		evt, err = decodeInto[CallAnswerEvent](data)
	case CallICE:
		evt, err = decodeInto[CallICEEvent](data)
	case CallHangup:
		evt, err = decodeInto[CallHangupEvent](data)
	default:
		return nil, &UnknownEventError{Name: name}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return evt, nil
}

type inboundPayload interface {
	ReactionsUpdatedEvent | UserTypingEvent | BeeStarsUpdatedEvent |
		MessageDeletedEvent | MessageErrorEvent | JoinedChatEvent |
		CallOfferEvent | CallAnswerEvent | CallICEEvent | CallHangupEvent
}

func decodeInto[T inboundPayload](data json.RawMessage) (Inbound, error) {
	var v T
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return any(v).(Inbound), nil
}
