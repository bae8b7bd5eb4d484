package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeEveryInboundName(t *testing.T) {
	payloads := map[string]string{
		NewMessage:       `{"id":1,"chat_id":5,"user_id":2,"content":"hi","message_type":"text","created_at":"2024-01-01 00:00:00"}`,
		ReactionsUpdated: `{"message_id":1,"reactions":[{"emoji":"🐝","username":"a"}]}`,
		UserTyping:       `{"user_id":2,"username":"maya","is_typing":true}`,
		BeeStarsUpdated:  `{"user_id":2,"bee_stars":40}`,
		MessageDeleted:   `{"message_id":1}`,
		MessageError:     `{"error":"too long"}`,
		JoinedChat:       `{"chat_id":5}`,
		CallOffer:        `{"from_user_id":2,"chat_id":5,"sdp":"v=0"}`,
		CallAnswer:       `{"from_user_id":2,"chat_id":5,"sdp":"v=0"}`,
		CallICE:          `{"from_user_id":2,"chat_id":5,"candidate":{"candidate":"candidate:1","sdpMid":"0","sdpMLineIndex":0}}`,
		CallHangup:       `{"from_user_id":2,"chat_id":5}`,
	}
	for _, name := range InboundNames {
		t.Run(name, func(t *testing.T) {
			raw, ok := payloads[name]
			if !ok {
				t.Fatalf("no sample payload for %s", name)
			}
			evt, err := Decode(name, json.RawMessage(raw))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if evt.EventName() != name {
				t.Errorf("EventName() = %q, want %q", evt.EventName(), name)
			}
		})
	}
}

func TestDecodeCallICECandidate(t *testing.T) {
	evt, err := Decode(CallICE, json.RawMessage(`{"from_user_id":3,"chat_id":5,"candidate":{"candidate":"candidate:1","sdpMid":"0","sdpMLineIndex":1}}`))
	if err != nil {
		t.Fatal(err)
	}
	ice := evt.(CallICEEvent)
	if ice.FromUserID != 3 || ice.Candidate.SDPMid == nil || *ice.Candidate.SDPMid != "0" {
		t.Errorf("decoded = %+v", ice)
	}
	if ice.Candidate.SDPMLineIndex == nil || *ice.Candidate.SDPMLineIndex != 1 {
		t.Errorf("sdpMLineIndex = %v, want 1", ice.Candidate.SDPMLineIndex)
	}
}

func TestDecodeUnknownEvent(t *testing.T) {
	_, err := Decode("start_call", nil)
	var unknown *UnknownEventError
	if !errors.As(err, &unknown) {
		t.Fatalf("Decode() error = %v, want UnknownEventError", err)
	}
	if unknown.Name != "start_call" {
		t.Errorf("Name = %q", unknown.Name)
	}
}

func TestDecodeMalformedPayload(t *testing.T) {
	if _, err := Decode(MessageDeleted, json.RawMessage(`{"message_id":"x"}`)); err == nil {
		t.Error("Decode() should fail on a mistyped field")
	}
}
