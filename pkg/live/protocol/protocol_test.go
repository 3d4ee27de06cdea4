package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEncodeClientMessage_Setup(t *testing.T) {
	data, err := EncodeClientMessage(ClientMessage{
		Setup: &Setup{
			Model: "models/gemini-2.0-flash-live-001",
			GenerationConfig: &GenerationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &SpeechConfig{
					VoiceConfig: &VoiceConfig{
						PrebuiltVoiceConfig: &PrebuiltVoiceConfig{VoiceName: "Puck"},
					},
				},
			},
			SystemInstruction: &Content{Parts: []Part{{Text: "be brief"}}},
		},
	})
	if err != nil {
		t.Fatalf("EncodeClientMessage error: %v", err)
	}

	var round map[string]any
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	if _, ok := round["setup"]; !ok {
		t.Fatalf("encoded frame missing setup key: %s", data)
	}
	if strings.Contains(string(data), "realtimeInput") {
		t.Fatalf("setup frame must not carry realtimeInput: %s", data)
	}
}

func TestEncodeClientMessage_RealtimeInput(t *testing.T) {
	data, err := EncodeClientMessage(ClientMessage{
		RealtimeInput: &RealtimeInput{
			MediaChunks: []MediaChunk{{MimeType: MimeAudioPCM16k, Data: "AAAA"}},
		},
	})
	if err != nil {
		t.Fatalf("EncodeClientMessage error: %v", err)
	}
	if !strings.Contains(string(data), MimeAudioPCM16k) {
		t.Fatalf("frame missing audio mime type: %s", data)
	}
}

func TestEncodeClientMessage_Empty(t *testing.T) {
	if _, err := EncodeClientMessage(ClientMessage{}); err == nil {
		t.Fatalf("expected error for empty client message")
	}
}

func TestDecodeServerMessage_SetupComplete(t *testing.T) {
	msg, err := DecodeServerMessage([]byte(`{"setupComplete":{}}`))
	if err != nil {
		t.Fatalf("DecodeServerMessage error: %v", err)
	}
	if msg.SetupComplete == nil {
		t.Fatalf("setupComplete not decoded")
	}
}

func TestDecodeServerMessage_ContentAudio(t *testing.T) {
	raw := `{"serverContent":{"modelTurn":{"parts":[` +
		`{"text":"hello"},` +
		`{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AQID"}},` +
		`{"inlineData":{"mimeType":"image/png","data":"xxxx"}}` +
		`]},"turnComplete":true}}`
	msg, err := DecodeServerMessage([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeServerMessage error: %v", err)
	}
	if msg.ServerContent == nil || !msg.ServerContent.TurnComplete {
		t.Fatalf("serverContent not decoded: %+v", msg)
	}
	audio := msg.ServerContent.AudioParts()
	if len(audio) != 1 {
		t.Fatalf("audio parts=%d, want 1", len(audio))
	}
	if audio[0].Data != "AQID" {
		t.Fatalf("audio data=%q", audio[0].Data)
	}
}

func TestDecodeServerMessage_GoAway(t *testing.T) {
	msg, err := DecodeServerMessage([]byte(`{"goAway":{"timeLeft":"10s"}}`))
	if err != nil {
		t.Fatalf("DecodeServerMessage error: %v", err)
	}
	if msg.GoAway == nil || msg.GoAway.TimeLeft != "10s" {
		t.Fatalf("goAway not decoded: %+v", msg)
	}
}

func TestDecodeServerMessage_Invalid(t *testing.T) {
	if _, err := DecodeServerMessage([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
	if _, err := DecodeServerMessage([]byte(`{"unknown":1}`)); err == nil {
		t.Fatalf("expected error for unsupported message")
	}
	_, err := DecodeServerMessage([]byte(`{}`))
	if err == nil {
		t.Fatalf("expected error for empty message")
	}
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err=%T, want *DecodeError", err)
	}
}
