// Package protocol defines the wire messages exchanged with the live
// conversational endpoint: a one-time setup frame, realtime media input
// tagged by MIME type, and server content carrying synthesized audio.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// MIME types for the two outbound media kinds and the inbound audio.
	MimeAudioPCM16k = "audio/pcm;rate=16000"
	MimeAudioPCM24k = "audio/pcm;rate=24000"
	MimeImageJPEG   = "image/jpeg"
)

type DecodeError struct {
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Message: message, Param: param}
}

// Part is a single piece of model content. Only one field is set.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// --- client -> server ---

type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

type SpeechConfig struct {
	VoiceConfig *VoiceConfig `json:"voiceConfig,omitempty"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig *PrebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

// Setup is sent exactly once, immediately after the socket opens. The system
// instruction is bound here and is not mutable for the session's lifetime.
type Setup struct {
	Model             string            `json:"model"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
}

// MediaChunk is one outbound unit of realtime input.
type MediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"mediaChunks"`
}

type ClientMessage struct {
	Setup         *Setup         `json:"setup,omitempty"`
	RealtimeInput *RealtimeInput `json:"realtimeInput,omitempty"`
}

func EncodeClientMessage(msg ClientMessage) ([]byte, error) {
	if msg.Setup == nil && msg.RealtimeInput == nil {
		return nil, badFrame("client message must carry setup or realtimeInput", "")
	}
	return json.Marshal(msg)
}

// --- server -> client ---

// SetupComplete acknowledges the setup frame; the bidirectional channel is
// ready once it arrives.
type SetupComplete struct{}

type ModelTurn struct {
	Parts []Part `json:"parts"`
}

type ServerContent struct {
	ModelTurn    *ModelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

// GoAway warns that the server will close the connection shortly.
type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type ServerMessage struct {
	SetupComplete *SetupComplete `json:"setupComplete,omitempty"`
	ServerContent *ServerContent `json:"serverContent,omitempty"`
	GoAway        *GoAway        `json:"goAway,omitempty"`
}

func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, badFrame("invalid json frame", "")
	}
	if msg.SetupComplete == nil && msg.ServerContent == nil && msg.GoAway == nil {
		return ServerMessage{}, badFrame("unsupported server message", "")
	}
	return msg, nil
}

// AudioParts extracts the inline audio payloads of a server content frame, in
// part order. Non-audio parts are ignored.
func (c *ServerContent) AudioParts() []InlineData {
	if c == nil || c.ModelTurn == nil {
		return nil
	}
	var out []InlineData
	for _, p := range c.ModelTurn.Parts {
		if p.InlineData == nil {
			continue
		}
		if !strings.HasPrefix(p.InlineData.MimeType, "audio/pcm") {
			continue
		}
		out = append(out, *p.InlineData)
	}
	return out
}
