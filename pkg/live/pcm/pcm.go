// Package pcm converts between raw audio sample buffers and the wire
// representation used by the live endpoint: little-endian 16-bit PCM,
// base64-encoded for text transport.
package pcm

import (
	"encoding/base64"
	"fmt"
)

const bytesPerSample = 2

type DecodeError struct {
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Param == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func decodeErr(message, param string) *DecodeError {
	return &DecodeError{Message: message, Param: param}
}

// Quantize maps float samples in [-1, 1] to signed 16-bit integers.
// Out-of-range inputs are clamped, not rejected.
func Quantize(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, v := range samples {
		if v > 1 {
			v = 1
		}
		if v < -1 {
			v = -1
		}
		out[i] = int16(v * 32767)
	}
	return out
}

// Int16Bytes serializes samples as PCM16LE.
func Int16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// ToWireText encodes raw bytes into the text-safe wire form.
func ToWireText(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// FromWireText is the inverse of ToWireText.
func FromWireText(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, decodeErr("invalid wire text", "")
	}
	return b, nil
}

// DecodeSegment interprets b as interleaved PCM16LE, one run per channel,
// and de-interleaves into per-channel float buffers scaled to [-1, 1].
func DecodeSegment(b []byte, sampleRate, channels int) ([][]float32, error) {
	if sampleRate <= 0 {
		return nil, decodeErr("sample rate must be > 0", "sample_rate")
	}
	if channels <= 0 {
		return nil, decodeErr("channels must be > 0", "channels")
	}
	frameBytes := bytesPerSample * channels
	if len(b)%frameBytes != 0 {
		return nil, decodeErr(
			fmt.Sprintf("payload length %d is not a multiple of %d", len(b), frameBytes),
			"payload",
		)
	}

	frames := len(b) / frameBytes
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}
	for f := 0; f < frames; f++ {
		for ch := 0; ch < channels; ch++ {
			off := (f*channels + ch) * bytesPerSample
			s := int16(uint16(b[off]) | uint16(b[off+1])<<8)
			out[ch][f] = float32(s) / 32768
		}
	}
	return out, nil
}

// Duration returns the playback length in samples of a PCM16LE payload with
// the given channel count. It assumes DecodeSegment would accept the payload.
func Duration(byteLen, channels int) int {
	if channels <= 0 {
		return 0
	}
	return byteLen / (bytesPerSample * channels)
}
