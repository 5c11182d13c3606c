package media

import (
	"math"

	"github.com/zaf/g711"
)

// Frame timing constants for G.711 narrowband audio.
const (
	sampleRate      = 8000
	frameDuration   = 20 // milliseconds
	samplesPerFrame = sampleRate * frameDuration / 1000
)

// ToneFrames renders a sine tone at freq Hz lasting dur frames worth of
// audio, encoded as µ-law payloads ready for RTP. Used for transfer
// announcements and failure beeps when no TTS collaborator is wired.
func ToneFrames(freq float64, frames int) [][]byte {
	out := make([][]byte, 0, frames)
	phase := 0.0
	step := 2 * math.Pi * freq / sampleRate
	for f := 0; f < frames; f++ {
		pcm := make([]byte, samplesPerFrame*2)
		for i := 0; i < samplesPerFrame; i++ {
			sample := int16(0.3 * math.MaxInt16 * math.Sin(phase))
			phase += step
			pcm[i*2] = byte(sample)
			pcm[i*2+1] = byte(sample >> 8)
		}
		out = append(out, g711.EncodeUlaw(pcm))
	}
	return out
}

// SilenceFrames renders µ-law silence payloads.
func SilenceFrames(frames int) [][]byte {
	out := make([][]byte, 0, frames)
	pcm := make([]byte, samplesPerFrame*2)
	for f := 0; f < frames; f++ {
		out = append(out, g711.EncodeUlaw(pcm))
	}
	return out
}

// EncodeUlaw converts 16-bit little-endian PCM into µ-law, the payload
// format the agent's audio send path produces.
func EncodeUlaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// DecodeUlaw converts µ-law payloads back to 16-bit PCM for the agent's
// receive path.
func DecodeUlaw(payload []byte) []byte {
	return g711.DecodeUlaw(payload)
}
