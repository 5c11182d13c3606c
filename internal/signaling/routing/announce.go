package routing

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/hyeon/voicegate/internal/media"
)

// ToneAnnouncer plays tone prompts to a call's caller over RTP. It
// stands in for a TTS collaborator: each prompt name maps to a fixed
// tone pattern.
type ToneAnnouncer struct {
	media *media.Manager
	conn  net.PacketConn
}

// NewToneAnnouncer creates an announcer sending from the given socket.
func NewToneAnnouncer(mediaMgr *media.Manager, conn net.PacketConn) *ToneAnnouncer {
	return &ToneAnnouncer{media: mediaMgr, conn: conn}
}

// Announce plays the prompt's tone pattern toward the caller without
// blocking the signaling path.
func (a *ToneAnnouncer) Announce(callID, prompt string) {
	ms, ok := a.media.GetSession(callID)
	if !ok || ms.Caller.Addr == "" || ms.Caller.Port == 0 {
		slog.Debug("[Announce] No caller endpoint", "call_id", callID, "prompt", prompt)
		return
	}
	remote := fmt.Sprintf("%s:%d", ms.Caller.Addr, ms.Caller.Port)

	go func() {
		sender, err := media.NewSender(a.conn, remote, 0)
		if err != nil {
			slog.Warn("[Announce] Sender setup failed", "call_id", callID, "error", err)
			return
		}
		defer sender.Close()

		if err := sender.PlayFrames(promptFrames(prompt)); err != nil {
			slog.Warn("[Announce] Playback failed",
				"call_id", callID, "prompt", prompt, "error", err)
		}
	}()
}

// promptFrames maps a prompt name to its tone pattern. Frame counts are
// 20ms each.
func promptFrames(prompt string) [][]byte {
	switch prompt {
	case "transfer-failed":
		// Two low bursts, the classic failure cadence.
		frames := media.ToneFrames(480, 20)
		frames = append(frames, media.SilenceFrames(10)...)
		frames = append(frames, media.ToneFrames(480, 20)...)
		return frames
	default:
		// Neutral single tone for "transfer" and anything unmapped.
		return media.ToneFrames(440, 30)
	}
}
