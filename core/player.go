package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koscakluka/vox-core/core/audio"
	"github.com/koscakluka/vox-core/core/llms"
)

// player delivers synthesized clips to the transport (and optionally a local
// output device) and paces itself on clip duration so interruptions land
// mid-sentence instead of after the whole reply. It finalizes the assistant
// turn in conversation state with what was actually played, which on
// interruption is a truncation of the generated reply.
type player struct {
	*component

	in      *queue[clip]
	signals *signals

	conversation *ConversationState
	transport    *transportFacade
	output       AudioOutput

	poll        time.Duration
	onTurnEnded func(spoken string, interrupted bool)

	currentTurn uuid.UUID
	played      []string
}

func (p *player) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil || p.stopping() || p.signals.isShuttingDown() {
			return nil
		}
		if p.isPaused() {
			time.Sleep(p.poll)
			continue
		}

		item, ok := p.in.Get(p.poll)
		p.markActivity()
		if !ok {
			continue
		}

		if len(p.played) > 0 && item.turnID != p.currentTurn {
			// A newer turn started before the abandoned one's sentinel
			// arrived; close out the truncated reply first.
			p.finishTurn("", true)
		}

		if p.signals.turnCancelled(item.turnID) {
			if len(p.played) > 0 && item.turnID == p.currentTurn {
				p.finishTurn("", true)
			}
			continue
		}

		p.currentTurn = item.turnID

		if item.endOfTurn {
			p.finishTurn(item.sentence, false)
			p.signals.endTurn(item.turnID)
			p.markProcessed()
			continue
		}

		if len(item.samples) == 0 {
			p.played = append(p.played, item.sentence)
			p.markProcessed()
			continue
		}

		p.signals.speaking.Store(true)
		pcm := audio.PCM16FromSamples(item.samples)
		if err := p.transport.SendAudio(item.sampleRate, pcm); err != nil {
			logger.Warn("failed to send audio to transport", "error", err)
			p.markError()
		}
		if p.output != nil {
			if err := p.output.SendAudio(pcm); err != nil {
				logger.Warn("failed to send audio to output device", "error", err)
				p.markError()
			}
		}

		if interrupted := p.awaitPlayback(item, len(pcm)); interrupted {
			if err := p.transport.SendStopPlayback(); err != nil {
				logger.Warn("failed to send stop-playback frame", "error", err)
			}
			if p.output != nil {
				p.output.ClearBuffer()
			}
			// The clip that was cut off does not count as spoken.
			p.finishTurn("", true)
			continue
		}

		p.played = append(p.played, item.sentence)
		p.markProcessed()
	}
}

// awaitPlayback blocks for roughly the clip's duration, re-checking the
// shared signals every poll interval. It reports whether playback was
// interrupted.
func (p *player) awaitPlayback(item clip, pcmBytes int) bool {
	if item.sampleRate <= 0 {
		return false
	}
	encoding := audio.EncodingInfo{SampleRate: item.sampleRate, Format: audio.EncodingLinear16}
	duration := encoding.Duration(pcmBytes)

	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			return false
		case <-ticker.C:
			if p.signals.turnCancelled(item.turnID) || p.stopping() || p.signals.isShuttingDown() {
				return true
			}
		}
	}
}

// finishTurn records the assistant message and releases the turn. fullReply
// is the accumulated generated text from the sentinel; it only stands in
// when nothing went through synthesis accounting.
func (p *player) finishTurn(fullReply string, interrupted bool) {
	spoken := strings.Join(p.played, " ")
	p.played = nil

	if !interrupted && spoken == "" {
		spoken = fullReply
	}
	if spoken != "" {
		p.conversation.Append(llms.NewMessage(llms.RoleAssistant, spoken))
	}

	p.signals.speaking.Store(false)
	if p.onTurnEnded != nil {
		p.onTurnEnded(spoken, interrupted)
	}
}
