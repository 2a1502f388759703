package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/koscakluka/vox-core/core/speechtotext"
)

const (
	// defaultVoicedThreshold is the VAD confidence at or above which a chunk
	// counts as speech.
	defaultVoicedThreshold = 0.5
	// defaultEndOfUtteranceSilence is how much silence after voiced audio
	// closes an utterance.
	defaultEndOfUtteranceSilence = 700 * time.Millisecond
)

// listener accumulates voiced inbound audio, detects utterance boundaries,
// transcribes the buffered utterance and hands the text to the responder. It
// is also the barge-in trigger: voiced audio arriving while the assistant is
// speaking cancels the turn in flight.
type listener struct {
	*component

	in      *queue[capturedAudio]
	out     *queue[utterance]
	signals *signals

	transcriber     speechtotext.Transcriber
	onTranscription func(string)

	poll            time.Duration
	voicedThreshold float64
	// chunkDuration is the fixed per-chunk playback duration used to accrue
	// silence without re-deriving it from sample counts.
	chunkDuration time.Duration
	silenceWindow time.Duration

	buffered   []float32
	voicedSeen bool
	silence    time.Duration
}

func (l *listener) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil || l.stopping() || l.signals.isShuttingDown() {
			return nil
		}
		if l.isPaused() {
			time.Sleep(l.poll)
			continue
		}

		chunk, ok := l.in.Get(l.poll)
		l.markActivity()
		if !ok {
			// No traffic still advances the silence clock once an utterance
			// has started, so a stream that simply stops mid-word closes too.
			if l.voicedSeen {
				l.silence += l.poll
				if l.silence >= l.silenceWindow {
					l.finishUtterance(ctx)
				}
			}
			continue
		}

		if chunk.endOfTurn {
			l.finishUtterance(ctx)
			continue
		}

		voiced := chunk.confidence >= l.voicedThreshold
		if voiced {
			if l.signals.speaking.Load() && l.signals.cancelTurn() {
				logger.Debug("barge-in: voiced input while speaking, turn cancelled")
			}
			l.voicedSeen = true
			l.silence = 0
			l.buffered = append(l.buffered, chunk.samples...)
			continue
		}

		if l.voicedSeen {
			// Keep trailing silence in the buffer; transcription quality
			// suffers when utterances are clipped hard at the boundary.
			l.buffered = append(l.buffered, chunk.samples...)
			l.silence += l.chunkDuration
			if l.silence >= l.silenceWindow {
				l.finishUtterance(ctx)
			}
		}
	}
}

func (l *listener) finishUtterance(ctx context.Context) {
	samples := l.buffered
	l.buffered = nil
	l.voicedSeen = false
	l.silence = 0

	if len(samples) == 0 || l.transcriber == nil {
		return
	}

	ctx, span := tracer.Start(ctx, "transcribe utterance")
	defer span.End()
	span.SetAttributes(attribute.Int("utterance.samples", len(samples)))

	transcript, err := l.transcriber.Transcribe(ctx, samples)
	if err != nil {
		err = fmt.Errorf("failed to transcribe utterance: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.markError()
		return
	}
	if l.stopping() || l.signals.isShuttingDown() {
		return
	}
	if transcript == "" {
		return
	}

	l.markProcessed()
	if l.onTranscription != nil {
		l.onTranscription(transcript)
	}
	l.out.Put(utterance{text: transcript})
}
