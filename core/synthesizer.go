package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/koscakluka/vox-core/core/texttospeech"
)

// synthesizer turns sentences into audio clips. Cancellation is checked
// between sentences (and again after each synthesis call) so a barge-in
// stops mid-reply without draining the rest of the queue. Sentinels pass
// through untouched.
type synthesizer struct {
	*component

	in      *queue[sentence]
	out     *queue[clip]
	signals *signals

	generator texttospeech.SpeechGenerator
	converter texttospeech.VoiceConverter

	poll time.Duration
}

func (s *synthesizer) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil || s.stopping() || s.signals.isShuttingDown() {
			return nil
		}
		if s.isPaused() {
			time.Sleep(s.poll)
			continue
		}

		item, ok := s.in.Get(s.poll)
		s.markActivity()
		if !ok {
			continue
		}

		if item.endOfTurn {
			s.out.Put(clip{turnID: item.turnID, sentence: item.text, endOfTurn: true})
			continue
		}
		if s.signals.turnCancelled(item.turnID) {
			continue
		}

		if s.generator == nil {
			// Text-only operation: the sentence still flows through so the
			// player can account for it.
			s.out.Put(clip{turnID: item.turnID, sentence: item.text})
			s.markProcessed()
			continue
		}

		s.synthesize(ctx, item)
	}
}

func (s *synthesizer) synthesize(ctx context.Context, item sentence) {
	ctx, span := tracer.Start(ctx, "synthesize sentence")
	defer span.End()
	span.SetAttributes(attribute.Int("sentence.length", len(item.text)))

	samples, sampleRate, err := s.generator.GenerateSpeech(ctx, item.text)
	if err != nil {
		err = fmt.Errorf("failed to synthesize sentence: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.markError()
		return
	}
	if s.signals.turnCancelled(item.turnID) {
		return
	}

	if s.converter != nil {
		converted, err := s.converter.Convert(ctx, samples, sampleRate)
		if err != nil {
			// Unconverted speech beats silence; keep the original take.
			err = fmt.Errorf("failed to convert voice: %w", err)
			span.RecordError(err)
			logger.Warn("voice conversion failed, using unconverted audio", "error", err)
		} else {
			samples = converted
		}
		if s.signals.turnCancelled(item.turnID) {
			return
		}
	}

	s.out.Put(clip{
		turnID:     item.turnID,
		sentence:   item.text,
		samples:    samples,
		sampleRate: sampleRate,
	})
	s.markProcessed()
}
