package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/koscakluka/vox-core/core/breaker"
	"github.com/koscakluka/vox-core/core/llms"
)

const (
	// defaultContextWindow caps how many history messages go into one prompt.
	defaultContextWindow = 20

	defaultApology = "I'm sorry, I'm having trouble thinking right now. Please give me a moment."
)

// responder drives one conversational turn at a time: it appends the user
// message, streams the model reply through the circuit breaker, segments it
// into sentences and pushes them downstream, closing the turn with an
// end-of-stream sentinel. A new utterance is not dequeued while a prior turn
// is still in flight.
type responder struct {
	*component

	in      *queue[utterance]
	out     *queue[sentence]
	signals *signals

	conversation *ConversationState
	llm          llms.ChatStreamer
	breaker      *breaker.Breaker[string]

	systemPrompt func() string
	sampling     llms.SamplingParams

	poll          time.Duration
	contextWindow int
	apology       string

	onTextChunk    func(string)
	onTextComplete func()
}

func (r *responder) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil || r.stopping() || r.signals.isShuttingDown() {
			return nil
		}
		if r.isPaused() || r.signals.processing.Load() {
			// A turn is still being spoken; the next utterance stays queued
			// until its sentinel has been observed downstream.
			time.Sleep(r.poll)
			r.markActivity()
			continue
		}

		item, ok := r.in.Get(r.poll)
		r.markActivity()
		if !ok {
			continue
		}

		turnID := r.signals.beginTurn()
		r.runTurn(ctx, turnID, item.text)
	}
}

func (r *responder) runTurn(ctx context.Context, turnID uuid.UUID, text string) {
	ctx, span := tracer.Start(ctx, "respond to utterance")
	defer span.End()
	span.SetAttributes(attribute.String("turn.id", turnID.String()))

	r.conversation.Append(llms.NewMessage(llms.RoleUser, text))
	history := r.conversation.Window(r.contextWindow)

	seg := newSegmenter()
	reply, err := r.breaker.Do(ctx, func(ctx context.Context) (string, error) {
		var reply strings.Builder
		for delta, err := range r.llm.StreamChat(ctx, history, r.systemPrompt(), r.sampling) {
			if err != nil {
				return reply.String(), err
			}
			if r.signals.turnCancelled(turnID) {
				break
			}

			reply.WriteString(delta)
			if r.onTextChunk != nil {
				r.onTextChunk(delta)
			}
			for _, s := range seg.Push(delta) {
				r.out.Put(sentence{turnID: turnID, text: s})
			}
		}
		return reply.String(), nil
	})

	if err != nil {
		r.markError()

		var openErr *breaker.OpenError
		if errors.As(err, &openErr) {
			logger.Warn("circuit open, substituting canned response",
				"turn", turnID, "retry_after", openErr.RetryAfter)
		} else {
			err = fmt.Errorf("failed to stream model reply: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		// The user still hears something, and the sentinel below keeps the
		// downstream stages from waiting on a reply that will never come.
		if !r.signals.turnCancelled(turnID) {
			reply = r.apology
			if r.onTextChunk != nil {
				r.onTextChunk(r.apology)
			}
			r.out.Put(sentence{turnID: turnID, text: r.apology})
		}
	} else if !r.signals.turnCancelled(turnID) {
		for _, s := range seg.Flush() {
			r.out.Put(sentence{turnID: turnID, text: s})
		}
	}

	if r.onTextComplete != nil {
		r.onTextComplete()
	}
	r.out.Put(sentence{turnID: turnID, text: reply, endOfTurn: true})
	r.markProcessed()
}
