// Package pipeline implements a real-time, interruptible conversation
// pipeline: four cooperating stages (listener, responder, synthesizer,
// player) connected by bounded queues and a small set of shared signals, so
// a user can barge in on the assistant mid-sentence at any point.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koscakluka/vox-core/core/breaker"
)

const (
	supervisionInterval = 500 * time.Millisecond

	capturedQueueCapacity  = 256
	utteranceQueueCapacity = 8
	sentenceQueueCapacity  = 64
	clipQueueCapacity      = 64
)

// Engine owns the four pipeline stages, their queues, the conversation state
// and the shared signals. Inputs arrive through PushText/PushAudio; output
// leaves through the configured Transport and callbacks.
type Engine struct {
	component *component
	signals   *signals

	conversation *ConversationState
	breaker      *breaker.Breaker[string]
	transport    *transportFacade

	captured   *queue[capturedAudio]
	utterances *queue[utterance]
	sentences  *queue[sentence]
	clips      *queue[clip]

	listener    *listener
	responder   *responder
	synthesizer *synthesizer
	player      *player

	promptMu     sync.RWMutex
	systemPrompt string

	opts engineOptions
}

// NewEngine builds the pipeline, leaf dependencies first: conversation state
// and circuit breaker exist before any stage. A chat streamer is required;
// every other capability is optional and narrows what the pipeline does.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	options := engineOptions{
		contextWindow:   defaultContextWindow,
		apology:         defaultApology,
		poll:            defaultPollInterval,
		voicedThreshold: defaultVoicedThreshold,
		chunkDuration:   20 * time.Millisecond,
		silenceWindow:   defaultEndOfUtteranceSilence,
	}
	for _, opt := range opts {
		opt(&options)
	}

	if options.llm == nil {
		return nil, fmt.Errorf("a chat streamer is required")
	}

	e := &Engine{
		component:    newComponent("engine"),
		signals:      newSignals(),
		conversation: NewConversationState(),
		breaker:      breaker.New[string](options.breakerOpts...),
		transport:    &transportFacade{},

		captured:   newQueue[capturedAudio](capturedQueueCapacity),
		utterances: newQueue[utterance](utteranceQueueCapacity),
		sentences:  newQueue[sentence](sentenceQueueCapacity),
		clips:      newQueue[clip](clipQueueCapacity),

		systemPrompt: options.systemPrompt,
		opts:         options,
	}
	e.transport.Set(options.transport)

	e.listener = &listener{
		component:       newComponent("listener"),
		in:              e.captured,
		out:             e.utterances,
		signals:         e.signals,
		transcriber:     options.transcriber,
		poll:            options.poll,
		voicedThreshold: options.voicedThreshold,
		chunkDuration:   options.chunkDuration,
		silenceWindow:   options.silenceWindow,
		onTranscription: func(transcript string) {
			if err := e.transport.SendTranscription(transcript); err != nil {
				logger.Warn("failed to send transcription", "error", err)
			}
			if options.onTranscription != nil {
				options.onTranscription(transcript)
			}
		},
	}

	e.responder = &responder{
		component:     newComponent("responder"),
		in:            e.utterances,
		out:           e.sentences,
		signals:       e.signals,
		conversation:  e.conversation,
		llm:           options.llm,
		breaker:       e.breaker,
		systemPrompt:  e.currentSystemPrompt,
		sampling:      options.sampling,
		poll:          options.poll,
		contextWindow: options.contextWindow,
		apology:       options.apology,
		onTextChunk: func(delta string) {
			if err := e.transport.SendTextChunk(delta); err != nil {
				logger.Warn("failed to send text chunk", "error", err)
			}
			if options.onTextChunk != nil {
				options.onTextChunk(delta)
			}
		},
		onTextComplete: func() {
			if err := e.transport.SendTextComplete(); err != nil {
				logger.Warn("failed to send text complete", "error", err)
			}
			if options.onTextComplete != nil {
				options.onTextComplete()
			}
		},
	}

	e.synthesizer = &synthesizer{
		component: newComponent("synthesizer"),
		in:        e.sentences,
		out:       e.clips,
		signals:   e.signals,
		generator: options.generator,
		converter: options.converter,
		poll:      options.poll,
	}

	e.player = &player{
		component:    newComponent("player"),
		in:           e.clips,
		signals:      e.signals,
		conversation: e.conversation,
		transport:    e.transport,
		output:       options.output,
		poll:         options.poll,
		onTurnEnded:  options.onTurnEnded,
	}

	return e, nil
}

// Run initializes every stage, starts one worker per stage plus the
// supervisor, and blocks until shutdown is requested, the context is
// cancelled, or a stage dies (which is fatal for the whole pipeline).
func (e *Engine) Run(ctx context.Context) error {
	if err := e.component.initialize(nil); err != nil {
		return err
	}
	for _, stage := range e.stageComponents() {
		if err := stage.initialize(nil); err != nil {
			e.component.setState(StateError)
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)
	workers := []struct {
		comp *component
		loop func(context.Context) error
	}{
		{e.listener.component, e.listener.loop},
		{e.responder.component, e.responder.loop},
		{e.synthesizer.component, e.synthesizer.loop},
		{e.player.component, e.player.loop},
	}
	for _, worker := range workers {
		group.Go(func() error {
			return panicSafeNamedWorker(worker.comp.Name(), func(ctx context.Context) error {
				return worker.comp.run(ctx, worker.loop)
			})(ctx)
		})
	}
	group.Go(func() error {
		return panicSafeNamedWorker("supervisor", e.supervise)(ctx)
	})

	err := group.Wait()
	e.signals.requestShutdown()
	if err != nil {
		e.component.setState(StateError)
		return fmt.Errorf("pipeline terminated: %w", err)
	}

	e.component.setState(StateShutdown)
	return nil
}

// supervise periodically checks that every stage worker is still alive. A
// stage that terminated outside of a requested shutdown is fatal.
func (e *Engine) supervise(ctx context.Context) error {
	ticker := time.NewTicker(supervisionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.signals.shutdown:
			return nil
		case <-ticker.C:
			if e.signals.isShuttingDown() {
				return nil
			}
			e.component.markActivity()
			for _, stage := range e.stageComponents() {
				if state := stage.State(); state == StateError || state == StateShutdown {
					e.signals.requestShutdown()
					return fmt.Errorf("%s stage terminated unexpectedly", stage.Name())
				}
			}
		}
	}
}

// Shutdown requests a graceful stop and waits for every stage loop to exit.
// It is idempotent.
func (e *Engine) Shutdown(timeout time.Duration) error {
	e.signals.requestShutdown()

	var errs error
	for _, stage := range e.stageComponents() {
		if err := stage.shutdown(timeout); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// PushText feeds direct client text into the pipeline, bypassing
// transcription.
func (e *Engine) PushText(text string) {
	if text == "" {
		return
	}
	e.component.markActivity()
	e.utterances.Put(utterance{text: text})
}

// PushAudio feeds one inbound audio chunk with its voice activity
// confidence.
func (e *Engine) PushAudio(samples []float32, confidence float64) {
	e.component.markActivity()
	e.captured.Put(capturedAudio{samples: samples, confidence: confidence})
}

// EndOfUtterance forces an utterance boundary, e.g. on an explicit
// end-of-turn signal from the client.
func (e *Engine) EndOfUtterance() {
	e.component.markActivity()
	e.captured.Put(capturedAudio{endOfTurn: true})
}

// Interrupt cancels the turn in flight, if any. It reports whether there was
// one to cancel.
func (e *Engine) Interrupt() bool {
	return e.signals.cancelTurn()
}

// Pause suspends all stages; a clip already handed to the transport finishes
// on its own. Only a running pipeline can pause.
func (e *Engine) Pause() {
	e.component.pause()
	for _, stage := range e.stageComponents() {
		stage.pause()
	}
}

// Resume continues a paused pipeline.
func (e *Engine) Resume() {
	e.component.resume()
	for _, stage := range e.stageComponents() {
		stage.resume()
	}
}

// SetTransport replaces the output transport, typically as clients connect
// and disconnect. A nil transport silences output.
func (e *Engine) SetTransport(transport Transport) {
	e.transport.Set(transport)
}

// SetSystemPrompt replaces the system prompt used for subsequent turns.
func (e *Engine) SetSystemPrompt(prompt string) {
	e.promptMu.Lock()
	e.systemPrompt = prompt
	e.promptMu.Unlock()
}

// SwitchCharacter swaps the persona mid-session: the conversation log is
// cleared and subsequent turns use the new system prompt.
func (e *Engine) SwitchCharacter(systemPrompt string) {
	e.Interrupt()
	e.conversation.Clear()
	e.SetSystemPrompt(systemPrompt)
}

func (e *Engine) currentSystemPrompt() string {
	e.promptMu.RLock()
	defer e.promptMu.RUnlock()
	return e.systemPrompt
}

// Conversation exposes the engine's conversation state. All reads return
// deep-copied snapshots.
func (e *Engine) Conversation() *ConversationState {
	return e.conversation
}

// BreakerState reports the state of the circuit guarding the model endpoint.
func (e *Engine) BreakerState() breaker.State {
	return e.breaker.State()
}

func (e *Engine) IsSpeaking() bool   { return e.signals.speaking.Load() }
func (e *Engine) IsProcessing() bool { return e.signals.processing.Load() }

// State reports the engine's own lifecycle state.
func (e *Engine) State() ComponentState {
	return e.component.State()
}

// StageStates reports the lifecycle state of every stage, keyed by stage
// name.
func (e *Engine) StageStates() map[string]ComponentState {
	states := make(map[string]ComponentState)
	for _, stage := range e.stageComponents() {
		states[stage.Name()] = stage.State()
	}
	return states
}

// StageMetrics reports a copy of every stage's counters, keyed by stage
// name.
func (e *Engine) StageMetrics() map[string]ComponentMetrics {
	metrics := make(map[string]ComponentMetrics)
	for _, stage := range e.stageComponents() {
		metrics[stage.Name()] = stage.Metrics()
	}
	return metrics
}

func (e *Engine) stageComponents() []*component {
	return []*component{
		e.listener.component,
		e.responder.component,
		e.synthesizer.component,
		e.player.component,
	}
}
