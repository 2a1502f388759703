package pipeline

import (
	"time"

	"github.com/koscakluka/vox-core/core/breaker"
	"github.com/koscakluka/vox-core/core/llms"
	"github.com/koscakluka/vox-core/core/speechtotext"
	"github.com/koscakluka/vox-core/core/texttospeech"
)

type EngineOption func(*engineOptions)

type engineOptions struct {
	transcriber speechtotext.Transcriber
	llm         llms.ChatStreamer
	generator   texttospeech.SpeechGenerator
	converter   texttospeech.VoiceConverter
	transport   Transport
	output      AudioOutput

	systemPrompt  string
	sampling      llms.SamplingParams
	contextWindow int
	apology       string

	poll            time.Duration
	voicedThreshold float64
	chunkDuration   time.Duration
	silenceWindow   time.Duration

	breakerOpts []breaker.Option

	onTranscription func(string)
	onTextChunk     func(string)
	onTextComplete  func()
	onTurnEnded     func(spoken string, interrupted bool)
}

// WithTranscriber sets the speech-to-text capability. Without one the
// pipeline is text-only.
func WithTranscriber(transcriber speechtotext.Transcriber) EngineOption {
	return func(o *engineOptions) { o.transcriber = transcriber }
}

// WithChatStreamer sets the language model capability. It is required.
func WithChatStreamer(llm llms.ChatStreamer) EngineOption {
	return func(o *engineOptions) { o.llm = llm }
}

// WithSpeechGenerator sets the text-to-speech capability. Without one
// replies are delivered as text only.
func WithSpeechGenerator(generator texttospeech.SpeechGenerator) EngineOption {
	return func(o *engineOptions) { o.generator = generator }
}

// WithVoiceConverter post-processes synthesized audio through a voice
// conversion model.
func WithVoiceConverter(converter texttospeech.VoiceConverter) EngineOption {
	return func(o *engineOptions) { o.converter = converter }
}

// WithTransport sets the initial output transport. It can be replaced at
// runtime with [Engine.SetTransport] as clients connect and disconnect.
func WithTransport(transport Transport) EngineOption {
	return func(o *engineOptions) { o.transport = transport }
}

// WithAudioOutput additionally plays replies on a local output device.
func WithAudioOutput(output AudioOutput) EngineOption {
	return func(o *engineOptions) { o.output = output }
}

func WithSystemPrompt(prompt string) EngineOption {
	return func(o *engineOptions) { o.systemPrompt = prompt }
}

func WithSamplingParams(params llms.SamplingParams) EngineOption {
	return func(o *engineOptions) { o.sampling = params }
}

// WithContextWindow caps how many history messages are sent with each model
// request.
func WithContextWindow(maxMessages int) EngineOption {
	return func(o *engineOptions) { o.contextWindow = maxMessages }
}

// WithCannedApology sets the line spoken in place of a reply when the model
// call fails or the circuit is open.
func WithCannedApology(apology string) EngineOption {
	return func(o *engineOptions) { o.apology = apology }
}

// WithPollInterval sets how long stages block on their queues before
// re-checking shutdown and interruption. It bounds barge-in latency.
func WithPollInterval(interval time.Duration) EngineOption {
	return func(o *engineOptions) { o.poll = interval }
}

// WithVoicedThreshold sets the VAD confidence at or above which inbound
// audio counts as speech.
func WithVoicedThreshold(threshold float64) EngineOption {
	return func(o *engineOptions) { o.voicedThreshold = threshold }
}

// WithChunkDuration sets the fixed duration of one inbound audio chunk.
func WithChunkDuration(duration time.Duration) EngineOption {
	return func(o *engineOptions) { o.chunkDuration = duration }
}

// WithEndOfUtteranceSilence sets how much silence after voiced audio closes
// an utterance.
func WithEndOfUtteranceSilence(window time.Duration) EngineOption {
	return func(o *engineOptions) { o.silenceWindow = window }
}

// WithBreakerOptions configures the circuit breaker guarding the model
// endpoint.
func WithBreakerOptions(opts ...breaker.Option) EngineOption {
	return func(o *engineOptions) { o.breakerOpts = opts }
}

// OnTranscription is called with each recognized utterance.
func OnTranscription(callback func(transcript string)) EngineOption {
	return func(o *engineOptions) { o.onTranscription = callback }
}

// OnTextChunk is called with each streamed reply delta.
func OnTextChunk(callback func(delta string)) EngineOption {
	return func(o *engineOptions) { o.onTextChunk = callback }
}

// OnTextComplete is called when a reply's stream ends.
func OnTextComplete(callback func()) EngineOption {
	return func(o *engineOptions) { o.onTextComplete = callback }
}

// OnTurnEnded is called once playback for a turn finishes, with the
// transcript of what was actually spoken and whether the turn was
// interrupted.
func OnTurnEnded(callback func(spoken string, interrupted bool)) EngineOption {
	return func(o *engineOptions) { o.onTurnEnded = callback }
}
