package pipeline

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koscakluka/vox-core/core/breaker"
	"github.com/koscakluka/vox-core/core/llms"
)

type scriptedStreamer struct {
	deltas []string
	err    error

	mu            sync.Mutex
	calls         int
	systemPrompts []string
	historyLens   []int
}

func (s *scriptedStreamer) StreamChat(_ context.Context, messages []llms.Message, systemPrompt string, _ llms.SamplingParams) iter.Seq2[string, error] {
	s.mu.Lock()
	s.calls++
	s.systemPrompts = append(s.systemPrompts, systemPrompt)
	s.historyLens = append(s.historyLens, len(messages))
	s.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, delta := range s.deltas {
			if !yield(delta, nil) {
				return
			}
		}
		if s.err != nil {
			yield("", s.err)
		}
	}
}

func (s *scriptedStreamer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeSpeech struct {
	clipSamples int
	sampleRate  int

	mu        sync.Mutex
	requested []string
}

func (f *fakeSpeech) GenerateSpeech(_ context.Context, text string) ([]float32, int, error) {
	f.mu.Lock()
	f.requested = append(f.requested, text)
	f.mu.Unlock()
	return make([]float32, f.clipSamples), f.sampleRate, nil
}

func (f *fakeSpeech) requestedSentences() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requested...)
}

type recordingTransport struct {
	mu             sync.Mutex
	textChunks     []string
	textCompletes  int
	transcriptions []string
	stops          int

	audioSends atomic.Int32
	audioSent  chan struct{}
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{audioSent: make(chan struct{}, 16)}
}

func (r *recordingTransport) SendTextChunk(text string) error {
	r.mu.Lock()
	r.textChunks = append(r.textChunks, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) SendTextComplete() error {
	r.mu.Lock()
	r.textCompletes++
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) SendTranscription(transcript string) error {
	r.mu.Lock()
	r.transcriptions = append(r.transcriptions, transcript)
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) SendAudio(int, []byte) error {
	r.audioSends.Add(1)
	select {
	case r.audioSent <- struct{}{}:
	default:
	}
	return nil
}

func (r *recordingTransport) SendStopPlayback() error {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

func (r *recordingTransport) streamedText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.textChunks, "")
}

// fakeAudioOutput stands in for a local speaker device.
type fakeAudioOutput struct {
	mu        sync.Mutex
	pcmBytes  int
	sendCount int
	clears    int
}

func (f *fakeAudioOutput) SendAudio(pcm []byte) error {
	f.mu.Lock()
	f.pcmBytes += len(pcm)
	f.sendCount++
	f.mu.Unlock()
	return nil
}

func (f *fakeAudioOutput) ClearBuffer() {
	f.mu.Lock()
	f.clears++
	f.mu.Unlock()
}

func (f *fakeAudioOutput) stats() (sends, pcmBytes, clears int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCount, f.pcmBytes, f.clears
}

type turnResult struct {
	spoken      string
	interrupted bool
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(context.Background()) }()

	t.Cleanup(func() {
		if err := e.Shutdown(2 * time.Second); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
		select {
		case err := <-runDone:
			if err != nil {
				t.Errorf("run returned error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("run did not return after shutdown")
		}
	})
}

func awaitTurn(t *testing.T, turns <-chan turnResult) turnResult {
	t.Helper()
	select {
	case turn := <-turns:
		return turn
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish in time")
		return turnResult{}
	}
}

func TestNewEngineRequiresChatStreamer(t *testing.T) {
	if _, err := NewEngine(); err == nil {
		t.Fatal("expected engine construction to fail without a chat streamer")
	}
}

func TestEngineTextTurnEndToEnd(t *testing.T) {
	streamer := &scriptedStreamer{deltas: []string{"Hi the", "re. How ", "are you?"}}
	speech := &fakeSpeech{clipSamples: 160, sampleRate: 16000}
	transport := newRecordingTransport()
	turns := make(chan turnResult, 4)

	e, err := NewEngine(
		WithChatStreamer(streamer),
		WithSpeechGenerator(speech),
		WithTransport(transport),
		WithPollInterval(5*time.Millisecond),
		OnTurnEnded(func(spoken string, interrupted bool) {
			turns <- turnResult{spoken: spoken, interrupted: interrupted}
		}),
	)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	startEngine(t, e)

	e.PushText("Hello")

	turn := awaitTurn(t, turns)
	if turn.interrupted {
		t.Fatal("expected an uninterrupted turn")
	}
	if turn.spoken != "Hi there. How are you?" {
		t.Fatalf("unexpected spoken reply: %q", turn.spoken)
	}

	sentences := speech.requestedSentences()
	if len(sentences) != 2 || sentences[0] != "Hi there." || sentences[1] != "How are you?" {
		t.Fatalf("expected two sentences synthesized in order, got %q", sentences)
	}
	if sends := transport.audioSends.Load(); sends != 2 {
		t.Fatalf("expected two audio sends, got %d", sends)
	}
	if got := transport.streamedText(); got != "Hi there. How are you?" {
		t.Fatalf("unexpected streamed text: %q", got)
	}

	messages := e.Conversation().Messages()
	if len(messages) != 2 {
		t.Fatalf("expected two conversation messages, got %d", len(messages))
	}
	if messages[0].Role != llms.RoleUser || messages[0].Content != "Hello" {
		t.Fatalf("unexpected user message: %+v", messages[0])
	}
	if messages[1].Role != llms.RoleAssistant || messages[1].Content != "Hi there. How are you?" {
		t.Fatalf("unexpected assistant message: %+v", messages[1])
	}
}

func TestEngineBargeInStopsPlayback(t *testing.T) {
	streamer := &scriptedStreamer{deltas: []string{"This is a rather long reply that keeps on going."}}
	// One clip of two seconds, so the barge-in lands mid-playback.
	speech := &fakeSpeech{clipSamples: 32000, sampleRate: 16000}
	transport := newRecordingTransport()
	turns := make(chan turnResult, 4)

	e, err := NewEngine(
		WithChatStreamer(streamer),
		WithSpeechGenerator(speech),
		WithTransport(transport),
		WithPollInterval(5*time.Millisecond),
		OnTurnEnded(func(spoken string, interrupted bool) {
			turns <- turnResult{spoken: spoken, interrupted: interrupted}
		}),
	)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	startEngine(t, e)

	e.PushText("Say something long")

	select {
	case <-transport.audioSent:
	case <-time.After(5 * time.Second):
		t.Fatal("playback never started")
	}
	if !e.IsSpeaking() {
		t.Fatal("expected the engine to be speaking")
	}

	e.PushAudio(make([]float32, 320), 0.95)

	turn := awaitTurn(t, turns)
	if !turn.interrupted {
		t.Fatal("expected the turn to be interrupted")
	}
	if transport.stopCount() == 0 {
		t.Fatal("expected a stop-playback frame after the barge-in")
	}

	// No further audio for the abandoned turn.
	sends := transport.audioSends.Load()
	time.Sleep(100 * time.Millisecond)
	if got := transport.audioSends.Load(); got != sends {
		t.Fatalf("expected no audio after interruption, got %d more sends", got-sends)
	}

	messages := e.Conversation().Messages()
	if len(messages) != 1 || messages[0].Role != llms.RoleUser {
		t.Fatalf("expected only the user message after a fully interrupted reply, got %+v", messages)
	}
}

func TestEngineDrivesLocalAudioOutput(t *testing.T) {
	streamer := &scriptedStreamer{deltas: []string{"This reply plays through the local speaker."}}
	// One clip of two seconds, so the barge-in lands mid-playback.
	speech := &fakeSpeech{clipSamples: 32000, sampleRate: 16000}
	transport := newRecordingTransport()
	output := &fakeAudioOutput{}
	turns := make(chan turnResult, 4)

	e, err := NewEngine(
		WithChatStreamer(streamer),
		WithSpeechGenerator(speech),
		WithTransport(transport),
		WithAudioOutput(output),
		WithPollInterval(5*time.Millisecond),
		OnTurnEnded(func(spoken string, interrupted bool) {
			turns <- turnResult{spoken: spoken, interrupted: interrupted}
		}),
	)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	startEngine(t, e)

	e.PushText("Play this out loud")

	select {
	case <-transport.audioSent:
	case <-time.After(5 * time.Second):
		t.Fatal("playback never started")
	}

	sends, pcmBytes, _ := output.stats()
	if sends == 0 {
		t.Fatal("expected the output device to receive audio")
	}
	if pcmBytes != sends*32000*2 {
		t.Fatalf("expected %d PCM16 bytes per clip, got %d over %d sends", 32000*2, pcmBytes, sends)
	}

	e.PushAudio(make([]float32, 320), 0.95)

	turn := awaitTurn(t, turns)
	if !turn.interrupted {
		t.Fatal("expected the turn to be interrupted")
	}
	if _, _, clears := output.stats(); clears == 0 {
		t.Fatal("expected the output device buffer to be cleared on barge-in")
	}
}

func TestEngineSubstitutesApologyOnOpenCircuit(t *testing.T) {
	streamer := &scriptedStreamer{err: errors.New("model unavailable")}
	turns := make(chan turnResult, 4)

	e, err := NewEngine(
		WithChatStreamer(streamer),
		WithPollInterval(5*time.Millisecond),
		WithBreakerOptions(breaker.WithFailureThreshold(1)),
		OnTurnEnded(func(spoken string, interrupted bool) {
			turns <- turnResult{spoken: spoken, interrupted: interrupted}
		}),
	)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	startEngine(t, e)

	e.PushText("Hello")
	turn := awaitTurn(t, turns)
	if turn.spoken != defaultApology {
		t.Fatalf("expected the canned apology, got %q", turn.spoken)
	}
	if state := e.BreakerState(); state != breaker.StateOpen {
		t.Fatalf("expected the circuit to open after the failure, got %s", state)
	}

	// The open circuit fails fast: the apology is spoken again without the
	// model being called.
	e.PushText("Hello again")
	turn = awaitTurn(t, turns)
	if turn.spoken != defaultApology {
		t.Fatalf("expected the canned apology on the open circuit, got %q", turn.spoken)
	}
	if calls := streamer.callCount(); calls != 1 {
		t.Fatalf("expected exactly one model call, got %d", calls)
	}
}

func TestEngineProcessesTurnsOneAtATime(t *testing.T) {
	streamer := &scriptedStreamer{deltas: []string{"Understood."}}
	turns := make(chan turnResult, 4)

	e, err := NewEngine(
		WithChatStreamer(streamer),
		WithPollInterval(5*time.Millisecond),
		OnTurnEnded(func(spoken string, interrupted bool) {
			turns <- turnResult{spoken: spoken, interrupted: interrupted}
		}),
	)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	startEngine(t, e)

	e.PushText("first")
	e.PushText("second")

	awaitTurn(t, turns)
	awaitTurn(t, turns)

	messages := e.Conversation().Messages()
	if len(messages) != 4 {
		t.Fatalf("expected four messages, got %d", len(messages))
	}
	wantRoles := []llms.Role{llms.RoleUser, llms.RoleAssistant, llms.RoleUser, llms.RoleAssistant}
	for i, want := range wantRoles {
		if messages[i].Role != want {
			t.Fatalf("expected role %q at position %d, got %q", want, i, messages[i].Role)
		}
	}
	if messages[0].Content != "first" || messages[2].Content != "second" {
		t.Fatalf("expected user turns in order, got %q and %q", messages[0].Content, messages[2].Content)
	}
}

func TestEngineSwitchCharacterResetsConversationAndPrompt(t *testing.T) {
	streamer := &scriptedStreamer{deltas: []string{"Aye."}}
	turns := make(chan turnResult, 4)

	e, err := NewEngine(
		WithChatStreamer(streamer),
		WithSystemPrompt("You are a helpful assistant."),
		WithPollInterval(5*time.Millisecond),
		OnTurnEnded(func(spoken string, interrupted bool) {
			turns <- turnResult{spoken: spoken, interrupted: interrupted}
		}),
	)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	startEngine(t, e)

	e.PushText("Hello")
	awaitTurn(t, turns)

	e.SwitchCharacter("You are a pirate.")
	e.PushText("Hello again")
	awaitTurn(t, turns)

	streamer.mu.Lock()
	prompts := append([]string(nil), streamer.systemPrompts...)
	historyLens := append([]int(nil), streamer.historyLens...)
	streamer.mu.Unlock()

	if len(prompts) != 2 || prompts[0] != "You are a helpful assistant." || prompts[1] != "You are a pirate." {
		t.Fatalf("expected the persona swap to take effect, got %q", prompts)
	}
	if len(historyLens) != 2 || historyLens[1] != 1 {
		t.Fatalf("expected the second turn to start from a cleared log, got history lengths %v", historyLens)
	}
}
