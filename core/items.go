package pipeline

import "github.com/google/uuid"

// capturedAudio is one inbound chunk on its way to the listener.
type capturedAudio struct {
	samples    []float32
	confidence float64
	// endOfTurn forces an utterance boundary regardless of silence.
	endOfTurn bool
}

// utterance is one recognized (or typed) user input awaiting a response.
type utterance struct {
	text string
}

// sentence is one speakable unit of the streamed reply. The item with
// endOfTurn set is the turn's end-of-stream sentinel; its text carries the
// full accumulated reply.
type sentence struct {
	turnID    uuid.UUID
	text      string
	endOfTurn bool
}

// clip is one synthesized sentence awaiting playback. Samples may be empty
// when no speech generator is configured; the sentence text still flows
// through so the player can account for what was said. The sentinel clip
// mirrors the sentence sentinel.
type clip struct {
	turnID     uuid.UUID
	sentence   string
	samples    []float32
	sampleRate int
	endOfTurn  bool
}
