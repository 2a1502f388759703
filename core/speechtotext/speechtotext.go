// Package speechtotext defines the transcription capability consumed by the
// pipeline's listener stage.
package speechtotext

import "context"

// Transcriber turns one buffered utterance into text. Implementations may
// block for the duration of a remote call; they must respect ctx.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32) (string, error)
}

// TranscriberFunc adapts a function to the Transcriber interface.
type TranscriberFunc func(ctx context.Context, samples []float32) (string, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, samples []float32) (string, error) {
	return f(ctx, samples)
}
