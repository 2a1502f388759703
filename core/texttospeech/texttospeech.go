// Package texttospeech defines the speech synthesis capabilities consumed by
// the pipeline's synthesizer stage.
package texttospeech

import "context"

// SpeechGenerator synthesizes one sentence into raw audio samples. The
// returned sample rate may differ per engine; callers must not assume it
// matches the transport's rate.
type SpeechGenerator interface {
	GenerateSpeech(ctx context.Context, text string) (samples []float32, sampleRate int, err error)
}

// VoiceConverter optionally post-processes synthesized audio, e.g. through an
// RVC voice model. Implementations keep the sample rate unchanged.
type VoiceConverter interface {
	Convert(ctx context.Context, samples []float32, sampleRate int) ([]float32, error)
}

// GeneratorFunc adapts a function to the SpeechGenerator interface.
type GeneratorFunc func(ctx context.Context, text string) ([]float32, int, error)

func (f GeneratorFunc) GenerateSpeech(ctx context.Context, text string) ([]float32, int, error) {
	return f(ctx, text)
}
