package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

const (
	defaultVADThreshold      = 0.5
	defaultVADMinVolume      = 0.01
	defaultVADSmoothingAlpha = 0.3

	pcmBytesPerSample = 2
	pcmMaxAmplitude   = 32768.0

	// maxExpectedRMS is the RMS a loud voice signal is expected to reach;
	// anything above maps to full confidence.
	maxExpectedRMS = 0.5
)

// VAD is a per-chunk voice activity classifier. It scores 16-bit PCM audio
// with an exponentially smoothed RMS estimate, returning a confidence in
// [0, 1]. It is intentionally model-free so it can run inline on the
// transport's read path.
type VAD struct {
	threshold float64
	minVolume float64
	alpha     float64

	mu          sync.Mutex
	smoothedRMS float64
}

type VADOption func(*VAD)

// WithVADThreshold sets the confidence above which a chunk counts as voiced.
func WithVADThreshold(threshold float64) VADOption {
	return func(v *VAD) { v.threshold = threshold }
}

// WithVADMinVolume sets the RMS floor below which audio is treated as silence.
func WithVADMinVolume(minVolume float64) VADOption {
	return func(v *VAD) { v.minVolume = minVolume }
}

// WithVADSmoothing sets the exponential smoothing factor (0..1].
func WithVADSmoothing(alpha float64) VADOption {
	return func(v *VAD) { v.alpha = alpha }
}

func NewVAD(opts ...VADOption) (*VAD, error) {
	v := &VAD{
		threshold: defaultVADThreshold,
		minVolume: defaultVADMinVolume,
		alpha:     defaultVADSmoothingAlpha,
	}
	for _, opt := range opts {
		opt(v)
	}

	if v.threshold < 0 || v.threshold > 1 {
		return nil, fmt.Errorf("invalid vad threshold %f: must be between 0 and 1", v.threshold)
	}
	if v.minVolume < 0 || v.minVolume > 1 {
		return nil, fmt.Errorf("invalid vad min volume %f: must be between 0 and 1", v.minVolume)
	}
	if v.alpha <= 0 || v.alpha > 1 {
		return nil, fmt.Errorf("invalid vad smoothing factor %f: must be in (0, 1]", v.alpha)
	}

	return v, nil
}

// Analyze scores one chunk of 16-bit little-endian PCM and returns the voice
// confidence for it.
func (v *VAD) Analyze(chunk []byte) float64 {
	if len(chunk) < pcmBytesPerSample {
		return 0
	}

	rms := pcm16RMS(chunk)

	v.mu.Lock()
	v.smoothedRMS = v.alpha*rms + (1-v.alpha)*v.smoothedRMS
	smoothed := v.smoothedRMS
	v.mu.Unlock()

	if smoothed < v.minVolume {
		return 0
	}

	confidence := smoothed / maxExpectedRMS
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// IsVoiced reports whether the given confidence crosses the configured
// threshold.
func (v *VAD) IsVoiced(confidence float64) bool {
	return confidence >= v.threshold
}

// Threshold returns the configured voiced-confidence threshold.
func (v *VAD) Threshold() float64 { return v.threshold }

// Reset clears the smoothing state, e.g. between client connections.
func (v *VAD) Reset() {
	v.mu.Lock()
	v.smoothedRMS = 0
	v.mu.Unlock()
}

func pcm16RMS(chunk []byte) float64 {
	sampleCount := len(chunk) / pcmBytesPerSample
	if sampleCount == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < sampleCount; i++ {
		sample := int16(binary.LittleEndian.Uint16(chunk[i*pcmBytesPerSample:]))
		normalized := float64(sample) / pcmMaxAmplitude
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(sampleCount))
}

// SamplesFromPCM16 converts little-endian 16-bit PCM bytes to float32 samples
// in [-1, 1].
func SamplesFromPCM16(chunk []byte) []float32 {
	samples := make([]float32, len(chunk)/pcmBytesPerSample)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(chunk[i*pcmBytesPerSample:]))) / pcmMaxAmplitude
	}
	return samples
}

// PCM16FromSamples converts float32 samples in [-1, 1] to little-endian
// 16-bit PCM bytes. Samples outside the range are clipped.
func PCM16FromSamples(samples []float32) []byte {
	chunk := make([]byte, len(samples)*pcmBytesPerSample)
	for i, sample := range samples {
		scaled := float64(sample) * pcmMaxAmplitude
		if scaled > math.MaxInt16 {
			scaled = math.MaxInt16
		} else if scaled < math.MinInt16 {
			scaled = math.MinInt16
		}
		binary.LittleEndian.PutUint16(chunk[i*pcmBytesPerSample:], uint16(int16(scaled)))
	}
	return chunk
}
