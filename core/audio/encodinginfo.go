package audio

import "time"

const (
	DefaultSampleRate = 16000
	DefaultFormat     = "linear16"

	// DefaultFrameDuration is the duration of a single raw audio chunk on the
	// wire. Chunk sizes are fixed per session and derived from it.
	DefaultFrameDuration = 20 * time.Millisecond
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: encodingFormat(DefaultFormat)}
}

type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case EncodingALaw:
		return 0x55
	case EncodingMulaw:
		return 0xFF
	case EncodingLinear16:
		return 0
	}

	return 0
}

// ChunkBytes returns the byte size of one audio chunk of the given duration.
func (e EncodingInfo) ChunkBytes(frameDuration time.Duration) int {
	samples := int(float64(e.SampleRate) * frameDuration.Seconds())
	return samples * e.Format.ByteSize()
}

// Duration returns the playback duration of a buffer of n bytes.
func (e EncodingInfo) Duration(n int) time.Duration {
	if e.SampleRate == 0 || e.Format.ByteSize() <= 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(e.Format.ByteSize()) / float64(e.SampleRate) * float64(time.Second))
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
