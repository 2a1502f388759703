package audio

import (
	"testing"
	"time"
)

func TestEncodingInfoDuration(t *testing.T) {
	linear := EncodingInfo{SampleRate: 16000, Format: EncodingLinear16}
	if d := linear.Duration(32000); d != time.Second {
		t.Fatalf("expected one second of linear16 at 16kHz, got %v", d)
	}
	if d := linear.Duration(640); d != 20*time.Millisecond {
		t.Fatalf("expected a 20ms chunk, got %v", d)
	}

	mulaw := EncodingInfo{SampleRate: 8000, Format: EncodingMulaw}
	if d := mulaw.Duration(8000); d != time.Second {
		t.Fatalf("expected one second of mulaw at 8kHz, got %v", d)
	}

	var zero EncodingInfo
	if d := zero.Duration(32000); d != 0 {
		t.Fatalf("expected zero duration for a zero encoding, got %v", d)
	}
}

func TestEncodingInfoChunkBytesRoundTrip(t *testing.T) {
	encoding := GetDefaultEncodingInfo()
	chunk := encoding.ChunkBytes(DefaultFrameDuration)
	if chunk != 640 {
		t.Fatalf("expected a 640-byte default chunk, got %d", chunk)
	}
	if d := encoding.Duration(chunk); d != DefaultFrameDuration {
		t.Fatalf("expected chunk duration to round-trip to %v, got %v", DefaultFrameDuration, d)
	}
}

func TestEncodingInfoSilenceValue(t *testing.T) {
	cases := []struct {
		format encodingFormat
		want   byte
	}{
		{EncodingLinear16, 0x00},
		{EncodingMulaw, 0xFF},
		{EncodingALaw, 0x55},
	}
	for _, tc := range cases {
		encoding := EncodingInfo{SampleRate: 16000, Format: tc.format}
		if got := encoding.SilenceValue(); got != tc.want {
			t.Fatalf("expected silence byte %#x for %s, got %#x", tc.want, tc.format.Name(), got)
		}
	}
}
