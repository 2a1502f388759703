// Package protocol implements the length-prefixed binary framing that carries
// audio chunks, text messages, and control signals between a client and the
// conversation server over a single duplex byte stream.
//
// Inbound traffic is demultiplexed by peeking the first 4 bytes of the next
// frame: if they equal the client-text marker the frame is
// [marker][len][payload], otherwise the bytes are treated as the start of a
// fixed-size raw audio chunk. A raw chunk whose first 4 bytes coincide with a
// marker value therefore misparses; the format carries no escaping. This is a
// documented property of the wire format, kept for compatibility.
package protocol

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/koscakluka/vox-core/core/audio"
)

// Markers are fixed-width little-endian tags. Values sit well outside the
// amplitude range of typical speech PCM to make sentinel collisions with raw
// audio unlikely.
const (
	MarkerClientText    uint32 = 0xA5C30001
	MarkerTextChunk     uint32 = 0xA5C30002
	MarkerTextComplete  uint32 = 0xA5C30003
	MarkerTranscription uint32 = 0xA5C30004
	MarkerKeepalive     uint32 = 0xA5C30005
	MarkerAuthSuccess   uint32 = 0xA5C30006
)

const (
	// DefaultMaxPayload is the size ceiling above which frames are rejected.
	DefaultMaxPayload = 1 << 20

	// DefaultKeepaliveInterval is how often keepalive frames are emitted
	// regardless of other traffic.
	DefaultKeepaliveInterval = 5 * time.Second
)

var (
	ErrOversizedFrame = errors.New("frame payload exceeds size ceiling")
	ErrAuthFailed     = errors.New("authentication handshake failed")
)

// Spec is the immutable protocol definition shared by the encoder and
// decoder of a session. Chunk size is fixed per session, derived from the
// sample rate and frame duration.
type Spec struct {
	Encoding          audio.EncodingInfo
	FrameDuration     time.Duration
	MaxPayload        uint32
	KeepaliveInterval time.Duration
}

func DefaultSpec() Spec {
	return Spec{
		Encoding:          audio.GetDefaultEncodingInfo(),
		FrameDuration:     audio.DefaultFrameDuration,
		MaxPayload:        DefaultMaxPayload,
		KeepaliveInterval: DefaultKeepaliveInterval,
	}
}

// ChunkBytes returns the fixed byte size of one raw inbound audio chunk.
func (s Spec) ChunkBytes() int {
	return s.Encoding.ChunkBytes(s.FrameDuration)
}

func (s Spec) isServerMarker(marker uint32) bool {
	switch marker {
	case MarkerTextChunk, MarkerTextComplete, MarkerTranscription, MarkerKeepalive, MarkerAuthSuccess:
		return true
	}
	return false
}

func putUint32(buf []byte, v uint32) {
	binary.LittleEndian.PutUint32(buf, v)
}

func readUint32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}
