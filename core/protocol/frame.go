package protocol

import (
	"bufio"
	"fmt"
	"io"
	"sync"
)

// Writer frames outbound messages onto the duplex stream. All writes go
// through a single mutex: keepalives, audio, and text are emitted from
// different stages concurrently and the stream tolerates no interleaving.
type Writer struct {
	spec Spec

	mu  sync.Mutex
	out io.Writer
}

func NewWriter(out io.Writer, spec Spec) *Writer {
	return &Writer{spec: spec, out: out}
}

// WriteText frames text as [marker][len][utf8 bytes].
func (w *Writer) WriteText(marker uint32, text string) error {
	payload := []byte(text)
	if uint32(len(payload)) > w.spec.MaxPayload {
		return fmt.Errorf("failed to frame %d byte text message: %w", len(payload), ErrOversizedFrame)
	}

	frame := make([]byte, 8+len(payload))
	putUint32(frame[0:], marker)
	putUint32(frame[4:], uint32(len(payload)))
	copy(frame[8:], payload)
	return w.write(frame)
}

// WriteAudio frames synthesized speech as [len][sample_rate][pcm16 bytes].
func (w *Writer) WriteAudio(sampleRate int, pcm []byte) error {
	if uint32(len(pcm)) > w.spec.MaxPayload {
		return fmt.Errorf("failed to frame %d byte audio buffer: %w", len(pcm), ErrOversizedFrame)
	}

	frame := make([]byte, 8+len(pcm))
	putUint32(frame[0:], uint32(len(pcm)))
	putUint32(frame[4:], uint32(sampleRate))
	copy(frame[8:], pcm)
	return w.write(frame)
}

// WriteStopPlayback emits the degenerate audio frame [0][0] that tells the
// client to drop any buffered playback immediately.
func (w *Writer) WriteStopPlayback() error {
	frame := make([]byte, 8)
	return w.write(frame)
}

// WriteKeepalive emits an empty keepalive marker frame.
func (w *Writer) WriteKeepalive() error {
	frame := make([]byte, 8)
	putUint32(frame[0:], MarkerKeepalive)
	return w.write(frame)
}

func (w *Writer) write(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.out.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Inbound is one demultiplexed unit read from a client.
type Inbound struct {
	// Text is set for client-text frames.
	Text string
	// Audio holds one fixed-size raw PCM chunk when Text is unset.
	Audio  []byte
	IsText bool
}

// Reader demultiplexes the client side of the stream: length-prefixed text
// frames and fixed-size untagged raw audio chunks.
type Reader struct {
	spec Spec
	in   *bufio.Reader
}

func NewReader(in io.Reader, spec Spec) *Reader {
	return &Reader{spec: spec, in: bufio.NewReader(in)}
}

// Next blocks until one full inbound unit is available.
func (r *Reader) Next() (Inbound, error) {
	var head [4]byte
	if _, err := io.ReadFull(r.in, head[:]); err != nil {
		return Inbound{}, err
	}

	if readUint32(head[:]) == MarkerClientText {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r.in, lenBuf[:]); err != nil {
			return Inbound{}, fmt.Errorf("failed to read text frame length: %w", err)
		}
		length := readUint32(lenBuf[:])
		if length > r.spec.MaxPayload {
			return Inbound{}, fmt.Errorf("failed to read %d byte text frame: %w", length, ErrOversizedFrame)
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r.in, payload); err != nil {
			return Inbound{}, fmt.Errorf("failed to read text frame payload: %w", err)
		}
		return Inbound{Text: string(payload), IsText: true}, nil
	}

	chunk := make([]byte, r.spec.ChunkBytes())
	copy(chunk, head[:])
	if _, err := io.ReadFull(r.in, chunk[4:]); err != nil {
		return Inbound{}, fmt.Errorf("failed to read raw audio chunk: %w", err)
	}
	return Inbound{Audio: chunk}, nil
}

// ServerMessage is one decoded unit of the server side of the stream.
type ServerMessage struct {
	Marker uint32
	Text   string

	// Audio fields are set for (untagged) audio frames. A zero-length,
	// zero-rate audio frame is the stop-playback signal.
	Audio        []byte
	SampleRate   int
	IsAudio      bool
	StopPlayback bool
}

// ClientReader decodes the server-to-client direction: marker frames plus
// untagged [len][sample_rate] audio frames.
type ClientReader struct {
	spec Spec
	in   *bufio.Reader
}

func NewClientReader(in io.Reader, spec Spec) *ClientReader {
	return &ClientReader{spec: spec, in: bufio.NewReader(in)}
}

func (r *ClientReader) Next() (ServerMessage, error) {
	var head [8]byte
	if _, err := io.ReadFull(r.in, head[:]); err != nil {
		return ServerMessage{}, err
	}

	first, second := readUint32(head[0:]), readUint32(head[4:])

	if r.spec.isServerMarker(first) {
		if second > r.spec.MaxPayload {
			return ServerMessage{}, fmt.Errorf("failed to read %d byte frame: %w", second, ErrOversizedFrame)
		}
		payload := make([]byte, second)
		if _, err := io.ReadFull(r.in, payload); err != nil {
			return ServerMessage{}, fmt.Errorf("failed to read frame payload: %w", err)
		}
		return ServerMessage{Marker: first, Text: string(payload)}, nil
	}

	// Untagged audio frame: first = payload length, second = sample rate.
	if first == 0 && second == 0 {
		return ServerMessage{IsAudio: true, StopPlayback: true}, nil
	}
	if first > r.spec.MaxPayload {
		return ServerMessage{}, fmt.Errorf("failed to read %d byte audio frame: %w", first, ErrOversizedFrame)
	}

	pcm := make([]byte, first)
	if _, err := io.ReadFull(r.in, pcm); err != nil {
		return ServerMessage{}, fmt.Errorf("failed to read audio frame payload: %w", err)
	}
	return ServerMessage{IsAudio: true, Audio: pcm, SampleRate: int(second)}, nil
}

// ClientWriter frames the client side of the stream. Provided for Go clients
// and for exercising the server loop in tests.
type ClientWriter struct {
	spec Spec

	mu  sync.Mutex
	out io.Writer
}

func NewClientWriter(out io.Writer, spec Spec) *ClientWriter {
	return &ClientWriter{spec: spec, out: out}
}

func (w *ClientWriter) WriteText(text string) error {
	payload := []byte(text)
	if uint32(len(payload)) > w.spec.MaxPayload {
		return fmt.Errorf("failed to frame %d byte text message: %w", len(payload), ErrOversizedFrame)
	}

	frame := make([]byte, 8+len(payload))
	putUint32(frame[0:], MarkerClientText)
	putUint32(frame[4:], uint32(len(payload)))
	copy(frame[8:], payload)

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.out.Write(frame)
	return err
}

// WriteAudioChunk writes one raw, untagged audio chunk. The chunk must be
// exactly the session's fixed chunk size.
func (w *ClientWriter) WriteAudioChunk(chunk []byte) error {
	if len(chunk) != w.spec.ChunkBytes() {
		return fmt.Errorf("audio chunk must be exactly %d bytes, got %d", w.spec.ChunkBytes(), len(chunk))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.out.Write(chunk)
	return err
}
