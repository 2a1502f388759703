// Package portaudio provides microphone capture and speaker playback through
// PortAudio's blocking API, as an alternative to the miniaudio backend.
package portaudio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/koscakluka/vox-core/core/audio"
)

type Client struct {
	encoding    audio.EncodingInfo
	chunkFrames int
	stream      *portaudio.Stream

	in  []int16
	out []int16

	mu     sync.Mutex
	queued []byte
}

// NewClient opens the default duplex stream with a buffer of one pipeline
// chunk, so every read maps to exactly one wire frame.
func NewClient(encoding audio.EncodingInfo, chunkFrames int) (*Client, error) {
	if encoding.IsZero() {
		encoding = audio.GetDefaultEncodingInfo()
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	in := make([]int16, chunkFrames)
	out := make([]int16, chunkFrames)
	stream, err := portaudio.OpenDefaultStream(1, 1, float64(encoding.SampleRate), chunkFrames, in, out)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open portaudio stream: %w", err)
	}

	return &Client{
		encoding:    encoding,
		chunkFrames: chunkFrames,
		stream:      stream,
		in:          in,
		out:         out,
	}, nil
}

// Stream captures microphone chunks until ctx is cancelled, delivering one
// fixed-size PCM16 chunk per callback.
func (c *Client) Stream(ctx context.Context, onChunk func(pcm []byte)) error {
	if err := c.stream.Start(); err != nil {
		return fmt.Errorf("failed to start portaudio stream: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if err := c.stream.Read(); err != nil {
				return fmt.Errorf("failed to read from portaudio stream: %w", err)
			}

			buffer := bytes.Buffer{}
			binary.Write(&buffer, binary.LittleEndian, c.in)
			onChunk(buffer.Bytes())
		}
	}
}

// SendAudio plays queued PCM16 through the output side of the stream,
// holding back a partial tail until enough bytes arrive to fill a buffer.
func (c *Client) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	bufferBytes := c.chunkFrames * 2
	c.queued = append(c.queued, pcm...)
	for len(c.queued) >= bufferBytes {
		binary.Read(bytes.NewBuffer(c.queued[:bufferBytes]), binary.LittleEndian, c.out)
		c.queued = c.queued[bufferBytes:]
		if err := c.stream.Write(); err != nil {
			return fmt.Errorf("failed to write to portaudio stream: %w", err)
		}
	}
	return nil
}

// ClearBuffer drops any audio not yet written to the device.
func (c *Client) ClearBuffer() {
	c.mu.Lock()
	c.queued = nil
	c.mu.Unlock()
}

func (c *Client) EncodingInfo() audio.EncodingInfo { return c.encoding }

func (c *Client) Close() {
	c.stream.Close()
	portaudio.Terminate()
}
