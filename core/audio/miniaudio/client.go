// Package miniaudio provides microphone capture and speaker playback through
// malgo, for running the pipeline locally without a socket transport.
// Capture is re-chunked to the fixed frame size the pipeline expects.
package miniaudio

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/vox-core/core/audio"
)

type Client struct {
	// audioContext is only saved to be able to uninitialize it, it is an
	// ownership thing
	audioContext *malgo.AllocatedContext

	encoding   audio.EncodingInfo
	chunkBytes int

	mu       sync.Mutex
	capture  *malgo.Device
	playback *malgo.Device

	captureMu sync.Mutex
	onChunk   func(pcm []byte)
	pending   []byte

	playbackMu sync.Mutex
	queued     []byte
}

func NewClient(encoding audio.EncodingInfo, frameDuration time.Duration) (*Client, error) {
	if encoding.IsZero() {
		encoding = audio.GetDefaultEncodingInfo()
	}
	if frameDuration <= 0 {
		frameDuration = audio.DefaultFrameDuration
	}

	audioCtx, err := malgo.InitContext(
		nil,
		malgo.ContextConfig{},
		func(message string) {}, //log.Println("malgo:", message) },
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	client := &Client{
		audioContext: audioCtx,
		encoding:     encoding,
		chunkBytes:   encoding.ChunkBytes(frameDuration),
	}

	if err := client.initPlayback(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}
	if err := client.playback.Start(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}
	if err := client.initCapture(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to initialize capture device: %w", err)
	}

	return client, nil
}

func (c *Client) initPlayback() error {
	sampleRate := uint32(c.encoding.SampleRate)
	format := malgo.FormatS16
	channels := 1
	bytesPerFrame := malgo.SampleSizeInBytes(format) * channels
	silence := c.encoding.SilenceValue()

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.SampleRate = sampleRate
	config.Playback.Format = format
	config.Playback.Channels = uint32(channels)
	config.Alsa.NoMMap = 1
	config.PeriodSizeInFrames = sampleRate / 10 // ~100ms of audio
	config.Periods = 4

	device, err := malgo.InitDevice(c.audioContext.Context, config, malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, frameCount uint32) {
			need := int(frameCount) * bytesPerFrame
			if need > len(pOutput) {
				need = len(pOutput)
			}

			c.playbackMu.Lock()
			n := copy(pOutput[:need], c.queued)
			if n == len(c.queued) {
				c.queued = nil
			} else {
				c.queued = c.queued[n:]
			}
			c.playbackMu.Unlock()

			// Pad underruns with silence so stale buffer content never plays.
			for i := n; i < need; i++ {
				pOutput[i] = silence
			}
		},
	})
	if err != nil {
		return err
	}

	c.playback = device
	return nil
}

func (c *Client) initCapture() error {
	format := malgo.FormatS16
	channels := 1

	config := malgo.DefaultDeviceConfig(malgo.Capture)
	config.SampleRate = uint32(c.encoding.SampleRate)
	config.Capture.Format = format
	config.Capture.Channels = uint32(channels)
	config.Alsa.NoMMap = 1
	config.PerformanceProfile = malgo.LowLatency
	config.PeriodSizeInFrames = uint32(c.chunkBytes / c.encoding.Format.ByteSize())
	config.Periods = 3

	bytesPerFrame := malgo.SampleSizeInBytes(format) * channels
	device, err := malgo.InitDevice(c.audioContext.Context, config, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(pInput) < n || n == 0 {
				return
			}
			c.emitChunks(pInput[:n])
		},
	})
	if err != nil {
		return err
	}

	c.capture = device
	return nil
}

// emitChunks re-chunks whatever the device delivered into fixed-size frames.
// A partial tail stays pending until the next callback.
func (c *Client) emitChunks(pcm []byte) {
	c.captureMu.Lock()
	onChunk := c.onChunk
	c.pending = append(c.pending, pcm...)
	var chunks [][]byte
	for len(c.pending) >= c.chunkBytes {
		chunk := make([]byte, c.chunkBytes)
		copy(chunk, c.pending[:c.chunkBytes])
		c.pending = c.pending[c.chunkBytes:]
		chunks = append(chunks, chunk)
	}
	c.captureMu.Unlock()

	if onChunk == nil {
		return
	}
	for _, chunk := range chunks {
		onChunk(chunk)
	}
}

// StartCapture begins delivering fixed-size microphone chunks to onChunk.
func (c *Client) StartCapture(onChunk func(pcm []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture == nil {
		return fmt.Errorf("device not initialized")
	} else if c.capture.IsStarted() {
		return nil
	}

	c.captureMu.Lock()
	c.onChunk = onChunk
	c.pending = nil
	c.captureMu.Unlock()

	if err := c.capture.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	log.Println("Starting microphone capture. Speak now...")
	return nil
}

func (c *Client) StopCapture() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture == nil {
		return fmt.Errorf("device not initialized")
	} else if !c.capture.IsStarted() {
		return nil
	}

	if err := c.capture.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}

	c.captureMu.Lock()
	c.onChunk = nil
	c.captureMu.Unlock()
	return nil
}

// SendAudio queues PCM16 for playback. It implements the pipeline's audio
// output contract.
func (c *Client) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playback == nil {
		return fmt.Errorf("device not initialized")
	} else if !c.playback.IsStarted() {
		return fmt.Errorf("device not started")
	}

	c.playbackMu.Lock()
	c.queued = append(c.queued, pcm...)
	c.playbackMu.Unlock()
	return nil
}

// ClearBuffer drops any queued playback audio, e.g. on barge-in.
func (c *Client) ClearBuffer() {
	c.playbackMu.Lock()
	c.queued = nil
	c.playbackMu.Unlock()
}

func (c *Client) EncodingInfo() audio.EncodingInfo { return c.encoding }

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture != nil {
		c.capture.Uninit()
		c.capture = nil
	}
	if c.playback != nil {
		c.playback.Uninit()
		c.playback = nil
	}
	if c.audioContext != nil {
		_ = c.audioContext.Uninit()
		c.audioContext.Free()
		c.audioContext = nil
	}
}
