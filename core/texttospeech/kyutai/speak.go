// Package kyutai synthesizes speech through a Kyutai TTS server's
// msgpack-over-websocket streaming API.
package kyutai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

type TextToSpeechClient struct {
	endpoint *url.URL
	apiKey   string
}

type Option func(*TextToSpeechClient)

func WithVoice(voice string) Option {
	return func(c *TextToSpeechClient) {
		parameters := c.endpoint.Query()
		parameters.Set("voice", voice)
		c.endpoint.RawQuery = parameters.Encode()
	}
}

func NewTextToSpeechClient(serverURL, apiKey string, opts ...Option) (*TextToSpeechClient, error) {
	endpoint, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse the URL: %w", err)
	}
	endpoint.Path = path.Join(endpoint.Path, "/api/tts_streaming")
	parameters := endpoint.Query()
	parameters.Set("format", "PcmMessagePack")
	endpoint.RawQuery = parameters.Encode()

	client := &TextToSpeechClient{endpoint: endpoint, apiKey: apiKey}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// GenerateSpeech implements [texttospeech.SpeechGenerator]. It opens a
// short-lived stream per sentence: text then end-of-stream out, PCM messages
// in until the server closes.
func (c *TextToSpeechClient) GenerateSpeech(ctx context.Context, text string) ([]float32, int, error) {
	conn, _, err := websocket.Dial(ctx, c.endpoint.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"kyutai-api-key": {c.apiKey},
		},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to dial websocket: %w", err)
	}

	var samples []float32
	sampleRate := defaultSampleRate

	workers, workersCtx := errgroup.WithContext(ctx)
	workers.Go(func() error {
		for _, msg := range [][]byte{encodeText(text), encodeEos()} {
			if err := conn.Write(workersCtx, websocket.MessageBinary, msg); err != nil {
				return fmt.Errorf("failed to write message: %w", err)
			}
		}
		return nil
	})
	workers.Go(func() error {
		for {
			msgType, data, err := conn.Read(workersCtx)
			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return nil
				}
				return fmt.Errorf("failed to read message: %w", err)
			}
			if msgType != websocket.MessageBinary {
				continue
			}

			msg, err := decodeMessage(data)
			if err != nil {
				return fmt.Errorf("failed to decode message: %w", err)
			}
			switch msg.Type {
			case messageTypeAudio:
				samples = append(samples, msg.PCM...)
			case messageTypeEos:
				return nil
			}
		}
	})

	if err := workers.Wait(); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return nil, 0, err
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")

	return samples, sampleRate, nil
}
