// Package deepgram transcribes buffered utterances through Deepgram's
// streaming listen API. Each Transcribe call opens a short-lived websocket,
// pushes the whole utterance, closes the stream, and collects the final
// transcript segments.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"

	"github.com/koscakluka/vox-core/core/audio"
)

// audio is streamed to deepgram in slices of this many samples
const sendChunkSamples = 4096

type TranscriptionClient struct {
	apiKey       string
	model        string
	language     string
	encodingInfo audio.EncodingInfo
}

type Option func(*TranscriptionClient)

func WithModel(model string) Option {
	return func(c *TranscriptionClient) { c.model = model }
}

func WithLanguage(language string) Option {
	return func(c *TranscriptionClient) { c.language = language }
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) Option {
	return func(c *TranscriptionClient) { c.encodingInfo = encodingInfo }
}

func WithAPIKey(apiKey string) Option {
	return func(c *TranscriptionClient) { c.apiKey = apiKey }
}

func NewTranscriptionClient(opts ...Option) (*TranscriptionClient, error) {
	client := &TranscriptionClient{
		model:        "nova-3",
		language:     "en-US",
		encodingInfo: audio.GetDefaultEncodingInfo(),
	}
	for _, opt := range opts {
		opt(client)
	}

	if client.apiKey == "" {
		apiKey, ok := os.LookupEnv("DEEPGRAM_API_KEY")
		if !ok {
			return nil, fmt.Errorf("deepgram api key not found")
		}
		client.apiKey = apiKey
	}

	return client, nil
}

// Transcribe implements [speechtotext.Transcriber].
func (c *TranscriptionClient) Transcribe(ctx context.Context, samples []float32) (string, error) {
	conn, err := c.connectWebsocket(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to open websocket: %w", err)
	}
	defer conn.Close()

	pcm := audio.PCM16FromSamples(samples)
	chunkBytes := sendChunkSamples * 2
	for start := 0; start < len(pcm); start += chunkBytes {
		end := min(start+chunkBytes, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[start:end]); err != nil {
			return "", fmt.Errorf("failed to write to deepgram client: %w", err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	if err := conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: string(api.TypeCloseStreamResponse)}); err != nil {
		return "", fmt.Errorf("failed to close deepgram stream: %w", err)
	}

	return c.collectTranscript(ctx, conn)
}

func (c *TranscriptionClient) connectWebsocket(ctx context.Context) (*websocket.Conn, error) {
	listenUrl, _ := url.Parse("wss://api.deepgram.com/v1/listen")
	queryParams := listenUrl.Query()
	queryParams.Set("encoding", c.encodingInfo.Format.Name())
	queryParams.Set("sample_rate", strconv.Itoa(c.encodingInfo.SampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", c.model)
	queryParams.Set("language", c.language)
	queryParams.Set("smart_format", "true")
	listenUrl.RawQuery = queryParams.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, listenUrl.String(),
		http.Header{"Authorization": {"Token " + c.apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}
	return conn, nil
}

func (c *TranscriptionClient) collectTranscript(ctx context.Context, conn *websocket.Conn) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	var transcript strings.Builder
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return strings.TrimSpace(transcript.String()), nil
			}
			return "", fmt.Errorf("failed to read deepgram websocket message: %w", err)
		}
		if msgType == websocket.BinaryMessage {
			continue
		}

		var parsedMsg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &parsedMsg); err != nil {
			log.Println("Failed to unmarshal deepgram message", "error", err)
			continue
		}

		switch api.TypeResponse(parsedMsg.Type) {
		case api.TypeMessageResponse:
			var msgResp api.MessageResponse
			if err := json.Unmarshal(msg, &msgResp); err != nil {
				log.Println("Failed to unmarshal deepgram message", err)
				continue
			}
			if !msgResp.IsFinal || len(msgResp.Channel.Alternatives) == 0 {
				continue
			}
			if segment := strings.TrimSpace(msgResp.Channel.Alternatives[0].Transcript); len(segment) > 0 {
				if transcript.Len() > 0 {
					transcript.WriteString(" ")
				}
				transcript.WriteString(segment)
			}

		case api.TypeResponse("Metadata"):
			// Metadata arrives once the stream is fully processed.
			return strings.TrimSpace(transcript.String()), nil
		}
	}
}
