// Package deepgram synthesizes speech through Deepgram's speak API.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/koscakluka/vox-core/core/audio"
)

type deepgramVoice string

const (
	VoiceAsteriaEN deepgramVoice = "aura-2-asteria-en"
	VoiceThaliaEN  deepgramVoice = "aura-2-thalia-en"
	VoiceOrionEN   deepgramVoice = "aura-2-orion-en"
)

type TextToSpeechClient struct {
	apiKey       string
	voice        deepgramVoice
	encodingInfo audio.EncodingInfo
	client       *http.Client
}

type Option func(*TextToSpeechClient)

func WithVoice(voice deepgramVoice) Option {
	return func(c *TextToSpeechClient) { c.voice = voice }
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) Option {
	return func(c *TextToSpeechClient) { c.encodingInfo = encodingInfo }
}

func WithAPIKey(apiKey string) Option {
	return func(c *TextToSpeechClient) { c.apiKey = apiKey }
}

func NewTextToSpeechClient(opts ...Option) (*TextToSpeechClient, error) {
	client := &TextToSpeechClient{
		voice:        VoiceAsteriaEN,
		encodingInfo: audio.GetDefaultEncodingInfo(),
		client:       &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
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

// GenerateSpeech implements [texttospeech.SpeechGenerator].
func (c *TextToSpeechClient) GenerateSpeech(ctx context.Context, text string) ([]float32, int, error) {
	urlValues := url.Values{}
	urlValues.Set("encoding", c.encodingInfo.Format.Name())
	urlValues.Set("sample_rate", strconv.Itoa(c.encodingInfo.SampleRate))
	urlValues.Set("model", string(c.voice))
	urlValues.Set("container", "none")

	speakUrl := (&url.URL{
		Scheme: "https",
		Host:   "api.deepgram.com", Path: "/v1/speak",
		RawQuery: urlValues.Encode(),
	}).String()

	body, err := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: text})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal speak request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, speakUrl, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create speak request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to send speak request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("non-OK HTTP status: %s", resp.Status)
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read speak response: %w", err)
	}

	return audio.SamplesFromPCM16(pcm), c.encodingInfo.SampleRate, nil
}
