// Package rvc post-processes synthesized speech through an external voice
// conversion server that accepts raw PCM and returns converted PCM at the
// same sample rate.
package rvc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/koscakluka/vox-core/core/audio"
)

type Converter struct {
	endpoint string
	client   *http.Client
}

func NewConverter(endpoint string) *Converter {
	return &Converter{
		endpoint: endpoint,
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Convert implements [texttospeech.VoiceConverter].
func (c *Converter) Convert(ctx context.Context, samples []float32, sampleRate int) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint,
		bytes.NewReader(audio.PCM16FromSamples(samples)))
	if err != nil {
		return nil, fmt.Errorf("failed to create conversion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Sample-Rate", strconv.Itoa(sampleRate))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send conversion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("non-OK HTTP status: %s", resp.Status)
	}

	converted, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversion response: %w", err)
	}
	return audio.SamplesFromPCM16(converted), nil
}
