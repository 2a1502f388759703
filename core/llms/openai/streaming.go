// Package openai streams chat completions from any OpenAI-compatible
// endpoint (OpenAI, Groq, vLLM, llama.cpp server, ...).
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/koscakluka/vox-core/core/llms"
	"github.com/koscakluka/vox-core/internal/utils"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultRequestTimeout = 60 * time.Second

	chunkPrefix = "data:"
	endMessage  = "[DONE]"
)

type Client struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

type Option func(*Client)

// WithBaseURL points the client at a different OpenAI-compatible server.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithRequestTimeout bounds a single streaming call end to end. This is the
// per-request timeout, independent of any circuit breaker cooldown in front
// of the client.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.client.Timeout = timeout }
}

func NewClient(apiKey string, model string, opts ...Option) *Client {
	client := &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		client: &http.Client{
			Timeout: defaultRequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
					return operationName + " " + request.URL.Path
				}),
			),
		},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type requestBody struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type streamingResponseBody struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// StreamChat implements [llms.ChatStreamer]. The sequence yields text deltas
// as they arrive; any transport or decode fault is yielded once as the error
// element and ends the sequence.
func (c *Client) StreamChat(ctx context.Context, messages []llms.Message, systemPrompt string, params llms.SamplingParams) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, span := tracer.Start(ctx, "stream chat completion")
		defer span.End()
		span.SetAttributes(attribute.String("request.model", c.model))

		body := requestBody{
			Model:  c.model,
			Stream: true,
		}
		if systemPrompt != "" {
			body.Messages = append(body.Messages, message{Role: string(llms.RoleSystem), Content: systemPrompt})
		}
		for _, msg := range messages {
			body.Messages = append(body.Messages, message{Role: string(msg.Role), Content: msg.Content})
		}
		if params.Temperature != 0 {
			body.Temperature = utils.Ptr(params.Temperature)
		}
		if params.TopP != 0 {
			body.TopP = utils.Ptr(params.TopP)
		}
		if params.MaxTokens != 0 {
			body.MaxTokens = utils.Ptr(params.MaxTokens)
		}

		requestBodyBytes, err := json.Marshal(body)
		if err != nil {
			err = fmt.Errorf("failed to marshal chat request: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield("", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(requestBodyBytes))
		if err != nil {
			err = fmt.Errorf("failed to create chat request: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield("", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		requestStarted := time.Now()
		span.AddEvent("request started")
		resp, err := c.client.Do(req)
		if err != nil {
			err = fmt.Errorf("failed to send chat request: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield("", err)
			return
		}
		defer resp.Body.Close()

		span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
		if resp.StatusCode != http.StatusOK {
			if errorBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096)); readErr == nil {
				span.SetAttributes(attribute.String("response.error", string(errorBody)))
			}
			err := fmt.Errorf("non-OK HTTP status: %s", resp.Status)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield("", err)
			return
		}

		firstToken := true
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			chunk := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), chunkPrefix))
			if len(chunk) == 0 {
				continue
			}
			if chunk == endMessage {
				break
			}

			var responseBody streamingResponseBody
			if err := json.Unmarshal([]byte(chunk), &responseBody); err != nil {
				err = fmt.Errorf("failed to unmarshal stream chunk: %w", err)
				span.RecordError(err)
				if !yield("", err) {
					return
				}
				continue
			}
			if len(responseBody.Choices) == 0 {
				continue
			}

			if firstToken {
				span.SetAttributes(attribute.Float64("response.request_to_first_token_time", time.Since(requestStarted).Seconds()))
				span.AddEvent("received first chunk")
				firstToken = false
			}

			delta := responseBody.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !yield(delta, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			err = fmt.Errorf("failed to stream chat response: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield("", err)
		}
	}
}
