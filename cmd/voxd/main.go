package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koscakluka/vox-core/bridge"
	pipeline "github.com/koscakluka/vox-core/core"
	"github.com/koscakluka/vox-core/core/audio"
	"github.com/koscakluka/vox-core/core/audio/miniaudio"
	"github.com/koscakluka/vox-core/core/llms/openai"
	"github.com/koscakluka/vox-core/core/metrics"
	"github.com/koscakluka/vox-core/core/protocol"
	deepgramstt "github.com/koscakluka/vox-core/core/speechtotext/deepgram"
	"github.com/koscakluka/vox-core/core/texttospeech"
	deepgramtts "github.com/koscakluka/vox-core/core/texttospeech/deepgram"
	"github.com/koscakluka/vox-core/core/texttospeech/kyutai"
	"github.com/koscakluka/vox-core/core/texttospeech/rvc"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	config, err := LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config); err != nil {
		slog.Error("voxd terminated", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, config Config) error {
	var device *miniaudio.Client
	engineOpts := []pipeline.EngineOption{}
	if config.Audio.Device == "miniaudio" {
		var err error
		device, err = miniaudio.NewClient(audio.GetDefaultEncodingInfo(), audio.DefaultFrameDuration)
		if err != nil {
			return fmt.Errorf("failed to open audio device: %w", err)
		}
		defer device.Close()
		engineOpts = append(engineOpts, pipeline.WithAudioOutput(device))
	}

	engine, err := buildEngine(config, engineOpts...)
	if err != nil {
		return err
	}

	protocolServer, err := protocol.NewServer(
		protocol.WithAuthToken(config.AuthToken),
		protocol.WithVAD(mustVAD(config.VAD)),
	)
	if err != nil {
		return fmt.Errorf("failed to create protocol server: %w", err)
	}

	bridgeServer, err := bridge.NewServer(engine,
		bridge.WithAuthToken(config.AuthToken),
		bridge.WithVAD(mustVAD(config.VAD)),
	)
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}

	listener, err := net.Listen("tcp", config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", config.ListenAddr, err)
	}
	defer listener.Close()

	bridgeHTTP := &http.Server{
		Addr:              config.BridgeAddr,
		Handler:           bridgeServer,
		ReadHeaderTimeout: 10 * time.Second,
	}
	exporter := metrics.NewExporter(config.MetricsAddr, metrics.NewEngineCollector(engine))

	if device != nil {
		captureVAD := mustVAD(config.VAD)
		err := device.StartCapture(func(pcm []byte) {
			engine.PushAudio(audio.SamplesFromPCM16(pcm), captureVAD.Analyze(pcm))
		})
		if err != nil {
			return fmt.Errorf("failed to start microphone capture: %w", err)
		}
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("pipeline failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		slog.Info("protocol server listening", "addr", config.ListenAddr)
		return protocolServer.Serve(ctx, listener, protocol.SessionCallbacks{
			OnConnect: func(session *protocol.Session) {
				slog.Info("client connected", "session", session.ID())
				engine.SetTransport(session)
			},
			OnText: func(_ *protocol.Session, text string) {
				engine.PushText(text)
			},
			OnAudio: func(_ *protocol.Session, samples []float32, confidence float64) {
				engine.PushAudio(samples, confidence)
			},
			OnDisconnect: func(session *protocol.Session, err error) {
				slog.Info("client disconnected", "session", session.ID(), "error", err)
				engine.SetTransport(nil)
			},
		})
	})

	group.Go(func() error {
		slog.Info("bridge listening", "addr", config.BridgeAddr)
		if err := bridgeHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("bridge server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		slog.Info("metrics listening", "addr", config.MetricsAddr)
		if err := exporter.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var captureErr error
		if device != nil {
			captureErr = device.StopCapture()
		}
		return errors.Join(
			captureErr,
			bridgeHTTP.Shutdown(shutdownCtx),
			exporter.Shutdown(shutdownCtx),
			engine.Shutdown(shutdownTimeout),
		)
	})

	return group.Wait()
}

func buildEngine(config Config, extra ...pipeline.EngineOption) (*pipeline.Engine, error) {
	llm := openai.NewClient(config.LLM.APIKey, config.LLM.Model,
		openaiOptions(config.LLM)...)

	transcriber, err := deepgramstt.NewTranscriptionClient(
		deepgramstt.WithAPIKey(config.STT.APIKey),
		deepgramstt.WithModel(config.STT.Model),
		deepgramstt.WithLanguage(config.STT.Language),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcription client: %w", err)
	}

	generator, err := buildSpeechGenerator(config.TTS)
	if err != nil {
		return nil, err
	}

	opts := []pipeline.EngineOption{
		pipeline.WithChatStreamer(llm),
		pipeline.WithTranscriber(transcriber),
		pipeline.WithSpeechGenerator(generator),
		pipeline.WithSystemPrompt(config.SystemPrompt),
		pipeline.OnTurnEnded(func(spoken string, interrupted bool) {
			slog.Info("turn ended", "interrupted", interrupted, "spoken", spoken)
		}),
	}
	if config.Voice.ConversionEndpoint != "" {
		opts = append(opts, pipeline.WithVoiceConverter(rvc.NewConverter(config.Voice.ConversionEndpoint)))
	}
	if config.VAD.Threshold > 0 {
		opts = append(opts, pipeline.WithVoicedThreshold(config.VAD.Threshold))
	}
	if config.Turn.EndOfUtteranceSilence > 0 {
		opts = append(opts, pipeline.WithEndOfUtteranceSilence(config.Turn.EndOfUtteranceSilence))
	}
	if config.Turn.ContextWindow > 0 {
		opts = append(opts, pipeline.WithContextWindow(config.Turn.ContextWindow))
	}
	if config.Turn.Apology != "" {
		opts = append(opts, pipeline.WithCannedApology(config.Turn.Apology))
	}
	opts = append(opts, extra...)

	engine, err := pipeline.NewEngine(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return engine, nil
}

func buildSpeechGenerator(config TTSConfig) (texttospeech.SpeechGenerator, error) {
	switch config.Provider {
	case "kyutai":
		opts := []kyutai.Option{}
		if config.Voice != "" {
			opts = append(opts, kyutai.WithVoice(config.Voice))
		}
		client, err := kyutai.NewTextToSpeechClient(config.ServerURL, config.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create kyutai client: %w", err)
		}
		return client, nil
	default:
		opts := []deepgramtts.Option{deepgramtts.WithAPIKey(config.APIKey)}
		switch config.Voice {
		case "aura-2-thalia-en":
			opts = append(opts, deepgramtts.WithVoice(deepgramtts.VoiceThaliaEN))
		case "aura-2-orion-en":
			opts = append(opts, deepgramtts.WithVoice(deepgramtts.VoiceOrionEN))
		}
		client, err := deepgramtts.NewTextToSpeechClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create deepgram speech client: %w", err)
		}
		return client, nil
	}
}

func openaiOptions(config LLMConfig) []openai.Option {
	opts := []openai.Option{}
	if config.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(config.BaseURL))
	}
	return opts
}

// mustVAD builds a detector from the config, falling back to the defaults
// when a parameter is malformed. Each server gets its own instance because
// smoothing carries state across chunks.
func mustVAD(config VADConfig) *audio.VAD {
	opts := []audio.VADOption{}
	if config.Threshold > 0 {
		opts = append(opts, audio.WithVADThreshold(config.Threshold))
	}
	if config.MinVolume > 0 {
		opts = append(opts, audio.WithVADMinVolume(config.MinVolume))
	}
	if config.Smoothing > 0 {
		opts = append(opts, audio.WithVADSmoothing(config.Smoothing))
	}

	vad, err := audio.NewVAD(opts...)
	if err != nil {
		slog.Warn("invalid vad config, using defaults", "error", err)
		vad, _ = audio.NewVAD()
	}
	return vad
}
