package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the voxd server configuration. Secrets may be left out of the
// file and supplied through the environment instead.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	BridgeAddr  string `yaml:"bridge_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	AuthToken   string `yaml:"auth_token"`

	SystemPrompt string `yaml:"system_prompt"`

	LLM   LLMConfig   `yaml:"llm"`
	STT   STTConfig   `yaml:"stt"`
	TTS   TTSConfig   `yaml:"tts"`
	Voice VoiceConfig `yaml:"voice"`

	Audio AudioConfig `yaml:"audio"`
	VAD   VADConfig   `yaml:"vad"`
	Turn  TurnConfig  `yaml:"turn"`
}

type AudioConfig struct {
	// Device selects local microphone capture and speaker playback alongside
	// the socket transports: "miniaudio" or "none".
	Device string `yaml:"device"`
}

type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

type STTConfig struct {
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

type TTSConfig struct {
	// Provider selects the synthesis backend, "deepgram" or "kyutai".
	Provider  string `yaml:"provider"`
	APIKey    string `yaml:"api_key"`
	Voice     string `yaml:"voice"`
	ServerURL string `yaml:"server_url"`
}

type VoiceConfig struct {
	// ConversionEndpoint, when set, routes every synthesized clip through an
	// RVC conversion server before playback.
	ConversionEndpoint string `yaml:"conversion_endpoint"`
}

type VADConfig struct {
	Threshold float64 `yaml:"threshold"`
	MinVolume float64 `yaml:"min_volume"`
	Smoothing float64 `yaml:"smoothing"`
}

type TurnConfig struct {
	EndOfUtteranceSilence time.Duration `yaml:"end_of_utterance_silence"`
	ContextWindow         int           `yaml:"context_window"`
	Apology               string        `yaml:"apology"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:  ":9000",
		BridgeAddr:  ":8080",
		MetricsAddr: ":9090",
		LLM: LLMConfig{
			Model: "gpt-4o-mini",
		},
		STT: STTConfig{
			Model:    "nova-2",
			Language: "en",
		},
		TTS: TTSConfig{
			Provider: "deepgram",
		},
		Audio: AudioConfig{
			Device: "none",
		},
	}
}

// LoadConfig reads the YAML file at path on top of the defaults. An empty
// path yields the defaults alone. Environment variables override secrets so
// tokens can stay out of the file.
func LoadConfig(path string) (Config, error) {
	config := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &config); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if token := os.Getenv("VOXD_AUTH_TOKEN"); token != "" {
		config.AuthToken = token
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		config.LLM.APIKey = key
	}
	if key := os.Getenv("DEEPGRAM_API_KEY"); key != "" {
		if config.STT.APIKey == "" {
			config.STT.APIKey = key
		}
		if config.TTS.Provider == "deepgram" && config.TTS.APIKey == "" {
			config.TTS.APIKey = key
		}
	}

	return config, config.validate()
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must be set")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key must be set (or OPENAI_API_KEY)")
	}
	switch c.TTS.Provider {
	case "", "deepgram", "kyutai":
	default:
		return fmt.Errorf("unknown tts.provider %q", c.TTS.Provider)
	}
	if c.TTS.Provider == "kyutai" && c.TTS.ServerURL == "" {
		return fmt.Errorf("tts.server_url must be set for the kyutai provider")
	}
	switch c.Audio.Device {
	case "", "none", "miniaudio":
	default:
		return fmt.Errorf("unknown audio.device %q", c.Audio.Device)
	}
	return nil
}
