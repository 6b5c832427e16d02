package stt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

var errMissingCredential = errors.New("no API key provisioned")

// OpenAIConfig holds configuration for the cloud transcription tier.
type OpenAIConfig struct {
	APIKey   string
	BaseURL  string // default: "https://api.openai.com/v1"
	Model    string // default: "whisper-1"
	Language string
}

// OpenAIRecognizer transcribes audio using OpenAI's Whisper API (or a compatible endpoint).
type OpenAIRecognizer struct {
	client   *openai.Client
	apiKey   string
	model    string
	language string
}

func NewOpenAIRecognizer(cfg OpenAIConfig) *OpenAIRecognizer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}
	return &OpenAIRecognizer{
		client:   openai.NewClientWithConfig(clientCfg),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		language: cfg.Language,
	}
}

func (o *OpenAIRecognizer) Transcribe(ctx context.Context, a Audio) (Result, error) {
	if o.apiKey == "" {
		return Result{}, unavailable(TierCloud, errMissingCredential)
	}

	path, cleanup, err := writeTempAudio(a)
	defer cleanup()
	if err != nil {
		return Result{}, failed(TierCloud, err)
	}

	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.model,
		FilePath: path,
		Language: o.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return Result{}, classifyOpenAIError(err)
	}
	return Result{Text: strings.TrimSpace(resp.Text)}, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return failed(TierCloud, fmt.Errorf("openai api (status %d): %w", apiErr.HTTPStatusCode, err))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return failed(TierCloud, fmt.Errorf("openai request (status %d): %w", reqErr.HTTPStatusCode, err))
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return unavailable(TierCloud, err)
	}
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return unavailable(TierCloud, err)
	}
	return failed(TierCloud, fmt.Errorf("openai transcription: %w", err))
}
