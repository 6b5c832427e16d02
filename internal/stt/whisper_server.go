package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WhisperServerConfig points at a whisper.cpp HTTP server
// (started with: ./server -m models/ggml-base.en.bin --port 8178).
type WhisperServerConfig struct {
	Endpoint string
	Language string
}

// WhisperServerRecognizer uploads each batch to a local whisper.cpp server.
type WhisperServerRecognizer struct {
	cfg        WhisperServerConfig
	httpClient *http.Client
}

func NewWhisperServerRecognizer(cfg WhisperServerConfig) *WhisperServerRecognizer {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8178"
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &WhisperServerRecognizer{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (w *WhisperServerRecognizer) Transcribe(ctx context.Context, a Audio) (Result, error) {
	path, cleanup, err := writeTempAudio(a)
	defer cleanup()
	if err != nil {
		return Result{}, failed(TierLocal, err)
	}

	body, contentType, err := multipartAudio(path, w.cfg.Language)
	if err != nil {
		return Result{}, failed(TierLocal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.Endpoint+"/inference", body)
	if err != nil {
		return Result{}, failed(TierLocal, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return Result{}, unavailable(TierLocal, fmt.Errorf("inference request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, failed(TierLocal, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= 300 {
		return Result{}, failed(TierLocal, fmt.Errorf("inference failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	var parsed struct {
		Text  *string `json:"text"`
		Error string  `json:"error"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{}, failed(TierLocal, fmt.Errorf("parse response: %w", err))
	}
	if parsed.Error != "" {
		return Result{}, failed(TierLocal, fmt.Errorf("inference error: %s", parsed.Error))
	}
	if parsed.Text == nil {
		return Result{}, failed(TierLocal, fmt.Errorf("response missing text field"))
	}
	return Result{Text: strings.TrimSpace(*parsed.Text)}, nil
}

func multipartAudio(path, language string) (*bytes.Buffer, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err = io.Copy(fw, f); err != nil {
		return nil, "", fmt.Errorf("copy audio data: %w", err)
	}
	_ = mw.WriteField("response_format", "json")
	_ = mw.WriteField("temperature", "0.0")
	if language != "" {
		_ = mw.WriteField("language", language)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}
