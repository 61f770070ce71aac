package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"braindump/internal/config"
)

const (
	transcriptionPath    = "/audio/transcriptions"
	chatCompletionsPath  = "/chat/completions"
	structureTemperature = 0.1
)

// TranscribeOptions constrains the speech collaborator's decoding.
type TranscribeOptions struct {
	Language    string
	Prompt      string
	Temperature float64
}

type OpenAIService struct {
	apiKey          string
	baseURL         string
	transcribeModel string
	structureModel  string
	httpClient      *http.Client
}

func NewOpenAIService(cfg config.Config) *OpenAIService {
	timeout := cfg.TranscribeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &OpenAIService{
		apiKey:          cfg.OpenAIAPIKey,
		baseURL:         cfg.OpenAIBaseURL,
		transcribeModel: cfg.OpenAIModelTranscribe,
		structureModel:  cfg.OpenAIModelStructure,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *OpenAIService) Transcribe(ctx context.Context, r io.Reader, filename string, opts TranscribeOptions) (string, error) {
	if err := s.ensureAPIKey(); err != nil {
		return "", err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create multipart file: %w", err)
	}

	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("copy audio data: %w", err)
	}

	fields := map[string]string{
		"model":       s.transcribeModel,
		"temperature": fmt.Sprintf("%g", opts.Temperature),
	}
	if opts.Language != "" {
		fields["language"] = opts.Language
	}
	if opts.Prompt != "" {
		fields["prompt"] = opts.Prompt
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return "", fmt.Errorf("write %s field: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+transcriptionPath, body)
	if err != nil {
		return "", fmt.Errorf("create transcription request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", s.decodeAPIError(resp)
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode transcription response: %w", err)
	}

	return strings.TrimSpace(payload.Text), nil
}

// CompleteJSON asks the chat model for a JSON object and returns the raw
// message content.
func (s *OpenAIService) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	if err := s.ensureAPIKey(); err != nil {
		return "", err
	}

	payload := map[string]any{
		"model": s.structureModel,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"temperature":     structureTemperature,
		"response_format": map[string]string{"type": "json_object"},
	}

	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return "", fmt.Errorf("encode completion payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+chatCompletionsPath, buf)
	if err != nil {
		return "", fmt.Errorf("create completion request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", s.decodeAPIError(resp)
	}

	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}

	if len(response.Choices) == 0 {
		return "", errors.New("no completion returned")
	}

	return strings.TrimSpace(response.Choices[0].Message.Content), nil
}

func (s *OpenAIService) do(req *http.Request) (*http.Response, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}

	return resp, nil
}

func (s *OpenAIService) decodeAPIError(resp *http.Response) error {
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)

	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("openai api error: status %d type %s message %s", resp.StatusCode, apiErr.Error.Type, apiErr.Error.Message)
	}

	return fmt.Errorf("openai api error: status %d body %s", resp.StatusCode, string(body))
}

func (s *OpenAIService) ensureAPIKey() error {
	if strings.TrimSpace(s.apiKey) == "" {
		return errors.New("openai api key is not configured")
	}
	return nil
}
