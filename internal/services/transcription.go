package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"braindump/internal/config"
	"braindump/internal/domain"
)

const (
	defaultAudioFilename = "audio.webm"
	cleanupTimeout       = 30 * time.Second
)

var languagePrompts = map[string]string{
	"no": "Dette er et lydopptak på norsk. Transkriber det på norsk.",
	"en": "This is an English language audio recording. Please transcribe it in English.",
}

type SpeechToText interface {
	Transcribe(ctx context.Context, r io.Reader, filename string, opts TranscribeOptions) (string, error)
}

type BlobDeleter interface {
	DeleteByURL(ctx context.Context, rawURL string) error
}

// TranscriptionProxy turns an audio reference into text. Remote references
// are fetched from the blob store and removed again once transcribed.
type TranscriptionProxy struct {
	speech      SpeechToText
	blobs       BlobDeleter
	blobBaseURL string
	maxBytes    int64
	opts        TranscribeOptions
	httpClient  *http.Client
}

func NewTranscriptionProxy(cfg config.Config, speech SpeechToText, blobs BlobDeleter) *TranscriptionProxy {
	prompt, ok := languagePrompts[cfg.TranscriptionLanguage]
	if !ok {
		prompt = fmt.Sprintf("This recording is in the language with code %q. Transcribe it in that language.", cfg.TranscriptionLanguage)
	}
	return &TranscriptionProxy{
		speech:      speech,
		blobs:       blobs,
		blobBaseURL: cfg.BlobBaseURL(),
		maxBytes:    cfg.MaxUploadBytes,
		opts: TranscribeOptions{
			Language:    cfg.TranscriptionLanguage,
			Prompt:      prompt,
			Temperature: 0,
		},
		httpClient: &http.Client{Timeout: cfg.TranscribeTimeout},
	}
}

func (p *TranscriptionProxy) Transcribe(ctx context.Context, ref domain.AudioReference) (domain.TranscriptionResult, error) {
	if err := ref.Validate(); err != nil {
		return failedTranscription(err), validationError(err.Error())
	}

	data, filename := ref.Data, ref.Filename
	if ref.IsRemote() {
		if !strings.HasPrefix(ref.URL, p.blobBaseURL) {
			err := validationError("audio url is not served by the blob store")
			return failedTranscription(err), err
		}

		fetched, name, err := p.fetch(ctx, ref.URL)
		if err != nil {
			return failedTranscription(err), err
		}
		data = fetched
		if filename == "" {
			filename = name
		}
	}
	if filename == "" {
		filename = defaultAudioFilename
	}

	text, err := p.speech.Transcribe(ctx, bytes.NewReader(data), filename, p.opts)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrCollaborator, err)
		return failedTranscription(err), err
	}
	if text == "" {
		err = fmt.Errorf("%w: no speech recognized", ErrCollaborator)
		return failedTranscription(err), err
	}

	if ref.IsRemote() {
		p.cleanup(ctx, ref.URL)
	}

	return domain.TranscriptionResult{Text: text, Succeeded: true}, nil
}

func (p *TranscriptionProxy) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: build request: %v", ErrFetch, err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("%w: blob store returned status %d", ErrFetch, resp.StatusCode)
	}

	var reader io.Reader = resp.Body
	if p.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, p.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read body: %v", ErrFetch, err)
	}
	if p.maxBytes > 0 && int64(len(data)) > p.maxBytes {
		return nil, "", fmt.Errorf("%w: audio exceeds maximum size", ErrFetch)
	}

	name := defaultAudioFilename
	if parsed, err := url.Parse(rawURL); err == nil {
		if base := path.Base(parsed.Path); base != "" && base != "/" && base != "." {
			name = base
		}
	}
	return data, name, nil
}

// cleanup removes a transcribed blob. Failures are logged and otherwise ignored.
func (p *TranscriptionProxy) cleanup(ctx context.Context, rawURL string) {
	if p.blobs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := p.blobs.DeleteByURL(ctx, rawURL); err != nil {
		log.Printf("blob cleanup failed for %s: %v", rawURL, err)
	}
}

func failedTranscription(err error) domain.TranscriptionResult {
	return domain.TranscriptionResult{Succeeded: false, Error: err.Error()}
}
