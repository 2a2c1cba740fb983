package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/genai"

	"ledgerbot/internal/domain"
)

// Upload polling bounds. Audio and images are usually ACTIVE immediately.
const (
	uploadPollInterval = 500 * time.Millisecond
	deleteTimeout      = 10 * time.Second
)

// genaiAPI is the slice of the genai client that Gemini uses.
type genaiAPI interface {
	Upload(ctx context.Context, data []byte, mimeType string) (*genai.File, error)
	GetFile(ctx context.Context, name string) (*genai.File, error)
	DeleteFile(ctx context.Context, name string) error
	Generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error)
}

// Gemini implements domain.LanguageModel on the Gemini API.
type Gemini struct {
	api     genaiAPI
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

type GeminiConfig struct {
	APIKey     string
	Model      string
	Timeout    time.Duration // per generation, including any upload
	HTTPClient *http.Client
	Logger     *slog.Logger
}

var _ domain.LanguageModel = (*Gemini)(nil)

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(cfg.Timeout)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return newGemini(sdkAPI{client}, cfg), nil
}

func newGemini(api genaiAPI, cfg GeminiConfig) *Gemini {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gemini{api: api, model: cfg.Model, timeout: cfg.Timeout, logger: cfg.Logger}
}

func (g *Gemini) Name() string { return "gemini" }

// Generate issues one generation call. Media is staged as a temporary
// upload that is deleted before Generate returns, whatever the outcome.
func (g *Gemini) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}

	if req.Media != nil {
		file, err := g.stage(ctx, req.Media)
		if file != nil {
			defer g.release(ctx, file.Name)
		}
		if err != nil {
			return "", err
		}
		parts = append(parts, genai.NewPartFromURI(file.URI, file.MIMEType))
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	start := time.Now()
	text, err := g.api.Generate(ctx, g.model, []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg)
	latency := time.Since(start)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	g.logger.Debug("gemini generate", "model", g.model, "media", req.Media != nil,
		"latency_ms", latency.Milliseconds(), "chars", len(text))
	return text, nil
}

// stage uploads media and waits until the file can be referenced.
// A non-nil file is returned whenever an upload happened, so the caller
// can release it even on error.
func (g *Gemini) stage(ctx context.Context, media *domain.MediaPayload) (*genai.File, error) {
	file, err := g.api.Upload(ctx, media.Data, media.MIMEType)
	if err != nil {
		return nil, fmt.Errorf("gemini upload: %w", err)
	}

	for file.State == genai.FileStateProcessing {
		select {
		case <-ctx.Done():
			return file, fmt.Errorf("gemini upload %s: %w", file.Name, ctx.Err())
		case <-time.After(uploadPollInterval):
		}
		latest, err := g.api.GetFile(ctx, file.Name)
		if err != nil {
			return file, fmt.Errorf("gemini file status: %w", err)
		}
		file = latest
	}

	if file.State == genai.FileStateFailed {
		return file, fmt.Errorf("gemini upload %s: processing failed", file.Name)
	}
	return file, nil
}

// release deletes a staged upload on a context detached from the caller's
// deadline, so a timed-out generation still cleans up.
func (g *Gemini) release(ctx context.Context, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
	defer cancel()
	if err := g.api.DeleteFile(ctx, name); err != nil {
		g.logger.Warn("gemini staged file not deleted", "file", name, "err", err)
	}
}

// sdkAPI adapts *genai.Client to genaiAPI.
type sdkAPI struct {
	client *genai.Client
}

func (s sdkAPI) Upload(ctx context.Context, data []byte, mimeType string) (*genai.File, error) {
	return s.client.Files.Upload(ctx, bytes.NewReader(data), &genai.UploadFileConfig{MIMEType: mimeType})
}

func (s sdkAPI) GetFile(ctx context.Context, name string) (*genai.File, error) {
	return s.client.Files.Get(ctx, name, nil)
}

func (s sdkAPI) DeleteFile(ctx context.Context, name string) error {
	_, err := s.client.Files.Delete(ctx, name, nil)
	return err
}

func (s sdkAPI) Generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	resp, err := s.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", err
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("empty response")
	}
	return text, nil
}
