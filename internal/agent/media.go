package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"ledgerbot/internal/domain"
)

// ErrEmptyTranscript is returned when a voice note transcribes to nothing.
var ErrEmptyTranscript = errors.New("empty transcript")

// Transcriber converts audio to text without the language model,
// e.g. a Whisper endpoint.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

type MediaConfig struct {
	Model       domain.LanguageModel
	Transcriber Transcriber // optional; Model is used when nil
	Profiles    ProfileSource
	Limiter     *RateLimiter
	Logger      *slog.Logger
}

// MediaAdapter handles voice notes and receipt photos.
type MediaAdapter struct {
	model       domain.LanguageModel
	transcriber Transcriber
	profiles    ProfileSource
	limiter     *RateLimiter
	receipts    *ReceiptParser
	logger      *slog.Logger
}

func NewMediaAdapter(cfg MediaConfig) (*MediaAdapter, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("media adapter: model is required")
	}
	if cfg.Profiles == nil {
		cfg.Profiles = StaticProfile{P: DefaultProfile()}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	receipts, err := NewReceiptParser()
	if err != nil {
		return nil, err
	}
	return &MediaAdapter{
		model:       cfg.Model,
		transcriber: cfg.Transcriber,
		profiles:    cfg.Profiles,
		limiter:     cfg.Limiter,
		receipts:    receipts,
		logger:      cfg.Logger,
	}, nil
}

// Transcribe returns the spoken text of a voice note.
func (a *MediaAdapter) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	var (
		text string
		err  error
	)
	if a.transcriber != nil {
		text, err = a.transcriber.Transcribe(ctx, audio, mimeType)
	} else {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("transcribe: %w", err)
		}
		text, err = a.model.Generate(ctx, domain.GenerateRequest{
			Prompt: a.profiles.Current().TranscriptionPrompt,
			Media:  &domain.MediaPayload{Data: audio, MIMEType: mimeType},
		})
	}
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}

	text = strings.TrimSpace(StripFences(text))
	if text == "" {
		return "", ErrEmptyTranscript
	}
	a.logger.Debug("voice note transcribed", "chars", len(text))
	return text, nil
}

// ExtractReceipt reads a receipt photo. It never returns an error: any
// failure is an unsuccessful extraction with the profile's canned message.
func (a *MediaAdapter) ExtractReceipt(ctx context.Context, image []byte, mimeType string) domain.ReceiptExtraction {
	profile := a.profiles.Current()
	failed := domain.ReceiptExtraction{Success: false, Message: profile.ReceiptFailureReply}

	if err := a.limiter.Wait(ctx); err != nil {
		a.logger.Warn("receipt extraction throttled", "error", err)
		return failed
	}
	raw, err := a.model.Generate(ctx, domain.GenerateRequest{
		System: profile.ReceiptInstruction(),
		Prompt: "Extraia os dados deste comprovante.",
		Media:  &domain.MediaPayload{Data: image, MIMEType: mimeType},
		JSON:   true,
	})
	if err != nil {
		a.logger.Warn("receipt extraction failed", "error", err)
		return failed
	}

	ext, err := a.receipts.Parse(raw)
	if err != nil {
		a.logger.Warn("receipt output rejected", "error", err, "raw", truncate(raw, 200))
		return failed
	}
	if !ext.Success && ext.Message == "" {
		ext.Message = profile.ReceiptFailureReply
	}
	return ext
}
