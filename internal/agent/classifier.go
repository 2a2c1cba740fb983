package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"ledgerbot/internal/domain"
)

// ClassifierConfig wires a Classifier.
type ClassifierConfig struct {
	Model    domain.LanguageModel
	Profiles ProfileSource
	Limiter  *RateLimiter
	Logger   *slog.Logger
}

// Classifier turns a free-form utterance into an IntentRecord.
type Classifier struct {
	model    domain.LanguageModel
	profiles ProfileSource
	limiter  *RateLimiter
	parser   *IntentParser
	logger   *slog.Logger
}

func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("classifier: model is required")
	}
	if cfg.Profiles == nil {
		cfg.Profiles = StaticProfile{P: DefaultProfile()}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	parser, err := NewIntentParser()
	if err != nil {
		return nil, err
	}
	return &Classifier{
		model:    cfg.Model,
		profiles: cfg.Profiles,
		limiter:  cfg.Limiter,
		parser:   parser,
		logger:   cfg.Logger,
	}, nil
}

// Classify never fails. Transport errors, throttling timeouts and output
// that does not validate all become an unrecognized record carrying the
// profile's fallback reply.
func (c *Classifier) Classify(ctx context.Context, utterance string) domain.IntentRecord {
	profile := c.profiles.Current()
	fallback := domain.Unrecognized(profile.FallbackReply)

	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return fallback
	}

	if err := c.limiter.Wait(ctx); err != nil {
		c.logger.Warn("classifier throttled", "error", err)
		return fallback
	}

	raw, err := c.model.Generate(ctx, domain.GenerateRequest{
		System: profile.SystemPrompt(),
		Prompt: UserPrompt(utterance),
		JSON:   true,
	})
	if err != nil {
		c.logger.Warn("classifier call failed", "model", c.model.Name(), "error", err)
		return fallback
	}

	rec, err := c.parser.Parse(raw)
	if err != nil {
		c.logger.Warn("classifier output rejected", "error", err, "raw", truncate(raw, 200))
		return fallback
	}
	c.logger.Debug("classified", "kind", rec.Kind, "category", rec.Category, "has_amount", rec.HasAmount())
	return rec
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
