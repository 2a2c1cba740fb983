package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"ledgerbot/internal/domain"
	"ledgerbot/internal/metrics"
	"ledgerbot/internal/pipeline"
)

const (
	DefaultWebhookPath = "/webhook"
	maxBodyBytes       = 1 << 20 // 1MB
)

// Acknowledgment statuses returned in the webhook response body.
const (
	AckAccepted   = "accepted"
	AckIgnored    = "ignored"
	AckStatusOnly = "status_only"
	AckInvalid    = "invalid"
	AckError      = "error"
)

var errInvalidPayload = errors.New("invalid webhook payload")

// Processor runs one inbound message to completion.
type Processor interface {
	Process(ctx context.Context, msg domain.InboundMessage) pipeline.Result
}

type WebhookConfig struct {
	Path            string
	VerifyToken     string
	AppSecret       string // enables X-Hub-Signature-256 checks
	Pipeline        Processor
	PipelineTimeout time.Duration
	Telemetry       metrics.Telemetry
	Metrics         *metrics.MetricsCollector // optional; counts dropped messages
	Logger          *slog.Logger
}

// Webhook is the WhatsApp Cloud API webhook controller. Every POST is
// answered 200 with a small JSON status, whatever happened downstream.
type Webhook struct {
	path        string
	verifyToken string
	appSecret   string
	pipeline    Processor
	timeout     time.Duration
	telemetry   metrics.Telemetry
	collector   *metrics.MetricsCollector
	logger      *slog.Logger
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Path == "" {
		cfg.Path = DefaultWebhookPath
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = 30 * time.Second
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = metrics.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Webhook{
		path:        cfg.Path,
		verifyToken: cfg.VerifyToken,
		appSecret:   cfg.AppSecret,
		pipeline:    cfg.Pipeline,
		timeout:     cfg.PipelineTimeout,
		telemetry:   cfg.Telemetry,
		collector:   cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// Register mounts the verification and delivery routes.
func (w *Webhook) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+w.path, w.handleVerification)
	mux.HandleFunc("POST "+w.path, w.handleIncoming)
}

// handleVerification answers the subscription challenge.
func (w *Webhook) handleVerification(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "subscribe" && w.verifyToken != "" &&
		hmac.Equal([]byte(token), []byte(w.verifyToken)) {
		w.logger.Info("whatsapp webhook verified")
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, html.EscapeString(challenge))
		return
	}

	w.logger.Warn("whatsapp webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

func (w *Webhook) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		w.ack(rw, AckInvalid)
		return
	}
	defer r.Body.Close()

	if w.appSecret != "" && !verifySignature(body, w.appSecret, r.Header.Get("X-Hub-Signature-256")) {
		w.logger.Warn("whatsapp invalid signature")
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}

	// The provider may hang up once it has waited long enough; an action
	// that already reached the ledger must still get its reply.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), w.timeout)
	defer cancel()

	status := w.recoverAck(func() (string, error) { return w.deliver(ctx, body) })
	w.ack(rw, status)
}

// recoverAck runs fn and converts a panic or an error into an
// acknowledgment status. It never lets a failure escape the handler.
func (w *Webhook) recoverAck(fn func() (string, error)) (status string) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("panic while processing webhook", "panic", rec, "stack", string(debug.Stack()))
			status = AckError
		}
	}()

	status, err := fn()
	switch {
	case errors.Is(err, errInvalidPayload):
		w.logger.Warn("whatsapp bad payload", "error", err)
		return AckInvalid
	case err != nil:
		w.logger.Error("webhook processing failed", "error", err)
		return AckError
	}
	return status
}

func (w *Webhook) deliver(ctx context.Context, body []byte) (string, error) {
	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("%w: %w", errInvalidPayload, err)
	}

	messages, statuses := payload.split()
	if len(messages) == 0 {
		if statuses == 0 {
			return AckIgnored, nil
		}
		w.pipeline.Process(ctx, domain.InboundMessage{Kind: domain.KindStatus})
		return AckStatusOnly, nil
	}

	if extra := len(messages) - 1; extra > 0 {
		w.logger.Debug("dropping extra messages in delivery", "dropped", extra)
		if w.collector != nil {
			w.collector.Counter("ledgerbot_messages_dropped_total",
				"Messages ignored because a delivery carried more than one", "").Add(int64(extra))
		}
	}

	msg := messages[0].inbound()
	w.logger.Info("whatsapp message received", "id", msg.ID, "kind", msg.Kind)
	res := w.pipeline.Process(ctx, msg)
	if res.State() == pipeline.StateAck {
		return AckIgnored, nil
	}
	return AckAccepted, nil
}

func (w *Webhook) ack(rw http.ResponseWriter, status string) {
	w.telemetry.Ack(status)
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	json.NewEncoder(rw).Encode(map[string]string{"status": status})
}

// verifySignature checks the X-Hub-Signature-256 header.
func verifySignature(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// --- WhatsApp webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Messages         []waMessage `json:"messages"`
	Statuses         []waStatus  `json:"statuses"`
}

type waMessage struct {
	From      string   `json:"from"`
	ID        string   `json:"id"`
	Timestamp string   `json:"timestamp"`
	Type      string   `json:"type"`
	Text      *waText  `json:"text,omitempty"`
	Audio     *waMedia `json:"audio,omitempty"`
	Image     *waMedia `json:"image,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waMedia struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
}

type waStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id"`
}

// split flattens every change into its messages and a count of statuses.
func (p waPayload) split() ([]waMessage, int) {
	var (
		messages []waMessage
		statuses int
	)
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			messages = append(messages, change.Value.Messages...)
			statuses += len(change.Value.Statuses)
		}
	}
	return messages, statuses
}

func (m waMessage) inbound() domain.InboundMessage {
	msg := domain.InboundMessage{
		ID:        m.ID,
		Address:   m.From,
		Kind:      domain.KindUnsupported,
		Timestamp: time.Now(),
	}
	if secs, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
		msg.Timestamp = time.Unix(secs, 0)
	}

	switch {
	case m.Type == "text" && m.Text != nil:
		msg.Kind = domain.KindText
		msg.Text = m.Text.Body
	case m.Type == "audio" && m.Audio != nil:
		msg.Kind = domain.KindAudio
		msg.Media = &domain.MediaRef{ID: m.Audio.ID, MIMEType: m.Audio.MIMEType}
	case m.Type == "image" && m.Image != nil:
		msg.Kind = domain.KindImage
		msg.Media = &domain.MediaRef{ID: m.Image.ID, MIMEType: m.Image.MIMEType}
	}
	return msg
}
