// Package pipeline runs one inbound message through text extraction,
// authentication, classification and dispatch, and sends at most one reply.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ledgerbot/internal/agent"
	"ledgerbot/internal/archive"
	"ledgerbot/internal/dispatch"
	"ledgerbot/internal/domain"
	"ledgerbot/internal/metrics"
	"ledgerbot/internal/session"
)

// Sender delivers one text reply to an address.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
}

// MediaFetcher downloads a provider media reference.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, mediaID string) ([]byte, string, error)
}

type Sessions interface {
	Resolve(ctx context.Context, address string) (*domain.Session, bool)
	Login(ctx context.Context, address, email, password string) (*domain.Session, error)
	Invalidate(ctx context.Context, address string) error
}

type Classifier interface {
	Classify(ctx context.Context, utterance string) domain.IntentRecord
}

type MediaReader interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
	ExtractReceipt(ctx context.Context, image []byte, mimeType string) domain.ReceiptExtraction
}

type Dispatcher interface {
	Dispatch(ctx context.Context, sess domain.Session, rec domain.IntentRecord) dispatch.Result
}

// Config wires a Pipeline. Archive, Audit and Telemetry are optional.
type Config struct {
	Sessions   Sessions
	Classifier Classifier
	Media      MediaReader
	Fetcher    MediaFetcher
	Dispatcher Dispatcher
	Sender     Sender
	Archive    archive.Sink
	Audit      domain.DeliveryLog
	Telemetry  metrics.Telemetry
	Logger     *slog.Logger
}

type Pipeline struct {
	sessions   Sessions
	classifier Classifier
	media      MediaReader
	fetcher    MediaFetcher
	dispatcher Dispatcher
	sender     Sender
	archive    archive.Sink
	audit      domain.DeliveryLog
	telemetry  metrics.Telemetry
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Sessions == nil:
		return nil, fmt.Errorf("pipeline: sessions are required")
	case cfg.Classifier == nil:
		return nil, fmt.Errorf("pipeline: classifier is required")
	case cfg.Dispatcher == nil:
		return nil, fmt.Errorf("pipeline: dispatcher is required")
	case cfg.Sender == nil:
		return nil, fmt.Errorf("pipeline: sender is required")
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = metrics.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		sessions:   cfg.Sessions,
		classifier: cfg.Classifier,
		media:      cfg.Media,
		fetcher:    cfg.Fetcher,
		dispatcher: cfg.Dispatcher,
		sender:     cfg.Sender,
		archive:    cfg.Archive,
		audit:      cfg.Audit,
		telemetry:  cfg.Telemetry,
		logger:     cfg.Logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}, nil
}

// Result describes how one message was handled.
type Result struct {
	RequestID string
	Trace     []State
	Intent    domain.IntentKind
	Action    string
	Outcome   string
	Replied   bool
	Err       error
}

// State returns the final state reached.
func (r Result) State() State {
	if len(r.Trace) == 0 {
		return StateReceived
	}
	return r.Trace[len(r.Trace)-1]
}

// run carries the state of one message through the pipeline.
type run struct {
	msg    domain.InboundMessage
	res    Result
	logger *slog.Logger
}

func (r *run) to(states ...State) {
	r.res.Trace = append(r.res.Trace, states...)
}

// Process handles one message and returns how far it got. It never panics
// on collaborator errors; those become canned replies and a failed outcome.
func (p *Pipeline) Process(ctx context.Context, msg domain.InboundMessage) Result {
	start := p.now()
	r := &run{msg: msg, res: Result{RequestID: p.newID(), Outcome: OutcomeSkipped}}
	r.logger = p.logger.With("request_id", r.res.RequestID, "address", session.MaskAddress(msg.Address), "kind", msg.Kind)
	r.to(StateReceived)

	p.process(ctx, r)
	p.finish(ctx, r, start)
	return r.res
}

func (p *Pipeline) process(ctx context.Context, r *run) {
	switch r.msg.Kind {
	case domain.KindStatus:
		r.to(StateStatusOnly, StateAck)
		return
	case domain.KindText:
		if r.msg.Text == "" {
			r.to(StateNoText, StateAck)
			return
		}
		p.handleText(ctx, r, r.msg.Text)
	case domain.KindAudio:
		p.handleAudio(ctx, r)
	case domain.KindImage:
		p.handleImage(ctx, r)
	default:
		r.to(StateNoText, StateAck)
	}
}

func (p *Pipeline) handleText(ctx context.Context, r *run, text string) {
	r.to(StateTextReady)
	if cmd := agent.ParseCommand(text); cmd.IsLogin() {
		p.handleLogin(ctx, r, cmd)
		return
	}

	sess, ok := p.authenticate(ctx, r)
	if !ok {
		return
	}

	r.to(StateClassify)
	rec := p.classifier.Classify(ctx, text)
	r.res.Intent = rec.Kind
	r.logger.Info("intent classified", "intent", rec.Kind, "category", rec.Category)
	p.dispatch(ctx, r, sess, rec)
}

func (p *Pipeline) handleAudio(ctx context.Context, r *run) {
	data, mimeType, ok := p.fetch(ctx, r)
	if !ok {
		return
	}
	if p.media == nil {
		p.mediaFailed(ctx, r, errors.New("no transcription adapter configured"))
		return
	}
	text, err := p.media.Transcribe(ctx, data, mimeType)
	if err != nil {
		p.mediaFailed(ctx, r, err)
		return
	}
	r.logger.Info("voice note transcribed", "chars", len(text))
	p.handleText(ctx, r, text)
}

// handleImage treats a photo as a receipt. Extraction replaces
// classification; a failed extraction replies with its own explanation.
func (p *Pipeline) handleImage(ctx context.Context, r *run) {
	data, mimeType, ok := p.fetch(ctx, r)
	if !ok {
		return
	}
	if p.media == nil {
		p.mediaFailed(ctx, r, errors.New("no vision adapter configured"))
		return
	}
	r.to(StateTextReady)

	sess, ok := p.authenticate(ctx, r)
	if !ok {
		return
	}

	ext := p.media.ExtractReceipt(ctx, data, mimeType)
	if !ext.Success {
		r.logger.Info("receipt not recognized")
		r.res.Outcome = OutcomeFailed
		if p.reply(ctx, r, ext.Message) {
			r.to(StateReplySent)
		}
		return
	}
	rec := ext.Intent()
	r.res.Intent = rec.Kind
	p.dispatch(ctx, r, sess, rec)
}

func (p *Pipeline) handleLogin(ctx context.Context, r *run, cmd *agent.ChatCommand) {
	r.to(StateLoginCommand)
	email, password, ok := cmd.Credentials()
	if !ok {
		p.reply(ctx, r, dispatch.ReplyLoginUsage)
		return
	}
	if _, err := p.sessions.Login(ctx, r.msg.Address, email, password); err != nil {
		r.logger.Warn("login failed", "error", err)
		r.res.Outcome = OutcomeFailed
		r.res.Err = err
		p.reply(ctx, r, dispatch.ReplyLoginFailed)
		return
	}
	r.logger.Info("login succeeded")
	r.res.Outcome = OutcomeOK
	p.reply(ctx, r, dispatch.ReplyLoginOK)
}

// authenticate runs AUTH_CHECK. An unknown address is prompted to log in
// and nothing is dispatched.
func (p *Pipeline) authenticate(ctx context.Context, r *run) (domain.Session, bool) {
	r.to(StateAuthCheck)
	sess, ok := p.sessions.Resolve(ctx, r.msg.Address)
	if !ok {
		r.to(StateUnauthenticated, StatePromptLogin)
		p.reply(ctx, r, dispatch.ReplyNotLoggedIn)
		return domain.Session{}, false
	}
	r.to(StateAuthenticated)
	return *sess, true
}

func (p *Pipeline) dispatch(ctx context.Context, r *run, sess domain.Session, rec domain.IntentRecord) {
	r.to(StateDispatch)
	out := p.dispatcher.Dispatch(ctx, sess, rec)
	r.res.Action = out.Action
	r.res.Outcome = OutcomeOK
	if !out.OK {
		r.res.Outcome = OutcomeFailed
		r.res.Err = out.Err
	}
	if out.Unauthorized {
		r.logger.Warn("backend rejected session token, revoking")
		if err := p.sessions.Invalidate(ctx, r.msg.Address); err != nil {
			r.logger.Error("failed to revoke session", "error", err)
		}
	}
	if p.reply(ctx, r, out.Reply) {
		r.to(StateReplySent)
	}
}

// fetch downloads the message media and archives it. Any failure moves
// the run to MEDIA_FAILED.
func (p *Pipeline) fetch(ctx context.Context, r *run) ([]byte, string, bool) {
	if !r.msg.HasMedia() || p.fetcher == nil {
		p.mediaFailed(ctx, r, errors.New("message has no fetchable media"))
		return nil, "", false
	}
	data, mimeType, err := p.fetcher.FetchMedia(ctx, r.msg.Media.ID)
	if err != nil {
		p.mediaFailed(ctx, r, err)
		return nil, "", false
	}
	if mimeType == "" {
		mimeType = r.msg.Media.MIMEType
	}
	p.store(ctx, r, data, mimeType)
	return data, mimeType, true
}

func (p *Pipeline) store(ctx context.Context, r *run, data []byte, mimeType string) {
	if p.archive == nil {
		return
	}
	err := p.archive.Store(ctx, archive.Item{
		RequestID: r.res.RequestID,
		MessageID: r.msg.ID,
		Address:   r.msg.Address,
		Kind:      r.msg.Kind,
		MIMEType:  mimeType,
		At:        p.now(),
		Data:      data,
	})
	if err != nil {
		r.logger.Warn("failed to archive media", "error", err)
	}
}

func (p *Pipeline) mediaFailed(ctx context.Context, r *run, err error) {
	r.logger.Warn("could not extract text from media", "error", err)
	r.to(StateMediaFailed)
	r.res.Outcome = OutcomeFailed
	r.res.Err = err
	p.reply(ctx, r, dispatch.ReplyMediaFailed)
}

// reply sends text at most once per run and reports whether it went out.
func (p *Pipeline) reply(ctx context.Context, r *run, text string) bool {
	if r.res.Replied || text == "" {
		return false
	}
	if err := p.sender.SendText(ctx, r.msg.Address, text); err != nil {
		r.logger.Error("failed to send reply", "error", err)
		if r.res.Err == nil {
			r.res.Err = err
		}
		return false
	}
	r.res.Replied = true
	return true
}

func (p *Pipeline) finish(ctx context.Context, r *run, start time.Time) {
	d := domain.Delivery{
		RequestID: r.res.RequestID,
		MessageID: r.msg.ID,
		Address:   session.MaskAddress(r.msg.Address),
		Kind:      r.msg.Kind,
		State:     string(r.res.State()),
		Intent:    r.res.Intent,
		Action:    r.res.Action,
		Outcome:   r.res.Outcome,
		Replied:   r.res.Replied,
		Duration:  p.now().Sub(start),
		At:        start.UTC(),
	}
	p.telemetry.Delivery(d)

	level := slog.LevelInfo
	if r.msg.Kind == domain.KindStatus {
		level = slog.LevelDebug
	}
	r.logger.Log(ctx, level, "message processed",
		"state", d.State, "action", d.Action, "outcome", d.Outcome, "replied", d.Replied, "duration", d.Duration)

	if p.audit == nil || r.msg.Kind == domain.KindStatus {
		return
	}
	if err := p.audit.RecordDelivery(ctx, d); err != nil {
		r.logger.Warn("failed to record delivery", "error", err)
	}
}
