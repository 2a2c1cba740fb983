package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerbot/internal/agent"
	"ledgerbot/internal/archive"
	"ledgerbot/internal/dispatch"
	"ledgerbot/internal/domain"
	"ledgerbot/internal/ledger"
	"ledgerbot/internal/session"
)

const addr = "5511987654321"

type fakeModel struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
	media int
}

func (m *fakeModel) Name() string { return "fake" }

func (m *fakeModel) Generate(_ context.Context, req domain.GenerateRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if req.Media != nil {
		m.media++
	}
	return m.reply, m.err
}

type fakeLedger struct {
	mu      sync.Mutex
	created []domain.Transaction
	summary domain.Summary
	err     error
	reads   int
}

func (l *fakeLedger) CreateTransaction(_ context.Context, _ string, tx domain.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.created = append(l.created, tx)
	return nil
}

func (l *fakeLedger) Summary(context.Context, string) (*domain.Summary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	if l.err != nil {
		return nil, l.err
	}
	s := l.summary
	return &s, nil
}

type fakeAuth struct {
	token string
	err   error
	calls int
}

func (a *fakeAuth) Login(_ context.Context, email, password string) (string, error) {
	a.calls++
	if a.err != nil {
		return "", a.err
	}
	return a.token, nil
}

func (a *fakeAuth) LoginByPhone(context.Context, string) (string, error) {
	a.calls++
	return "", errors.New("phone not registered")
}

type fakeSender struct {
	mu   sync.Mutex
	sent []domain.OutboundMessage
	err  error
}

func (s *fakeSender) SendText(_ context.Context, to, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, domain.OutboundMessage{To: to, Text: text})
	return nil
}

type fakeFetcher struct {
	data  []byte
	mime  string
	err   error
	calls int
}

func (f *fakeFetcher) FetchMedia(context.Context, string) ([]byte, string, error) {
	f.calls++
	return f.data, f.mime, f.err
}

type fakeTranscriber struct {
	text string
	err  error
}

func (t fakeTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return t.text, t.err
}

type fakeArchive struct {
	items []archive.Item
}

func (a *fakeArchive) Store(_ context.Context, item archive.Item) error {
	a.items = append(a.items, item)
	return nil
}

type fakeAudit struct {
	rows []domain.Delivery
}

func (a *fakeAudit) RecordDelivery(_ context.Context, d domain.Delivery) error {
	a.rows = append(a.rows, d)
	return nil
}

func (a *fakeAudit) RecentDeliveries(context.Context, int) ([]domain.Delivery, error) {
	return a.rows, nil
}

type recordingTelemetry struct {
	deliveries []domain.Delivery
}

func (r *recordingTelemetry) Ack(string) {}
func (r *recordingTelemetry) Delivery(d domain.Delivery) { r.deliveries = append(r.deliveries, d) }

type harness struct {
	model     *fakeModel
	ledger    *fakeLedger
	auth      *fakeAuth
	sender    *fakeSender
	fetcher   *fakeFetcher
	archive   *fakeArchive
	audit     *fakeAudit
	telemetry *recordingTelemetry
	resolver  *session.Resolver
	p         *Pipeline
}

func newHarness(t *testing.T, transcriber agent.Transcriber) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		model:     &fakeModel{},
		ledger:    &fakeLedger{},
		auth:      &fakeAuth{token: "jwt-login"},
		sender:    &fakeSender{},
		fetcher:   &fakeFetcher{data: []byte("media"), mime: "audio/ogg"},
		archive:   &fakeArchive{},
		audit:     &fakeAudit{},
		telemetry: &recordingTelemetry{},
	}
	h.resolver = session.NewResolver(session.Config{Auth: h.auth, Logger: logger})

	classifier, err := agent.NewClassifier(agent.ClassifierConfig{Model: h.model, Logger: logger})
	require.NoError(t, err)
	media, err := agent.NewMediaAdapter(agent.MediaConfig{Model: h.model, Transcriber: transcriber, Logger: logger})
	require.NoError(t, err)

	h.p, err = New(Config{
		Sessions:   h.resolver,
		Classifier: classifier,
		Media:      media,
		Fetcher:    h.fetcher,
		Dispatcher: dispatch.New(dispatch.Config{Ledger: h.ledger, Logger: logger}),
		Sender:     h.sender,
		Archive:    h.archive,
		Audit:      h.audit,
		Telemetry:  h.telemetry,
		Logger:     logger,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	_, err := h.resolver.Inject(context.Background(), addr, "jwt-manual")
	require.NoError(t, err)
}

func text(body string) domain.InboundMessage {
	return domain.InboundMessage{ID: "wamid.1", Address: addr, Kind: domain.KindText, Text: body}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestProcess_StatusOnly(t *testing.T) {
	h := newHarness(t, nil)
	res := h.p.Process(context.Background(), domain.InboundMessage{Kind: domain.KindStatus})

	assert.Equal(t, []State{StateReceived, StateStatusOnly, StateAck}, res.Trace)
	assert.False(t, res.Replied)
	assert.Zero(t, h.model.calls)
	assert.Zero(t, h.auth.calls)
	assert.Empty(t, h.sender.sent)
	assert.Empty(t, h.audit.rows)
	require.Len(t, h.telemetry.deliveries, 1)
	assert.Equal(t, "ACK", h.telemetry.deliveries[0].State)
}

func TestProcess_NoText(t *testing.T) {
	h := newHarness(t, nil)
	for _, msg := range []domain.InboundMessage{
		{Address: addr, Kind: domain.KindText},
		{Address: addr, Kind: domain.KindUnsupported},
	} {
		res := h.p.Process(context.Background(), msg)
		assert.Equal(t, StateAck, res.State())
		assert.Contains(t, res.Trace, StateNoText)
	}
	assert.Empty(t, h.sender.sent)
	assert.Zero(t, h.model.calls)
}

func TestProcess_UnauthenticatedPromptsLogin(t *testing.T) {
	h := newHarness(t, nil)
	h.model.reply = `{"tipo":"despesa","valor":30,"categoria":"Alimentação","descricao":"almoço"}`

	res := h.p.Process(context.Background(), text("gastei 30 no almoço"))

	assert.Equal(t, StatePromptLogin, res.State())
	assert.Contains(t, res.Trace, StateUnauthenticated)
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, dispatch.ReplyNotLoggedIn, h.sender.sent[0].Text)
	assert.Equal(t, addr, h.sender.sent[0].To)
	assert.Zero(t, h.model.calls, "no classification without a session")
	assert.Empty(t, h.ledger.created)
	assert.Equal(t, 1, h.auth.calls, "one phone login attempt")
}

func TestProcess_ExpenseFencedAndUnfenced(t *testing.T) {
	raw := `{"tipo":"despesa","valor":30,"categoria":"Alimentação","descricao":"almoço"}`
	var replies []string
	for _, reply := range []string{raw, "```json\n" + raw + "\n```"} {
		h := newHarness(t, nil)
		h.login(t)
		h.model.reply = reply

		res := h.p.Process(context.Background(), text("gastei 30 no almoço"))

		assert.Equal(t, []State{
			StateReceived, StateTextReady, StateAuthCheck, StateAuthenticated,
			StateClassify, StateDispatch, StateReplySent,
		}, res.Trace)
		assert.Equal(t, domain.IntentExpense, res.Intent)
		assert.Equal(t, dispatch.ActionCreateTransaction, res.Action)
		assert.Equal(t, OutcomeOK, res.Outcome)
		require.Len(t, h.ledger.created, 1)
		assert.True(t, decimal.NewFromInt(30).Equal(h.ledger.created[0].Amount))
		assert.Equal(t, domain.TransactionExpense, h.ledger.created[0].Kind)
		require.Len(t, h.sender.sent, 1)
		replies = append(replies, h.sender.sent[0].Text)

		require.Len(t, h.audit.rows, 1)
		assert.Equal(t, "REPLY_SENT", h.audit.rows[0].State)
		assert.Equal(t, res.RequestID, h.audit.rows[0].RequestID)
		assert.NotEqual(t, addr, h.audit.rows[0].Address, "audit rows carry masked addresses")
	}
	assert.Equal(t, replies[0], replies[1])
	assert.Equal(t, "✅ Despesa registrada!\n\n💸 R$ 30.00\n📁 Alimentação\n📝 almoço", replies[0])
}

func TestProcess_GarbageClassifierOutput(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)
	h.model.reply = "I think you spent money"

	res := h.p.Process(context.Background(), text("blah"))

	assert.Equal(t, domain.IntentUnrecognized, res.Intent)
	assert.Empty(t, h.ledger.created)
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, agent.DefaultProfile().FallbackReply, h.sender.sent[0].Text)
}

func TestProcess_Summary(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)
	h.model.reply = `{"tipo":"saldo"}`
	h.ledger.summary = domain.Summary{Income: decimal.NewFromInt(1000), Expense: decimal.NewFromInt(400)}

	res := h.p.Process(context.Background(), text("qual meu saldo?"))

	assert.Equal(t, dispatch.ActionSummary, res.Action)
	assert.Empty(t, h.ledger.created)
	require.Len(t, h.sender.sent, 1)
	assert.Contains(t, h.sender.sent[0].Text, "*Saldo: R$ 600.00*")
}

func TestProcess_UnauthorizedRevokesSession(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)
	h.model.reply = `{"tipo":"consulta"}`
	h.ledger.err = ledger.ErrUnauthorized

	res := h.p.Process(context.Background(), text("resumo"))

	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, dispatch.ReplySessionExpired, h.sender.sent[0].Text)
	s, err := h.resolver.Store().Get(context.Background(), addr)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestProcess_LoginCommand(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		authErr error
		reply   string
		stored  bool
	}{
		{"success", "/login ana@example.com s3cret", nil, dispatch.ReplyLoginOK, true},
		{"bad credentials", "/login ana@example.com wrong", errors.New("401"), dispatch.ReplyLoginFailed, false},
		{"usage", "/login", nil, dispatch.ReplyLoginUsage, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.auth.err = tt.authErr

			res := h.p.Process(context.Background(), text(tt.body))

			assert.Contains(t, res.Trace, StateLoginCommand)
			assert.NotContains(t, res.Trace, StateAuthCheck)
			require.Len(t, h.sender.sent, 1)
			assert.Equal(t, tt.reply, h.sender.sent[0].Text)
			assert.Zero(t, h.model.calls)

			s, err := h.resolver.Store().Get(context.Background(), addr)
			require.NoError(t, err)
			assert.Equal(t, tt.stored, s != nil)
		})
	}
}

func TestProcess_AudioTranscribed(t *testing.T) {
	h := newHarness(t, fakeTranscriber{text: "recebi 5000 de salário"})
	h.login(t)
	h.model.reply = `{"tipo":"receita","valor":5000,"categoria":"Salário","descricao":"salário"}`

	msg := domain.InboundMessage{ID: "wamid.2", Address: addr, Kind: domain.KindAudio,
		Media: &domain.MediaRef{ID: "media-1", MIMEType: "audio/ogg"}}
	res := h.p.Process(context.Background(), msg)

	assert.Equal(t, StateReplySent, res.State())
	assert.Equal(t, 1, h.fetcher.calls)
	require.Len(t, h.ledger.created, 1)
	assert.Equal(t, domain.TransactionIncome, h.ledger.created[0].Kind)
	require.Len(t, h.archive.items, 1)
	assert.Equal(t, res.RequestID, h.archive.items[0].RequestID)
	assert.Equal(t, []byte("media"), h.archive.items[0].Data)
}

func TestProcess_MediaFailed(t *testing.T) {
	t.Run("fetch error", func(t *testing.T) {
		h := newHarness(t, nil)
		h.login(t)
		h.fetcher.err = errors.New("whatsapp 404: not found")

		res := h.p.Process(context.Background(), domain.InboundMessage{Address: addr, Kind: domain.KindAudio,
			Media: &domain.MediaRef{ID: "m"}})

		assert.Equal(t, StateMediaFailed, res.State())
		require.Len(t, h.sender.sent, 1)
		assert.Equal(t, dispatch.ReplyMediaFailed, h.sender.sent[0].Text)
		assert.Empty(t, h.archive.items)
	})
	t.Run("empty transcript", func(t *testing.T) {
		h := newHarness(t, fakeTranscriber{text: "  "})
		h.login(t)

		res := h.p.Process(context.Background(), domain.InboundMessage{Address: addr, Kind: domain.KindAudio,
			Media: &domain.MediaRef{ID: "m"}})

		assert.Equal(t, StateMediaFailed, res.State())
		assert.ErrorIs(t, res.Err, agent.ErrEmptyTranscript)
		assert.Len(t, h.sender.sent, 1)
		assert.Empty(t, h.ledger.created)
	})
	t.Run("no media reference", func(t *testing.T) {
		h := newHarness(t, nil)
		res := h.p.Process(context.Background(), domain.InboundMessage{Address: addr, Kind: domain.KindImage})
		assert.Equal(t, StateMediaFailed, res.State())
		assert.Zero(t, h.fetcher.calls)
	})
}

func TestProcess_ReceiptImage(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)
	h.fetcher.mime = "image/jpeg"
	h.model.reply = `{"sucesso":true,"tipo":"despesa","valor":42.5,"categoria":"Alimentação","descricao":"","estabelecimento":"Padaria"}`

	res := h.p.Process(context.Background(), domain.InboundMessage{Address: addr, Kind: domain.KindImage,
		Media: &domain.MediaRef{ID: "img"}})

	assert.NotContains(t, res.Trace, StateClassify)
	assert.Equal(t, StateReplySent, res.State())
	require.Len(t, h.ledger.created, 1)
	assert.Equal(t, "Padaria", h.ledger.created[0].Description)
	assert.Equal(t, 1, h.model.media)
}

func TestProcess_ReceiptNotRecognized(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)
	h.model.reply = `{"sucesso":false,"mensagem":"Não encontrei valores nesta imagem."}`

	res := h.p.Process(context.Background(), domain.InboundMessage{Address: addr, Kind: domain.KindImage,
		Media: &domain.MediaRef{ID: "img"}})

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Empty(t, h.ledger.created)
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, "Não encontrei valores nesta imagem.", h.sender.sent[0].Text)
}

func TestProcess_SendFailureKeepsDispatchState(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)
	h.model.reply = `{"tipo":"conversa","resposta":"Olá!"}`
	h.sender.err = errors.New("whatsapp 500")

	res := h.p.Process(context.Background(), text("oi"))

	assert.Equal(t, StateDispatch, res.State())
	assert.False(t, res.Replied)
	assert.Error(t, res.Err)
}

func TestProcess_AtMostOneReply(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)
	h.model.reply = `{"tipo":"despesa","valor":10}`

	h.p.Process(context.Background(), text("gastei 10"))
	assert.Len(t, h.sender.sent, 1)
}
