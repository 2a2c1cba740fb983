package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerbot/internal/domain"
	"ledgerbot/internal/metrics"
	"ledgerbot/internal/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProcessor struct {
	mu       sync.Mutex
	messages []domain.InboundMessage
	result   pipeline.Result
	panicMsg string
	ctxErr   error
}

func (f *fakeProcessor) Process(ctx context.Context, msg domain.InboundMessage) pipeline.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.messages = append(f.messages, msg)
	f.ctxErr = ctx.Err()
	if f.result.Trace == nil {
		return pipeline.Result{Trace: []pipeline.State{pipeline.StateReceived, pipeline.StateReplySent}}
	}
	return f.result
}

type ackRecorder struct {
	mu   sync.Mutex
	acks []string
}

func (a *ackRecorder) Ack(s string) {
	a.mu.Lock()
	a.acks = append(a.acks, s)
	a.mu.Unlock()
}

func (a *ackRecorder) Delivery(domain.Delivery) {}

func newTestWebhook(proc Processor, secret string) (*Webhook, *ackRecorder, *metrics.MetricsCollector, *http.ServeMux) {
	acks := &ackRecorder{}
	collector := metrics.NewMetricsCollector("ledgerbot")
	w := NewWebhook(WebhookConfig{
		VerifyToken:     "verify-me",
		AppSecret:       secret,
		Pipeline:        proc,
		PipelineTimeout: time.Second,
		Telemetry:       acks,
		Metrics:         collector,
		Logger:          testLogger(),
	})
	mux := http.NewServeMux()
	w.Register(mux)
	return w, acks, collector, mux
}

func post(mux http.Handler, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, DefaultWebhookPath, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func ackStatus(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["status"]
}

const textDelivery = `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{
  "messaging_product":"whatsapp",
  "messages":[{"from":"5511987654321","id":"wamid.A","timestamp":"1700000000","type":"text","text":{"body":"gastei 30 no almoço"}}]}}]}]}`

func TestVerify(t *testing.T) {
	_, _, _, mux := newTestWebhook(&fakeProcessor{}, "")

	tests := []struct {
		name  string
		query string
		code  int
		body  string
	}{
		{"valid", "hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=123", http.StatusOK, "123"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=123", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=123", http.StatusForbidden, ""},
		{"missing", "", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DefaultWebhookPath+"?"+tt.query, nil))
			assert.Equal(t, tt.code, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestDeliver_TextMessage(t *testing.T) {
	proc := &fakeProcessor{}
	_, acks, _, mux := newTestWebhook(proc, "")

	rec := post(mux, textDelivery)

	assert.Equal(t, AckAccepted, ackStatus(t, rec))
	require.Len(t, proc.messages, 1)
	msg := proc.messages[0]
	assert.Equal(t, domain.KindText, msg.Kind)
	assert.Equal(t, "5511987654321", msg.Address)
	assert.Equal(t, "gastei 30 no almoço", msg.Text)
	assert.Equal(t, "wamid.A", msg.ID)
	assert.Equal(t, int64(1700000000), msg.Timestamp.Unix())
	assert.NoError(t, proc.ctxErr)
	assert.Equal(t, []string{AckAccepted}, acks.acks)
}

func TestDeliver_StatusOnly(t *testing.T) {
	proc := &fakeProcessor{}
	_, acks, _, mux := newTestWebhook(proc, "")

	rec := post(mux, `{"entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.X","status":"delivered","recipient_id":"5511"}]}}]}]}`)

	assert.Equal(t, AckStatusOnly, ackStatus(t, rec))
	require.Len(t, proc.messages, 1)
	assert.Equal(t, domain.KindStatus, proc.messages[0].Kind)
	assert.Equal(t, []string{AckStatusOnly}, acks.acks)
}

func TestDeliver_Empty(t *testing.T) {
	proc := &fakeProcessor{}
	_, _, _, mux := newTestWebhook(proc, "")

	assert.Equal(t, AckIgnored, ackStatus(t, post(mux, `{"entry":[]}`)))
	assert.Empty(t, proc.messages)
}

func TestDeliver_NoTextIsIgnored(t *testing.T) {
	proc := &fakeProcessor{result: pipeline.Result{Trace: []pipeline.State{
		pipeline.StateReceived, pipeline.StateNoText, pipeline.StateAck}}}
	_, _, _, mux := newTestWebhook(proc, "")

	rec := post(mux, `{"entry":[{"changes":[{"value":{"messages":[{"from":"1","id":"s","type":"sticker","sticker":{"id":"x"}}]}}]}]}`)

	assert.Equal(t, AckIgnored, ackStatus(t, rec))
	require.Len(t, proc.messages, 1)
	assert.Equal(t, domain.KindUnsupported, proc.messages[0].Kind)
}

func TestDeliver_Invalid(t *testing.T) {
	proc := &fakeProcessor{}
	_, acks, _, mux := newTestWebhook(proc, "")

	assert.Equal(t, AckInvalid, ackStatus(t, post(mux, `{not json`)))
	assert.Empty(t, proc.messages)
	assert.Equal(t, []string{AckInvalid}, acks.acks)
}

func TestDeliver_PanicIsAcknowledged(t *testing.T) {
	_, acks, _, mux := newTestWebhook(&fakeProcessor{panicMsg: "boom"}, "")

	assert.Equal(t, AckError, ackStatus(t, post(mux, textDelivery)))
	assert.Equal(t, []string{AckError}, acks.acks)
}

func TestDeliver_OnlyFirstMessageProcessed(t *testing.T) {
	proc := &fakeProcessor{}
	_, _, collector, mux := newTestWebhook(proc, "")

	body := `{"entry":[{"changes":[{"value":{"messages":[
	  {"from":"1","id":"a","type":"text","text":{"body":"first"}},
	  {"from":"1","id":"b","type":"text","text":{"body":"second"}}]}},
	  {"value":{"messages":[{"from":"2","id":"c","type":"text","text":{"body":"third"}}]}}]}]}`
	assert.Equal(t, AckAccepted, ackStatus(t, post(mux, body)))

	require.Len(t, proc.messages, 1)
	assert.Equal(t, "first", proc.messages[0].Text)
	assert.Equal(t, int64(2), collector.Counter("ledgerbot_messages_dropped_total", "", "").Value())
}

func TestDeliver_MediaMessages(t *testing.T) {
	proc := &fakeProcessor{}
	_, _, _, mux := newTestWebhook(proc, "")

	post(mux, `{"entry":[{"changes":[{"value":{"messages":[{"from":"1","id":"a","type":"audio","audio":{"id":"media-9","mime_type":"audio/ogg; codecs=opus"}}]}}]}]}`)
	post(mux, `{"entry":[{"changes":[{"value":{"messages":[{"from":"1","id":"b","type":"image","image":{"id":"media-10","mime_type":"image/jpeg"}}]}}]}]}`)

	require.Len(t, proc.messages, 2)
	assert.Equal(t, domain.KindAudio, proc.messages[0].Kind)
	assert.Equal(t, "media-9", proc.messages[0].Media.ID)
	assert.Equal(t, domain.KindImage, proc.messages[1].Kind)
	assert.Equal(t, "image/jpeg", proc.messages[1].Media.MIMEType)
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestDeliver_Signature(t *testing.T) {
	proc := &fakeProcessor{}
	_, _, _, mux := newTestWebhook(proc, "app-secret")

	rec := post(mux, textDelivery, "X-Hub-Signature-256", sign("wrong", textDelivery))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, proc.messages)

	rec = post(mux, textDelivery)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = post(mux, textDelivery, "X-Hub-Signature-256", sign("app-secret", textDelivery))
	assert.Equal(t, AckAccepted, ackStatus(t, rec))
	assert.Len(t, proc.messages, 1)
}

func TestDeliver_ClientDisconnectDoesNotCancelPipeline(t *testing.T) {
	proc := &fakeProcessor{}
	_, _, _, mux := newTestWebhook(proc, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, DefaultWebhookPath, strings.NewReader(textDelivery)).WithContext(ctx)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Len(t, proc.messages, 1)
	assert.NoError(t, proc.ctxErr)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"entry":[]}`)
	assert.True(t, verifySignature(body, "s", sign("s", string(body))))
	assert.False(t, verifySignature(body, "s", "sha256=invalid"))
	assert.False(t, verifySignature(body, "s", ""))
}

func TestRoutes_Health(t *testing.T) {
	collector := metrics.NewMetricsCollector("ledgerbot")
	mux := Routes(ServerConfig{Metrics: collector, MetricsPath: "/metrics"})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "ledgerbot_uptime_seconds")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/sessions", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
