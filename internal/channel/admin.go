package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"ledgerbot/internal/config"
	"ledgerbot/internal/domain"
	"ledgerbot/internal/pipeline"
	"ledgerbot/internal/session"
)

// SessionAdmin is the part of the session resolver the admin API drives.
type SessionAdmin interface {
	Inject(ctx context.Context, address, token string) (*domain.Session, error)
	Invalidate(ctx context.Context, address string) error
	List(ctx context.Context) ([]domain.Session, error)
}

type AdminConfig struct {
	Token    string
	Sessions SessionAdmin
	Sender   pipeline.Sender
	Logger   *slog.Logger
}

// Admin serves the bearer-guarded debug endpoints under /admin.
type Admin struct {
	token    string
	sessions SessionAdmin
	sender   pipeline.Sender
	logger   *slog.Logger
}

func NewAdmin(cfg AdminConfig) *Admin {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Admin{token: cfg.Token, sessions: cfg.Sessions, sender: cfg.Sender, logger: cfg.Logger}
}

func (a *Admin) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/sessions", a.requireAuth(a.handleList))
	mux.HandleFunc("POST /admin/sessions/{address}", a.requireAuth(a.handleInject))
	mux.HandleFunc("DELETE /admin/sessions/{address}", a.requireAuth(a.handleRevoke))
	mux.HandleFunc("POST /admin/send", a.requireAuth(a.handleSend))
}

func (a *Admin) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		given, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || a.token == "" || subtle.ConstantTimeCompare([]byte(given), []byte(a.token)) != 1 {
			writeJSON(rw, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(rw, r)
	}
}

type sessionView struct {
	Address   string `json:"address"`
	Token     string `json:"token"`
	Source    string `json:"source"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

func viewOf(s domain.Session) sessionView {
	v := sessionView{
		Address:   s.Address,
		Token:     config.MaskSecret(s.Token),
		Source:    string(s.Source),
		CreatedAt: s.CreatedAt.UTC().Format(timeLayout),
	}
	if !s.ExpiresAt.IsZero() {
		v.ExpiresAt = s.ExpiresAt.UTC().Format(timeLayout)
	}
	return v
}

const timeLayout = "2006-01-02T15:04:05Z"

func (a *Admin) handleList(rw http.ResponseWriter, r *http.Request) {
	sessions, err := a.sessions.List(r.Context())
	if err != nil {
		a.logger.Error("list sessions failed", "error", err)
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, viewOf(s))
	}
	writeJSON(rw, http.StatusOK, map[string]any{"sessions": views})
}

func (a *Admin) handleInject(rw http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	s, err := a.sessions.Inject(r.Context(), address, req.Token)
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	a.logger.Info("session injected", "address", session.MaskAddress(address))
	writeJSON(rw, http.StatusOK, map[string]any{"status": "ok", "session": viewOf(*s)})
}

func (a *Admin) handleRevoke(rw http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	if err := a.sessions.Invalidate(r.Context(), address); err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok", "address": address})
}

func (a *Admin) handleSend(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.To == "" || strings.TrimSpace(req.Text) == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "to and text are required"})
		return
	}
	if err := a.sender.SendText(r.Context(), req.To, req.Text); err != nil {
		a.logger.Warn("admin send failed", "error", err)
		writeJSON(rw, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "sent"})
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	json.NewEncoder(rw).Encode(v)
}
