// Package ledger is the HTTP client for the personal-ledger backend.
// The backend is the only source of truth for financial state; nothing here
// caches balances.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ledgerbot/internal/domain"
	"ledgerbot/internal/provider"
)

// ErrUnauthorized is returned when the backend rejects the bearer token.
var ErrUnauthorized = errors.New("ledger: unauthorized")

const dateLayout = "2006-01-02"

// StatusError is a non-success backend answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ledger %d: %s", e.Code, e.Body)
}

type Config struct {
	APIBase    string
	Timeout    time.Duration // per call
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client implements domain.Ledger and domain.Authenticator.
type Client struct {
	apiBase string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

var (
	_ domain.Ledger        = (*Client)(nil)
	_ domain.Authenticator = (*Client)(nil)
)

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = provider.SharedHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		timeout: cfg.Timeout,
		client:  cfg.HTTPClient,
		logger:  cfg.Logger,
		now:     time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// Login exchanges email and password for an access token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	return c.token(ctx, "/auth/login", map[string]string{"email": email, "password": password})
}

// LoginByPhone exchanges an already-normalized phone number for an access token.
func (c *Client) LoginByPhone(ctx context.Context, phone string) (string, error) {
	return c.token(ctx, "/auth/login-by-phone", map[string]string{"telefone": phone})
}

func (c *Client) token(ctx context.Context, path string, body any) (string, error) {
	var out tokenResponse
	if err := c.do(ctx, http.MethodPost, path, "", body, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("ledger %s: empty access token", path)
	}
	return out.AccessToken, nil
}

type transactionRequest struct {
	Tipo      string  `json:"tipo"`
	Valor     float64 `json:"valor"`
	Categoria string  `json:"categoria"`
	Descricao string  `json:"descricao"`
	Data      string  `json:"data"`
}

// CreateTransaction records one transaction. A zero Date means today.
func (c *Client) CreateTransaction(ctx context.Context, token string, tx domain.Transaction) error {
	date := tx.Date
	if date.IsZero() {
		date = c.now()
	}
	req := transactionRequest{
		Tipo:      string(tx.Kind),
		Valor:     tx.Amount.InexactFloat64(),
		Categoria: tx.Category,
		Descricao: tx.Description,
		Data:      date.Format(dateLayout),
	}
	return c.do(ctx, http.MethodPost, "/transactions/", token, req, nil)
}

// Summary fetches total income and expense.
func (c *Client) Summary(ctx context.Context, token string) (*domain.Summary, error) {
	var s domain.Summary
	if err := c.do(ctx, http.MethodGet, "/transactions/summary", token, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Healthy checks that the backend answers at all.
func (c *Client) Healthy(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/", "", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("ledger call", "method", method, "path", path,
		"status", resp.StatusCode, "latency_ms", time.Since(start).Milliseconds())

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
