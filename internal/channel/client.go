package channel

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

	"ledgerbot/internal/provider"
)

const (
	DefaultAPIBase       = "https://graph.facebook.com/v21.0"
	DefaultMaxMediaBytes = 16 << 20
)

var (
	// ErrNoMediaURL is returned when the media lookup succeeds without a
	// download URL.
	ErrNoMediaURL = errors.New("whatsapp: media has no download url")
	// ErrMediaTooLarge is returned when a download exceeds the size limit.
	ErrMediaTooLarge = errors.New("whatsapp: media exceeds size limit")
)

type ClientConfig struct {
	APIBase       string
	AccessToken   string
	PhoneNumberID string
	Timeout       time.Duration // per call
	MaxMediaBytes int64
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Client talks to the WhatsApp Business Cloud API.
type Client struct {
	apiBase       string
	token         string
	phoneNumberID string
	timeout       time.Duration
	maxMedia      int64
	client        *http.Client
	logger        *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxMediaBytes <= 0 {
		cfg.MaxMediaBytes = DefaultMaxMediaBytes
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = provider.SharedHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		apiBase:       strings.TrimRight(cfg.APIBase, "/"),
		token:         cfg.AccessToken,
		phoneNumberID: cfg.PhoneNumberID,
		timeout:       cfg.Timeout,
		maxMedia:      cfg.MaxMediaBytes,
		client:        cfg.HTTPClient,
		logger:        cfg.Logger,
	}
}

type textPayload struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type textBody struct {
	Body string `json:"body"`
}

// SendText sends one text message. Only 200 and 201 count as delivered.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(textPayload{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             textBody{Body: text},
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.apiBase, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}
	return nil
}

type mediaInfo struct {
	URL      string `json:"url"`
	MIMEType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// FetchMedia resolves a media id to its download URL, then downloads the
// bytes with the same bearer token.
func (c *Client) FetchMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var info mediaInfo
	if err := c.getJSON(ctx, c.apiBase+"/"+mediaID, &info); err != nil {
		return nil, "", fmt.Errorf("media lookup: %w", err)
	}
	if info.URL == "" {
		return nil, "", ErrNoMediaURL
	}
	if info.FileSize > c.maxMedia {
		return nil, "", fmt.Errorf("%w: %d bytes", ErrMediaTooLarge, info.FileSize)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("media download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("media download: %w", statusError(resp))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxMedia+1))
	if err != nil {
		return nil, "", fmt.Errorf("media download: %w", err)
	}
	if int64(len(data)) > c.maxMedia {
		return nil, "", ErrMediaTooLarge
	}

	mimeType := info.MIMEType
	if mimeType == "" {
		mimeType = resp.Header.Get("Content-Type")
	}
	c.logger.Debug("media fetched", "media_id", mediaID, "bytes", len(data), "mime", mimeType)
	return data, mimeType, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
