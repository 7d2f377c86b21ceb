package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "postbox/pkg/logx"
)

// HTTPConfig points the adapter at a session runtime exposing inject and
// wake endpoints.
type HTTPConfig struct {
	BaseURL string
	Token   string        // optional bearer token
	Timeout time.Duration // per-request bound; default 10s
}

// HTTP talks to a session runtime over JSON-over-HTTP:
//
//	POST {base}/v1/contexts/{id}/inject  {"text": "...", "mode": "passive"|"prompt"}
//	POST {base}/v1/contexts/{id}/wake    {}
//
// The runtime owns the conversation state; this adapter only delivers text
// and resume requests. It is resume-capable.
type HTTP struct {
	cfg  HTTPConfig
	log  logx.Logger
	base *url.URL
	http *http.Client
}

func NewHTTP(cfg HTTPConfig, log logx.Logger) (*HTTP, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("session base url is empty")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("session base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("session base url: unsupported scheme %q", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTP{
		cfg:  cfg,
		log:  log,
		base: base,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (h *HTTP) Capability() Capability { return ResumeCapable }

func (h *HTTP) InjectPassive(ctx context.Context, contextID, text string) error {
	return h.inject(ctx, contextID, text, "passive")
}

func (h *HTTP) InjectPrompt(ctx context.Context, contextID, text string) error {
	return h.inject(ctx, contextID, text, "prompt")
}

func (h *HTTP) Wake(ctx context.Context, contextID string) error {
	return h.post(ctx, h.endpoint(contextID, "wake"), struct{}{})
}

func (h *HTTP) inject(ctx context.Context, contextID, text, mode string) error {
	payload := struct {
		Text string `json:"text"`
		Mode string `json:"mode"`
	}{Text: text, Mode: mode}
	return h.post(ctx, h.endpoint(contextID, "inject"), payload)
}

func (h *HTTP) endpoint(contextID, op string) string {
	u := *h.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/contexts/" + url.PathEscape(contextID) + "/" + op
	return u.String()
}

func (h *HTTP) post(ctx context.Context, endpoint string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := strings.TrimSpace(h.cfg.Token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := h.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}

	var out struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&out)
	if out.Error != "" {
		return fmt.Errorf("session runtime: %s (http=%d)", out.Error, resp.StatusCode)
	}
	return fmt.Errorf("session runtime: http=%d", resp.StatusCode)
}
