package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultAddr = "http://127.0.0.1:8315"

// commandContext carries the persistent flags every subcommand shares and
// builds the API client lazily so `postbox help` never dials anything.
type commandContext struct {
	addrFlag    *string
	tokenFlag   *string
	contextFlag *string
}

func newCommandContext(addrFlag, tokenFlag, contextFlag *string) *commandContext {
	return &commandContext{
		addrFlag:    addrFlag,
		tokenFlag:   tokenFlag,
		contextFlag: contextFlag,
	}
}

func (c *commandContext) contextID() string {
	if c.contextFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.contextFlag)
}

func (c *commandContext) client() (*apiClient, error) {
	addr := defaultAddr
	if c.addrFlag != nil && strings.TrimSpace(*c.addrFlag) != "" {
		addr = strings.TrimSpace(*c.addrFlag)
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid --addr %q: %w", addr, err)
	}
	var token string
	if c.tokenFlag != nil {
		token = strings.TrimSpace(*c.tokenFlag)
	}
	return &apiClient{
		base:    base,
		token:   token,
		ctxID:   c.contextID(),
		httpCli: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type apiClient struct {
	base    *url.URL
	token   string
	ctxID   string
	httpCli *http.Client
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, nil), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *apiClient) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// endpoint joins path (raw, unescaped segments) onto the base URL;
// URL.String() applies the escaping.
func (c *apiClient) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *apiClient) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.ctxID != "" {
		req.Header.Set("X-Postbox-Context", c.ctxID)
	}
	resp, err := c.httpCli.Do(req)
	if err != nil {
		return wrapDialError(err, c.base.String())
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (http %d)", apiErr.Error, resp.StatusCode)
		}
		// A degraded /healthz replies 503 with the full report, not an
		// error envelope; surface it to the caller.
		if resp.StatusCode == http.StatusServiceUnavailable && out != nil && json.Unmarshal(raw, out) == nil {
			return nil
		}
		return fmt.Errorf("daemon replied %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func wrapDialError(err error, addr string) error {
	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") {
		return fmt.Errorf("connect to daemon at %s: %v; is postboxd running with ops.enabled?", addr, err)
	}
	return fmt.Errorf("connect to daemon: %w", err)
}
