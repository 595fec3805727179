package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"custody-mint-sync/internal/model"
	"custody-mint-sync/internal/protocol"
	"custody-mint-sync/internal/version"
)

// Endpoints consumed on the treasury and platform services.
const (
	PathLocks          = "/api/locks"
	PathMintRequests   = "/api/mint-requests"
	PathExplorerEvents = "/api/mint-explorer-events"
	PathHealth         = "/api/health"
	PathLockApproved   = "/api/lock-approved"
	PathLockRejected   = "/api/lock-rejected"
	PathMintCompleted  = "/api/mint-completed"
	PathSimulateLock   = "/api/simulate-lock"
	PathClearAll       = "/api/clear-all"
)

// Service names one of the two upstream services.
type Service string

const (
	Treasury Service = "treasury"
	Platform Service = "platform"
)

// ErrSandboxOnly is returned by sandbox endpoints when sandbox mode is off.
var ErrSandboxOnly = errors.New("remote: sandbox endpoint disabled")

// APIError is a non-2xx response or a {success:false} body.
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote api error (%d) %s", e.StatusCode, e.Endpoint)
	}
	return fmt.Sprintf("remote api error (%d) %s: %s", e.StatusCode, e.Endpoint, e.Message)
}

// Options parameterise the client.
type Options struct {
	TreasuryURL string
	PlatformURL string
	Timeout     time.Duration
	UserAgent   string
	Token       string
	Sandbox     bool
	HTTPClient  *http.Client
	Now         func() time.Time
}

// Client talks to the treasury and platform HTTP APIs. Every call is bounded by the
// client timeout and the caller's context.
type Client struct {
	opts     Options
	logger   zerolog.Logger
	client   *http.Client
	treasury string
	platform string
}

// New constructs a client.
func New(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		opts:     opts,
		logger:   logger.With().Str("component", "remote").Logger(),
		client:   client,
		treasury: strings.TrimRight(opts.TreasuryURL, "/"),
		platform: strings.TrimRight(opts.PlatformURL, "/"),
	}
}

// Locks fetches the platform's active lock list.
func (c *Client) Locks(ctx context.Context) ([]model.LockNotification, error) {
	data, err := c.doJSON(ctx, http.MethodGet, c.platform+PathLocks, nil)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeLocks(data, c.opts.Now())
}

// MintRequests fetches the platform's mint request list.
func (c *Client) MintRequests(ctx context.Context) ([]model.MintRequest, error) {
	data, err := c.doJSON(ctx, http.MethodGet, c.platform+PathMintRequests, nil)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeMintRequests(data, c.opts.Now())
}

// ExplorerEvents fetches the shared mint explorer feed.
func (c *Client) ExplorerEvents(ctx context.Context) ([]model.ExplorerEvent, error) {
	data, err := c.doJSON(ctx, http.MethodGet, c.platform+PathExplorerEvents, nil)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeExplorerEvents(data)
}

// Health probes one service. Any 2xx response is healthy.
func (c *Client) Health(ctx context.Context, svc Service) error {
	base := c.platform
	if svc == Treasury {
		base = c.treasury
	}
	req, err := c.newRequest(ctx, http.MethodGet, base+PathHealth, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s health: %w", svc, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Endpoint: PathHealth, StatusCode: resp.StatusCode, Message: string(svc)}
	}
	return nil
}

// CheckHealth probes both services.
func (c *Client) CheckHealth(ctx context.Context) model.APIHealth {
	h := model.APIHealth{LastCheck: c.opts.Now().UTC()}
	h.Treasury = c.Health(ctx, Treasury) == nil
	h.Platform = c.Health(ctx, Platform) == nil
	return h
}

// Notify posts an outbound decision to the treasury. path is one of PathLockApproved,
// PathLockRejected or PathMintCompleted.
func (c *Client) Notify(ctx context.Context, path string, payload any) error {
	_, err := c.doJSON(ctx, http.MethodPost, c.treasury+path, payload)
	return err
}

// SimulateLock asks the sandbox platform to raise a test lock and returns it.
func (c *Client) SimulateLock(ctx context.Context) (model.LockNotification, error) {
	if !c.opts.Sandbox {
		return model.LockNotification{}, ErrSandboxOnly
	}
	data, err := c.doJSON(ctx, http.MethodPost, c.platform+PathSimulateLock, map[string]any{})
	if err != nil {
		return model.LockNotification{}, err
	}
	var wrapped struct {
		Lock json.RawMessage `json:"lock"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Lock) > 0 {
		data = wrapped.Lock
	}
	return protocol.DecodeLock(data, c.opts.Now())
}

// ClearAll wipes both services' sandbox state.
func (c *Client) ClearAll(ctx context.Context) error {
	if !c.opts.Sandbox {
		return ErrSandboxOnly
	}
	var errs []error
	for _, base := range []string{c.treasury, c.platform} {
		if _, err := c.doJSON(ctx, http.MethodPost, base+PathClearAll, map[string]any{}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type apiEnvelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

// doJSON performs one call and returns the envelope's data field.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	c.logger.Debug().Str("method", method).Str("endpoint", endpoint).Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).Msg("remote call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAPIError(endpoint, resp.StatusCode, payload)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}

	var env apiEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		// Some endpoints answer with a bare list.
		if trimmed := bytes.TrimSpace(payload); len(trimmed) > 0 && trimmed[0] == '[' {
			return json.RawMessage(payload), nil
		}
		return nil, fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	if env.Success != nil && !*env.Success {
		return nil, &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: firstNonEmpty(env.Error, env.Message)}
	}
	if env.Success == nil && len(env.Data) == 0 {
		return json.RawMessage(payload), nil
	}
	return env.Data, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	return req, nil
}

func parseAPIError(endpoint string, status int, payload []byte) error {
	var env apiEnvelope
	if err := json.Unmarshal(payload, &env); err == nil {
		if msg := firstNonEmpty(env.Error, env.Message); msg != "" {
			return &APIError{Endpoint: endpoint, StatusCode: status, Message: msg}
		}
	}
	return &APIError{Endpoint: endpoint, StatusCode: status, Message: strings.TrimSpace(string(payload))}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
