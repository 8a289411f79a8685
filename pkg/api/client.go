// Package api is the HTTP adapter for the request API. Every call returns
// the data of the uniform {success, data, error} envelope or a typed error.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"

	"github.com/tinyland-inc/tinysip/pkg/auth"
	"github.com/tinyland-inc/tinysip/pkg/logger"
	"github.com/tinyland-inc/tinysip/pkg/metrics"
)

// ErrNoToken is returned by authenticated calls made before a token is set.
var ErrNoToken = errors.New("no session token")

// RequestError reports a failed request API call.
type RequestError struct {
	Op      string
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *RequestError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s: %s: %s (status %d)", e.Op, e.Code, e.Message, e.Status)
	default:
		return fmt.Sprintf("%s: request failed (status %d)", e.Op, e.Status)
	}
}

func (e *RequestError) Unwrap() error { return e.Err }

// tokenSource hands the current session token to the oauth2 transport.
type tokenSource struct {
	mu    sync.RWMutex
	token string
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return nil, ErrNoToken
	}
	return &oauth2.Token{AccessToken: s.token, TokenType: "Bearer"}, nil
}

func (s *tokenSource) set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

type Client struct {
	tokens *tokenSource
	base   http.RoundTripper
	http   *resty.Client // bearer-authenticated
	anon   *resty.Client // login only
}

type Option func(*Client)

// WithTransport sets the base round tripper under the bearer transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.base = rt }
}

func NewClient(baseURL, token string, timeout time.Duration, opts ...Option) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid api base URL: %w", err)
	}

	c := &Client{
		tokens: &tokenSource{token: token},
		base:   http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(c)
	}

	// The token source is used directly rather than through a reuse cache
	// so SetToken takes effect on the next request.
	c.http = resty.NewWithClient(&http.Client{
		Transport: &oauth2.Transport{Source: c.tokens, Base: c.base},
	})
	c.anon = resty.NewWithClient(&http.Client{Transport: c.base})

	for _, rc := range []*resty.Client{c.http, c.anon} {
		rc.SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json")
	}
	return c, nil
}

// SetToken replaces the bearer token used for subsequent calls.
func (c *Client) SetToken(token string) { c.tokens.set(token) }

func (c *Client) do(ctx context.Context, rc *resty.Client, op, method, path string, body, out any) error {
	start := time.Now()
	var env envelope

	req := rc.R().SetContext(ctx).SetResult(&env).SetError(&env)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	outcome := "ok"
	defer func() {
		metrics.RequestDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	}()

	if err != nil {
		outcome = "transport"
		if errors.Is(err, ErrNoToken) {
			return &auth.AuthError{Message: op, Err: ErrNoToken}
		}
		return &RequestError{Op: op, Err: err}
	}

	status := resp.StatusCode()
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		outcome = "auth"
		msg := ""
		if env.Error != nil {
			msg = env.Error.Message
		}
		logger.WarnCF("api", "Credential rejected", map[string]any{"op": op, "status": status})
		return &auth.AuthError{Status: status, Message: msg}
	}

	if resp.IsError() || !env.Success {
		outcome = "error"
		rerr := &RequestError{Op: op, Status: status}
		if env.Error != nil {
			rerr.Code = env.Error.Code
			rerr.Message = env.Error.Message
			rerr.Details = env.Error.Details
		} else if env.Message != "" {
			rerr.Message = env.Message
		}
		return rerr
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			outcome = "decode"
			return &RequestError{Op: op, Status: status, Err: fmt.Errorf("decoding data: %w", err)}
		}
	}
	return nil
}

// Login exchanges credentials for a session token and starts using it.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	var out LoginResponse
	if err := c.do(ctx, c.anon, "login", http.MethodPost, "/auth/login", req, &out); err != nil {
		return nil, err
	}
	c.SetToken(out.Token)
	return &out, nil
}

func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	var out Message
	if err := c.do(ctx, c.http, "sendMessage", http.MethodPost, "/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.do(ctx, c.http, "getSessions", http.MethodGet, "/messages/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetSessionHistory(ctx context.Context, sessionID string) (*MessageHistory, error) {
	var out MessageHistory
	path := "/messages/sessions/" + url.PathEscape(sessionID)
	if err := c.do(ctx, c.http, "getSessionHistory", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartCall(ctx context.Context, req StartCallRequest) (*Call, error) {
	var out Call
	if err := c.do(ctx, c.http, "startCall", http.MethodPost, "/calls", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AnswerCall(ctx context.Context, callID, sdp string) (*Call, error) {
	var out Call
	path := "/calls/" + url.PathEscape(callID) + "/answer"
	body := map[string]string{"sdp": sdp}
	if err := c.do(ctx, c.http, "answerCall", http.MethodPut, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RejectCall(ctx context.Context, callID, reason string) error {
	path := "/calls/" + url.PathEscape(callID) + "/reject"
	body := map[string]string{"reason": reason}
	return c.do(ctx, c.http, "rejectCall", http.MethodPut, path, body, nil)
}

func (c *Client) HangupCall(ctx context.Context, callID string) (*Call, error) {
	var out Call
	path := "/calls/" + url.PathEscape(callID)
	if err := c.do(ctx, c.http, "hangupCall", http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetCallStatus(ctx context.Context, callID string) (*Call, error) {
	var out Call
	path := "/calls/" + url.PathEscape(callID)
	if err := c.do(ctx, c.http, "getCallStatus", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
