package authapi

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

	"github.com/google/uuid"
)

const (
	PathLogin         = "/auth/login"
	PathSignup        = "/auth/signup"
	PathVerifyOTP     = "/auth/verify-otp"
	PathGoogle        = "/auth/google"
	PathVerify2FA     = "/auth/2fa/verify"
	PathResend2FA     = "/auth/2fa/resend"
	PathEmailFallback = "/auth/2fa/email-fallback"

	// HeaderRequestID correlates one request with server-side logs.
	HeaderRequestID = "X-Request-ID"

	maxBodyBytes = 1 << 20
)

// ErrTransport marks failures that produced no structured server payload:
// dial errors, timeouts, 5xx pages, undecodable bodies.
var ErrTransport = errors.New("auth api transport failure")

// Error is a non-2xx (or success:false) response from the Auth API.
type Error struct {
	Path         string
	Status       int
	RequestID    string
	Message      string
	Code         string
	AttemptsLeft *int
	CanResendAt  time.Time
	// Structured is false when the body could not be decoded into the error
	// envelope.
	Structured bool
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("auth api %s: status %d: %s", e.Path, e.Status, msg)
}

// Is lets unstructured server failures match ErrTransport.
func (e *Error) Is(target error) bool {
	return target == ErrTransport && (!e.Structured || e.Status >= http.StatusInternalServerError)
}

// Observer receives the outcome of every round-trip. Used for latency metrics.
type Observer func(path string, status int, elapsed time.Duration, err error)

// Config configures a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	Observer   Observer
}

// Client talks JSON to the Auth API.
type Client struct {
	baseURL   string
	http      *http.Client
	userAgent string
	observe   Observer
}

// New returns a Client for cfg.BaseURL. A nil HTTPClient falls back to
// http.DefaultClient.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("auth api base url is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		baseURL:   base,
		http:      hc,
		userAgent: cfg.UserAgent,
		observe:   cfg.Observer,
	}, nil
}

func (c *Client) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	var out LoginResponse
	if err := c.post(ctx, PathLogin, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Signup(ctx context.Context, req SignupRequest) (*SignupResponse, error) {
	var out SignupResponse
	if err := c.post(ctx, PathSignup, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) VerifyOTP(ctx context.Context, req VerifyOTPRequest) (*VerifyOTPResponse, error) {
	var out VerifyOTPResponse
	if err := c.post(ctx, PathVerifyOTP, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Google(ctx context.Context, req GoogleRequest) (*GoogleResponse, error) {
	var out GoogleResponse
	if err := c.post(ctx, PathGoogle, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyTwoFactor returns an *Error for success:false bodies even when the
// HTTP status was 200.
func (c *Client) VerifyTwoFactor(ctx context.Context, req TwoFactorVerifyRequest) (*TwoFactorVerifyResponse, error) {
	var out TwoFactorVerifyResponse
	if err := c.post(ctx, PathVerify2FA, req, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &Error{
			Path:         PathVerify2FA,
			Status:       http.StatusOK,
			Message:      out.Message,
			AttemptsLeft: out.AttemptsLeft,
			Structured:   true,
		}
	}
	return &out, nil
}

func (c *Client) ResendTwoFactor(ctx context.Context, req TwoFactorResendRequest) (*TwoFactorResendResponse, error) {
	var out TwoFactorResendResponse
	if err := c.post(ctx, PathResend2FA, req, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &Error{
			Path:        PathResend2FA,
			Status:      http.StatusOK,
			Message:     out.Message,
			CanResendAt: out.CanResendAt.Time,
			Structured:  true,
		}
	}
	return &out, nil
}

func (c *Client) EmailFallback(ctx context.Context, req EmailFallbackRequest) (*EmailFallbackResponse, error) {
	var out EmailFallbackResponse
	if err := c.post(ctx, PathEmailFallback, req, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &Error{
			Path:       PathEmailFallback,
			Status:     http.StatusOK,
			Message:    out.Message,
			Structured: true,
		}
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) (err error) {
	start := time.Now()
	status := 0
	if c.observe != nil {
		defer func() { c.observe(path, status, time.Since(start), err) }()
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, requestID)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", ErrTransport, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(path, resp.StatusCode, requestID, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrTransport, path, err)
	}
	return nil
}

// decodeError reads the error envelope one field at a time, so a single
// malformed field does not cost the others. Only a body that is not a JSON
// object at all leaves the error unstructured.
func decodeError(path string, status int, requestID string, raw []byte) *Error {
	apiErr := &Error{Path: path, Status: status, RequestID: requestID}

	var fields map[string]json.RawMessage
	if len(bytes.TrimSpace(raw)) == 0 || json.Unmarshal(raw, &fields) != nil || fields == nil {
		return apiErr
	}
	apiErr.Structured = true

	var message, fallback string
	decodeField(fields, "message", &message)
	decodeField(fields, "error", &fallback)
	if message == "" {
		message = fallback
	}
	apiErr.Message = message
	decodeField(fields, "code", &apiErr.Code)

	var attempts int
	if decodeField(fields, "attemptsLeft", &attempts) {
		apiErr.AttemptsLeft = &attempts
	}
	var resume ResumeTime
	if decodeField(fields, "canResendAt", &resume) {
		apiErr.CanResendAt = resume.Time
	}
	return apiErr
}

// decodeField unmarshals fields[name] into dst and reports whether a
// non-null value decoded cleanly.
func decodeField(fields map[string]json.RawMessage, name string, dst any) bool {
	v, ok := fields[name]
	if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return false
	}
	return json.Unmarshal(v, dst) == nil
}
