package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/cheese-rooms/internal/domain"
)

// RemoteVerifier asks an identity service to resolve the credential.
// GET {base}/session with the bearer header; 200 returns {"id":..,"username":..}.
type RemoteVerifier struct {
	baseURL string
	http    *fasthttp.Client
	timeout time.Duration
	retries int
}

type RemoteOption func(*RemoteVerifier)

func WithRemoteTimeout(d time.Duration) RemoteOption {
	return func(v *RemoteVerifier) { v.timeout = d }
}

func WithRemoteRetry(n int) RemoteOption {
	return func(v *RemoteVerifier) { v.retries = n }
}

func NewRemoteVerifier(baseURL string, opts ...RemoteOption) *RemoteVerifier {
	v := &RemoteVerifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, MaxConnsPerHost: 32},
		timeout: 5 * time.Second,
		retries: 3,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type sessionResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

func (v *RemoteVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	if strings.TrimSpace(credential) == "" {
		return Identity{}, unauthorized("missing credential", nil)
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(v.baseURL + "/session")
	req.Header.Set("Authorization", "Bearer "+credential)

	attempts := v.retries
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := v.http.DoDeadline(req, resp, v.deadline(ctx))
		switch {
		case err != nil:
			lastErr = fmt.Errorf("identity service: %w", err)
		case resp.StatusCode() == fasthttp.StatusUnauthorized || resp.StatusCode() == fasthttp.StatusForbidden:
			return Identity{}, unauthorized("invalid credential", nil)
		case resp.StatusCode() >= 500:
			lastErr = fmt.Errorf("identity service: status=%d", resp.StatusCode())
		case resp.StatusCode() != fasthttp.StatusOK:
			return Identity{}, unauthorized(fmt.Sprintf("identity service refused: status=%d", resp.StatusCode()), nil)
		default:
			var out sessionResponse
			if err := json.Unmarshal(resp.Body(), &out); err != nil || out.ID <= 0 {
				return Identity{}, unauthorized("identity service returned no identity", err)
			}
			name := out.Username
			if name == "" {
				name = "user-" + domain.UserID(out.ID).String()
			}
			return Identity{ID: domain.UserID(out.ID), Name: name}, nil
		}
		if attempt < attempts {
			if err := sleepCtx(ctx, backoff(attempt)); err != nil {
				break
			}
		}
	}
	return Identity{}, domain.Wrap(domain.ErrTransientStore, "identity service unavailable", lastErr)
}

func (v *RemoteVerifier) deadline(ctx context.Context) time.Time {
	limit := time.Now().Add(v.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(limit) {
		return dl
	}
	return limit
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff is 100ms doubling, capped at the sixth step.
func backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}
