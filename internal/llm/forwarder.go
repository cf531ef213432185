// Package llm forwards completion requests to the upstream model
// endpoint with token metering: an estimated amount is reserved before
// the call and settled against the usage the upstream reports.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/quota"
	"github.com/wardenhq/warden/internal/storage"
)

const (
	defaultMaxTokens = 1024

	// defaultTimeout applies when the caller passes no upstream timeout.
	defaultTimeout = 30 * time.Second
)

// TokenAccounter is the quota slice the forwarder needs.
// *quota.Accounter satisfies it.
type TokenAccounter interface {
	ReserveTokens(ctx context.Context, app *storage.Application, n int64) (*quota.Usage, error)
	CommitTokens(ctx context.Context, appID uuid.UUID, reserved, actual int64)
	ReleaseTokens(ctx context.Context, appID uuid.UUID, n int64)
}

// Forwarder proxies completion calls to the configured upstream.
type Forwarder struct {
	upstreamURL string
	client      *http.Client
	accounter   TokenAccounter
	logger      *slog.Logger
}

func NewForwarder(upstreamURL string, timeout time.Duration, accounter TokenAccounter, logger *slog.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Forwarder{
		upstreamURL: upstreamURL,
		client:      &http.Client{Timeout: timeout},
		accounter:   accounter,
		logger:      logger,
	}
}

// Result carries the upstream response and the settled usage view.
type Result struct {
	StatusCode  int
	Body        []byte
	ContentType string
	Usage       *quota.Usage
	TokensUsed  int64
}

// Forward meters and proxies one completion request. The reservation is
// max_tokens from the request body (default 1024); after the upstream
// answers, the difference to usage.total_tokens is settled. A response
// without a usage block keeps the full reservation charged.
func (f *Forwarder) Forward(ctx context.Context, app *storage.Application, body []byte) (*Result, error) {
	estimate := estimateTokens(body)

	usage, err := f.accounter.ReserveTokens(ctx, app, estimate)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.upstreamURL, bytes.NewReader(body))
	if err != nil {
		f.accounter.ReleaseTokens(ctx, app.AppID, estimate)
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		// Nothing ran upstream; return the reservation.
		f.accounter.ReleaseTokens(ctx, app.AppID, estimate)
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, apierr.ServiceUnavailable("upstream model timed out", err)
		}
		return nil, apierr.ServiceUnavailable("upstream model is unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		f.accounter.CommitTokens(ctx, app.AppID, estimate, -1)
		return nil, apierr.Upstream("reading upstream response failed", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// The upstream rejected the call; no generation was billed there.
		f.accounter.ReleaseTokens(ctx, app.AppID, estimate)
		f.logger.Warn("llm_upstream_error", "app_id", app.AppID, "status", resp.StatusCode)
		return nil, apierr.Upstream(fmt.Sprintf("upstream model returned %d", resp.StatusCode), nil)
	}

	actual := totalTokens(respBody)
	f.accounter.CommitTokens(ctx, app.AppID, estimate, actual)

	charged := estimate
	if actual >= 0 {
		charged = actual
	}
	if usage != nil {
		usage.TokenUsed += charged - estimate
	}

	return &Result{
		StatusCode:  resp.StatusCode,
		Body:        respBody,
		ContentType: resp.Header.Get("Content-Type"),
		Usage:       usage,
		TokensUsed:  charged,
	}, nil
}

// estimateTokens reads max_tokens from the request body.
func estimateTokens(body []byte) int64 {
	var req struct {
		MaxTokens int64 `json:"max_tokens"`
	}
	if err := json.Unmarshal(body, &req); err == nil && req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}

// totalTokens extracts usage.total_tokens, or -1 when absent.
func totalTokens(body []byte) int64 {
	var resp struct {
		Usage *struct {
			TotalTokens int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return -1
	}
	return resp.Usage.TotalTokens
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
