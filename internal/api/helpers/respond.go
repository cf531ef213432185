// Package helpers holds the small HTTP utilities shared by handlers and
// middleware: strict JSON decoding, unified response writing, client IP
// extraction.
package helpers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"github.com/wardenhq/warden/internal/apierr"
)

type ctxKey int

const ctxKeyRequestID ctxKey = iota

// WithRequestID stores the request id; set by the request-id middleware.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// GetRequestID returns the request id, or "" outside a request.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// DecodeJSON decodes the request body with strict validation: unknown
// fields are rejected so payload pollution fails loudly.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return apierr.Wrap(apierr.KindValidation, "request body is not valid JSON", err)
	}
	return nil
}

// RespondJSON writes a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("response_encode_failed", "error", err)
	}
}

// errorBody is the unified error shape of every surface.
type errorBody struct {
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// RespondError translates any error into the unified error body. Errors
// that are not *apierr.Error become service_unavailable and are captured
// to Sentry; internals never leak to the client.
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	e := apierr.From(err)

	if e.Code == apierr.KindServiceUnavailable && e.Err != nil {
		slog.Error("request_failed", "error", e.Err, "path", r.URL.Path)
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(e.Err)
		}
	}

	RespondJSON(w, e.Status, errorBody{
		ErrorCode: string(e.Code),
		Message:   e.Message,
		Details:   e.Details,
		RequestID: GetRequestID(r.Context()),
	})
}

// GetRealIP returns the client address, honoring proxy headers.
func GetRealIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	if rip := r.Header.Get("X-Real-Ip"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// FormatQuota renders a quota number for headers; -1 stays literal.
func FormatQuota(n int64) string {
	return fmt.Sprintf("%d", n)
}
