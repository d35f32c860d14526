// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeInvalidAPIKey      = "invalid_api_key"
	CodeMissingAPIKey      = "missing_api_key"
	CodeModelNotPermitted  = "model_not_permitted"
	CodeInternalError      = "internal_error"
	CodeProviderError      = "provider_error"
	CodeAllProvidersFailed = "all_providers_failed"
	CodeRequestTimeout     = "request_timeout"
	CodeInvalidRequest     = "invalid_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteUnauthorized writes a 401 for a missing or malformed Authorization header.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized,
		"API key required. Use 'Authorization: Bearer <api_key>' header.",
		TypeAuthenticationErr, CodeMissingAPIKey)
}

// WriteForbidden writes a 403 for an unknown or inactive credential.
func WriteForbidden(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusForbidden, message, TypePermissionError, CodeInvalidAPIKey)
}

// WriteModelNotPermitted writes a 403 for a model outside the connector's policy.
func WriteModelNotPermitted(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusForbidden,
		"model '"+model+"' is not allowed for this connector",
		TypePermissionError, CodeModelNotPermitted)
}

// RateLimitBody is the 429 response body. Remaining counts account for the
// request that was just denied; reset values are absolute unix seconds.
type RateLimitBody struct {
	Error           APIError `json:"error"`
	MinuteRemaining int      `json:"minute_remaining"`
	HourRemaining   int      `json:"hour_remaining"`
	MinuteReset     int64    `json:"minute_reset"`
	HourReset       int64    `json:"hour_reset"`
}

// WriteRateLimit writes a 429 with the window state so well-behaved clients
// can back off until the reset instant.
func WriteRateLimit(ctx *fasthttp.RequestCtx, minuteRemaining, hourRemaining int, minuteReset, hourReset int64) {
	ctx.Response.Header.Set("Retry-After", "60")
	ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(RateLimitBody{
		Error: APIError{
			Message: "rate limit exceeded",
			Type:    TypeRateLimitError,
			Code:    CodeRateLimitExceeded,
		},
		MinuteRemaining: minuteRemaining,
		HourRemaining:   hourRemaining,
		MinuteReset:     minuteReset,
		HourReset:       hourReset,
	})
	ctx.SetBody(body)
}

// ProviderFailure records why one provider slot failed during routing.
type ProviderFailure struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

type allFailedBody struct {
	Error     APIError          `json:"error"`
	Providers []ProviderFailure `json:"providers"`
}

// WriteAllProvidersFailed writes the terminal 503 with per-provider reasons.
func WriteAllProvidersFailed(ctx *fasthttp.RequestCtx, failures []ProviderFailure) {
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(allFailedBody{
		Error: APIError{
			Message: "all providers failed",
			Type:    TypeProviderError,
			Code:    CodeAllProvidersFailed,
		},
		Providers: failures,
	})
	ctx.SetBody(body)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}
