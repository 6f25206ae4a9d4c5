// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeServerError       = "server_error"
	TypeNotFoundError     = "not_found_error"
)

// Code constants.
const (
	CodeRateLimitExceeded     = "rate_limit_exceeded"
	CodeInvalidAPIKey         = "invalid_api_key"
	CodeInternalError         = "internal_error"
	CodeRequestTimeout        = "request_timeout"
	CodeInvalidRequest        = "invalid_request"
	CodeContextLengthExceeded = "context_length_exceeded"
	CodeModelNotFound         = "model_not_found"
	CodeRequestTooLarge       = "request_too_large"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string  `json:"message"`
		Type    string  `json:"type"`
		Param   *string `json:"param"`
		Code    string  `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteParam(ctx, status, message, errType, "", code)
}

// WriteParam writes the error with the OpenAI "param" field populated.
// An empty param serialises as JSON null, matching the OpenAI wire format.
func WriteParam(ctx *fasthttp.RequestCtx, status int, message, errType, param, code string) {
	ctx.ResetBody()
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	e := APIError{Message: message, Type: errType, Code: code}
	if param != "" {
		e.Param = &param
	}
	body, _ := json.Marshal(envelope{Error: e})
	ctx.SetBody(body)
}

// WriteAuth writes a 401 invalid-API-key error.
func WriteAuth(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusUnauthorized, message, TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteRateLimit writes a 429 rate limit error with an integral retry-after
// header (seconds until the exhausted counter next refills).
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSec int, message string) {
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	ctx.Response.Header.Set("retry-after", strconv.Itoa(retryAfterSec))
	Write(ctx, fasthttp.StatusTooManyRequests, message, TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteContextLength writes a 400 context-window overflow error with the
// exact OpenAI message shape.
func WriteContextLength(ctx *fasthttp.RequestCtx, window, promptTokens, maxTokens int) {
	msg := "This model's maximum context length is " + strconv.Itoa(window) +
		" tokens. However, your messages resulted in " + strconv.Itoa(promptTokens+maxTokens) +
		" tokens (" + strconv.Itoa(promptTokens) + " in the messages, " +
		strconv.Itoa(maxTokens) + " in the completion). " +
		"Please reduce the length of the messages or completion."
	WriteParam(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, "messages", CodeContextLengthExceeded)
}

// WriteInternal writes a 500 with a trace id so the failure can be located
// in the server logs.
func WriteInternal(ctx *fasthttp.RequestCtx, traceID string) {
	Write(ctx, fasthttp.StatusInternalServerError,
		"internal server error (trace_id: "+traceID+")", TypeServerError, CodeInternalError)
}
