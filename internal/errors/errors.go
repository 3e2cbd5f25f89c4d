// Package errors defines sentinel error types with educational messages.
// Every error includes a Hint for operator guidance and a DocsURL for reference.
package errors

import "fmt"

// SentinelError is the base error type for all gateway errors.
type SentinelError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
	DocsURL string `json:"docs_url,omitempty"`
}

// Error implements the error interface.
func (e *SentinelError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("[%d] %s (hint: %s)", e.Code, e.Message, e.Hint)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Predefined errors.
var (
	ErrPayloadTooLarge        = &SentinelError{Code: 413, Message: "Request payload too large", Hint: "Reduce the request body or raise apis[].inbound.size_limit", DocsURL: "https://payload-sentinel.dev/docs/limits"}
	ErrResponseTooLarge       = &SentinelError{Code: 502, Message: "Upstream response too large", Hint: "The upstream returned a body above apis[].outbound.size_limit", DocsURL: "https://payload-sentinel.dev/docs/limits"}
	ErrMalformedContentLength = &SentinelError{Code: 400, Message: "Malformed Content-Length header", Hint: "Content-Length must be a non-negative number of bytes", DocsURL: "https://payload-sentinel.dev/docs/inspection"}
	ErrBodyUnreadable         = &SentinelError{Code: 400, Message: "Request body could not be read", Hint: "The client closed or reset the stream before the body was complete", DocsURL: "https://payload-sentinel.dev/docs/inspection"}
	ErrInspectionFailed       = &SentinelError{Code: 500, Message: "Error while inspecting the payload size", Hint: "Check gateway logs for the message_id of this request", DocsURL: "https://payload-sentinel.dev/docs/inspection"}
	ErrBadUpstreamResponse    = &SentinelError{Code: 502, Message: "Upstream response could not be inspected", Hint: "The upstream sent a malformed Content-Length or reset the response stream", DocsURL: "https://payload-sentinel.dev/docs/inspection"}
	ErrRateLimited            = &SentinelError{Code: 429, Message: "Rate limit exceeded", Hint: "Wait before retrying. Configure listen.global_rate_limit in payload-sentinel.yaml", DocsURL: "https://payload-sentinel.dev/docs/rate-limit"}
	ErrUpstreamUnavailable    = &SentinelError{Code: 503, Message: "Upstream API unavailable", Hint: "Check upstream health and apis[].upstream", DocsURL: "https://payload-sentinel.dev/docs/apis"}
	ErrNoRoute                = &SentinelError{Code: 404, Message: "No matching API found", Hint: "Check apis[].path_prefix or mark one API as default", DocsURL: "https://payload-sentinel.dev/docs/routing"}
	ErrGlobalLimitReached     = &SentinelError{Code: 503, Message: "Gateway capacity reached", Hint: "Gateway is at maximum connections. Try again shortly", DocsURL: "https://payload-sentinel.dev/docs/limits"}
)
