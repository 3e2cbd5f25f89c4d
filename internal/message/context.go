// Package message defines the per-message state bag that travels through the
// mediation pipeline, together with the collaborator contracts (pipe, builder,
// fault handler) that pipeline stages use to hand bodies to each other.
package message

import (
	"strings"

	"github.com/google/uuid"
)

// Message-level keys.
const (
	// KeyPayloadTooLarge holds the oversize verdict. Absent means "not
	// evaluated or within limit"; true means the policy step should reject.
	KeyPayloadTooLarge = "payload-size-too-large"
	// KeyFault holds the *Fault recorded by FaultRecorder.
	KeyFault = "ERROR_DETAIL"
)

// Transport-level keys.
const (
	KeyContentType      = "ContentType"
	KeyTransportHeaders = "TRANSPORT_HEADERS"
	KeyBuilderInvoked   = "message.builder.invoked"
	KeyNoEntityBody     = "NO_ENTITY_BODY"
	KeyHTTPStatusCode   = "HTTP_SC"
	KeyPipe             = "pass-through.pipe"
	// KeyPayloadSizeMB holds the measured size for reporting. The verdict
	// never depends on it.
	KeyPayloadSizeMB = "payload-size-mb"
)

// HeaderContentLength is the canonical HTTP spelling of the length header.
const HeaderContentLength = "Content-Length"

// Properties is a mutable key/value store.
type Properties map[string]any

// Get returns the value stored under key.
func (p Properties) Get(key string) (any, bool) {
	v, ok := p[key]
	return v, ok
}

// Set stores value under key.
func (p Properties) Set(key string, value any) {
	p[key] = value
}

// Bool reports whether key holds the boolean true.
func (p Properties) Bool(key string) bool {
	b, ok := p[key].(bool)
	return ok && b
}

// String returns the string stored under key, or "" when absent or not a string.
func (p Properties) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Context is the state of one in-flight message. It is owned by the pipeline;
// stages read and write well-known keys and must not retain it past the message.
type Context struct {
	ID string
	// Properties is the message-level scope.
	Properties Properties
	// Transport is the lower-level transport scope.
	Transport Properties
}

// NewContext returns an empty Context with a fresh ID.
func NewContext() *Context {
	return &Context{
		ID:         uuid.NewString(),
		Properties: Properties{},
		Transport:  Properties{},
	}
}

// ContentType returns the transport content type, or "" when absent.
func (c *Context) ContentType() string {
	return c.Transport.String(KeyContentType)
}

// Headers returns the transport header mapping. It may be nil.
func (c *Context) Headers() map[string]string {
	h, _ := c.Transport[KeyTransportHeaders].(map[string]string)
	return h
}

// BuilderInvoked reports whether an earlier stage already built the body.
func (c *Context) BuilderInvoked() bool {
	return c.Transport.Bool(KeyBuilderInvoked)
}

// NoEntityBody reports whether the message was found to carry no body.
func (c *Context) NoEntityBody() bool {
	return c.Transport.Bool(KeyNoEntityBody)
}

// StatusCode returns the HTTP status code stored on the transport scope.
func (c *Context) StatusCode() (int, bool) {
	sc, ok := c.Transport[KeyHTTPStatusCode].(int)
	return sc, ok
}

// Pipe returns the raw byte pipe, or nil when none is attached.
func (c *Context) Pipe() Pipe {
	p, _ := c.Transport[KeyPipe].(Pipe)
	return p
}

// PayloadSizeMB returns the measured size recorded by the inspector.
func (c *Context) PayloadSizeMB() (float64, bool) {
	mb, ok := c.Transport[KeyPayloadSizeMB].(float64)
	return mb, ok
}

// PayloadTooLarge reports the oversize verdict.
func (c *Context) PayloadTooLarge() bool {
	return c.Properties.Bool(KeyPayloadTooLarge)
}

// Fault returns the fault recorded for this message, if any.
func (c *Context) Fault() (*Fault, bool) {
	f, ok := c.Properties[KeyFault].(*Fault)
	return f, ok
}

// HeaderValue looks up a transport header. The exact name is tried first,
// then a case-insensitive match.
func (c *Context) HeaderValue(name string) (string, bool) {
	headers := c.Headers()
	if headers == nil {
		return "", false
	}
	if v, ok := headers[name]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
