package message

import (
	"io"
	"sync"
)

// Pipe is the raw byte pipe carrying a message body between stages.
type Pipe interface {
	// InputStream returns the body stream, or nil when there is none.
	InputStream() io.Reader
}

// StreamReplacer is implemented by pipes whose stream can be swapped, so a
// stage that wrapped or rebuilt the body can hand it to later stages.
type StreamReplacer interface {
	SetInputStream(r io.Reader)
}

// BufferPipe is the default Pipe implementation.
type BufferPipe struct {
	mu sync.Mutex
	r  io.Reader
}

// NewPipe returns a pipe over r. r may be nil.
func NewPipe(r io.Reader) *BufferPipe {
	return &BufferPipe{r: r}
}

// InputStream returns the current body stream.
func (p *BufferPipe) InputStream() io.Reader {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.r
}

// SetInputStream replaces the body stream.
func (p *BufferPipe) SetInputStream(r io.Reader) {
	p.mu.Lock()
	p.r = r
	p.mu.Unlock()
}

// Builder re-invokes message building on a body stream. Stages that had to
// consume the raw stream call it so later stages parse the body exactly once
// from byte zero.
type Builder interface {
	BuildMessage(mc *Context, useInboundStream bool, body io.Reader) error
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(mc *Context, useInboundStream bool, body io.Reader) error

// BuildMessage calls f.
func (f BuilderFunc) BuildMessage(mc *Context, useInboundStream bool, body io.Reader) error {
	return f(mc, useInboundStream, body)
}

// RelayBuilder is the default Builder. It installs body as the pipe stream
// and marks the message as built. With useInboundStream set it keeps the
// stream already on the pipe.
type RelayBuilder struct{}

// BuildMessage implements Builder.
func (RelayBuilder) BuildMessage(mc *Context, useInboundStream bool, body io.Reader) error {
	if !useInboundStream {
		if p, ok := mc.Pipe().(StreamReplacer); ok {
			p.SetInputStream(body)
		} else {
			mc.Transport.Set(KeyPipe, NewPipe(body))
		}
	}
	mc.Transport.Set(KeyBuilderInvoked, true)
	return nil
}
