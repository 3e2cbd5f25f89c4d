package message

import (
	"io"
	"net/http"
	"strconv"
)

// FromHTTP builds a Context for an HTTP message. Headers are flattened to
// their first value. A positive contentLength is recorded as Content-Length
// when the header itself was stripped by the transport.
func FromHTTP(header http.Header, contentLength int64, body io.Reader) *Context {
	mc := NewContext()
	if ct := header.Get("Content-Type"); ct != "" {
		mc.Transport.Set(KeyContentType, ct)
	}

	flat := make(map[string]string, len(header)+1)
	for k, v := range header {
		if len(v) > 0 {
			flat[k] = v[0]
		}
	}
	if _, ok := flat[HeaderContentLength]; !ok && contentLength > 0 {
		flat[HeaderContentLength] = strconv.FormatInt(contentLength, 10)
	}
	mc.Transport.Set(KeyTransportHeaders, flat)
	mc.Transport.Set(KeyPipe, NewPipe(body))
	return mc
}

// Body returns the message body as the stream later stages must read. Close
// on the result closes orig.
func Body(mc *Context, orig io.ReadCloser) io.ReadCloser {
	if mc.NoEntityBody() {
		return http.NoBody
	}
	p := mc.Pipe()
	if p == nil {
		return orig
	}
	in := p.InputStream()
	if in == nil {
		return http.NoBody
	}
	if orig == nil {
		return io.NopCloser(in)
	}
	return readCloser{Reader: in, Closer: orig}
}

type readCloser struct {
	io.Reader
	io.Closer
}
