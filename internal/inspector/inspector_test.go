package inspector

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivars7/payload-sentinel/internal/message"
	"github.com/vivars7/payload-sentinel/internal/sizing"
)

type fakeRecorder struct {
	mu          sync.Mutex
	inspections []string
	faults      []string
}

func (f *fakeRecorder) RecordInspection(api, flow, method string, mb float64, oversize bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspections = append(f.inspections, api+"/"+flow+"/"+method)
}

func (f *fakeRecorder) RecordInspectionFault(api, flow, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, reason)
}

type fakeFaults struct {
	calls int
	msg   string
	cause error
}

func (f *fakeFaults) HandleFault(mc *message.Context, msg string, cause error) {
	f.calls++
	f.msg = msg
	f.cause = cause
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newInspector(t *testing.T, limit string, opts ...Option) *Inspector {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	insp, err := New(Config{SizeLimit: limit, APIName: "orders", FlowDirection: "inbound"}, opts...)
	require.NoError(t, err)
	return insp
}

// newMessage builds a message with a body pipe and optional headers.
func newMessage(contentType string, headers map[string]string, body io.Reader) (*message.Context, *message.BufferPipe) {
	mc := message.NewContext()
	if contentType != "" {
		mc.Transport.Set(message.KeyContentType, contentType)
	}
	if headers == nil {
		headers = map[string]string{}
	}
	mc.Transport.Set(message.KeyTransportHeaders, headers)
	pipe := message.NewPipe(body)
	mc.Transport.Set(message.KeyPipe, pipe)
	return mc, pipe
}

func readPipe(t *testing.T, mc *message.Context) []byte {
	t.Helper()
	got, err := io.ReadAll(mc.Pipe().InputStream())
	require.NoError(t, err)
	return got
}

func TestNew_Defaults(t *testing.T) {
	insp, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, 10, insp.LimitMB())
	assert.Equal(t, "not available", insp.APIName())
	assert.Equal(t, "not available", insp.FlowDirection())
	assert.Equal(t, DefaultProbeStatus, insp.probeStatus)
}

func TestNew_InvalidLimit(t *testing.T) {
	for _, limit := range []string{"ten", "1.5", "-1", "9000000000000"} {
		_, err := New(Config{SizeLimit: limit})
		assert.Error(t, err, "limit %q", limit)
	}
}

func TestMediate_HeaderOneByteOver(t *testing.T) {
	insp := newInspector(t, "10")
	mc, _ := newMessage("application/json", map[string]string{"Content-Length": "10485761"}, strings.NewReader("{}"))

	assert.True(t, insp.Mediate(context.Background(), mc))
	assert.True(t, mc.PayloadTooLarge())
	assert.False(t, mc.Transport.Bool(message.KeyPayloadTooLarge), "verdict must not be written on the transport scope")
	_, faulted := mc.Fault()
	assert.False(t, faulted)
	mb, ok := mc.PayloadSizeMB()
	assert.True(t, ok)
	assert.Equal(t, 10.0, mb)
}

func TestMediate_HeaderExactlyAtLimit(t *testing.T) {
	insp := newInspector(t, "10")
	mc, _ := newMessage("application/json", map[string]string{"Content-Length": "10485760"}, strings.NewReader("{}"))

	assert.True(t, insp.Mediate(context.Background(), mc))
	assert.False(t, mc.PayloadTooLarge())
	_, set := mc.Properties.Get(message.KeyPayloadTooLarge)
	assert.False(t, set)
}

func TestMediate_HeaderPathReadsNoBody(t *testing.T) {
	insp := newInspector(t, "1")
	body := "this body must stay untouched"
	mc, _ := newMessage("text/plain", map[string]string{"content-length": "99999999"}, strings.NewReader(body))

	insp.Mediate(context.Background(), mc)

	assert.True(t, mc.PayloadTooLarge())
	assert.False(t, mc.BuilderInvoked())
	assert.Equal(t, body, string(readPipe(t, mc)))
}

func TestMediate_ChunkedBodyDrained(t *testing.T) {
	rec := &fakeRecorder{}
	insp := newInspector(t, "5", WithRecorder(rec))
	data := bytes.Repeat([]byte("0123456789abcdef"), 6*sizing.BytesPerMegabyte/16)
	mc, _ := newMessage("application/octet-stream", nil, iotest.HalfReader(bytes.NewReader(data)))

	insp.Mediate(context.Background(), mc)

	assert.True(t, mc.PayloadTooLarge())
	assert.True(t, mc.BuilderInvoked())
	got := readPipe(t, mc)
	assert.Len(t, got, 6291456)
	assert.True(t, bytes.Equal(data, got))
	assert.Equal(t, []string{"orders/inbound/drain"}, rec.inspections)
}

func TestMediate_DrainWithinLimit(t *testing.T) {
	insp := newInspector(t, "1")
	mc, _ := newMessage("application/json", nil, strings.NewReader(`{"id":1}`))

	insp.Mediate(context.Background(), mc)

	assert.False(t, mc.PayloadTooLarge())
	assert.Equal(t, `{"id":1}`, string(readPipe(t, mc)))
}

func TestMediate_DrainBoundary(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		oversize bool
	}{
		{"exactly one MiB", sizing.BytesPerMegabyte, false},
		{"one hundredth over", 1059062, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insp := newInspector(t, "1")
			mc, _ := newMessage("application/json", nil, bytes.NewReader(make([]byte, tt.size)))
			insp.Mediate(context.Background(), mc)
			assert.Equal(t, tt.oversize, mc.PayloadTooLarge())
		})
	}
}

func TestMediate_NoContentType(t *testing.T) {
	rec := &fakeRecorder{}
	insp := newInspector(t, "0", WithRecorder(rec))
	mc, _ := newMessage("", map[string]string{"Content-Length": "999999999"}, strings.NewReader("body"))

	assert.True(t, insp.Mediate(context.Background(), mc))

	assert.True(t, mc.BuilderInvoked())
	_, set := mc.Properties.Get(message.KeyPayloadTooLarge)
	assert.False(t, set)
	assert.Empty(t, rec.inspections)
	assert.Equal(t, "body", string(readPipe(t, mc)))
}

func TestMediate_AlreadyBuiltIsLeftAlone(t *testing.T) {
	insp := newInspector(t, "0")
	mc, _ := newMessage("application/json", nil, strings.NewReader("body"))
	mc.Transport.Set(message.KeyBuilderInvoked, true)

	insp.Mediate(context.Background(), mc)

	assert.False(t, mc.PayloadTooLarge())
	assert.Equal(t, "body", string(readPipe(t, mc)))
}

func TestMediate_NoPipe(t *testing.T) {
	insp := newInspector(t, "0")
	mc := message.NewContext()
	mc.Transport.Set(message.KeyContentType, "application/json")

	assert.True(t, insp.Mediate(context.Background(), mc))
	assert.False(t, mc.PayloadTooLarge())
	assert.False(t, mc.BuilderInvoked())
}

func TestMediate_EmptyBodyProbe(t *testing.T) {
	for _, limit := range []string{"0", "10"} {
		t.Run("limit="+limit, func(t *testing.T) {
			rec := &fakeRecorder{}
			insp := newInspector(t, limit, WithRecorder(rec))
			mc, _ := newMessage("application/json", nil, strings.NewReader(""))
			mc.Transport.Set(message.KeyHTTPStatusCode, 202)

			insp.Mediate(context.Background(), mc)

			assert.True(t, mc.NoEntityBody())
			assert.True(t, mc.BuilderInvoked())
			assert.False(t, mc.PayloadTooLarge())
			assert.Empty(t, rec.inspections)
		})
	}
}

func TestMediate_ProbeNonEmptyRewindsForHeaderPath(t *testing.T) {
	insp := newInspector(t, "10")
	mc, _ := newMessage("application/json", map[string]string{"Content-Length": "7"}, strings.NewReader(`{"a":1}`))
	mc.Transport.Set(message.KeyHTTPStatusCode, 202)

	insp.Mediate(context.Background(), mc)

	assert.False(t, mc.NoEntityBody())
	assert.False(t, mc.PayloadTooLarge())
	assert.Equal(t, `{"a":1}`, string(readPipe(t, mc)), "probed byte must be replayed to later stages")
}

// readOnlyPipe exposes only InputStream, so the inspector cannot swap its
// stream in place.
type readOnlyPipe struct{ r io.Reader }

func (p readOnlyPipe) InputStream() io.Reader { return p.r }

func TestMediate_ProbeRewindsReadOnlyPipe(t *testing.T) {
	insp := newInspector(t, "10")
	mc, _ := newMessage("application/json", map[string]string{"Content-Length": "5"}, nil)
	mc.Transport.Set(message.KeyPipe, readOnlyPipe{r: strings.NewReader("hello")})
	mc.Transport.Set(message.KeyHTTPStatusCode, 202)

	insp.Mediate(context.Background(), mc)

	_, faulted := mc.Fault()
	require.False(t, faulted)
	assert.False(t, mc.NoEntityBody())
	assert.Equal(t, "hello", string(readPipe(t, mc)))
}

func TestMediate_ProbeNonEmptyThenDrain(t *testing.T) {
	insp := newInspector(t, "10")
	mc, _ := newMessage("application/json", nil, iotest.OneByteReader(strings.NewReader("accepted-body")))
	mc.Transport.Set(message.KeyHTTPStatusCode, 202)

	insp.Mediate(context.Background(), mc)

	assert.False(t, mc.NoEntityBody())
	assert.True(t, mc.BuilderInvoked())
	assert.Equal(t, "accepted-body", string(readPipe(t, mc)))
}

func TestMediate_ProbeOnlyUnderSentinelStatus(t *testing.T) {
	insp := newInspector(t, "10")
	mc, _ := newMessage("application/json", nil, strings.NewReader(""))
	mc.Transport.Set(message.KeyHTTPStatusCode, 200)

	insp.Mediate(context.Background(), mc)

	assert.False(t, mc.NoEntityBody(), "empty-body probe runs only for the configured status")
	assert.True(t, mc.BuilderInvoked())
	assert.False(t, mc.PayloadTooLarge())
}

func TestMediate_CustomProbeStatus(t *testing.T) {
	insp, err := New(Config{SizeLimit: "1", ProbeStatus: 204}, WithLogger(quietLogger()))
	require.NoError(t, err)
	mc, _ := newMessage("application/json", nil, strings.NewReader(""))
	mc.Transport.Set(message.KeyHTTPStatusCode, 204)

	insp.Mediate(context.Background(), mc)
	assert.True(t, mc.NoEntityBody())
}

func TestMediate_MalformedContentLength(t *testing.T) {
	faults := &fakeFaults{}
	rec := &fakeRecorder{}
	insp := newInspector(t, "10", WithFaultHandler(faults), WithRecorder(rec))
	mc, _ := newMessage("application/json", map[string]string{"Content-Length": "lots"}, strings.NewReader("{}"))

	assert.True(t, insp.Mediate(context.Background(), mc))

	assert.Equal(t, 1, faults.calls)
	assert.Equal(t, FaultMessage, faults.msg)
	assert.ErrorIs(t, faults.cause, sizing.ErrMalformedContentLength)
	assert.False(t, mc.PayloadTooLarge())
	assert.Equal(t, []string{ReasonMalformedLength}, rec.faults)
}

func TestMediate_DrainIOFailure(t *testing.T) {
	faults := &fakeFaults{}
	insp := newInspector(t, "10", WithFaultHandler(faults))
	boom := errors.New("connection reset by peer")
	mc, _ := newMessage("application/json", nil, io.MultiReader(strings.NewReader("part"), iotest.ErrReader(boom)))

	assert.True(t, insp.Mediate(context.Background(), mc))

	assert.Equal(t, 1, faults.calls)
	assert.ErrorIs(t, faults.cause, sizing.ErrBodyRead)
	assert.ErrorIs(t, faults.cause, boom)
	assert.False(t, mc.PayloadTooLarge())
	assert.False(t, mc.BuilderInvoked())
}

func TestMediate_ProbeIOFailure(t *testing.T) {
	faults := &fakeFaults{}
	insp := newInspector(t, "10", WithFaultHandler(faults))
	mc, _ := newMessage("application/json", nil, iotest.ErrReader(errors.New("broken pipe")))
	mc.Transport.Set(message.KeyHTTPStatusCode, 202)

	insp.Mediate(context.Background(), mc)

	assert.Equal(t, 1, faults.calls)
	assert.ErrorIs(t, faults.cause, sizing.ErrBodyRead)
	assert.False(t, mc.NoEntityBody())
}

func TestMediate_BuilderFailureLeavesNoVerdict(t *testing.T) {
	faults := &fakeFaults{}
	rec := &fakeRecorder{}
	failing := message.BuilderFunc(func(*message.Context, bool, io.Reader) error {
		return errors.New("builder unavailable")
	})
	insp := newInspector(t, "0", WithFaultHandler(faults), WithBuilder(failing), WithRecorder(rec))
	mc, _ := newMessage("application/json", nil, strings.NewReader("oversized for a zero limit"))

	insp.Mediate(context.Background(), mc)

	assert.Equal(t, 1, faults.calls)
	assert.False(t, mc.PayloadTooLarge())
	assert.Equal(t, []string{ReasonRebuild}, rec.faults)
}

func TestMediate_PanicIsContained(t *testing.T) {
	faults := &fakeFaults{}
	rec := &fakeRecorder{}
	exploding := message.BuilderFunc(func(*message.Context, bool, io.Reader) error {
		panic("unexpected state")
	})
	insp := newInspector(t, "10", WithFaultHandler(faults), WithBuilder(exploding), WithRecorder(rec))
	mc, _ := newMessage("application/json", nil, strings.NewReader("{}"))

	var handled bool
	assert.NotPanics(t, func() { handled = insp.Mediate(context.Background(), mc) })
	assert.True(t, handled)
	assert.Equal(t, 1, faults.calls)
	assert.Equal(t, FaultMessage, faults.msg)
	assert.Equal(t, []string{ReasonPanic}, rec.faults)
}

func TestMediate_DefaultFaultRecorder(t *testing.T) {
	insp := newInspector(t, "10")
	mc, _ := newMessage("application/json", map[string]string{"Content-Length": "x"}, strings.NewReader("{}"))

	insp.Mediate(context.Background(), mc)

	f, ok := mc.Fault()
	require.True(t, ok)
	assert.Equal(t, FaultMessage, f.Message)
	assert.ErrorIs(t, f, sizing.ErrMalformedContentLength)
}

func TestMediate_ConcurrentMessages(t *testing.T) {
	insp := newInspector(t, "1")
	var wg sync.WaitGroup
	for n := 0; n < 32; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			size := sizing.BytesPerMegabyte - 16 + n
			data := bytes.Repeat([]byte{byte(n)}, size)
			mc, _ := newMessage("application/octet-stream", nil, bytes.NewReader(data))
			insp.Mediate(context.Background(), mc)

			got, err := io.ReadAll(mc.Pipe().InputStream())
			assert.NoError(t, err)
			assert.True(t, bytes.Equal(data, got))
			assert.Equal(t, size > sizing.BytesPerMegabyte, mc.PayloadTooLarge())
		}(n)
	}
	wg.Wait()
}

func TestFaultError(t *testing.T) {
	tests := []struct {
		name  string
		fault *message.Fault
		want  int
	}{
		{"nil", nil, 500},
		{"malformed", &message.Fault{Message: FaultMessage, Cause: fmtWrap(sizing.ErrMalformedContentLength)}, 400},
		{"body read", &message.Fault{Message: FaultMessage, Cause: fmtWrap(sizing.ErrBodyRead)}, 400},
		{"rebuild", &message.Fault{Message: FaultMessage, Cause: errRebuild}, 500},
		{"panic", &message.Fault{Message: FaultMessage, Cause: errors.New("panic: boom")}, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FaultError(tt.fault).Code)
		})
	}
}

func fmtWrap(err error) error {
	return errors.Join(errors.New("inspecting"), err)
}
