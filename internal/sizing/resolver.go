// Package sizing measures payload sizes in megabytes and applies a size limit.
// A size comes either from the declared Content-Length (no body bytes read)
// or from draining the body into memory when no length is declared.
package sizing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// BytesPerMegabyte is the divisor used for every megabyte conversion.
const BytesPerMegabyte = 1024 * 1024

// maxExactBytes is the largest byte count whose hundredths are computed in
// integer arithmetic without overflow.
const maxExactBytes = math.MaxInt64 / 100

// MaxLimitMB is the largest limit whose byte count fits in an int64.
const MaxLimitMB = math.MaxInt64 / BytesPerMegabyte

var (
	// ErrMalformedContentLength is returned when a declared length is not a
	// usable number.
	ErrMalformedContentLength = errors.New("malformed content length")
	// ErrBodyRead is returned when the body stream fails while draining.
	ErrBodyRead = errors.New("reading payload body")
)

// Method identifies how a size was obtained.
type Method string

const (
	MethodHeader Method = "header"
	MethodDrain  Method = "drain"
)

// Result is the outcome of one measurement.
type Result struct {
	Method Method
	// Bytes is the measured (or declared) byte count.
	Bytes int64
	// Megabytes is Bytes / 1 MiB rounded half-up to two decimals.
	Megabytes float64
	// Oversize is true when Bytes exceeds the limit.
	Oversize bool
}

// Resolver measures payloads against a fixed limit. It holds no per-message
// state and is safe for concurrent use.
type Resolver struct {
	limitMB    int
	limitBytes int64
}

// NewResolver returns a Resolver with an inclusive limit of limitMB megabytes.
// Limits above MaxLimitMB saturate at math.MaxInt64 bytes.
func NewResolver(limitMB int) *Resolver {
	limitBytes := int64(math.MaxInt64)
	if int64(limitMB) <= MaxLimitMB {
		limitBytes = int64(limitMB) * BytesPerMegabyte
	}
	return &Resolver{
		limitMB:    limitMB,
		limitBytes: limitBytes,
	}
}

// LimitMB returns the configured limit.
func (r *Resolver) LimitMB() int {
	return r.limitMB
}

// FromContentLength sizes a payload from its declared length.
func (r *Resolver) FromContentLength(value string) (Result, error) {
	v := strings.TrimSpace(value)
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) || n < 0 {
		return Result{}, fmt.Errorf("%w: %q", ErrMalformedContentLength, value)
	}

	res := Result{Method: MethodHeader}
	if n == math.Trunc(n) && n < float64(maxExactBytes) {
		res.Bytes = int64(n)
		res.Megabytes = Megabytes(res.Bytes)
		res.Oversize = res.Bytes > r.limitBytes
		return res, nil
	}
	res.Bytes = int64(math.Min(n, math.MaxInt64))
	res.Megabytes = roundHalfUp(n / BytesPerMegabyte)
	res.Oversize = n > float64(r.limitBytes)
	return res, nil
}

// Drain reads body to the end and sizes it by the exact byte count. The
// returned reader yields the same bytes from the start and is what later
// stages must read. On error nothing is returned; partial data is dropped.
func (r *Resolver) Drain(body io.Reader) (Result, io.Reader, error) {
	var buf bytes.Buffer
	if body != nil {
		if _, err := io.Copy(&buf, body); err != nil {
			return Result{}, nil, fmt.Errorf("%w: %w", ErrBodyRead, err)
		}
	}
	data := buf.Bytes()
	n := int64(len(data))
	return Result{
		Method:    MethodDrain,
		Bytes:     n,
		Megabytes: Megabytes(n),
		Oversize:  n > r.limitBytes,
	}, bytes.NewReader(data), nil
}

// Megabytes converts a byte count to megabytes rounded half-up to two decimals.
func Megabytes(n int64) float64 {
	if n < 0 {
		return -Megabytes(-n)
	}
	if n > maxExactBytes {
		return roundHalfUp(float64(n) / BytesPerMegabyte)
	}
	hundredths := (n*100 + BytesPerMegabyte/2) / BytesPerMegabyte
	return float64(hundredths) / 100
}

func roundHalfUp(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}
