// Package transfer implements the Range Fetcher: issuing a single HTTP
// byte-range GET for an interval, reading the response body, writing it to
// the output file at the correct offset, and computing an optional digest.
//
// Grounded in cognusion/go-rangetripper/v2's fetchChunk (the
// "bytes=%d-%d" Range header construction, the io.ReadAll-then-WriteAt
// shape, and the timings.Track/go-sequence instrumentation) and in
// parcel/http.py's construct_header / _read_write_range /
// _try_retry_read_write_range (the X-Auth-Token header and the whole-range
// retry-on-short-read policy, applied here by the caller).
package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cognusion/go-timings"
	"go.uber.org/atomic"

	"github.com/parcel-client/parcel/interval"
	"github.com/parcel-client/parcel/iostore"
)

// Doer is the subset of http.Client used by Fetcher. The root-level
// RetryClient satisfies this, matching rangetripper's Client interface.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Config holds the fixed, file-level parameters a Fetcher needs for every
// interval it serves.
type Config struct {
	URL          string
	OutputPath   string
	AuthToken    string
	ComputeMD5   bool
	Client       Doer
	SequenceHash string    // correlation id, from go-sequence, used in timings labels.
	TimingsOut   io.Writer // destination for timings.Track lines; nil disables.
}

// Fetcher performs range GETs for a single file and writes the response
// into the output file at the correct offset. A single Fetcher is shared
// by every worker downloading a given file, so its counters use
// go.uber.org/atomic rather than a mutex — the same lock-free-counter
// pattern cognusion/go-rangetripper/v2 uses for fields shared across
// concurrent fetches.
type Fetcher struct {
	cfg         Config
	bytesServed atomic.Int64
}

// NewFetcher builds a Fetcher for the given file-level configuration.
func NewFetcher(cfg Config) *Fetcher {
	if cfg.TimingsOut == nil {
		cfg.TimingsOut = io.Discard
	}
	return &Fetcher{cfg: cfg}
}

// BytesServed returns the total bytes successfully written by every Fetch
// call on this Fetcher so far, across all concurrent callers.
func (f *Fetcher) BytesServed() int64 {
	return f.bytesServed.Load()
}

// Fetch downloads exactly the bytes of iv (a half-open [Begin, End) range),
// writes them to f.cfg.OutputPath at the matching offset, and returns the
// interval actually completed, carrying a Digest if checksum computation was
// requested. On a short read (fewer bytes than requested) it returns
// ErrShortRead; the caller (the producer) decides whether to retry the
// whole interval.
func (f *Fetcher) Fetch(ctx context.Context, iv interval.Interval) (interval.Interval, error) {
	defer timings.Track(fmt.Sprintf("[%s] transfer.Fetch %s", f.cfg.SequenceHash, iv), time.Now(), f.cfg.TimingsOut)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return interval.Interval{}, fmt.Errorf("transfer: building request: %w", err)
	}
	if f.cfg.AuthToken != "" {
		req.Header.Set("X-Auth-Token", f.cfg.AuthToken)
	}
	// Range is inclusive on the wire; our intervals are half-open internally.
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", iv.Begin, iv.End-1))

	res, err := f.cfg.Client.Do(req)
	if err != nil {
		return interval.Interval{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		// proceed
	case http.StatusUnauthorized, http.StatusForbidden:
		return interval.Interval{}, fmt.Errorf("%w: status %d", ErrAuth, res.StatusCode)
	default:
		return interval.Interval{}, fmt.Errorf("%w: status %d", ErrHTTPStatus, res.StatusCode)
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return interval.Interval{}, fmt.Errorf("%w: reading range %s: %v", ErrTransport, iv, err)
	}
	if int64(len(raw)) != iv.Len() {
		return interval.Interval{}, fmt.Errorf("%w: wanted %d bytes, got %d", ErrShortRead, iv.Len(), len(raw))
	}

	if err := iostore.WriteAt(f.cfg.OutputPath, iv.Begin, raw); err != nil {
		return interval.Interval{}, fmt.Errorf("%w: %v", ErrIO, err)
	}
	f.bytesServed.Add(int64(len(raw)))

	out := interval.Interval{Begin: iv.Begin, End: iv.End}
	if f.cfg.ComputeMD5 {
		out.Digest = sumDigest(raw)
	}
	return out, nil
}
