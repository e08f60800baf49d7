// Package fetch is the HTTP Fetcher (C4): ranged GETs with redirect and
// timeout handling, and the Content-Length/Accept-Ranges probe the Chunk
// Planner consumes. Grounded on the teacher's probe.go (GET with
// Range: bytes=0-0) and worker.go's downloadTask ranged-GET loop.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vfaronov/httpheader"

	"github.com/myrientdl/myrientdl/internal/types"
)

// ProbeResult is what the Chunk Planner needs to decide serial vs chunked.
type ProbeResult struct {
	TotalBytes   int64
	AcceptRanges bool
	Filename     string
	ContentType  string
}

// Fetcher issues the engine's outbound HTTP requests. One Fetcher is shared
// across downloads; per-request cancellation comes from the caller's ctx.
type Fetcher struct {
	client      *http.Client
	userAgent   string
	redirectCap int
}

// New builds a Fetcher with the given connect timeout, user agent and
// redirect cap. No idle-read timeout is applied: a body read that stalls
// blocks until the caller's ctx is cancelled.
func New(connectTimeout time.Duration, userAgent string, redirectCap int) *Fetcher {
	if redirectCap <= 0 {
		redirectCap = 10
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: 0, // no whole-request timeout: ranged bodies can be large; no idle-read timeout either
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= redirectCap {
					return &types.EngineError{Kind: types.ErrRedirectNotSupport, Detail: "too many redirects"}
				}
				return nil
			},
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		userAgent:   userAgent,
		redirectCap: redirectCap,
	}
}

// Probe sends a GET with Range: bytes=0-0 to determine Content-Length and
// whether the server honors ranges, per the convention the teacher's
// ProbeServer establishes (206 ⇒ ranges supported, 200 ⇒ not).
func (f *Fetcher) Probe(ctx context.Context, url string) (*ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.NewError(types.ErrNetwork, "build probe request", err)
	}
	req.Header.Set("Range", "bytes=0-0")
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer drainAndClose(resp.Body)

	result := &ProbeResult{ContentType: resp.Header.Get("Content-Type")}
	if _, name, err := httpheader.ContentDisposition(resp.Header); err == nil && name != "" {
		result.Filename = name
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		result.AcceptRanges = true
		result.TotalBytes = parseContentRangeTotal(resp.Header.Get("Content-Range"))
	case http.StatusOK:
		result.AcceptRanges = false
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				result.TotalBytes = n
			}
		}
	default:
		return nil, types.NewErrorf(types.ErrHTTPStatus, nil, "probe status %d", resp.StatusCode)
	}

	return result, nil
}

func parseContentRangeTotal(contentRange string) int64 {
	if contentRange == "" {
		return 0
	}
	idx := strings.LastIndex(contentRange, "/")
	if idx == -1 {
		return 0
	}
	sizeStr := contentRange[idx+1:]
	if sizeStr == "*" {
		return 0
	}
	n, _ := strconv.ParseInt(sizeStr, 10, 64)
	return n
}

// RangeRequest describes a single ranged GET. End < 0 means "to EOF" (a
// full-body, non-ranged request).
type RangeRequest struct {
	URL   string
	Start int64
	End   int64 // inclusive; < 0 for full body
}

// FetchRange opens a ranged GET and returns the response body as a stream.
// The caller must Close the returned io.ReadCloser. Byte counting happens
// as the caller reads — the fetcher itself never buffers.
func (f *Fetcher) FetchRange(ctx context.Context, rr RangeRequest) (io.ReadCloser, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rr.URL, nil)
	if err != nil {
		return nil, nil, types.NewError(types.ErrNetwork, "build range request", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if rr.End >= 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rr.Start, rr.End))
	} else if rr.Start > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", rr.Start))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, classifyTransportError(err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return resp.Body, resp, nil
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		drainAndClose(resp.Body)
		return nil, resp, types.NewErrorf(types.ErrHTTPStatus, nil, "status %d", resp.StatusCode)
	default:
		drainAndClose(resp.Body)
		return nil, resp, types.NewErrorf(types.ErrHTTPStatus, nil, "status %d", resp.StatusCode)
	}
}

func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	body.Close()
}

func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timeout"):
		return types.NewError(types.ErrTimeout, "request timed out", err)
	case strings.Contains(msg, "connection reset"):
		return types.NewError(types.ErrNetwork, "connection reset", err)
	case strings.Contains(msg, "connection refused"):
		return types.NewError(types.ErrNetwork, "connection refused", err)
	default:
		return types.NewError(types.ErrNetwork, "request failed", err)
	}
}
