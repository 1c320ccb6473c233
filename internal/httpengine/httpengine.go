// Package httpengine adapts net/http into the narrow HttpEngine surface
// the coordinator and HTTP source depend on: a HEAD-style probe and a
// streaming, range-aware download. Transport tuning mirrors a
// long-running download client: large per-host idle pools, no
// client-level timeout (downloads are long-lived; cancellation happens
// through the request context instead).
package httpengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/linroid/ketch/internal/model"
	"github.com/vfaronov/httpheader"
)

// ErrRangeNotHonored signals that a ranged GET came back a full 200
// response instead of 206 Partial Content: the server does not actually
// support byte ranges despite what a HEAD probe's Accept-Ranges header
// claimed. Callers must treat this as "range unsupported" and demote to
// a single segment (spec §4.2), not retry it as a transient failure.
var ErrRangeNotHonored = errors.New("httpengine: server returned 200 to a ranged request")

// ChunkSink receives raw bytes as they arrive from the origin.
type ChunkSink func(p []byte) error

// ByteRange is an inclusive, half-open-free byte range for a Range
// request; nil means "no Range header, full body".
type ByteRange struct {
	Start, End int64
}

// HttpEngine is the narrow transport surface the engine's HTTP-backed
// components depend on. The coordinator and sources never touch
// *http.Client directly.
type HttpEngine interface {
	Head(ctx context.Context, url string, headers map[string]string) (model.ServerInfo, error)
	Download(ctx context.Context, url string, rng *ByteRange, headers map[string]string, sink ChunkSink) error
	Close()
}

// Engine is the net/http-backed HttpEngine implementation.
type Engine struct {
	client    *http.Client
	userAgent string
}

// New builds an Engine with a transport tuned for many concurrent
// range-fetching connections to a small number of hosts.
func New(userAgent string) *Engine {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if userAgent == "" {
		userAgent = "ketch/1.0 (+segmented downloader)"
	}
	return &Engine{
		client:    &http.Client{Transport: transport, Timeout: 0},
		userAgent: userAgent,
	}
}

func (e *Engine) newRequest(ctx context.Context, method, url string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", e.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Head probes the origin for size, range support, and cache validators.
// It issues a real HEAD; callers that need range-support confirmation in
// one round trip (e.g. to avoid servers that lie on HEAD) should use
// Download with a 0-0 range instead.
func (e *Engine) Head(ctx context.Context, url string, headers map[string]string) (model.ServerInfo, error) {
	req, err := e.newRequest(ctx, http.MethodHead, url, headers)
	if err != nil {
		return model.ServerInfo{}, model.NewNetworkError(err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return model.ServerInfo{}, model.NewNetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return model.ServerInfo{}, httpError(resp)
	}

	return serverInfoFromResponse(resp), nil
}

// Download issues a GET, optionally with a Range header, and streams the
// response body through sink until EOF, an error, or ctx cancellation.
// If rng was set but the server answers 200 instead of 206 Partial
// Content, Download returns ErrRangeNotHonored without reading the body
// at all (a full 200 body doesn't start at rng.Start, so nothing may
// safely be written through sink) — the caller is responsible for
// demoting to a single segment and re-issuing the request.
func (e *Engine) Download(ctx context.Context, url string, rng *ByteRange, headers map[string]string, sink ChunkSink) error {
	req, err := e.newRequest(ctx, http.MethodGet, url, headers)
	if err != nil {
		return model.NewNetworkError(err)
	}
	if rng != nil {
		if rng.End >= 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", rng.Start))
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return model.NewNetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return httpError(resp)
	}
	if RangeNotHonored(resp.StatusCode, rng != nil) {
		return ErrRangeNotHonored
	}

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return model.NewCanceledError()
		default:
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := sink(buf[:n]); err != nil {
				return err
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return model.NewNetworkError(readErr)
		}
	}
}

func (e *Engine) Close() {
	e.client.CloseIdleConnections()
}

// RangeNotHonored reports whether a ranged GET got back a full 200
// response instead of 206 Partial Content -- the condition Download
// checks to return ErrRangeNotHonored.
func RangeNotHonored(statusCode int, requestedRange bool) bool {
	return requestedRange && statusCode == http.StatusOK
}

func serverInfoFromResponse(resp *http.Response) model.ServerInfo {
	size := resp.ContentLength
	if resp.StatusCode == http.StatusPartialContent {
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if idx := strings.LastIndex(cr, "/"); idx >= 0 {
				if total, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
					size = total
				}
			}
		}
	}

	remaining, reset := parseRateLimitHeaders(resp.Header)

	return model.ServerInfo{
		ContentLength:      size,
		AcceptsByteRanges:  resp.Header.Get("Accept-Ranges") == "bytes" || resp.StatusCode == http.StatusPartialContent,
		ETag:               resp.Header.Get("ETag"),
		LastModified:       resp.Header.Get("Last-Modified"),
		ContentDisposition: resp.Header.Get("Content-Disposition"),
		RateLimitRemaining: remaining,
		RateLimitReset:     reset,
	}
}

// httpError classifies a non-2xx response into the engine's Http error
// kind. The retry hint comes from Retry-After when present; otherwise
// from the reset seconds parseRateLimitHeaders reports, where the
// combined "RateLimit: …;t=N;r=M" structured field (RFC 8941) wins over
// RateLimit-Reset, which wins over X-RateLimit-Reset.
func httpError(resp *http.Response) *model.KetchError {
	retryAfter := 0
	if t, ok := httpheader.RetryAfter(resp.Header); ok {
		d := time.Until(t)
		if d > 0 {
			retryAfter = int(d.Seconds() + 0.5)
		}
	}
	remaining, reset := parseRateLimitHeaders(resp.Header)
	if retryAfter == 0 && reset > 0 {
		retryAfter = int(reset)
	}
	return model.NewHttpError(resp.StatusCode, resp.Status, retryAfter, remaining)
}

// parseRateLimitHeaders extracts remaining-request count and
// seconds-until-reset from RateLimit-Remaining/RateLimit-Reset (or, when
// those are absent, X-RateLimit-Remaining/X-RateLimit-Reset), then lets
// the r= and t= keys of a combined semicolon-separated
// "RateLimit: …;t=N;r=M" field override them, returning -1 for either
// value when not reported.
func parseRateLimitHeaders(h http.Header) (remaining int64, resetSeconds int64) {
	remaining, resetSeconds = -1, -1

	if v := h.Get("RateLimit-Remaining"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			remaining = n
		}
	} else if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			remaining = n
		}
	}

	if v := h.Get("RateLimit-Reset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			resetSeconds = n
		}
	} else if v := h.Get("X-RateLimit-Reset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			resetSeconds = n
		}
	}

	if combined := h.Get("RateLimit"); combined != "" {
		for _, part := range strings.Split(combined, ";") {
			part = strings.TrimSpace(part)
			if r, val, ok := strings.Cut(part, "="); ok {
				n, err := strconv.ParseInt(strings.Trim(val, `"`), 10, 64)
				if err != nil {
					continue
				}
				switch r {
				case "r":
					remaining = n
				case "t":
					resetSeconds = n
				}
			}
		}
	}

	return remaining, resetSeconds
}
