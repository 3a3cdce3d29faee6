package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"playback-edge/work/buffer"
	"playback-edge/work/config"
	"playback-edge/work/logger"
	"playback-edge/work/metrics"
	"playback-edge/work/utils"

	"go.uber.org/ratelimit"
)

// Target validation failures, distinguished so the handler can map them
// to the right status code without string matching.
var (
	ErrTargetMissing  = errors.New("target query parameter is required")
	ErrTargetInvalid  = errors.New("target must be an absolute http(s) URL")
	ErrHostNotAllowed = errors.New("target host is not allow-listed")
)

// Doer is the outbound HTTP surface the proxy fetches through.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// EdgeProxy is the single egress point for playlist and media bytes.
// Players only ever see /playback-proxy?target=... URLs; the proxy
// validates the target against a host allow-list, fetches it with a
// bounded retry loop, reroutes playlist URI lines back through itself,
// and relays everything else untouched.
type EdgeProxy struct {
	cfg        *config.Config
	httpClient Doer
	buffers    *buffer.BufferPool
	limiter    ratelimit.Limiter
}

// New creates the proxy. The limiter paces upstream fetches across all
// concurrent requests; pass ratelimit.NewUnlimited to disable pacing.
func New(cfg *config.Config, httpClient Doer, buffers *buffer.BufferPool, limiter ratelimit.Limiter) *EdgeProxy {
	return &EdgeProxy{
		cfg:        cfg,
		httpClient: httpClient,
		buffers:    buffers,
		limiter:    limiter,
	}
}

// BuildTargetURL wraps an upstream URL as a proxy request rooted at
// baseURL. Resolvers use it to rewrite source URLs and the manifest
// rewriter uses it on every URI line, so wrapped URLs stay consistent
// across both paths.
func BuildTargetURL(baseURL, target string) string {
	return baseURL + "/playback-proxy?target=" + url.QueryEscape(target)
}

// ValidateTarget parses a raw target value and checks it against the
// allow-list. Returns one of the sentinel errors above on rejection.
func (ep *EdgeProxy) ValidateTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, ErrTargetMissing
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, ErrTargetInvalid
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, ErrTargetInvalid
	}
	if !ep.cfg.IsAllowedProxyHost(target.Hostname()) {
		return nil, ErrHostNotAllowed
	}
	return target, nil
}

// Handle serves one GET /playback-proxy request end to end.
func (ep *EdgeProxy) Handle(w http.ResponseWriter, r *http.Request) {
	target, err := ep.ValidateTarget(r.URL.Query().Get("target"))
	if err != nil {
		if errors.Is(err, ErrHostNotAllowed) {
			// Rejected before any upstream contact.
			logger.Warn("{proxy/proxy - Handle} [PROXY_FORBIDDEN] refused target host %q", hostForLog(r.URL.Query().Get("target")))
			metrics.ProxyRequests.WithLabelValues("forbidden").Inc()
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		metrics.ProxyRequests.WithLabelValues("bad_target").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := ep.fetchWithRetry(r, target.String())
	if err != nil {
		logger.Error("{proxy/proxy - Handle} [PROXY_EXHAUSTED] %s: %v", utils.LogURL(ep.cfg, target.String()), err)
		metrics.ProxyRequests.WithLabelValues("upstream_error").Inc()
		http.Error(w, "upstream fetch failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		metrics.ProxyRequests.WithLabelValues("upstream_error").Inc()
	} else {
		metrics.ProxyRequests.WithLabelValues("ok").Inc()
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && isManifestResponse(resp, target) {
		ep.serveManifest(w, resp, target)
		return
	}
	ep.servePassthrough(w, resp)
}

// fetchWithRetry runs the bounded attempt loop against one target.
// Only network-level failures and HTTP 5xx are retried; any response
// below 500 is terminal and returned as received. When every attempt
// fails but at least one produced an HTTP response, the last such
// response is returned instead of synthesizing an error, so the caller
// sees what the upstream actually said.
func (ep *EdgeProxy) fetchWithRetry(r *http.Request, target string) (*http.Response, error) {
	var lastErr error
	var kept *http.Response

	for attempt := 1; attempt <= ep.cfg.ProxyAttempts; attempt++ {
		if attempt > 1 {
			metrics.ProxyRetries.Inc()
			backoff := time.Duration(attempt-1) * ep.cfg.ProxyBackoffStep
			logger.Debug("{proxy/proxy - fetchWithRetry} [PROXY_RETRY] attempt %d/%d for %s after %v",
				attempt, ep.cfg.ProxyAttempts, utils.LogURL(ep.cfg, target), backoff)
			select {
			case <-r.Context().Done():
				if kept != nil {
					kept.Body.Close()
				}
				return nil, r.Context().Err()
			case <-time.After(backoff):
			}
		}

		ep.limiter.Take()

		resp, err := ep.attempt(r, target, attempt)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode < http.StatusInternalServerError {
			if kept != nil {
				kept.Body.Close()
			}
			return resp, nil
		}

		// Server fault. Hold a bounded copy in case no later attempt
		// does better, then go around again.
		lastErr = fmt.Errorf("upstream returned HTTP %d", resp.StatusCode)
		if kept != nil {
			kept.Body.Close()
		}
		kept = ep.bufferForReplay(resp)
	}

	if kept != nil {
		return kept, nil
	}
	return nil, lastErr
}

// attempt issues one upstream GET. The per-attempt budget grows with
// the attempt number and covers time to response headers only: the
// timer arms a context cancel and is disarmed as soon as the request
// settles, so a long media body transfer is never cut off by it.
func (ep *EdgeProxy) attempt(r *http.Request, target string, attempt int) (*http.Response, error) {
	ctx, cancel := context.WithCancel(r.Context())
	budget := ep.cfg.ProxyTimeoutBase + time.Duration(attempt)*ep.cfg.ProxyTimeoutStep
	timer := time.AfterFunc(budget, cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}

	// Byte-range semantics pass straight through to the upstream.
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := ep.httpClient.Do(req)
	timer.Stop()
	if err != nil {
		cancel()
		return nil, err
	}

	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelBody ties the attempt context's release to the response body,
// letting the caller stream at its own pace and still free the context
// on Close.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// bufferForReplay drains a bounded prefix of a 5xx response body so the
// response stays replayable after the attempt loop moves on. The live
// body is closed here; the replacement reads from memory.
func (ep *EdgeProxy) bufferForReplay(resp *http.Response) *http.Response {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, ep.cfg.ProxyReplayLimit))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp
}

// servePassthrough relays a non-playlist upstream response unmodified:
// status and byte-range headers forwarded, body copied through a pooled
// buffer, caching disabled.
func (ep *EdgeProxy) servePassthrough(w http.ResponseWriter, resp *http.Response) {
	for _, h := range []string{"Content-Type", "Content-Length", "Accept-Ranges", "Content-Range"} {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(resp.StatusCode)

	buf := ep.buffers.Get()
	defer ep.buffers.Put(buf)

	n, err := io.CopyBuffer(w, resp.Body, buf.B)
	metrics.ProxyBytes.WithLabelValues("upstream").Add(float64(n))
	metrics.ProxyBytes.WithLabelValues("downstream").Add(float64(n))
	if err != nil {
		// Routine for seeking players that drop the connection.
		logger.Debug("{proxy/proxy - servePassthrough} relay ended after %d bytes: %v", n, err)
	}
}

// hostForLog extracts a hostname for the refusal log line without
// trusting the raw value any further than parsing it.
func hostForLog(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "unparseable"
	}
	return u.Hostname()
}
