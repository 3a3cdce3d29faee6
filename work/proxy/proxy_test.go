package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"playback-edge/work/buffer"
	"playback-edge/work/client"
	"playback-edge/work/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/ratelimit"
)

// newTestProxy builds a proxy whose allow-list covers the given hosts.
// Backoff is shrunk so retry tests run in milliseconds.
func newTestProxy(hosts ...string) (*EdgeProxy, *config.Config) {
	cfg := config.Default()
	cfg.BaseURL = "http://edge.test"
	cfg.AllowedProxyHosts = hosts
	cfg.ProxyAttempts = 3
	cfg.ProxyBackoffStep = time.Millisecond
	cfg.ProxyTimeoutBase = 2 * time.Second
	cfg.ProxyTimeoutStep = 100 * time.Millisecond
	cfg.ObfuscateUrls = false

	ep := New(cfg, client.NewHeaderSettingClient(cfg), buffer.NewBufferPool(32<<10), ratelimit.NewUnlimited())
	return ep, cfg
}

func proxyGet(ep *EdgeProxy, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "http://edge.test/playback-proxy?target="+url.QueryEscape(target), nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	ep.Handle(rec, req)
	return rec
}

func TestHandleMissingTarget(t *testing.T) {
	ep, _ := newTestProxy("cdn.example.com")

	req := httptest.NewRequest(http.MethodGet, "http://edge.test/playback-proxy", nil)
	rec := httptest.NewRecorder()
	ep.Handle(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "required")
}

func TestHandleRejectsNonAbsoluteTarget(t *testing.T) {
	ep, _ := newTestProxy("cdn.example.com")

	for _, target := range []string{"/relative/seg.ts", "ftp://cdn.example.com/seg.ts", "cdn.example.com/seg.ts"} {
		rec := proxyGet(ep, target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "target %q", target)
	}
}

func TestHandleForbiddenHostNeverFetched(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer origin.Close()

	// The origin's host is deliberately absent from the allow-list.
	ep, _ := newTestProxy("cdn.example.com")
	rec := proxyGet(ep, origin.URL+"/seg.ts", nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, int32(0), hits.Load(), "a forbidden target must be rejected before any fetch")
}

func TestValidateTargetSentinels(t *testing.T) {
	ep, _ := newTestProxy("cdn.example.com")

	_, err := ep.ValidateTarget("")
	assert.ErrorIs(t, err, ErrTargetMissing)

	_, err = ep.ValidateTarget("://nonsense")
	assert.ErrorIs(t, err, ErrTargetInvalid)

	_, err = ep.ValidateTarget("https://evil.example.net/seg.ts")
	assert.ErrorIs(t, err, ErrHostNotAllowed)

	target, err := ep.ValidateTarget("https://CDN.EXAMPLE.COM/seg.ts")
	require.NoError(t, err, "allow-list matching is case-insensitive")
	assert.Equal(t, "CDN.EXAMPLE.COM", target.Host)
}

func TestHandle404PassesThroughWithoutRetry(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no such segment"))
	}))
	defer origin.Close()

	ep, _ := newTestProxy("127.0.0.1")
	rec := proxyGet(ep, origin.URL+"/seg.ts", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no such segment", rec.Body.String())
	assert.Equal(t, int32(1), hits.Load(), "a 4xx is terminal, not retried")
}

func TestHandleRetriesNetworkErrorThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			// Drop the connection without an HTTP response.
			panic(http.ErrAbortHandler)
		}
		w.Write([]byte("segment-bytes"))
	}))
	defer origin.Close()

	ep, _ := newTestProxy("127.0.0.1")
	rec := proxyGet(ep, origin.URL+"/seg.ts", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "segment-bytes", rec.Body.String())
	assert.Equal(t, int32(3), hits.Load())
}

func TestHandle5xxRetriedAndLastResponseReplayed(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "origin fault %d", n)
	}))
	defer origin.Close()

	ep, _ := newTestProxy("127.0.0.1")
	rec := proxyGet(ep, origin.URL+"/seg.ts", nil)

	// Exhausted, but an HTTP response exists, so the last one is
	// replayed instead of a synthesized 502.
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "origin fault 3", rec.Body.String())
	assert.Equal(t, int32(3), hits.Load())
}

func TestHandleAllAttemptsFailWith502(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer origin.Close()

	ep, _ := newTestProxy("127.0.0.1")
	rec := proxyGet(ep, origin.URL+"/seg.ts", nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "upstream fetch failed")
}

func TestHandleRangeForwardedBothWays(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "bytes=0-3" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Range", "bytes 0-3/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("abcd"))
	}))
	defer origin.Close()

	ep, _ := newTestProxy("127.0.0.1")
	rec := proxyGet(ep, origin.URL+"/seg.ts", http.Header{"Range": []string{"bytes=0-3"}})

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "abcd", rec.Body.String())
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "bytes 0-3/10", rec.Header().Get("Content-Range"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandleErrorResponseNotRewritten(t *testing.T) {
	// A 404 whose target path ends in .m3u8 must pass through as-is;
	// only 2xx bodies are playlist-rewritten.
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("gone"))
	}))
	defer origin.Close()

	ep, _ := newTestProxy("127.0.0.1")
	rec := proxyGet(ep, origin.URL+"/stream/index.m3u8", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "gone", rec.Body.String())
}

func TestBuildTargetURL(t *testing.T) {
	raw := "https://cdn.example.com/seg 1.ts?sig=a&exp=2"
	wrapped := BuildTargetURL("http://edge.test", raw)

	assert.True(t, strings.HasPrefix(wrapped, "http://edge.test/playback-proxy?target="))

	u, err := url.Parse(wrapped)
	require.NoError(t, err)
	assert.Equal(t, raw, u.Query().Get("target"), "wrapping must round-trip the original URL")
}

func TestFetchRespectsCanceledRequest(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer origin.Close()

	ep, cfg := newTestProxy("127.0.0.1")
	cfg.ProxyBackoffStep = time.Hour

	req := httptest.NewRequest(http.MethodGet, "http://edge.test/playback-proxy?target="+url.QueryEscape(origin.URL+"/seg.ts"), nil)
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	done := make(chan struct{})
	rec := httptest.NewRecorder()
	go func() {
		ep.Handle(rec, req)
		close(done)
	}()

	// First attempt fails fast; the loop then sits in the hour-long
	// backoff until the request context dies.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after request cancellation")
	}
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
