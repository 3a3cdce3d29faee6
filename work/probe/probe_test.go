package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"playback-edge/work/client"
	"playback-edge/work/config"
	"playback-edge/work/types"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const healthyManifest = "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXTINF:2.000,\nseg-0.ts\n#EXT-X-ENDLIST\n"

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ProbeTimeout = 2 * time.Second
	cfg.ObfuscateUrls = false
	return cfg
}

func newTestProber(cfg *config.Config) *Prober {
	return NewProber(cfg, client.NewHeaderSettingClient(cfg), nil, nil)
}

func hlsSource(serverURL string) types.PlaybackSource {
	return types.PlaybackSource{URL: serverURL + "/index.m3u8", DeclaredType: "HLS (TS)"}
}

func TestHasManifestError(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"clean manifest", healthyManifest, false},
		{"ext-x-error tag", "#EXTM3U\n#EXT-X-ERROR: 404\n", true},
		{"open failed any case", "#EXTM3U\nStream Open Failed\n", true},
		{"gated stream", "#EXTM3U\nNOT ALLOWED TO VIEW THIS STREAM\n", true},
		{"empty body", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasManifestError(tt.body))
		})
	}
}

func TestIsHealthyHLS(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte(healthyManifest))
	}))
	defer server.Close()

	p := newTestProber(testConfig())
	assert.True(t, p.IsHealthy(context.Background(), hlsSource(server.URL)))
}

func TestIsHealthyManifestErrorMarkerEveryTime(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-ERROR: Stream open failed\n"))
	}))
	defer server.Close()

	p := newTestProber(testConfig())
	src := hlsSource(server.URL)

	// A 200 with an in-band marker is unhealthy, deterministically.
	assert.False(t, p.IsHealthy(context.Background(), src))
	assert.False(t, p.IsHealthy(context.Background(), src))
}

func TestIsHealthyNon2xx(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusForbidden, http.StatusServiceUnavailable} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		p := newTestProber(testConfig())
		assert.False(t, p.IsHealthy(context.Background(), hlsSource(server.URL)), "status %d", status)
		server.Close()
	}
}

func TestIsHealthyEmptyURL(t *testing.T) {
	p := newTestProber(testConfig())
	assert.False(t, p.IsHealthy(context.Background(), types.PlaybackSource{}))
}

func TestIsHealthyTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(400 * time.Millisecond)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.ProbeTimeout = 100 * time.Millisecond
	p := newTestProber(cfg)

	assert.False(t, p.IsHealthy(context.Background(), hlsSource(server.URL)))
}

func TestIsHealthyUnresolvableHost(t *testing.T) {
	p := newTestProber(testConfig())
	src := types.PlaybackSource{URL: "https://does-not-resolve.invalid/index.m3u8"}
	assert.False(t, p.IsHealthy(context.Background(), src))
}

func TestIsHealthyNonHLSSkipsBodyInspection(t *testing.T) {
	// The marker text in a raw file body must not fail a reachability
	// probe; only HLS manifests get their content read.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("stream open failed"))
	}))
	defer server.Close()

	p := newTestProber(testConfig())
	src := types.PlaybackSource{URL: server.URL + "/video.mp4"}
	assert.True(t, p.IsHealthy(context.Background(), src))
}

func TestProbeAllIndexAligned(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(healthyManifest))
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer broken.Close()

	p := newTestProber(testConfig())
	results := p.ProbeAll(context.Background(), []types.PlaybackSource{
		hlsSource(broken.URL),
		hlsSource(healthy.URL),
		hlsSource(broken.URL),
	})

	assert.Equal(t, []bool{false, true, false}, results)
}

func TestProbeAllEmpty(t *testing.T) {
	p := newTestProber(testConfig())
	assert.Empty(t, p.ProbeAll(context.Background(), nil))
}

func TestProbeAllRunsConcurrently(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		w.Write([]byte(healthyManifest))
	}))
	defer server.Close()

	sources := []types.PlaybackSource{
		hlsSource(server.URL), hlsSource(server.URL),
		hlsSource(server.URL), hlsSource(server.URL),
	}

	p := newTestProber(testConfig())
	start := time.Now()
	results := p.ProbeAll(context.Background(), sources)
	elapsed := time.Since(start)

	assert.Equal(t, []bool{true, true, true, true}, results)
	// Four serialized probes would take at least 600ms.
	assert.Less(t, elapsed, 450*time.Millisecond)
}

type recordingJournal struct {
	urls chan string
}

func (j *recordingJournal) RecordProbeFailure(url, reason string, observedAt time.Time) error {
	j.urls <- url
	return nil
}

func TestFailuresReachJournal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	journal := &recordingJournal{urls: make(chan string, 4)}
	cfg := testConfig()
	p := NewProber(cfg, client.NewHeaderSettingClient(cfg), nil, journal)

	src := hlsSource(server.URL)
	require.False(t, p.IsHealthy(context.Background(), src))

	select {
	case got := <-journal.urls:
		assert.Equal(t, src.URL, got)
	case <-time.After(2 * time.Second):
		t.Fatal("journal never received the probe failure")
	}
}

func TestProbeAllThroughWorkerPool(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(healthyManifest))
	}))
	defer server.Close()

	// A pool smaller than the fan-out still completes the pass; ProbeAll
	// waits for queued tasks like any other.
	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	defer pool.Release()

	cfg := testConfig()
	p := NewProber(cfg, client.NewHeaderSettingClient(cfg), pool, nil)

	sources := []types.PlaybackSource{
		hlsSource(server.URL), hlsSource(server.URL),
		hlsSource(server.URL), hlsSource(server.URL),
	}
	results := p.ProbeAll(context.Background(), sources)

	assert.Equal(t, []bool{true, true, true, true}, results)
	assert.Equal(t, int32(4), hits.Load())
}
