package probe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"playback-edge/work/classify"
	"playback-edge/work/client"
	"playback-edge/work/config"
	"playback-edge/work/logger"
	"playback-edge/work/metrics"
	"playback-edge/work/types"
	"playback-edge/work/utils"

	"github.com/grafov/m3u8"
	"github.com/panjf2000/ants/v2"
)

// manifestErrorMarkers are the in-band failure signals an HLS manifest
// can carry while still answering HTTP 200. Matching runs over the
// lowercased body, so the marker casing here is canonical-lowercase.
var manifestErrorMarkers = []string{
	"#ext-x-error",
	"stream open failed",
	"not allowed to view this stream",
}

// Journal receives probe failures for operational visibility. The
// SQLite store implements it; a nil journal disables recording.
type Journal interface {
	RecordProbeFailure(url, reason string, observedAt time.Time) error
}

// Prober answers "is this source currently servable" beyond a bare
// connectivity check: bounded-time GET, status check, and for
// HLS-shaped sources a full body fetch inspected for in-band error
// markers. A HEAD request cannot catch those, which is why every HLS
// candidate's manifest text is actually read.
type Prober struct {
	cfg        *config.Config
	httpClient *client.HeaderSettingClient
	pool       *ants.Pool
	journal    Journal
}

// NewProber builds a prober. pool may be nil (probes then spawn plain
// goroutines); journal may be nil (failures only hit logs and metrics).
func NewProber(cfg *config.Config, httpClient *client.HeaderSettingClient, pool *ants.Pool, journal Journal) *Prober {
	return &Prober{
		cfg:        cfg,
		httpClient: httpClient,
		pool:       pool,
		journal:    journal,
	}
}

// HasManifestError reports whether a manifest body carries one of the
// known in-band error markers. Case-insensitive.
func HasManifestError(body string) bool {
	lowered := strings.ToLower(body)
	for _, marker := range manifestErrorMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// IsHealthy probes one source. It never returns an error: every
// failure mode (empty URL, timeout, DNS, TLS, non-2xx status, manifest
// error marker) folds into false so a single bad candidate can never
// abort a resolution pass. The probe timeout is armed on a derived
// context and always released.
func (p *Prober) IsHealthy(ctx context.Context, src types.PlaybackSource) bool {
	if src.URL == "" {
		return false
	}

	c := classify.Classify(src)
	kind := "basic"
	if c.HLS {
		kind = "hls"
	}

	start := time.Now()
	healthy := p.check(ctx, src.URL, c.HLS)
	metrics.ProbeDuration.Observe(time.Since(start).Seconds())

	outcome := "healthy"
	if !healthy {
		outcome = "unhealthy"
	}
	metrics.ProbeResults.WithLabelValues(kind, outcome).Inc()
	return healthy
}

// check runs the bounded GET and, for HLS sources, the manifest body
// inspection.
func (p *Prober) check(ctx context.Context, rawURL string, isHLS bool) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		p.recordFailure(rawURL, "invalid url")
		return false
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		// A timeout is indistinguishable from any other network failure
		// for health purposes; only the journal reason differs.
		if errors.Is(err, context.Canceled) {
			return false
		}
		reason := "network error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		logger.Debug("{probe/probe - check} [PROBE_FAIL] %s: %s", utils.LogURL(p.cfg, rawURL), reason)
		p.recordFailure(rawURL, reason)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Debug("{probe/probe - check} [PROBE_FAIL] %s: http %d", utils.LogURL(p.cfg, rawURL), resp.StatusCode)
		p.recordFailure(rawURL, "http "+resp.Status)
		return false
	}

	if !isHLS {
		return true
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.ProbeBodyLimit))
	if err != nil {
		logger.Debug("{probe/probe - check} [PROBE_FAIL] %s: body read failed: %v", utils.LogURL(p.cfg, rawURL), err)
		p.recordFailure(rawURL, "body read failed")
		return false
	}

	text := string(body)
	if HasManifestError(text) {
		logger.Debug("{probe/probe - check} [MANIFEST_ERROR] %s carries an in-band error marker", utils.LogURL(p.cfg, rawURL))
		p.recordFailure(rawURL, "manifest error marker")
		return false
	}

	p.inspectManifest(rawURL, text)
	return true
}

// ProbeAll fans out health probes for one resolution pass on the worker
// pool and waits for all of them. Each probe is bounded by its own
// timeout, so the pass's wall clock is capped by the slowest single
// probe, not the sum. Result slots are index-aligned with the input.
func (p *Prober) ProbeAll(ctx context.Context, sources []types.PlaybackSource) []bool {
	results := make([]bool, len(sources))
	if len(sources) == 0 {
		return results
	}

	var wg sync.WaitGroup
	for i := range sources {
		i := i
		src := sources[i]
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[i] = p.IsHealthy(ctx, src)
		}
		if p.pool == nil || p.pool.Submit(task) != nil {
			go task()
		}
	}
	wg.Wait()
	return results
}

// inspectManifest decodes a healthy manifest for debug visibility:
// master variant counts and media segment counts routinely explain
// player behavior during incidents. Decode problems are logged and
// ignored; the health verdict is already made by this point.
func (p *Prober) inspectManifest(rawURL, body string) {
	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(body), true)
	if err != nil {
		logger.Debug("{probe/probe - inspectManifest} %s: undecodable manifest: %v", utils.LogURL(p.cfg, rawURL), err)
		return
	}

	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		logger.Debug("{probe/probe - inspectManifest} %s: master playlist, %d variants",
			utils.LogURL(p.cfg, rawURL), len(master.Variants))
	case m3u8.MEDIA:
		media := playlist.(*m3u8.MediaPlaylist)
		logger.Debug("{probe/probe - inspectManifest} %s: media playlist, %d segments, target duration %.1fs",
			utils.LogURL(p.cfg, rawURL), media.Count(), media.TargetDuration)
	}
}

// recordFailure journals a probe failure off the request path. The
// journal write intentionally bypasses the worker pool: probes already
// occupy it, and a full pool must not be able to wedge itself.
func (p *Prober) recordFailure(rawURL, reason string) {
	if p.journal == nil {
		return
	}
	observed := time.Now()
	go func() {
		if err := p.journal.RecordProbeFailure(rawURL, reason, observed); err != nil {
			logger.Debug("{probe/probe - recordFailure} journal write failed: %v", err)
		}
	}()
}
