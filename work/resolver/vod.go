package resolver

import (
	"context"
	"fmt"
	"net/http"

	"playback-edge/work/classify"
	"playback-edge/work/logger"
	"playback-edge/work/metrics"
	"playback-edge/work/proxy"
	"playback-edge/work/types"
)

// ResolveVod runs the VOD resolution pass for one playback identifier.
//
// It differs from the live pass in three ways: candidates are
// deduplicated by normalized URL before ranking, every deduplicated
// candidate is probed for reachability (renditions of a transcoding
// asset can 404 independently, unlike a live ingest where only the
// manifest meaningfully fails), and every selected source is rewritten
// through the edge proxy so the raw CDN URL is never handed to the
// client on this path.
func (r *Resolver) ResolveVod(ctx context.Context, playbackID string) (result *types.ResolutionResult, code int) {
	defer func() {
		if rec := recover(); rec != nil {
			result, code = r.fail("vod", fmt.Sprintf("vod resolution panic: %v", rec))
		}
	}()

	meta, err := r.upstream.GetPlaybackMetadata(ctx, playbackID, false)
	if err != nil {
		return r.fail("vod", err.Error())
	}
	if meta == nil {
		return r.notReady("vod", types.StatusProcessing, MsgVodProcessing)
	}

	candidates := meta.CandidateSources()
	if len(candidates) == 0 {
		return r.notReady("vod", types.StatusProcessing, MsgVodProcessing)
	}

	deduped := classify.DedupSources(candidates)

	flags := r.prober.ProbeAll(ctx, deduped)
	healthy := make([]types.PlaybackSource, 0, len(deduped))
	for i, ok := range flags {
		if ok {
			healthy = append(healthy, deduped[i])
		}
	}
	if len(healthy) == 0 {
		return r.notReady("vod", types.StatusProcessing, MsgVodUnreachable)
	}

	// Prefer HLS among the healthy candidates; otherwise serve whatever
	// survived, ranked. Raw-flagged HLS sinks via the VOD rank.
	hlsHealthy := make([]types.PlaybackSource, 0, len(healthy))
	for _, src := range healthy {
		if classify.Classify(src).HLS {
			hlsHealthy = append(hlsHealthy, src)
		}
	}
	chosen := hlsHealthy
	if len(chosen) == 0 {
		chosen = healthy
	}
	classify.SortVod(chosen)

	// Route every selected source through the edge proxy; it enforces
	// the host allow-list again on each hop.
	for i := range chosen {
		chosen[i].URL = proxy.BuildTargetURL(r.cfg.BaseURL, chosen[i].URL)
	}

	logger.Debug("{resolver/vod - ResolveVod} %s ready with %d source(s) (%d candidates, %d deduped, %d healthy)",
		playbackID, len(chosen), len(candidates), len(deduped), len(healthy))
	metrics.Resolutions.WithLabelValues("vod", types.StatusReady).Inc()
	return &types.ResolutionResult{
		Status:  types.StatusReady,
		Sources: chosen,
	}, http.StatusOK
}
