package resolver

import (
	"context"
	"fmt"
	"net/http"

	"playback-edge/work/classify"
	"playback-edge/work/config"
	"playback-edge/work/logger"
	"playback-edge/work/metrics"
	"playback-edge/work/probe"
	"playback-edge/work/types"
	"playback-edge/work/upstream"
)

// Degraded-state messages returned alongside empty source lists. These
// are player-facing strings, kept short and free of transport detail.
const (
	MsgLiveProcessing = "no playback metadata yet, the stream may still be initializing"
	MsgLiveOffline    = "stream is offline"
	MsgLiveStarting   = "stream is live but no playable source is ready yet"
	MsgVodProcessing  = "asset is still processing"
	MsgVodUnreachable = "no source is reachable yet, the asset may still be transcoding"
)

// Resolver orchestrates one resolution pass: fetch raw playback
// metadata, classify and rank candidates, probe health concurrently,
// apply the fallback policy, and hand back a status-annotated, ranked
// source list. All state is recomputed per request; nothing is shared
// across concurrent passes.
type Resolver struct {
	cfg      *config.Config
	upstream *upstream.Client
	prober   *probe.Prober
}

// New builds a resolver over the upstream client and prober.
func New(cfg *config.Config, up *upstream.Client, prober *probe.Prober) *Resolver {
	return &Resolver{
		cfg:      cfg,
		upstream: up,
		prober:   prober,
	}
}

// ResolveLive runs the live resolution state machine for one playback
// identifier and returns the result plus the HTTP status to serve it
// with: 202 while processing/offline/starting, 200 when ready, 500 on
// an internal fault. Retries are the caller's job, never the server's.
func (r *Resolver) ResolveLive(ctx context.Context, playbackID string) (result *types.ResolutionResult, code int) {
	defer func() {
		if rec := recover(); rec != nil {
			result, code = r.fail("live", fmt.Sprintf("live resolution panic: %v", rec))
		}
	}()

	meta, err := r.upstream.GetPlaybackMetadata(ctx, playbackID, true)
	if err != nil {
		return r.fail("live", err.Error())
	}
	if meta == nil {
		return r.notReady("live", types.StatusProcessing, MsgLiveProcessing)
	}
	if !meta.IsLive() {
		return r.notReady("live", types.StatusOffline, MsgLiveOffline)
	}

	candidates := meta.CandidateSources()

	// Hard-filter to shapes the live player can actually consume. Raw
	// MP4 is never offered live, no matter what else is available.
	playable := make([]types.PlaybackSource, 0, len(candidates))
	for _, src := range candidates {
		if classify.IsLivePlayable(src) {
			playable = append(playable, src)
		}
	}
	classify.SortLive(playable)

	var hlsSet, webrtcSet []types.PlaybackSource
	for _, src := range playable {
		c := classify.Classify(src)
		switch {
		case c.HLS:
			hlsSet = append(hlsSet, src)
		case c.WebRTC:
			webrtcSet = append(webrtcSet, src)
		}
	}

	// Only HLS is manifest-probed; WebRTC has no manifest text to
	// inspect and joins the fallback chain unprobed.
	healthyHLS := make([]types.PlaybackSource, 0, len(hlsSet))
	if len(hlsSet) > 0 {
		flags := r.prober.ProbeAll(ctx, hlsSet)
		for i, ok := range flags {
			if ok {
				healthyHLS = append(healthyHLS, hlsSet[i])
			}
		}
	}

	// Fallback chain: healthy HLS, else every HLS candidate (a probe
	// blip must not strand a live viewer with zero sources), else
	// WebRTC.
	preferred := healthyHLS
	if len(preferred) == 0 {
		preferred = hlsSet
	}
	if len(preferred) == 0 {
		preferred = webrtcSet
	}

	if len(preferred) == 0 {
		return r.notReady("live", types.StatusStarting, MsgLiveStarting)
	}

	logger.Debug("{resolver/resolver - ResolveLive} %s ready with %d source(s)", playbackID, len(preferred))
	metrics.Resolutions.WithLabelValues("live", types.StatusReady).Inc()
	return &types.ResolutionResult{
		Status:  types.StatusReady,
		Sources: preferred,
	}, http.StatusOK
}

// notReady wraps the expected NotReadyYet states: always HTTP 202,
// never logged as an error.
func (r *Resolver) notReady(path, status, message string) (*types.ResolutionResult, int) {
	metrics.Resolutions.WithLabelValues(path, status).Inc()
	return &types.ResolutionResult{
		Status:  status,
		Sources: []types.PlaybackSource{},
		Message: message,
	}, http.StatusAccepted
}

// fail wraps an internal fault as an error envelope with HTTP 500. This
// is the one resolver outcome that should alert operators.
func (r *Resolver) fail(path, message string) (*types.ResolutionResult, int) {
	logger.Error("{resolver/resolver - fail} [RESOLVE_FAIL] %s resolution: %s", path, message)
	metrics.Resolutions.WithLabelValues(path, types.StatusError).Inc()
	return &types.ResolutionResult{
		Status:  types.StatusError,
		Sources: []types.PlaybackSource{},
		Message: message,
	}, http.StatusInternalServerError
}
