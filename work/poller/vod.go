package poller

import (
	"context"
	"errors"
	"time"

	"playback-edge/work/classify"
	"playback-edge/work/logger"
	"playback-edge/work/types"

	"github.com/benbjohnson/clock"
)

// ErrStillProcessing is the terminal outcome when the attempt budget
// runs out without a playable source appearing.
var ErrStillProcessing = errors.New("video is still processing, try again shortly")

// VodConfig carries the VOD poller's retry budget. The defaults give a
// ceiling of roughly ninety seconds, sized for post-upload transcoding
// latency rather than indefinite waiting.
type VodConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultVodConfig returns the production settings: 18 attempts spaced
// 5 seconds apart.
func DefaultVodConfig() VodConfig {
	return VodConfig{
		Interval:    5 * time.Second,
		MaxAttempts: 18,
	}
}

// VodPoller waits for a just-uploaded asset to finish transcoding. It
// runs a bounded attempt loop against the resolution endpoint and
// applies a client-side preference chain to whatever the resolver
// offers, so the first usable answer ends the wait.
type VodPoller struct {
	playbackID string
	cfg        VodConfig
	fetch      FetchFunc
	clock      clock.Clock
}

// NewVodPoller builds a poller for one upload. A nil clk selects the
// wall clock.
func NewVodPoller(playbackID string, cfg VodConfig, fetch FetchFunc, clk clock.Clock) *VodPoller {
	if clk == nil {
		clk = clock.New()
	}
	return &VodPoller{
		playbackID: playbackID,
		cfg:        cfg,
		fetch:      fetch,
		clock:      clk,
	}
}

// Run polls until a playable source list appears, a 4xx makes waiting
// pointless, the attempt budget runs out, or ctx is cancelled. The
// returned sources are already filtered through PickVodSources.
func (p *VodPoller) Run(ctx context.Context) ([]types.PlaybackSource, error) {
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-p.clock.After(p.cfg.Interval):
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, code, err := p.fetch(ctx)
		if err != nil {
			// Transient by definition. The budget ends the wait, not
			// any single error.
			logger.Debug("{poller/vod - Run} %s attempt %d/%d failed: %v", p.playbackID, attempt, p.cfg.MaxAttempts, err)
			continue
		}

		// A 4xx other than 202 means waiting longer cannot help.
		// Surface the server's own message.
		if code >= 400 && code < 500 {
			msg := "playback request rejected"
			if result != nil && result.Message != "" {
				msg = result.Message
			}
			logger.Debug("{poller/vod - Run} %s terminal HTTP %d: %s", p.playbackID, code, msg)
			return nil, errors.New(msg)
		}
		if code >= 500 || result == nil {
			continue
		}

		if picked := PickVodSources(result.Sources); len(picked) > 0 {
			logger.Debug("{poller/vod - Run} %s playable after %d attempt(s), %d source(s)", p.playbackID, attempt, len(picked))
			return picked, nil
		}
	}
	return nil, ErrStillProcessing
}

// PickVodSources applies the player-side preference chain to a
// resolver response: non-raw HLS first, then any non-raw source, then
// HLS even when raw-flagged, then whatever the resolver sent. Relative
// order within the winning group is preserved.
func PickVodSources(sources []types.PlaybackSource) []types.PlaybackSource {
	if len(sources) == 0 {
		return nil
	}

	var hlsClean, nonRaw, hlsAny []types.PlaybackSource
	for _, src := range sources {
		c := classify.Classify(src)
		if c.HLS && !c.RawMP4 {
			hlsClean = append(hlsClean, src)
		}
		if !c.RawMP4 {
			nonRaw = append(nonRaw, src)
		}
		if c.HLS {
			hlsAny = append(hlsAny, src)
		}
	}

	switch {
	case len(hlsClean) > 0:
		return hlsClean
	case len(nonRaw) > 0:
		return nonRaw
	case len(hlsAny) > 0:
		return hlsAny
	default:
		return sources
	}
}
