package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"playback-edge/work/cache"
	"playback-edge/work/client"
	"playback-edge/work/config"
	"playback-edge/work/logger"
	"playback-edge/work/types"
)

// ErrNoCredential is returned when the upstream API key is not
// configured. Resolution must fail closed on it rather than degrade
// into an empty-but-successful answer.
var ErrNoCredential = errors.New("upstream API credential not configured, set PLAYBACK_API_KEY")

// metadataRequestTimeout caps one playback-info lookup independently of
// the caller's context.
const metadataRequestTimeout = 10 * time.Second

// Client fetches playback-info documents from the upstream video
// platform. The short-TTL metadata cache only serves the VOD path; live
// lookups always go to the wire because a live flag must never be
// stale.
type Client struct {
	cfg        *config.Config
	httpClient *client.HeaderSettingClient
	metaCache  *cache.MetadataCache
}

// New builds the upstream client. metaCache may be nil to disable VOD
// metadata caching entirely.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient, metaCache *cache.MetadataCache) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		metaCache:  metaCache,
	}
}

// GetPlaybackMetadata looks up the playback-info document for one
// identifier. A (nil, nil) return means the upstream knows nothing
// about the identifier yet, which resolvers report as "processing".
//
// fresh=true bypasses the cache in both directions and is mandatory for
// the live path; fresh=false reads through the cache, including cached
// absent results so a popular not-yet-ready identifier cannot hammer
// the upstream API.
func (c *Client) GetPlaybackMetadata(ctx context.Context, playbackID string, fresh bool) (*types.PlaybackMetadata, error) {
	if !c.cfg.HasUpstreamCredential() {
		return nil, ErrNoCredential
	}

	if !fresh && c.metaCache != nil {
		if meta, ok := c.metaCache.Get(playbackID); ok {
			logger.Debug("{upstream/upstream - GetPlaybackMetadata} cache hit for %s", playbackID)
			return meta, nil
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, metadataRequestTimeout)
	defer cancel()

	endpoint := c.cfg.UpstreamAPIBase + "/playback/" + url.PathEscape(playbackID)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building playback metadata request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.UpstreamAPIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("playback metadata request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Upstream has no record yet: asset still uploading or stream
		// never went live. Not an error.
		if !fresh && c.metaCache != nil {
			c.metaCache.Set(playbackID, nil)
		}
		return nil, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("upstream rejected the API credential (HTTP %d)", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("upstream playback metadata returned HTTP %d", resp.StatusCode)
	}

	var meta types.PlaybackMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decoding playback metadata: %w", err)
	}

	if !fresh && c.metaCache != nil {
		c.metaCache.Set(playbackID, &meta)
	}

	logger.Debug("{upstream/upstream - GetPlaybackMetadata} fetched %s: type=%s live=%s sources=%d",
		playbackID, meta.Type, meta.Meta.Live.String(), len(meta.Meta.Source))
	return &meta, nil
}
