package cache

import (
	"time"

	"playback-edge/work/types"

	"github.com/maypok86/otter/v2"
)

// MetadataCache is a short-TTL in-memory cache of upstream playback
// metadata, keyed by playback identifier. Only the VOD resolution path
// reads through it: live status must never be served stale, so the live
// path always bypasses the cache entirely.
//
// Entries may be nil-valued: a cached "metadata absent" result is as
// useful as a cached document, and caching it keeps a popular
// not-yet-uploaded identifier from hammering the upstream API.
type MetadataCache struct {
	store *otter.Cache[string, *types.PlaybackMetadata]
}

// NewMetadataCache builds the cache with the given entry budget and TTL
// counted from write time, so a hot entry still refreshes on schedule.
func NewMetadataCache(maxEntries int, ttl time.Duration) *MetadataCache {
	store := otter.Must(&otter.Options[string, *types.PlaybackMetadata]{
		MaximumSize:      maxEntries,
		ExpiryCalculator: otter.ExpiryWriting[string, *types.PlaybackMetadata](ttl),
	})
	return &MetadataCache{store: store}
}

// Get returns the cached metadata for a playback identifier. The second
// return distinguishes "cached nil" from "not cached".
func (c *MetadataCache) Get(playbackID string) (*types.PlaybackMetadata, bool) {
	return c.store.GetIfPresent(playbackID)
}

// Set stores one metadata document (possibly nil) for its TTL window.
func (c *MetadataCache) Set(playbackID string, meta *types.PlaybackMetadata) {
	c.store.Set(playbackID, meta)
}
