package classify

import (
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"playback-edge/work/types"

	"github.com/grafana/regexp"
	"golang.org/x/crypto/blake2b"
)

// Transport detection patterns. Matching is case-insensitive and runs
// over the combined URL, declared type, and MIME hint of a source, so a
// hint like "html5/application/vnd.apple.mpegurl" classifies the same
// way a ".m3u8" URL does.
var (
	hlsRegex    = regexp.MustCompile(`(?i)\.m3u8|hls|mpegurl`)
	webrtcRegex = regexp.MustCompile(`(?i)webrtc`)
	rawRegex    = regexp.MustCompile(`(?i)/raw/`)
	mp4Regex    = regexp.MustCompile(`(?i)\.mp4$`)
)

// Rank values, lower is more preferred. The live path only ever ranks
// playable shapes; the VOD path pushes raw files to the bottom because
// raw renditions are not guaranteed finalized while an asset is still
// transcoding.
const (
	RankLiveHLS    = 0
	RankLiveWebRTC = 1
	RankLiveOther  = 2

	RankVodHLS    = 0
	RankVodWebRTC = 1
	RankVodOther  = 2
	RankVodRaw    = 4
)

// Classification is the derived shape of one playback source. The
// booleans are independent: a URL containing both ".m3u8" and "/raw/"
// is HLS and raw at once, and the two resolution paths treat that
// combination differently on purpose.
type Classification struct {
	HLS    bool
	WebRTC bool
	RawMP4 bool
}

// Classify inspects a source's URL, declared type, and MIME hint and
// reports which transport shapes it matches. Pure and side-effect free;
// malformed or absent fields simply fail to match rather than erroring.
func Classify(src types.PlaybackSource) Classification {
	haystack := strings.ToLower(src.URL + " " + src.DeclaredType + " " + src.MimeHint)

	return Classification{
		HLS:    hlsRegex.MatchString(haystack),
		WebRTC: webrtcRegex.MatchString(haystack),
		RawMP4: isRawPath(src.URL),
	}
}

// isRawPath checks the URL path for the raw-delivery markers: a /raw/
// path segment or a .mp4 suffix. The query string never participates,
// so signed raw URLs classify the same as bare ones.
func isRawPath(rawURL string) bool {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		path = u.Path
	} else if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return rawRegex.MatchString(path) || mp4Regex.MatchString(path)
}

// LiveRank orders sources for live playback: HLS first, WebRTC second,
// anything else last. Raw flags are irrelevant here because the live
// path hard-filters to playable shapes before ranking.
func LiveRank(src types.PlaybackSource) int {
	c := Classify(src)
	switch {
	case c.HLS:
		return RankLiveHLS
	case c.WebRTC:
		return RankLiveWebRTC
	default:
		return RankLiveOther
	}
}

// VodRank orders sources for on-demand playback. Raw takes precedence
// over format: an HLS-shaped URL under /raw/ ranks as raw, not as HLS.
func VodRank(src types.PlaybackSource) int {
	c := Classify(src)
	switch {
	case c.RawMP4:
		return RankVodRaw
	case c.HLS:
		return RankVodHLS
	case c.WebRTC:
		return RankVodWebRTC
	default:
		return RankVodOther
	}
}

// IsLivePlayable reports whether a source may be offered for live
// playback at all. Only recognized HLS and WebRTC shapes qualify; raw
// MP4 is never offered live. Note that an HLS-shaped raw URL still
// passes, live treats any HLS-shaped URL as usable.
func IsLivePlayable(src types.PlaybackSource) bool {
	c := Classify(src)
	return c.HLS || c.WebRTC
}

// PrimaryLabel returns a stable transport label for a source, used in
// source-set signatures.
func PrimaryLabel(src types.PlaybackSource) string {
	c := Classify(src)
	switch {
	case c.HLS:
		return "hls"
	case c.WebRTC:
		return "webrtc"
	case c.RawMP4:
		return "raw"
	default:
		return "other"
	}
}

// NormalizeURL reduces a URL to scheme + host + path with the query and
// fragment stripped and the scheme/host lowercased. Two sources whose
// normalized URLs match are duplicates: signed variants of the same
// rendition differ only in query tokens.
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		// Unparseable input: best effort, drop everything after '?'
		s := rawURL
		if i := strings.IndexByte(s, '?'); i >= 0 {
			s = s[:i]
		}
		return strings.TrimSpace(s)
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + u.EscapedPath()
}

// DedupSources drops all but the first source per normalized URL,
// preserving the upstream order of the survivors.
func DedupSources(sources []types.PlaybackSource) []types.PlaybackSource {
	if len(sources) < 2 {
		return sources
	}
	seen := make(map[string]struct{}, len(sources))
	out := make([]types.PlaybackSource, 0, len(sources))
	for _, src := range sources {
		key := NormalizeURL(src.URL)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, src)
	}
	return out
}

// SortLive orders sources by live rank in place. The sort is stable so
// equally ranked sources keep the order the upstream returned them in.
func SortLive(sources []types.PlaybackSource) {
	sort.SliceStable(sources, func(i, j int) bool {
		return LiveRank(sources[i]) < LiveRank(sources[j])
	})
}

// SortVod orders sources by VOD rank in place, stable on ties.
func SortVod(sources []types.PlaybackSource) {
	sort.SliceStable(sources, func(i, j int) bool {
		return VodRank(sources[i]) < VodRank(sources[j])
	})
}

// Signature digests a source list into an order-independent identity:
// the sorted (transport label, normalized URL) pairs hashed with
// BLAKE2b. Pollers compare signatures across polls to avoid reloading a
// player over a semantically unchanged source set.
func Signature(sources []types.PlaybackSource) string {
	if len(sources) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(sources))
	for _, src := range sources {
		pairs = append(pairs, PrimaryLabel(src)+"|"+NormalizeURL(src.URL))
	}
	sort.Strings(pairs)
	sum := blake2b.Sum256([]byte(strings.Join(pairs, "\n")))
	return hex.EncodeToString(sum[:])
}
