package proxy

import (
	"bufio"
	"io"
	"net/http"
	"net/url"
	"strings"

	"playback-edge/work/logger"
	"playback-edge/work/metrics"
	"playback-edge/work/utils"
)

// playlistContentType is what every rewritten playlist is served as,
// regardless of how the origin labeled it.
const playlistContentType = "application/vnd.apple.mpegurl"

// isManifestResponse reports whether a successful upstream response
// holds an HLS playlist. Content type is checked first, the target
// path's extension second, because origins routinely mislabel playlists
// as text/plain or application/octet-stream.
func isManifestResponse(resp *http.Response, target *url.URL) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ct, "mpegurl") || strings.Contains(ct, "m3u8") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(target.Path), ".m3u8")
}

// serveManifest reads a playlist body, reroutes its URI lines back
// through the proxy, and serves the result uncached with permissive
// CORS so browser players can fetch it directly.
func (ep *EdgeProxy) serveManifest(w http.ResponseWriter, resp *http.Response, target *url.URL) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("{proxy/manifest - serveManifest} reading playlist from %s: %v", utils.LogURL(ep.cfg, target.String()), err)
		http.Error(w, "reading upstream playlist failed", http.StatusBadGateway)
		return
	}
	metrics.ProxyBytes.WithLabelValues("upstream").Add(float64(len(body)))

	rewritten, uris := RewriteManifest(string(body), target, ep.cfg.BaseURL)
	metrics.ManifestRewrites.Inc()
	metrics.ManifestLinesRewritten.Add(float64(uris))
	logger.Debug("{proxy/manifest - serveManifest} [MANIFEST_REWRITE] %s: %d URI line(s) rerouted", utils.LogURL(ep.cfg, target.String()), uris)

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(resp.StatusCode)
	n, _ := w.Write([]byte(rewritten))
	metrics.ProxyBytes.WithLabelValues("downstream").Add(float64(n))
}

// RewriteManifest walks a playlist line by line. Blank lines and
// #-prefixed directives pass through byte-identical; every other line
// is a URI, resolved absolute against the playlist's own URL and
// re-wrapped as a proxy request so the next hop faces the same
// allow-list. Returns the rewritten text and the URI line count.
func RewriteManifest(body string, base *url.URL, proxyBase string) (string, int) {
	var sb strings.Builder
	sb.Grow(len(body) * 2)

	uris := 0
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			sb.WriteString(line)
			sb.WriteString("\n")
			continue
		}
		sb.WriteString(BuildTargetURL(proxyBase, resolveURI(base, line)))
		sb.WriteString("\n")
		uris++
	}
	return sb.String(), uris
}

// resolveURI converts one playlist URI to absolute form against the
// playlist's URL. An unparseable line passes through unchanged; the
// follow-up hop rejects it instead of this side guessing.
func resolveURI(base *url.URL, line string) string {
	ref, err := url.Parse(strings.TrimSpace(line))
	if err != nil {
		return line
	}
	return base.ResolveReference(ref).String()
}
