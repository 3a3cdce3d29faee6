package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolutions counts resolution passes by path ("live" or "vod") and
// resulting status. NotReadyYet states are normal operation, so alert
// rules should key on the error status only.
var Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "playback_edge_resolutions_total",
	Help: "Number of playback resolution passes",
}, []string{"path", "status"})

// ProbeResults counts health probe outcomes. The "kind" label separates
// manifest-inspected HLS probes from plain reachability probes.
var ProbeResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "playback_edge_probe_results_total",
	Help: "Number of source health probe outcomes",
}, []string{"kind", "outcome"})

// ProbeDuration observes wall-clock seconds per individual probe.
var ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "playback_edge_probe_duration_seconds",
	Help:    "Duration of individual source health probes",
	Buckets: prometheus.DefBuckets,
})

// ProxyRequests counts edge proxy requests by terminal result:
// ok, bad_target, forbidden, upstream_error.
var ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "playback_edge_proxy_requests_total",
	Help: "Number of edge proxy requests",
}, []string{"result"})

// ProxyRetries counts upstream fetch attempts beyond the first, i.e.
// how often the retry policy actually engaged.
var ProxyRetries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "playback_edge_proxy_retries_total",
	Help: "Number of retried upstream proxy attempts",
})

// ProxyBytes tracks bytes relayed through the proxy. The "direction"
// label distinguishes upstream reads from downstream writes; for the
// streaming path the two advance together.
var ProxyBytes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "playback_edge_proxy_bytes_total",
	Help: "Total bytes relayed through the edge proxy",
}, []string{"direction"})

// ManifestRewrites counts manifests rewritten by the proxy.
var ManifestRewrites = promauto.NewCounter(prometheus.CounterOpts{
	Name: "playback_edge_manifest_rewrites_total",
	Help: "Number of HLS manifests rewritten by the edge proxy",
})

// ManifestLinesRewritten counts individual URI lines re-routed through
// the proxy during manifest rewrites.
var ManifestLinesRewritten = promauto.NewCounter(prometheus.CounterOpts{
	Name: "playback_edge_manifest_lines_rewritten_total",
	Help: "Number of manifest URI lines rewritten to proxy form",
})

// ActiveLivePollers gauges currently running live poller instances.
var ActiveLivePollers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "playback_edge_active_live_pollers",
	Help: "Number of active live playback pollers",
})
