package types

import (
	"encoding/json"
	"time"
)

// Status values describe where one playback identifier currently sits in
// its lifecycle, as reported by a resolution pass. They are the only
// states a player-facing consumer ever observes.
const (
	StatusProcessing = "processing" // no playback metadata exists yet for the identifier
	StatusOffline    = "offline"    // metadata exists but the stream is not marked live
	StatusStarting   = "starting"   // live (or transcoding) but no playable source survived yet
	StatusReady      = "ready"      // at least one playable source is available
	StatusError      = "error"      // request-level failure envelope (bad input, internal fault)
)

// PlaybackSource represents one deliverable rendition of a stream or
// asset as reported by the upstream video platform. Instances are built
// fresh at the metadata-extraction boundary on every resolution request
// and discarded once the HTTP response is written; they are never
// persisted.
type PlaybackSource struct {
	URL          string `json:"url"`                    // absolute delivery URL
	DeclaredType string `json:"declaredType,omitempty"` // upstream transport hint, e.g. "HLS (TS)" or "WebRTC (H264)"
	MimeHint     string `json:"mimeHint,omitempty"`     // upstream MIME-ish hint, e.g. "html5/application/vnd.apple.mpegurl"
}

// ResolutionResult is the outcome of one resolution pass for a playback
// identifier: a status, the ranked source list (possibly empty), and a
// human-readable message when the list is empty or degraded.
type ResolutionResult struct {
	Status  string           `json:"status"`
	Sources []PlaybackSource `json:"sources"`
	Message string           `json:"message,omitempty"`
}

// MetaSource is one raw source entry inside the upstream playback-info
// document, prior to classification.
type MetaSource struct {
	Hrn  string `json:"hrn"`  // human readable name of the rendition/transport
	Type string `json:"type"` // upstream mime-style type string
	URL  string `json:"url"`
}

// PlaybackMeta carries the live flag and the raw candidate sources of a
// playback-info document. Live is kept as the raw JSON number so the
// "live means exactly 1" rule can be applied without coercion guesses:
// 0, 2, or absent all mean not live.
type PlaybackMeta struct {
	Live   json.Number  `json:"live"`
	Source []MetaSource `json:"source"`
}

// PlaybackMetadata is the upstream video platform's playback-info
// document for one identifier.
type PlaybackMetadata struct {
	Type string       `json:"type"` // upstream asset kind, e.g. "live", "vod", "recording"
	Meta PlaybackMeta `json:"meta"`
}

// IsLive reports whether the metadata marks the stream live. The
// upstream contract is strict: only the literal number 1 counts.
func (m *PlaybackMetadata) IsLive() bool {
	return m != nil && m.Meta.Live.String() == "1"
}

// CandidateSources converts the raw metadata source entries into
// PlaybackSource values, skipping entries without a URL.
func (m *PlaybackMetadata) CandidateSources() []PlaybackSource {
	if m == nil || len(m.Meta.Source) == 0 {
		return nil
	}
	out := make([]PlaybackSource, 0, len(m.Meta.Source))
	for _, s := range m.Meta.Source {
		if s.URL == "" {
			continue
		}
		out = append(out, PlaybackSource{
			URL:          s.URL,
			DeclaredType: s.Hrn,
			MimeHint:     s.Type,
		})
	}
	return out
}

// ProbeFailure is one journaled probe failure, kept for operational
// visibility on the status endpoint.
type ProbeFailure struct {
	URL        string    `json:"url"`
	Reason     string    `json:"reason"`
	ObservedAt time.Time `json:"observedAt"`
}
