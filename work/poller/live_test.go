package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"playback-edge/work/types"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hlsSources(urls ...string) []types.PlaybackSource {
	out := make([]types.PlaybackSource, 0, len(urls))
	for _, u := range urls {
		out = append(out, types.PlaybackSource{URL: u, DeclaredType: "HLS (TS)"})
	}
	return out
}

func readyOutcome(sources []types.PlaybackSource) fetchOutcome {
	return fetchOutcome{result: &types.ResolutionResult{Status: types.StatusReady, Sources: sources}, code: 200}
}

func offlineOutcome() fetchOutcome {
	return fetchOutcome{result: &types.ResolutionResult{Status: types.StatusOffline, Message: "stream is offline"}, code: 202}
}

func startingOutcome() fetchOutcome {
	return fetchOutcome{result: &types.ResolutionResult{Status: types.StatusStarting, Message: "warming up"}, code: 202}
}

// updateRecorder captures emitted updates for assertions.
type updateRecorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *updateRecorder) record(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *updateRecorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

// newTransitionPoller builds a poller whose state machine is driven
// directly through apply, without a running loop.
func newTransitionPoller(rec *updateRecorder) *LivePoller {
	return NewLivePoller("plb-1", DefaultLiveConfig(), nil, clock.NewMock(), rec.record)
}

func TestTransitionOfflineHysteresis(t *testing.T) {
	rec := &updateRecorder{}
	p := newTransitionPoller(rec)
	sources := hlsSources("https://cdn.example.com/hls/a/index.m3u8")

	// offline, offline, ready, offline, offline, offline: the ready
	// reading resets the run, so only the final trio confirms offline.
	p.apply(offlineOutcome())
	p.apply(offlineOutcome())
	p.apply(readyOutcome(sources))
	p.apply(offlineOutcome())
	assert.Equal(t, StateReady, p.Status(), "one offline reading must not drop a live player")
	p.apply(offlineOutcome())
	assert.Equal(t, StateReady, p.Status())
	p.apply(offlineOutcome())

	assert.Equal(t, StateOffline, p.Status())
	assert.Empty(t, p.Sources(), "confirmed offline clears held sources")

	updates := rec.all()
	require.Len(t, updates, 3)
	assert.Equal(t, StateStarting, updates[0].Status)
	assert.Equal(t, StateReady, updates[1].Status)
	assert.Equal(t, StateOffline, updates[2].Status)
}

func TestTransitionSignatureSuppressesNoise(t *testing.T) {
	rec := &updateRecorder{}
	p := newTransitionPoller(rec)

	a := types.PlaybackSource{URL: "https://cdn.example.com/hls/a/index.m3u8?token=1", DeclaredType: "HLS (TS)"}
	b := types.PlaybackSource{URL: "https://cdn.example.com/webrtc/a", DeclaredType: "WebRTC (H264)"}
	aRotated := types.PlaybackSource{URL: "https://cdn.example.com/hls/a/index.m3u8?token=2", DeclaredType: "HLS (TS)"}
	c := types.PlaybackSource{URL: "https://cdn.example.com/hls/c/index.m3u8", DeclaredType: "HLS (TS)"}

	p.apply(readyOutcome([]types.PlaybackSource{a, b}))
	// Same set, shuffled and with a rotated signing token: no emission.
	p.apply(readyOutcome([]types.PlaybackSource{b, aRotated}))
	require.Len(t, rec.all(), 1)

	// Genuinely new set: emitted.
	p.apply(readyOutcome([]types.PlaybackSource{a, b, c}))
	require.Len(t, rec.all(), 2)
}

func TestTransitionMissKeepsSources(t *testing.T) {
	rec := &updateRecorder{}
	p := newTransitionPoller(rec)
	sources := hlsSources("https://cdn.example.com/hls/a/index.m3u8")

	p.apply(readyOutcome(sources))
	p.apply(startingOutcome())

	assert.Equal(t, StateReady, p.Status(), "a source-less poll must not clear a playing session")
	assert.Len(t, p.Sources(), 1)
	assert.Equal(t, 1, p.consecutiveMiss)
	require.Len(t, rec.all(), 1)
}

func TestTransitionReadyWithoutSourcesIsMiss(t *testing.T) {
	rec := &updateRecorder{}
	p := newTransitionPoller(rec)

	p.apply(fetchOutcome{result: &types.ResolutionResult{Status: types.StatusReady}, code: 200})

	assert.Equal(t, StateStarting, p.Status())
	assert.Equal(t, 1, p.consecutiveMiss)
}

func TestTransitionFetchFailureLenient(t *testing.T) {
	rec := &updateRecorder{}
	p := newTransitionPoller(rec)
	sources := hlsSources("https://cdn.example.com/hls/a/index.m3u8")

	p.apply(readyOutcome(sources))
	p.apply(fetchOutcome{err: errors.New("connection refused")})
	p.apply(fetchOutcome{result: &types.ResolutionResult{Status: types.StatusError}, code: 500})

	assert.Equal(t, StateReady, p.Status())
	assert.Len(t, p.Sources(), 1)
	require.Len(t, rec.all(), 1, "failures while sources exist stay silent")
}

func TestTransitionFetchFailureWithoutSources(t *testing.T) {
	rec := &updateRecorder{}
	p := newTransitionPoller(rec)

	p.apply(fetchOutcome{err: errors.New("connection refused")})

	assert.Equal(t, StateStarting, p.Status())
	updates := rec.all()
	require.Len(t, updates, 1)
	assert.Equal(t, MsgTransientFailure, updates[0].Message)
}

func TestTransitionOfflineRecovery(t *testing.T) {
	rec := &updateRecorder{}
	p := newTransitionPoller(rec)
	sources := hlsSources("https://cdn.example.com/hls/a/index.m3u8")

	for i := 0; i < 3; i++ {
		p.apply(offlineOutcome())
	}
	require.Equal(t, StateOffline, p.Status())

	p.apply(readyOutcome(sources))

	assert.Equal(t, StateReady, p.Status())
	assert.Len(t, p.Sources(), 1)
}

func TestLivePollerSingleFlight(t *testing.T) {
	mock := clock.NewMock()
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (*types.ResolutionResult, int, error) {
		calls.Add(1)
		<-release
		return &types.ResolutionResult{Status: types.StatusStarting}, 202, nil
	}

	p := NewLivePoller("plb-1", LiveConfig{Interval: 2 * time.Second, OfflineThreshold: 3}, fetch, mock, nil)
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Ticks while a fetch is in flight are dropped, not queued.
	mock.Add(2 * time.Second)
	mock.Add(2 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestLivePollerWakeShortCircuitsInterval(t *testing.T) {
	mock := clock.NewMock()
	var calls atomic.Int32
	fetch := func(ctx context.Context) (*types.ResolutionResult, int, error) {
		calls.Add(1)
		return &types.ResolutionResult{Status: types.StatusStarting}, 202, nil
	}

	p := NewLivePoller("plb-1", LiveConfig{Interval: time.Hour, OfflineThreshold: 3}, fetch, mock, nil)
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// No clock movement: wakeups alone trigger the next polls. Wakeups
	// coalesce, so re-arming until the count moves is safe.
	require.Eventually(t, func() bool {
		p.Wake()
		return calls.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		p.NotifyStreamEvent(true)
		return calls.Load() >= 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLivePollerStopDiscardsLateResult(t *testing.T) {
	mock := clock.NewMock()
	rec := &updateRecorder{}
	release := make(chan struct{})
	started := make(chan struct{})
	fetch := func(ctx context.Context) (*types.ResolutionResult, int, error) {
		close(started)
		<-release
		return &types.ResolutionResult{
			Status:  types.StatusReady,
			Sources: hlsSources("https://cdn.example.com/hls/a/index.m3u8"),
		}, 200, nil
	}

	p := NewLivePoller("plb-1", DefaultLiveConfig(), fetch, mock, rec.record)
	p.Start()
	<-started

	p.Stop()
	close(release)
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, rec.all(), "a stopped poller must not emit")
	assert.Empty(t, p.Sources())
}

func TestLivePollerStartStopIdempotent(t *testing.T) {
	fetch := func(ctx context.Context) (*types.ResolutionResult, int, error) {
		return &types.ResolutionResult{Status: types.StatusStarting}, 202, nil
	}
	p := NewLivePoller("plb-1", DefaultLiveConfig(), fetch, clock.NewMock(), nil)

	p.Start()
	p.Start()
	assert.True(t, p.running.Load())
	p.Stop()
	p.Stop()
	assert.False(t, p.running.Load())
}
