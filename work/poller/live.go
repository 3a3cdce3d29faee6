package poller

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"playback-edge/work/classify"
	"playback-edge/work/logger"
	"playback-edge/work/metrics"
	"playback-edge/work/types"

	"github.com/benbjohnson/clock"
)

// FetchFunc performs one resolution fetch for a playback identifier,
// returning the decoded result, the HTTP status it arrived with, and an
// error for transport or decode failures. Implementations must honor
// ctx cancellation.
type FetchFunc func(ctx context.Context) (*types.ResolutionResult, int, error)

// Consumer-visible poller states. A poller holds ready as long as it
// has sources, even across transient bad readings.
const (
	StateIdle     = "idle"
	StateStarting = "starting"
	StateReady    = "ready"
	StateOffline  = "offline"
)

// MsgTransientFailure is shown while the poller has nothing to play and
// the last resolution attempt failed outright.
const MsgTransientFailure = "stream status check failed, retrying"

// Update is one consumer-visible state change. Consumers receive a new
// Update only when the status or the source set semantically changed;
// polls resolving to the same signature are absorbed silently.
type Update struct {
	Status  string
	Sources []types.PlaybackSource
	Message string
}

// LiveConfig carries the live poller's timing and hysteresis knobs.
type LiveConfig struct {
	Interval         time.Duration
	OfflineThreshold int
}

// DefaultLiveConfig returns the production settings: a 2 second poll
// cadence with offline confirmed on the 3rd consecutive reading.
func DefaultLiveConfig() LiveConfig {
	return LiveConfig{
		Interval:         2 * time.Second,
		OfflineThreshold: 3,
	}
}

// LivePoller drives the continuous resolution loop for one live
// playback identifier. It polls on a fixed cadence, absorbs flapping
// through an offline hysteresis counter, suppresses updates whose
// source set matches the last emitted signature, and never lets an
// overlapping poll start while one is in flight. All transitions run on
// the poller's own goroutine.
type LivePoller struct {
	playbackID string
	cfg        LiveConfig
	fetch      FetchFunc
	clock      clock.Clock
	onUpdate   func(Update)

	ctx      context.Context
	cancel   context.CancelFunc
	running  atomic.Bool
	inFlight atomic.Bool
	wakeCh   chan struct{}
	resultCh chan fetchOutcome

	mu                 sync.RWMutex
	status             string
	sources            []types.PlaybackSource
	lastSignature      string
	consecutiveOffline int
	consecutiveMiss    int
}

// fetchOutcome carries one completed fetch back into the loop.
type fetchOutcome struct {
	result *types.ResolutionResult
	code   int
	err    error
}

// NewLivePoller builds a poller for one playback identifier. onUpdate
// receives consumer-visible changes on the poller's goroutine; nil
// disables notifications and state stays readable through Status and
// Sources. A nil clk selects the wall clock.
func NewLivePoller(playbackID string, cfg LiveConfig, fetch FetchFunc, clk clock.Clock, onUpdate func(Update)) *LivePoller {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LivePoller{
		playbackID: playbackID,
		cfg:        cfg,
		fetch:      fetch,
		clock:      clk,
		onUpdate:   onUpdate,
		ctx:        ctx,
		cancel:     cancel,
		wakeCh:     make(chan struct{}, 1),
		resultCh:   make(chan fetchOutcome, 1),
		status:     StateIdle,
	}
}

// Start launches the polling loop. Idempotent; the first call wins.
func (p *LivePoller) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	metrics.ActiveLivePollers.Inc()
	logger.Debug("{poller/live - Start} %s polling every %v", p.playbackID, p.cfg.Interval)
	go p.run()
}

// Stop tears the poller down. The ticker, any in-flight fetch, and
// queued wakeups die with the context and no update is emitted
// afterwards. Idempotent.
func (p *LivePoller) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	metrics.ActiveLivePollers.Dec()
	logger.Debug("{poller/live - Stop} %s stopped", p.playbackID)
}

// Wake schedules an immediate poll, used when a player surface regains
// visibility. Wakeups coalesce; at most one is ever queued.
func (p *LivePoller) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// NotifyStreamEvent feeds an out-of-band stream state push into the
// loop. The event only short-circuits the poll interval; the resolver
// stays the source of truth for the actual transition.
func (p *LivePoller) NotifyStreamEvent(active bool) {
	logger.Debug("{poller/live - NotifyStreamEvent} %s push event active=%v", p.playbackID, active)
	p.Wake()
}

// PlaybackID returns the identifier this poller watches.
func (p *LivePoller) PlaybackID() string {
	return p.playbackID
}

// Status returns the current consumer-visible state.
func (p *LivePoller) Status() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Sources returns a copy of the currently held source set.
func (p *LivePoller) Sources() []types.PlaybackSource {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]types.PlaybackSource(nil), p.sources...)
}

// run owns the poll loop. Ticks, wakeups, and fetch completions are all
// serialized here, so the transition logic only needs the mutex to
// guard reader snapshots.
func (p *LivePoller) run() {
	ticker := p.clock.Ticker(p.cfg.Interval)
	defer ticker.Stop()

	p.kick()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.kick()
		case <-p.wakeCh:
			p.kick()
		case out := <-p.resultCh:
			p.apply(out)
		}
	}
}

// kick starts a fetch unless one is already in flight. An overlapping
// tick is dropped, never queued.
func (p *LivePoller) kick() {
	if !p.inFlight.CompareAndSwap(false, true) {
		return
	}
	go func() {
		result, code, err := p.fetch(p.ctx)
		p.inFlight.Store(false)
		select {
		case p.resultCh <- fetchOutcome{result: result, code: code, err: err}:
		case <-p.ctx.Done():
		}
	}()
}

// apply runs one fetch outcome through the transition rules and emits
// the resulting update, if any. A stopped poller discards outcomes.
func (p *LivePoller) apply(out fetchOutcome) {
	if p.ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	update, emit := p.transition(out)
	p.mu.Unlock()

	if emit && p.onUpdate != nil {
		p.onUpdate(update)
	}
}

// transition is the hysteresis core. Caller holds p.mu.
func (p *LivePoller) transition(out fetchOutcome) (Update, bool) {
	// Transport failures and server faults are read leniently: a viewer
	// already watching must not lose a working player over one bad poll.
	if out.err != nil || out.result == nil || out.code >= http.StatusBadRequest {
		if len(p.sources) > 0 {
			return Update{}, false
		}
		return p.enterWaiting(MsgTransientFailure)
	}

	// Any successful non-offline reading breaks an offline run.
	if out.result.Status != types.StatusOffline {
		p.consecutiveOffline = 0
	}

	switch out.result.Status {
	case types.StatusReady:
		if len(out.result.Sources) == 0 {
			return p.recordMiss(out.result.Message)
		}
		p.consecutiveMiss = 0
		sig := classify.Signature(out.result.Sources)
		if sig == p.lastSignature && p.status == StateReady {
			// Semantically identical set. Never thrash the player.
			return Update{}, false
		}
		p.lastSignature = sig
		p.sources = append([]types.PlaybackSource(nil), out.result.Sources...)
		p.status = StateReady
		logger.Debug("{poller/live - transition} %s ready with %d source(s)", p.playbackID, len(p.sources))
		return Update{Status: StateReady, Sources: append([]types.PlaybackSource(nil), p.sources...)}, true

	case types.StatusOffline:
		p.consecutiveOffline++
		if p.consecutiveOffline < p.cfg.OfflineThreshold {
			// A short offline blip is noise. Hold position until the
			// run is confirmed.
			if len(p.sources) > 0 {
				return Update{}, false
			}
			return p.enterWaiting(out.result.Message)
		}
		p.sources = nil
		p.lastSignature = ""
		p.consecutiveMiss = 0
		if p.status == StateOffline {
			return Update{}, false
		}
		p.status = StateOffline
		logger.Debug("{poller/live - transition} [POLL_OFFLINE] %s confirmed offline after %d readings", p.playbackID, p.consecutiveOffline)
		return Update{Status: StateOffline, Message: out.result.Message}, true

	default:
		// processing or starting: the stream is not there yet.
		return p.recordMiss(out.result.Message)
	}
}

// recordMiss counts a poll without usable sources. Held sources are
// never cleared by a miss.
func (p *LivePoller) recordMiss(message string) (Update, bool) {
	p.consecutiveMiss++
	if len(p.sources) > 0 {
		return Update{}, false
	}
	return p.enterWaiting(message)
}

// enterWaiting moves to starting when there is nothing to play,
// emitting only on an actual status change.
func (p *LivePoller) enterWaiting(message string) (Update, bool) {
	if p.status == StateStarting {
		return Update{}, false
	}
	p.status = StateStarting
	return Update{Status: StateStarting, Message: message}, true
}
