// Package tracker records pointer telemetry for one study page: throttled
// position samples, dwell intervals per page region and hover intervals per
// agent panel. The accumulated log is delivered on an explicit save, or by
// beacon when the page is torn down before one happened.
package tracker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"studytrace/internal/delivery"
	"studytrace/internal/model"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// DefaultSampleInterval is the minimum spacing between recorded samples.
const DefaultSampleInterval = 200 * time.Millisecond

// isoLayout matches the millisecond UTC timestamps browsers emit.
const isoLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrNoTransport is returned by Save when no reliable transport is set.
var ErrNoTransport = errors.New("tracker: no transport configured")

type Options struct {
	SessionID      string
	SampleInterval time.Duration // default DefaultSampleInterval
	Classifier     Classifier    // required
	Reliable       delivery.Transport
	Beacon         delivery.Transport
	Clock          func() time.Time // default time.Now
	Logger         *zerolog.Logger  // default global logger
}

// Recorder owns the session log for one page view. All methods are safe
// for concurrent use; mutation is serialized by one mutex and delivery runs
// outside it.
type Recorder struct {
	sessionID  string
	interval   time.Duration
	classifier Classifier
	reliable   delivery.Transport
	beacon     delivery.Transport
	clock      func() time.Time
	log        zerolog.Logger

	mu sync.Mutex

	start      time.Time
	movements  []model.Sample
	visits     []model.RegionVisit
	spans      []model.HoverSpan
	hasSample  bool
	lastSample time.Time

	region      string // "" before the first sample and after Finalize
	regionEntry int64

	hovers map[string]int64 // open spans: target id -> entry ms

	saved      bool
	generation uint64 // bumped by Reset

	tracked map[string]struct{} // target ids with listeners attached
}

func New(opts Options) *Recorder {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	lg := zlog.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}

	r := &Recorder{
		sessionID:  opts.SessionID,
		interval:   opts.SampleInterval,
		classifier: opts.Classifier,
		reliable:   opts.Reliable,
		beacon:     opts.Beacon,
		clock:      opts.Clock,
		log:        lg.With().Str("component", "tracker").Str("session_id", opts.SessionID).Logger(),
		tracked:    make(map[string]struct{}),
	}
	r.clear(r.clock())

	r.log.Debug().Time("start", r.start).Msg("recorder created")
	return r
}

// clear drops all recorded data. Caller holds mu or owns r exclusively.
func (r *Recorder) clear(now time.Time) {
	r.start = now
	r.movements = make([]model.Sample, 0, 256)
	r.visits = make([]model.RegionVisit, 0, 16)
	r.spans = make([]model.HoverSpan, 0, 16)
	r.hasSample = false
	r.lastSample = time.Time{}
	r.region = ""
	r.regionEntry = 0
	r.hovers = make(map[string]int64)
	r.saved = false
}

func (r *Recorder) elapsed(now time.Time) int64 {
	return now.Sub(r.start).Milliseconds()
}

func (r *Recorder) iso(ms int64) string {
	return r.start.Add(time.Duration(ms) * time.Millisecond).UTC().Format(isoLayout)
}

// RecordMove handles one pointer-move event. It is dropped unless it is the
// first since construction or Reset, or at least the sample interval has
// passed since the last recorded sample.
func (r *Recorder) RecordMove(x, y float64, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasSample && now.Sub(r.lastSample) < r.interval {
		return
	}
	r.hasSample = true
	r.lastSample = now

	ts := r.elapsed(now)
	r.movements = append(r.movements, model.Sample{X: x, Y: y, Timestamp: ts})

	if n := len(r.movements); n%50 == 0 {
		r.log.Debug().Int("movements", n).Msg("captured movements")
	}

	region := r.classifier.Classify(x, y)
	if region == r.region {
		return
	}
	if r.region != "" {
		r.closeVisit(ts)
	}
	r.region = region
	r.regionEntry = ts
}

// closeVisit appends the open visit closed at exitMs. Caller holds mu.
func (r *Recorder) closeVisit(exitMs int64) {
	exitMs = max(exitMs, r.regionEntry)
	r.visits = append(r.visits, model.RegionVisit{
		Region:     r.region,
		EntryMs:    r.regionEntry,
		ExitMs:     exitMs,
		DurationMs: exitMs - r.regionEntry,
		EntryISO:   r.iso(r.regionEntry),
		ExitISO:    r.iso(exitMs),
	})
	r.region = ""
	r.regionEntry = 0
}

// Classify exposes the active classifier.
func (r *Recorder) Classify(x, y float64) string {
	return r.classifier.Classify(x, y)
}

// HoverEnter opens a span for id, replacing any span still open for it.
func (r *Recorder) HoverEnter(id string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hovers[id] = r.elapsed(now)
}

// HoverLeave closes the open span for id. Without one it does nothing.
func (r *Recorder) HoverLeave(id string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.hovers[id]
	if !ok {
		return
	}
	r.closeSpan(id, entry, r.elapsed(now))
}

// closeSpan appends a closed span and forgets the open one. Caller holds mu.
func (r *Recorder) closeSpan(id string, entryMs, exitMs int64) {
	exitMs = max(exitMs, entryMs)
	r.spans = append(r.spans, model.HoverSpan{
		Target:     id,
		EntryMs:    entryMs,
		ExitMs:     exitMs,
		DurationMs: exitMs - entryMs,
		EntryISO:   r.iso(entryMs),
		ExitISO:    r.iso(exitMs),
	})
	delete(r.hovers, id)
}

// Finalize closes the open region visit and every open hover span at now
// and returns a snapshot of the log. Closed intervals stay recorded, so a
// second call without Reset returns the same intervals and closes nothing
// new.
func (r *Recorder) Finalize(now time.Time) *model.SessionLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalizeLocked(now)
}

func (r *Recorder) finalizeLocked(now time.Time) *model.SessionLog {
	ts := r.elapsed(now)

	if r.region != "" {
		r.log.Debug().Str("region", r.region).Int64("duration_ms", ts-r.regionEntry).Msg("finalizing open region visit")
		r.closeVisit(ts)
	}

	if len(r.hovers) > 0 {
		// Close in entry order so the output is deterministic.
		ids := make([]string, 0, len(r.hovers))
		for id := range r.hovers {
			ids = append(ids, id)
		}
		slices.SortFunc(ids, func(a, b string) int {
			if c := cmp.Compare(r.hovers[a], r.hovers[b]); c != 0 {
				return c
			}
			return strings.Compare(a, b)
		})
		for _, id := range ids {
			r.closeSpan(id, r.hovers[id], ts)
		}
	}

	return &model.SessionLog{
		Movements:     append(make([]model.Sample, 0, len(r.movements)), r.movements...),
		RegionVisits:  append(make([]model.RegionVisit, 0, len(r.visits)), r.visits...),
		HoverSpans:    append(make([]model.HoverSpan, 0, len(r.spans)), r.spans...),
		StartTime:     r.start.UnixMilli(),
		TotalDuration: ts,
	}
}

// Save finalizes the log and delivers it with the reliable transport,
// waiting for the acknowledgment. The saved flag is only set on success
// and only if no Reset happened meanwhile. Failures are not retried.
func (r *Recorder) Save(ctx context.Context) (*model.Ack, error) {
	r.mu.Lock()
	snap := r.finalizeLocked(r.clock())
	gen := r.generation
	r.mu.Unlock()

	if r.reliable == nil {
		return nil, ErrNoTransport
	}

	r.log.Info().
		Int("movements", len(snap.Movements)).
		Int("region_visits", len(snap.RegionVisits)).
		Int("hover_spans", len(snap.HoverSpans)).
		Int64("total_duration_ms", snap.TotalDuration).
		Msg("saving tracking data")

	ack, err := r.reliable.Send(ctx, r.sessionID, snap)
	if err != nil {
		r.log.Error().Err(err).Msg("saving tracking data failed")
		return nil, fmt.Errorf("save tracking log: %w", err)
	}

	r.mu.Lock()
	if r.generation == gen {
		r.saved = true
	}
	r.mu.Unlock()

	r.log.Info().Str("ack", delivery.Describe(ack)).Msg("tracking data saved")
	return ack, nil
}

// Saved reports whether an explicit save has succeeded since the last Reset.
func (r *Recorder) Saved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved
}

// Teardown is called when the page goes away. Unless an explicit save
// already succeeded it hands the finalized log to the beacon transport and
// returns without waiting.
func (r *Recorder) Teardown() {
	r.mu.Lock()
	if r.saved {
		r.mu.Unlock()
		r.log.Debug().Msg("teardown: already saved, skipping beacon")
		return
	}
	snap := r.finalizeLocked(r.clock())
	r.mu.Unlock()

	if r.beacon == nil {
		r.log.Warn().Msg("teardown: no beacon transport, tracking data dropped")
		return
	}
	r.log.Debug().Int("movements", len(snap.Movements)).Msg("teardown: sending beacon")
	_, _ = r.beacon.Send(context.Background(), r.sessionID, snap)
}

// Reset starts a fresh log for a new round. Registered hover targets stay
// registered.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clear(r.clock())
	r.generation++
	r.log.Info().Time("start", r.start).Msg("tracker reset")
}

// Track attaches hover listeners to t unless a target with the same id is
// already tracked. It reports whether listeners were attached.
func (r *Recorder) Track(t Target) bool {
	id := t.ID()

	r.mu.Lock()
	if _, ok := r.tracked[id]; ok {
		r.mu.Unlock()
		return false
	}
	r.tracked[id] = struct{}{}
	r.mu.Unlock()

	t.OnHover(
		func(now time.Time) { r.HoverEnter(id, now) },
		func(now time.Time) { r.HoverLeave(id, now) },
	)
	r.log.Debug().Str("target", id).Msg("tracking hover target")
	return true
}

// Watch tracks the targets returned by discover now and again on every
// notification from changes. It blocks until ctx is done or changes is
// closed.
func (r *Recorder) Watch(ctx context.Context, changes <-chan struct{}, discover func() []Target) {
	r.trackAll(discover())
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			r.trackAll(discover())
		}
	}
}

func (r *Recorder) trackAll(targets []Target) {
	for _, t := range targets {
		if t != nil {
			r.Track(t)
		}
	}
}
