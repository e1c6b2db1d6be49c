package tracker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"studytrace/internal/model"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func at(ms int64) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

// fakeClock is advanced by tests; Save/Teardown/Reset read it.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at(ms)
}

type sent struct {
	sessionID string
	log       *model.SessionLog
}

// fakeTransport records every Send and fails while err is set.
type fakeTransport struct {
	mu    sync.Mutex
	calls []sent
	err   error
}

func (f *fakeTransport) Send(_ context.Context, sessionID string, log *model.SessionLog) (*model.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sent{sessionID: sessionID, log: log})
	if f.err != nil {
		return nil, f.err
	}
	return &model.Ack{
		Message:      "Tracking data received",
		Movements:    len(log.Movements),
		RegionVisits: len(log.RegionVisits),
		HoverSpans:   len(log.HoverSpans),
	}, nil
}

func (f *fakeTransport) Calls() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.calls...)
}

// boundaries at x=300 (left column right edge) and x=700 (right column left edge).
func studyLayout() *StaticLayout {
	return &StaticLayout{
		Width: 1000,
		Left:  &Rect{Left: 0, Right: 300, Bottom: 800},
		Right: &Rect{Left: 700, Right: 1000, Bottom: 800},
	}
}

type fixture struct {
	clock    *fakeClock
	reliable *fakeTransport
	beacon   *fakeTransport
	rec      *Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: t0}
	f := &fixture{clock: clock, reliable: &fakeTransport{}, beacon: &fakeTransport{}}
	nop := zerolog.Nop()
	f.rec = New(Options{
		SessionID:  "s-1",
		Classifier: NewClassifier(studyLayout()),
		Reliable:   f.reliable,
		Beacon:     f.beacon,
		Clock:      clock.Now,
		Logger:     &nop,
	})
	return f
}

func TestThrottleDropsCloseSamples(t *testing.T) {
	f := newFixture(t)

	f.rec.RecordMove(100, 100, at(0))
	f.rec.RecordMove(110, 100, at(50))
	f.rec.RecordMove(120, 100, at(250))

	log := f.rec.Finalize(at(300))
	require.Len(t, log.Movements, 2)
	assert.Equal(t, int64(0), log.Movements[0].Timestamp)
	assert.Equal(t, int64(250), log.Movements[1].Timestamp)
	assert.Equal(t, 120.0, log.Movements[1].X)
}

func TestFirstSampleAfterResetIsAlwaysRecorded(t *testing.T) {
	f := newFixture(t)

	f.rec.RecordMove(100, 100, at(0))
	f.clock.Set(10)
	f.rec.Reset()
	// Only 20ms after the last sample, but the throttle restarts with Reset.
	f.rec.RecordMove(100, 100, at(20))

	log := f.rec.Finalize(at(30))
	require.Len(t, log.Movements, 1)
	assert.Equal(t, int64(10), log.Movements[0].Timestamp)
}

func TestRegionVisitsCloseOnChange(t *testing.T) {
	f := newFixture(t)

	f.rec.RecordMove(100, 200, at(0))
	f.rec.RecordMove(500, 200, at(300))

	log := f.rec.Finalize(at(500))
	require.Len(t, log.RegionVisits, 2)

	assert.Equal(t, model.RegionLeft, log.RegionVisits[0].Region)
	assert.Equal(t, int64(0), log.RegionVisits[0].EntryMs)
	assert.Equal(t, int64(300), log.RegionVisits[0].ExitMs)
	assert.Equal(t, int64(300), log.RegionVisits[0].DurationMs)

	assert.Equal(t, model.RegionCenter, log.RegionVisits[1].Region)
	assert.Equal(t, int64(300), log.RegionVisits[1].EntryMs)
	assert.Equal(t, int64(500), log.RegionVisits[1].ExitMs)
	assert.Equal(t, int64(200), log.RegionVisits[1].DurationMs)

	assert.Equal(t, "2025-03-01T12:00:00.300Z", log.RegionVisits[0].ExitISO)
	assert.Equal(t, int64(500), log.TotalDuration)
	assert.Equal(t, t0.UnixMilli(), log.StartTime)
}

func TestSameRegionDoesNotSplitVisit(t *testing.T) {
	f := newFixture(t)

	f.rec.RecordMove(10, 0, at(0))
	f.rec.RecordMove(20, 0, at(200))
	f.rec.RecordMove(30, 0, at(400))

	log := f.rec.Finalize(at(600))
	require.Len(t, log.RegionVisits, 1)
	assert.Equal(t, int64(600), log.RegionVisits[0].DurationMs)
}

func TestHoverSpan(t *testing.T) {
	f := newFixture(t)

	f.rec.HoverEnter("A", at(10))
	f.rec.HoverLeave("A", at(90))
	f.rec.HoverLeave("A", at(120)) // no open span: ignored

	log := f.rec.Finalize(at(200))
	require.Len(t, log.HoverSpans, 1)
	assert.Equal(t, model.HoverSpan{
		Target:     "A",
		EntryMs:    10,
		ExitMs:     90,
		DurationMs: 80,
		EntryISO:   "2025-03-01T12:00:00.010Z",
		ExitISO:    "2025-03-01T12:00:00.090Z",
	}, log.HoverSpans[0])
}

func TestHoverEnterOverwritesStaleSpan(t *testing.T) {
	f := newFixture(t)

	f.rec.HoverEnter("A", at(10))
	f.rec.HoverEnter("A", at(40))
	f.rec.HoverLeave("A", at(100))

	log := f.rec.Finalize(at(200))
	require.Len(t, log.HoverSpans, 1)
	assert.Equal(t, int64(40), log.HoverSpans[0].EntryMs)
}

func TestFinalizeClosesOpenSpansInEntryOrder(t *testing.T) {
	f := newFixture(t)

	f.rec.HoverEnter(model.TargetEmoReframe, at(50))
	f.rec.HoverEnter(model.TargetInfoAgent, at(20))
	f.rec.HoverEnter(model.TargetEmoSentiment, at(50))

	log := f.rec.Finalize(at(100))
	require.Len(t, log.HoverSpans, 3)
	assert.Equal(t, model.TargetInfoAgent, log.HoverSpans[0].Target)
	assert.Equal(t, model.TargetEmoReframe, log.HoverSpans[1].Target)
	assert.Equal(t, model.TargetEmoSentiment, log.HoverSpans[2].Target)
	for _, s := range log.HoverSpans {
		assert.Equal(t, int64(100), s.ExitMs)
	}
}

func TestSecondFinalizeClosesNothingNew(t *testing.T) {
	f := newFixture(t)

	f.rec.RecordMove(100, 0, at(0))
	f.rec.HoverEnter("A", at(10))

	first := f.rec.Finalize(at(100))
	second := f.rec.Finalize(at(200))

	assert.Len(t, first.RegionVisits, 1)
	assert.Len(t, first.HoverSpans, 1)
	assert.Equal(t, first.RegionVisits, second.RegionVisits)
	assert.Equal(t, first.HoverSpans, second.HoverSpans)
	assert.Equal(t, int64(200), second.TotalDuration)
}

// Finalize closes the current region, so moves after a save without Reset
// open a fresh visit at the next sample rather than at the save time.
func TestMovesAfterFinalizeOpenNewVisit(t *testing.T) {
	f := newFixture(t)

	f.rec.RecordMove(100, 0, at(0))
	f.rec.Finalize(at(1000))
	f.rec.RecordMove(500, 0, at(1500))

	log := f.rec.Finalize(at(2000))
	require.Len(t, log.RegionVisits, 2)
	assert.Equal(t, model.RegionVisit{
		Region: model.RegionLeft, EntryMs: 0, ExitMs: 1000, DurationMs: 1000,
		EntryISO: "2025-03-01T12:00:00.000Z", ExitISO: "2025-03-01T12:00:01.000Z",
	}, log.RegionVisits[0])
	assert.Equal(t, model.RegionCenter, log.RegionVisits[1].Region)
	assert.EqualValues(t, 1500, log.RegionVisits[1].EntryMs)
	assert.EqualValues(t, 2000, log.RegionVisits[1].ExitMs)
}

func TestSnapshotIsIndependentOfRecorder(t *testing.T) {
	f := newFixture(t)

	f.rec.RecordMove(100, 0, at(0))
	snap := f.rec.Finalize(at(100))
	f.rec.RecordMove(500, 0, at(300))

	assert.Len(t, snap.Movements, 1)
}

func TestResetThenFinalizeIsEmpty(t *testing.T) {
	f := newFixture(t)

	f.rec.RecordMove(100, 0, at(0))
	f.rec.HoverEnter("A", at(10))
	f.clock.Set(5000)
	f.rec.Reset()

	log := f.rec.Finalize(at(5000))
	assert.Empty(t, log.Movements)
	assert.Empty(t, log.RegionVisits)
	assert.Empty(t, log.HoverSpans)
	assert.NotNil(t, log.Movements)
	assert.Zero(t, log.TotalDuration)
	assert.Equal(t, at(5000).UnixMilli(), log.StartTime)
}

func TestSaveDeliversAndMarksSaved(t *testing.T) {
	f := newFixture(t)

	f.rec.RecordMove(100, 0, at(0))
	f.clock.Set(400)

	ack, err := f.rec.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Movements)
	assert.True(t, f.rec.Saved())

	calls := f.reliable.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "s-1", calls[0].sessionID)
	assert.Equal(t, int64(400), calls[0].log.TotalDuration)

	// Saved pages do not send a beacon on teardown.
	f.rec.Teardown()
	assert.Empty(t, f.beacon.Calls())
}

func TestSaveFailureLeavesTeardownFallback(t *testing.T) {
	f := newFixture(t)
	f.reliable.err = errors.New("connection refused")

	f.rec.RecordMove(100, 0, at(0))
	f.clock.Set(100)

	_, err := f.rec.Save(context.Background())
	require.Error(t, err)
	assert.False(t, f.rec.Saved())
	assert.Len(t, f.reliable.Calls(), 1, "failed saves are not retried")

	f.clock.Set(200)
	f.rec.Teardown()

	calls := f.beacon.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(200), calls[0].log.TotalDuration)
}

func TestSaveWithoutTransport(t *testing.T) {
	rec := New(Options{Classifier: NewClassifier(studyLayout())})
	_, err := rec.Save(context.Background())
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestResetClearsSavedFlag(t *testing.T) {
	f := newFixture(t)

	_, err := f.rec.Save(context.Background())
	require.NoError(t, err)
	f.rec.Reset()
	assert.False(t, f.rec.Saved())

	f.rec.Teardown()
	assert.Len(t, f.beacon.Calls(), 1)
}

func TestConcurrentSavesAreIndependent(t *testing.T) {
	f := newFixture(t)
	f.rec.RecordMove(100, 0, at(0))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.rec.Save(context.Background())
		}()
	}
	wg.Wait()

	assert.Len(t, f.reliable.Calls(), 2)
}

func TestTrackRegistersOncePerTarget(t *testing.T) {
	f := newFixture(t)
	el := NewElement(model.TargetInfoAgent)

	assert.True(t, f.rec.Track(el))
	assert.False(t, f.rec.Track(el))
	assert.Equal(t, 1, el.Listeners())

	el.Enter(at(10))
	el.Leave(at(60))

	log := f.rec.Finalize(at(100))
	require.Len(t, log.HoverSpans, 1)
	assert.Equal(t, int64(50), log.HoverSpans[0].DurationMs)
}

func TestWatchDiscoversNewTargets(t *testing.T) {
	f := newFixture(t)

	sentiment := NewElement(model.TargetEmoSentiment)
	reframe := NewElement(model.TargetEmoReframe)

	var mu sync.Mutex
	visible := []Target{sentiment}
	discover := func() []Target {
		mu.Lock()
		defer mu.Unlock()
		return append([]Target(nil), visible...)
	}

	changes := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.rec.Watch(context.Background(), changes, discover)
	}()

	changes <- struct{}{}
	mu.Lock()
	visible = append(visible, reframe)
	mu.Unlock()
	changes <- struct{}{}
	changes <- struct{}{}
	close(changes)
	<-done

	assert.Equal(t, 1, sentiment.Listeners())
	assert.Equal(t, 1, reframe.Listeners())
}

func TestWatchStopsOnContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.rec.Watch(ctx, make(chan struct{}), func() []Target { return nil })
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

// Randomized event streams must keep the recorded log well formed.
func TestRandomStreamInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 50; run++ {
		f := newFixture(t)
		targets := []string{"A", "B", "C"}

		var now int64
		for i := 0; i < 300; i++ {
			now += int64(rng.Intn(120))
			switch rng.Intn(4) {
			case 0, 1:
				f.rec.RecordMove(float64(rng.Intn(1000)), float64(rng.Intn(800)), at(now))
			case 2:
				f.rec.HoverEnter(targets[rng.Intn(len(targets))], at(now))
			case 3:
				f.rec.HoverLeave(targets[rng.Intn(len(targets))], at(now))
			}
		}
		end := now + 10
		log := f.rec.Finalize(at(end))

		for i := 1; i < len(log.Movements); i++ {
			gap := log.Movements[i].Timestamp - log.Movements[i-1].Timestamp
			assert.GreaterOrEqual(t, gap, DefaultSampleInterval.Milliseconds())
		}

		if len(log.Movements) > 0 {
			require.NotEmpty(t, log.RegionVisits)
			assert.Equal(t, log.Movements[0].Timestamp, log.RegionVisits[0].EntryMs)
			assert.Equal(t, end, log.RegionVisits[len(log.RegionVisits)-1].ExitMs)
			for i, v := range log.RegionVisits {
				assert.GreaterOrEqual(t, v.ExitMs, v.EntryMs)
				assert.Contains(t, []string{model.RegionLeft, model.RegionCenter, model.RegionRight}, v.Region)
				if i > 0 {
					assert.Equal(t, log.RegionVisits[i-1].ExitMs, v.EntryMs)
					assert.NotEqual(t, log.RegionVisits[i-1].Region, v.Region)
				}
			}
		}

		last := map[string]int64{}
		for _, s := range log.HoverSpans {
			assert.GreaterOrEqual(t, s.ExitMs, s.EntryMs)
			if prev, ok := last[s.Target]; ok {
				assert.GreaterOrEqual(t, s.EntryMs, prev, "spans for %s overlap", s.Target)
			}
			last[s.Target] = s.ExitMs
		}
	}
}
