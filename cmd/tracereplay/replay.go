package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"studytrace/internal/delivery"
	"studytrace/internal/model"
	"studytrace/internal/session"
	"studytrace/internal/tracker"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Event kinds of a recording.
const (
	EventMove     = "move"
	EventShow     = "show"
	EventEnter    = "enter"
	EventLeave    = "leave"
	EventSave     = "save"
	EventReset    = "reset"
	EventTeardown = "teardown"
)

// Event is one line of a recording. T is milliseconds since the page
// loaded.
type Event struct {
	T      int64   `json:"t"`
	Type   string  `json:"type"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Target string  `json:"target,omitempty"`
}

// ReadEvents parses a JSONL recording. Blank lines are skipped; timestamps
// must not go backwards.
func ReadEvents(r io.Reader) ([]Event, error) {
	var (
		events []Event
		last   int64
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		switch ev.Type {
		case EventMove, EventSave, EventReset, EventTeardown:
		case EventShow, EventEnter, EventLeave:
			if ev.Target == "" {
				return nil, fmt.Errorf("line %d: %s event without target", line, ev.Type)
			}
		default:
			return nil, fmt.Errorf("line %d: unknown event type %q", line, ev.Type)
		}
		if ev.T < last {
			return nil, fmt.Errorf("line %d: time goes backwards (%d < %d)", line, ev.T, last)
		}
		last = ev.T
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

// LoadLayout reads the page geometry. An empty path yields a layout with
// no anchors, which selects the proportional classifier.
func LoadLayout(path string) (*tracker.StaticLayout, error) {
	layout := &tracker.StaticLayout{}
	if path == "" {
		return layout, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open layout: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(layout); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode layout %s: %w", path, err)
	}
	if layout.Width <= 0 {
		return nil, fmt.Errorf("layout %s: viewport_width must be positive", path)
	}
	return layout, nil
}

// Summary counts what a replay did.
type Summary struct {
	Events       int
	Saves        int
	SaveFailures int
	TornDown     bool
}

// Replayer drives one round page from a recording on a virtual clock.
type Replayer struct {
	page    *session.Page
	base    time.Time
	now     time.Time
	targets map[string]*tracker.Element
	out     io.Writer
	log     zerolog.Logger

	// shown is the agent panel container; changes feeds the page's Watch.
	mu      sync.Mutex
	shown   []tracker.Target
	changes chan struct{}
}

type ReplayConfig struct {
	SessionID      string
	Layout         tracker.Layout
	Reliable       delivery.Transport
	Beacon         delivery.Transport
	SampleInterval time.Duration
	Start          time.Time
	Out            io.Writer
	Logger         zerolog.Logger
}

func NewReplayer(cfg ReplayConfig) *Replayer {
	rp := &Replayer{
		base:    cfg.Start,
		now:     cfg.Start,
		targets: map[string]*tracker.Element{},
		out:     cfg.Out,
		log:     cfg.Logger,
		changes: make(chan struct{}),
	}
	if rp.out == nil {
		rp.out = io.Discard
	}

	primary := rp.element(model.TargetInfoAgent)
	rp.shown = []tracker.Target{primary}
	rp.page = session.NewPage("/index/"+cfg.SessionID+"/", session.PageConfig{
		Layout:         cfg.Layout,
		Reliable:       cfg.Reliable,
		Beacon:         cfg.Beacon,
		SampleInterval: cfg.SampleInterval,
		Clock:          rp.clock,
		Logger:         &rp.log,
		Primary:        primary,
	})
	return rp
}

func (rp *Replayer) clock() time.Time { return rp.now }

func (rp *Replayer) element(id string) *tracker.Element {
	el, ok := rp.targets[id]
	if !ok {
		el = tracker.NewElement(id)
		rp.targets[id] = el
	}
	return el
}

// discover returns the panels currently in the container.
func (rp *Replayer) discover() []tracker.Target {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return slices.Clone(rp.shown)
}

// show adds a panel to the container and waits for the page to pick it up.
// The second send only completes once the discovery pass started by the
// first one has returned.
func (rp *Replayer) show(ctx context.Context, id string) {
	el := rp.element(id)
	rp.mu.Lock()
	rp.shown = append(rp.shown, el)
	rp.mu.Unlock()

	if !rp.page.Active() {
		return
	}
	for range 2 {
		select {
		case rp.changes <- struct{}{}:
		case <-ctx.Done():
			return
		}
	}
}

// Run applies events in order. A teardown event ends the page; events after
// it are ignored. When the recording has no teardown the page is torn down
// after the last event.
func (rp *Replayer) Run(ctx context.Context, events []Event) (Summary, error) {
	var sum Summary

	watchCtx, stopWatch := context.WithCancel(ctx)
	watching := make(chan struct{})
	go func() {
		defer close(watching)
		rp.page.Watch(watchCtx, rp.changes, rp.discover)
	}()
	defer func() {
		stopWatch()
		<-watching
	}()

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		rp.now = rp.base.Add(time.Duration(ev.T) * time.Millisecond)
		sum.Events++

		switch ev.Type {
		case EventMove:
			rp.page.Move(ev.X, ev.Y, rp.now)

		case EventShow:
			rp.show(watchCtx, ev.Target)

		case EventEnter:
			rp.element(ev.Target).Enter(rp.now)

		case EventLeave:
			rp.element(ev.Target).Leave(rp.now)

		case EventSave:
			ack, err := rp.page.Save(ctx)
			if err != nil {
				sum.SaveFailures++
				fmt.Fprintf(rp.out, "t=%dms save failed: %v\n", ev.T, err)
				continue
			}
			sum.Saves++
			fmt.Fprintf(rp.out, "t=%dms %s\n", ev.T, delivery.Describe(ack))

		case EventReset:
			rp.page.Reset()

		case EventTeardown:
			rp.page.Teardown()
			sum.TornDown = true
			return sum, nil
		}
	}

	rp.page.Teardown()
	sum.TornDown = true
	return sum, nil
}
