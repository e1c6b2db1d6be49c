// Package session is the page-level controller that owns a tracker for the
// lifetime of one study page. Other page logic (form submission, round
// advancement) saves or resets telemetry through the Page it was handed,
// never through a package-level recorder.
package session

import (
	"context"
	"strings"
	"time"

	"studytrace/internal/delivery"
	"studytrace/internal/model"
	"studytrace/internal/tracker"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// roundMarker identifies active chat-round pages: /index/<session_id>.
const roundMarker = "/index/"

// IsRoundPage reports whether path is an active study round. Survey,
// landing and completion pages never get a recorder.
func IsRoundPage(path string) bool {
	return strings.Contains(path, roundMarker)
}

// SessionIDFromPath returns the second path segment, e.g. "abc" for
// "/index/abc" or "/pre-task-survey/abc/".
func SessionIDFromPath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

type PageConfig struct {
	Layout         tracker.Layout
	Reliable       delivery.Transport
	Beacon         delivery.Transport
	SampleInterval time.Duration
	Clock          func() time.Time
	Logger         *zerolog.Logger

	// Primary is the fixed hover target present from page load
	// (the info agent panel). Nil when the page has none.
	Primary tracker.Target
}

// Page is one page view.
type Page struct {
	path      string
	sessionID string
	rec       *tracker.Recorder
	log       zerolog.Logger
}

// NewPage builds the controller for path. A recorder is only created on
// round pages; everywhere else Page methods are no-ops.
func NewPage(path string, cfg PageConfig) *Page {
	lg := zlog.Logger
	if cfg.Logger != nil {
		lg = *cfg.Logger
	}

	p := &Page{
		path:      path,
		sessionID: SessionIDFromPath(path),
		log:       lg.With().Str("path", path).Logger(),
	}

	if !IsRoundPage(path) {
		p.log.Debug().Msg("not a round page, telemetry disabled")
		return p
	}

	layout := cfg.Layout
	if layout == nil {
		layout = &tracker.StaticLayout{}
	}
	p.rec = tracker.New(tracker.Options{
		SessionID:      p.sessionID,
		SampleInterval: cfg.SampleInterval,
		Classifier:     tracker.NewClassifier(layout),
		Reliable:       cfg.Reliable,
		Beacon:         cfg.Beacon,
		Clock:          cfg.Clock,
		Logger:         &lg,
	})
	if cfg.Primary != nil {
		p.rec.Track(cfg.Primary)
	}
	return p
}

func (p *Page) SessionID() string { return p.sessionID }

// Active reports whether the page records telemetry.
func (p *Page) Active() bool { return p.rec != nil }

// Recorder is nil on pages that are not rounds.
func (p *Page) Recorder() *tracker.Recorder { return p.rec }

func (p *Page) Move(x, y float64, now time.Time) {
	if p.rec != nil {
		p.rec.RecordMove(x, y, now)
	}
}

// Watch forwards to the recorder's target discovery; see tracker.Recorder.Watch.
func (p *Page) Watch(ctx context.Context, changes <-chan struct{}, discover func() []tracker.Target) {
	if p.rec == nil {
		return
	}
	p.rec.Watch(ctx, changes, discover)
}

// Save delivers the current log and waits for the acknowledgment. On pages
// without a recorder it returns (nil, nil).
func (p *Page) Save(ctx context.Context) (*model.Ack, error) {
	if p.rec == nil {
		p.log.Debug().Msg("save requested without recorder, skipping")
		return nil, nil
	}
	return p.rec.Save(ctx)
}

// Reset starts a new round's log on the same page.
func (p *Page) Reset() {
	if p.rec != nil {
		p.rec.Reset()
	}
}

// Teardown must be called when the page is unloading.
func (p *Page) Teardown() {
	if p.rec != nil {
		p.rec.Teardown()
	}
}
