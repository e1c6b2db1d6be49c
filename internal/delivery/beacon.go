package delivery

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"studytrace/internal/model"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Beacon is the teardown-safe transport. Send returns at once; the request
// runs detached from the caller's cancellation with its own timeout and its
// outcome is never reported back.
type Beacon struct {
	opts Options
	log  zerolog.Logger

	wg     sync.WaitGroup
	sent   atomic.Int64
	failed atomic.Int64
}

func NewBeacon(opts Options) *Beacon {
	return &Beacon{
		opts: opts.withDefaults(),
		log:  zlog.With().Str("component", "beacon").Logger(),
	}
}

// Send always returns (nil, nil).
func (b *Beacon) Send(ctx context.Context, sessionID string, log *model.SessionLog) (*model.Ack, error) {
	body, err := encodeBody(log, b.opts.Gzip)
	if err != nil {
		b.failed.Add(1)
		b.log.Debug().Err(err).Str("session_id", sessionID).Msg("beacon encode failed")
		return nil, nil
	}

	detached := context.WithoutCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ctx, cancel := context.WithTimeout(detached, b.opts.Timeout)
		defer cancel()

		req, err := newRequest(ctx, b.opts, sessionID, body)
		if err != nil {
			b.failed.Add(1)
			return
		}
		resp, err := b.opts.HTTPClient.Do(req)
		if err != nil {
			b.failed.Add(1)
			b.log.Debug().Err(err).Str("session_id", sessionID).Msg("beacon not delivered")
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		b.sent.Add(1)
	}()

	return nil, nil
}

// Wait blocks until every beacon issued so far has finished. Only process
// shutdown and tests need it; page code never waits on a beacon.
func (b *Beacon) Wait() {
	b.wg.Wait()
}

// Stats reports how many beacons reached the server (any status) and how
// many never did.
func (b *Beacon) Stats() (sent, failed int64) {
	return b.sent.Load(), b.failed.Load()
}

var _ Transport = (*Beacon)(nil)
