package worker

import (
	"context"
	"sync/atomic"
	"time"
)

// Archive keys and DLQ file names need the current second and the UTC
// date/hour partition. These are cached and refreshed once a second by
// RunClock instead of formatting time on every call.

var (
	unixSec atomic.Int64

	dtVal atomic.Value // "YYYY-MM-DD"
	hrVal atomic.Value // "HH"
)

func init() {
	update()
}

// RunClock refreshes the cache every second until ctx is done.
func RunClock(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

func update() {
	now := time.Now().UTC()
	unixSec.Store(now.Unix())
	dtVal.Store(now.Format("2006-01-02"))
	hrVal.Store(now.Format("15"))
}

func Unix() int64 {
	return unixSec.Load()
}

func DT() string {
	return dtVal.Load().(string)
}

func HR() string {
	return hrVal.Load().(string)
}
