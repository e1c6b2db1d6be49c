package worker

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

var fileSeq atomic.Uint64

// NewFilename names one archive object / DLQ file:
// "<unix>_<instance>_<seq>.jsonl.gz". The leading epoch second makes lexical
// order match age, which the DLQ relies on when picking the oldest file.
func NewFilename(instanceID string) string {
	return fmt.Sprintf("%d_%s_%06d.jsonl.gz", Unix(), instanceID, fileSeq.Add(1)%1_000_000)
}

// BuildS3Key partitions archive objects by UTC date and hour.
func BuildS3Key(prefix, filename string) string {
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s", strings.TrimRight(prefix, "/"), DT(), HR(), filename)
}

// filenameUnix recovers the creation second encoded by NewFilename.
func filenameUnix(name string) (int64, bool) {
	sec, _, ok := strings.Cut(name, "_")
	if !ok || sec == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(sec, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
