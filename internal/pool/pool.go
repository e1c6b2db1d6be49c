package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Buffers reused across requests and archive batches.
//
// A tracking log for a long round is a few hundred KB of JSON; reading
// request bodies and gzipping batches into fresh buffers every time would
// churn the GC for no benefit.
// ---------------------------------------------------------------

var (
	// BodyPool holds request body buffers. 64KB covers a typical round.
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 64*1024))
		},
	}

	// BufferPool holds gzip output buffers for archive batches.
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 256*1024))
		},
	}

	// GzipPool holds writers at BestSpeed.
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// Buffers larger than this go to the GC instead of back into BufferPool.
const MaxBufferCap = 4 * 1024 * 1024 // 4MB

// PutBody returns buf to BodyPool unless it grew past maxCap.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// PutBuffer returns buf to BufferPool unless it grew past MaxBufferCap.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}
