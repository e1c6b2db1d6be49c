package worker

import (
	"bufio"
	"bytes"
	"io"

	"studytrace/internal/model"
	"studytrace/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// EncodeBatchJSONLGZ writes one tracking record per line and gzips the
// result. The returned slice is owned by the caller.
func (e *Encoder) EncodeBatchJSONLGZ(records []*model.TrackingRecord) ([]byte, error) {
	buf := pool.BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBuffer(buf)

	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)
	defer pool.GzipPool.Put(gz)

	enc := json.NewEncoder(gz)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			_ = gz.Close()
			return nil, err
		}
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	return bytes.Clone(buf.Bytes()), nil
}

// DecodeJSONLGZ is the inverse of EncodeBatchJSONLGZ.
func (e *Encoder) DecodeJSONLGZ(data []byte) ([]*model.TrackingRecord, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var out []*model.TrackingRecord
	r := bufio.NewReader(gz)
	for {
		line, err := r.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			var rec model.TrackingRecord
			if derr := json.Unmarshal(line, &rec); derr != nil {
				return nil, derr
			}
			out = append(out, &rec)
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
