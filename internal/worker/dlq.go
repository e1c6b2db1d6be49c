package worker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"studytrace/internal/config"
	"studytrace/internal/metrics"
	"studytrace/internal/model"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	zlog "github.com/rs/zerolog/log"
)

const metaSuffix = ".meta.json"

// DLQManager keeps archive batches that could not be uploaded in a local
// directory and re-uploads them oldest first.
//
// Each batch is two files: "<name>" (the gzip JSONL payload) and
// "<name>.meta.json" ({"num_records":N}). The directory is bounded by
// DLQMaxSizeBytes (oldest files are evicted) and DLQMaxAge (expired files
// are deleted instead of uploaded).
type DLQManager struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	uploader Uploader

	dlqSizeBytes int64
}

func NewDLQManager(cfg config.Config, m *metrics.Metrics, uploader Uploader) *DLQManager {
	_ = os.MkdirAll(cfg.DLQDir, 0o755)

	d := &DLQManager{
		cfg:      cfg,
		metrics:  m,
		uploader: uploader,
	}

	// Account for files left over from a previous run and drop orphaned
	// meta files.
	var total, count int64
	if entries, err := os.ReadDir(cfg.DLQDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()

			if strings.HasSuffix(name, metaSuffix) {
				dataName := strings.TrimSuffix(name, metaSuffix)
				if _, err := os.Stat(filepath.Join(cfg.DLQDir, dataName)); os.IsNotExist(err) {
					_ = os.Remove(filepath.Join(cfg.DLQDir, name))
				}
				continue
			}

			if info, err := e.Info(); err == nil {
				total += info.Size()
				count++
			}
		}
	}

	atomic.StoreInt64(&d.dlqSizeBytes, total)
	atomic.AddInt64(&m.DLQSizeBytes, total)
	atomic.AddInt64(&m.DLQFilesCurrent, count)

	return d
}

// SizeBytes is the current size of all payload files.
func (d *DLQManager) SizeBytes() int64 {
	return atomic.LoadInt64(&d.dlqSizeBytes)
}

// Save stores one encoded batch. A batch that cannot fit even after
// evicting every older file is dropped and counted.
func (d *DLQManager) Save(data []byte, numRecords int) error {
	if len(data) == 0 || numRecords <= 0 {
		return nil
	}

	size := int64(len(data))
	if !d.ensureCapacity(size) {
		zlog.Error().Int64("bytes", size).Int("records", numRecords).Msg("DLQ full, batch dropped")
		atomic.AddInt64(&d.metrics.DLQRecordsDroppedTotal, int64(numRecords))
		return nil
	}

	filename := NewFilename(d.cfg.InstanceID)
	dataPath := filepath.Join(d.cfg.DLQDir, filename)

	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		return fmt.Errorf("write DLQ file: %w", err)
	}
	meta := []byte(fmt.Sprintf(`{"num_records":%d}`, numRecords))
	_ = os.WriteFile(dataPath+metaSuffix, meta, 0o600)

	atomic.AddInt64(&d.dlqSizeBytes, size)
	atomic.AddInt64(&d.metrics.DLQSizeBytes, size)
	atomic.AddInt64(&d.metrics.DLQFilesCurrent, 1)
	atomic.AddInt64(&d.metrics.DLQRecordsEnqueuedTotal, int64(numRecords))

	zlog.Warn().Str("file", filename).Int("records", numRecords).Msg("batch parked in DLQ")
	return nil
}

func (d *DLQManager) ensureCapacity(incoming int64) bool {
	limit := d.cfg.DLQMaxSizeBytes
	if limit <= 0 {
		return true
	}
	if incoming > limit {
		return false
	}

	for atomic.LoadInt64(&d.dlqSizeBytes)+incoming > limit {
		oldest := d.pickOldest()
		if oldest == "" {
			return false
		}
		d.remove(oldest)
		atomic.AddInt64(&d.metrics.DLQFilesExpiredTotal, 1)
		zlog.Warn().Str("file", oldest).Msg("DLQ capacity, evicted oldest batch")
	}
	return true
}

// remove deletes a payload and its meta file and updates the size gauges.
func (d *DLQManager) remove(name string) {
	dataPath := filepath.Join(d.cfg.DLQDir, name)
	if info, err := os.Stat(dataPath); err == nil {
		atomic.AddInt64(&d.dlqSizeBytes, -info.Size())
		atomic.AddInt64(&d.metrics.DLQSizeBytes, -info.Size())
	}
	_ = os.Remove(dataPath)
	_ = os.Remove(dataPath + metaSuffix)
	atomic.AddInt64(&d.metrics.DLQFilesCurrent, -1)
}

// ProcessOneCtx handles the oldest parked batch: expire it, or re-upload it
// under RawPrefix (or DLQPrefix when the payload does not decode).
func (d *DLQManager) ProcessOneCtx(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	name := d.pickOldest()
	if name == "" {
		return
	}
	dataPath := filepath.Join(d.cfg.DLQDir, name)

	info, err := os.Stat(dataPath)
	if err != nil {
		d.remove(name)
		return
	}
	size := info.Size()

	if d.cfg.DLQMaxAge > 0 {
		if sec, ok := filenameUnix(name); ok {
			age := time.Duration(Unix()-sec) * time.Second
			if age > d.cfg.DLQMaxAge {
				d.remove(name)
				atomic.AddInt64(&d.metrics.DLQFilesExpiredTotal, 1)
				zlog.Info().Str("file", name).Dur("age", age).Msg("DLQ batch expired")
				return
			}
		}
	}

	f, err := os.Open(dataPath)
	if err != nil {
		zlog.Warn().Err(err).Str("file", name).Msg("DLQ open failed")
		return
	}
	defer f.Close()

	prefix := d.cfg.RawPrefix
	if !validateFile(f) {
		prefix = d.cfg.DLQPrefix
	}
	key := BuildS3Key(prefix, name)

	if err := d.uploader.UploadFile(ctx, key, f, size); err != nil {
		zlog.Warn().Err(err).Str("key", key).Msg("DLQ re-upload failed")
		return
	}

	numRecords := int64(1)
	if meta, err := os.ReadFile(dataPath + metaSuffix); err == nil {
		var v struct {
			NumRecords int64 `json:"num_records"`
		}
		if json.Unmarshal(meta, &v) == nil && v.NumRecords > 0 {
			numRecords = v.NumRecords
		}
	}

	f.Close()
	d.remove(name)
	atomic.AddInt64(&d.metrics.DLQRecordsReuploadedTotal, numRecords)

	zlog.Info().Str("key", key).Int64("records", numRecords).Msg("DLQ batch re-uploaded")
}

// validateFile checks that the first line decodes as a tracking record.
func validateFile(f io.ReadSeeker) bool {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}
	defer f.Seek(0, io.SeekStart)

	gz, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	defer gz.Close()

	line, err := bufio.NewReader(gz).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return false
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}

	var rec model.TrackingRecord
	return json.Unmarshal(line, &rec) == nil && rec.SessionID != ""
}

func (d *DLQManager) pickOldest() string {
	entries, err := os.ReadDir(d.cfg.DLQDir)
	if err != nil {
		return ""
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == "" || name[0] == '.' || strings.HasSuffix(name, metaSuffix) {
			continue
		}
		files = append(files, name)
	}
	if len(files) == 0 {
		return ""
	}

	sort.Strings(files)
	return files[0]
}
