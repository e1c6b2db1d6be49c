package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"studytrace/internal/config"
	"studytrace/internal/metrics"
	"studytrace/internal/model"

	zlog "github.com/rs/zerolog/log"
)

// DLQ batches retried per upload cycle and per idle tick.
const (
	dlqDrainPerCycle = 3
	dlqDrainInterval = time.Second
)

// Manager ships stored tracking records to the archive bucket.
//
//   - Enqueue: HTTP handler -> recordCh, never blocks
//   - collectLoop: groups records by BatchSize or FlushInterval into uploadCh
//   - uploadLoop: encodes each batch, uploads it, parks failures in the DLQ
//     and drains the DLQ between batches
//
// The archive is a secondary copy; the store is the source of truth, so a
// full queue drops the record from the archive only.
type Manager struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	uploader Uploader
	dlq      *DLQManager
	encoder  *Encoder

	recordCh chan *model.TrackingRecord
	uploadCh chan model.UploadJob
	drained  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewManager(cfg config.Config, m *metrics.Metrics, uploader Uploader) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:      cfg,
		metrics:  m,
		uploader: uploader,
		dlq:      NewDLQManager(cfg, m, uploader),
		encoder:  NewEncoder(),
		recordCh: make(chan *model.TrackingRecord, cfg.ChannelSize),
		uploadCh: make(chan model.UploadJob, cfg.UploadQueue),
		drained:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (m *Manager) Start() {
	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		RunClock(m.ctx)
	}()
	go m.collectLoop()
	go m.uploadLoop()
}

// Enqueue hands rec to the pipeline. It reports false when the queue is
// full or the manager is shutting down.
func (m *Manager) Enqueue(rec *model.TrackingRecord) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false
	}
	select {
	case m.recordCh <- rec:
		atomic.AddInt64(&m.metrics.ArchiveRecordsQueuedTotal, 1)
		return true
	default:
		atomic.AddInt64(&m.metrics.ArchiveQueueFullTotal, 1)
		return false
	}
}

// Shutdown stops intake, flushes what is queued and waits for the loops.
// When ctx expires first, in-flight uploads are cancelled (their batches go
// to the DLQ) and ctx.Err() is returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.recordCh)
		m.mu.Unlock()
	})

	var err error
	select {
	case <-m.drained:
	case <-ctx.Done():
		err = ctx.Err()
	}
	m.cancel()
	m.wg.Wait()
	return err
}

func (m *Manager) collectLoop() {
	defer m.wg.Done()
	defer close(m.uploadCh)

	batch := make([]*model.TrackingRecord, 0, m.cfg.BatchSize)
	timer := time.NewTimer(m.cfg.FlushInterval)
	defer timer.Stop()

	reset := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.cfg.FlushInterval)
	}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		select {
		case m.uploadCh <- model.UploadJob{Records: batch}:
		case <-m.ctx.Done():
			return
		}
		// uploadLoop owns the old slice now.
		batch = make([]*model.TrackingRecord, 0, m.cfg.BatchSize)
		reset()
	}

	for {
		select {
		case <-m.ctx.Done():
			return

		case rec, ok := <-m.recordCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= m.cfg.BatchSize {
				flush()
			}

		case <-timer.C:
			if len(batch) == 0 {
				timer.Reset(m.cfg.FlushInterval)
				continue
			}
			flush()
		}
	}
}

func (m *Manager) uploadLoop() {
	defer m.wg.Done()
	defer close(m.drained)

	ticker := time.NewTicker(dlqDrainInterval)
	defer ticker.Stop()

	drain := func() {
		for i := 0; i < dlqDrainPerCycle; i++ {
			m.dlq.ProcessOneCtx(m.ctx)
		}
	}

	for {
		select {
		case <-m.ctx.Done():
			return

		case job, ok := <-m.uploadCh:
			if !ok {
				zlog.Info().Msg("archive uploader exiting")
				return
			}
			m.processUpload(m.ctx, job)
			drain()

		case <-ticker.C:
			drain()
		}
	}
}

// processUpload encodes one batch and uploads it under RawPrefix. A failed
// upload parks the encoded batch in the local DLQ.
func (m *Manager) processUpload(ctx context.Context, job model.UploadJob) {
	n := len(job.Records)
	if n == 0 {
		return
	}

	data, err := m.encoder.EncodeBatchJSONLGZ(job.Records)
	if err != nil {
		zlog.Error().Err(err).Int("records", n).Msg("encode archive batch")
		atomic.AddInt64(&m.metrics.DLQRecordsDroppedTotal, int64(n))
		return
	}

	key := BuildS3Key(m.cfg.RawPrefix, NewFilename(m.cfg.InstanceID))
	if err := m.uploader.UploadBytes(ctx, key, data); err != nil {
		zlog.Warn().Err(err).Str("key", key).Int("records", n).Msg("archive upload failed")
		if err := m.dlq.Save(data, n); err != nil {
			zlog.Error().Err(err).Msg("local DLQ save failed")
		}
		return
	}

	atomic.AddInt64(&m.metrics.S3RecordsStoredTotal, int64(n))
	zlog.Debug().Str("key", key).Int("records", n).Msg("archive batch uploaded")
}
