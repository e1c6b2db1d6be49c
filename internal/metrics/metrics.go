package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics
//
// Operational counters exposed as plain key=value lines on /metrics.
// They are meant for an operator reading them during an incident, not for
// a Prometheus scrape.
type Metrics struct {

	// HTTP
	HTTPRequestsTotal                     int64
	HTTPRequestsRejectedBodyTooLargeTotal int64
	HTTPRequestsRejectedSessionTotal      int64 // unknown / expired session ids
	HTTPRequestsRejectedInvalidTotal      int64 // undecodable or incomplete payloads

	// Tracking logs and surveys
	TrackingStoredTotal        int64
	TrackingMovementsTotal     int64
	SurveysStoredTotal         int64
	AttentionChecksFailedTotal int64
	StoreErrorsTotal           int64
	ArchiveQueueFullTotal      int64
	ArchiveRecordsQueuedTotal  int64

	// S3
	S3RecordsStoredTotal int64
	S3PutErrorsTotal     int64

	// Local DLQ
	DLQRecordsEnqueuedTotal   int64
	DLQRecordsReuploadedTotal int64
	DLQRecordsDroppedTotal    int64
	DLQFilesExpiredTotal      int64
	DLQFilesCurrent           int64
	DLQSizeBytes              int64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(512)

	fmt.Fprintf(&sb, "http_requests_total=%d\n", atomic.LoadInt64(&m.HTTPRequestsTotal))
	fmt.Fprintf(&sb, "http_requests_rejected_body_too_large_total=%d\n", atomic.LoadInt64(&m.HTTPRequestsRejectedBodyTooLargeTotal))
	fmt.Fprintf(&sb, "http_requests_rejected_session_total=%d\n", atomic.LoadInt64(&m.HTTPRequestsRejectedSessionTotal))
	fmt.Fprintf(&sb, "http_requests_rejected_invalid_total=%d\n", atomic.LoadInt64(&m.HTTPRequestsRejectedInvalidTotal))

	fmt.Fprintf(&sb, "tracking_stored_total=%d\n", atomic.LoadInt64(&m.TrackingStoredTotal))
	fmt.Fprintf(&sb, "tracking_movements_total=%d\n", atomic.LoadInt64(&m.TrackingMovementsTotal))
	fmt.Fprintf(&sb, "surveys_stored_total=%d\n", atomic.LoadInt64(&m.SurveysStoredTotal))
	fmt.Fprintf(&sb, "attention_checks_failed_total=%d\n", atomic.LoadInt64(&m.AttentionChecksFailedTotal))
	fmt.Fprintf(&sb, "store_errors_total=%d\n", atomic.LoadInt64(&m.StoreErrorsTotal))
	fmt.Fprintf(&sb, "archive_queue_full_total=%d\n", atomic.LoadInt64(&m.ArchiveQueueFullTotal))
	fmt.Fprintf(&sb, "archive_records_queued_total=%d\n", atomic.LoadInt64(&m.ArchiveRecordsQueuedTotal))

	fmt.Fprintf(&sb, "s3_records_stored_total=%d\n", atomic.LoadInt64(&m.S3RecordsStoredTotal))
	fmt.Fprintf(&sb, "s3_put_errors_total=%d\n", atomic.LoadInt64(&m.S3PutErrorsTotal))

	fmt.Fprintf(&sb, "dlq_records_enqueued_total=%d\n", atomic.LoadInt64(&m.DLQRecordsEnqueuedTotal))
	fmt.Fprintf(&sb, "dlq_records_reuploaded_total=%d\n", atomic.LoadInt64(&m.DLQRecordsReuploadedTotal))
	fmt.Fprintf(&sb, "dlq_records_dropped_total=%d\n", atomic.LoadInt64(&m.DLQRecordsDroppedTotal))
	fmt.Fprintf(&sb, "dlq_files_expired_total=%d\n", atomic.LoadInt64(&m.DLQFilesExpiredTotal))
	fmt.Fprintf(&sb, "dlq_files_current=%d\n", atomic.LoadInt64(&m.DLQFilesCurrent))
	fmt.Fprintf(&sb, "dlq_size_bytes=%d\n", atomic.LoadInt64(&m.DLQSizeBytes))

	return sb.String()
}
