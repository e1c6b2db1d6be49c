package model

// Region identifiers. The set is fixed and its members are mutually
// exclusive and span the whole page width.
const (
	RegionLeft   = "left_sidebar"
	RegionCenter = "center_chat"
	RegionRight  = "right_agents"
)

// Hover target identifiers used by the study pages.
const (
	TargetInfoAgent    = "info_agent"
	TargetEmoSentiment = "emo_sentiment"
	TargetEmoReframe   = "emo_reframe"
)

// Sample is one throttled pointer position.
type Sample struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Timestamp int64   `json:"timestamp"` // ms since session start
}

// RegionVisit is a closed dwell interval inside one region.
type RegionVisit struct {
	Region     string `json:"quadrant"`
	EntryMs    int64  `json:"entry_timestamp_ms"`
	ExitMs     int64  `json:"exit_timestamp_ms"`
	DurationMs int64  `json:"duration_ms"`
	EntryISO   string `json:"entry_timestamp_iso"`
	ExitISO    string `json:"exit_timestamp_iso"`
}

// HoverSpan is a closed hover interval over one target.
type HoverSpan struct {
	Target     string `json:"agent"`
	EntryMs    int64  `json:"entry_timestamp_ms"`
	ExitMs     int64  `json:"exit_timestamp_ms"`
	DurationMs int64  `json:"duration_ms"`
	EntryISO   string `json:"entry_timestamp_iso"`
	ExitISO    string `json:"exit_timestamp_iso"`
}

// SessionLog is the serialized form shared by both delivery transports and
// the storage endpoint.
type SessionLog struct {
	Movements     []Sample      `json:"movements"`
	RegionVisits  []RegionVisit `json:"quadrantEvents"`
	HoverSpans    []HoverSpan   `json:"agentHovers"`
	StartTime     int64         `json:"startTime"`     // epoch ms
	TotalDuration int64         `json:"totalDuration"` // ms
}

// Ack is returned by the storage endpoint after a tracking log is accepted.
type Ack struct {
	Message      string `json:"message"`
	Movements    int    `json:"movements"`
	RegionVisits int    `json:"quadrantEvents"`
	HoverSpans   int    `json:"agentHovers"`
}

// TrackingRecord is a SessionLog annotated on receipt by the backend.
// It is the unit persisted to the store and shipped to the archive.
type TrackingRecord struct {
	SessionID  string     `json:"session_id"`
	Round      int        `json:"round"`
	Condition  string     `json:"condition"`
	ReceivedAt string     `json:"timestamp"` // RFC3339 UTC
	IP         string     `json:"ip,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	Log        SessionLog `json:"log"`
}

// UploadJob groups records that are encoded and uploaded together.
type UploadJob struct {
	Records []*TrackingRecord
}
