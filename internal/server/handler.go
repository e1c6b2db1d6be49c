package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"studytrace/internal/config"
	"studytrace/internal/metrics"
	"studytrace/internal/model"
	"studytrace/internal/pool"
	"studytrace/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	zlog "github.com/rs/zerolog/log"
)

const (
	msgInvalidSession = "Invalid session or session expired"
	msgNoData         = "No data received"
	msgSaveFailed     = "Failed to save data"
)

// Archiver receives every stored tracking record. worker.Manager is the
// production implementation; nil disables archiving.
type Archiver interface {
	Enqueue(rec *model.TrackingRecord) bool
}

type Handler struct {
	cfg     config.Config
	metrics *metrics.Metrics
	store   *store.Store
	archive Archiver

	// assign picks the round-2 condition for a participant classified as
	// regulationType.
	assign func(regulationType string) string
	now    func() time.Time
}

func NewHandler(cfg config.Config, m *metrics.Metrics, st *store.Store, archive Archiver) *Handler {
	return &Handler{
		cfg:     cfg,
		metrics: m,
		store:   st,
		archive: archive,
		assign:  randomCondition,
		now:     time.Now,
	}
}

// Router wires every endpoint of the study backend.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.count)

	r.Get("/health", h.HandleHealth)
	r.Get("/metrics", h.HandleMetrics)

	r.Post("/sessions", h.HandleCreateSession)
	r.Post("/sessions/{session_id}/advance", h.HandleAdvance)

	r.Post("/store-mouse-tracking/{session_id}/", h.HandleTracking)
	r.Post("/store-pre-task-survey/{session_id}/", h.HandlePreTaskSurvey)
	r.Post("/store-post-round1-survey/{session_id}/", h.HandlePostRound1Survey)
	r.Post("/attention-check-failed/{session_id}/", h.HandleAttentionCheckFailed)
	r.Post("/store-survey/{session_id}/", h.HandlePostTaskSurvey)
	r.Post("/store-demographics-survey/{session_id}/", h.HandleDemographicsSurvey)

	return r
}

func (h *Handler) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&h.metrics.HTTPRequestsTotal, 1)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		zlog.Error().Err(err).Msg("health: store unreachable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleMetrics prints the counters as key=value lines.
func (h *Handler) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.metrics.String())
}

func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scenario string `json:"scenario"`
	}
	body, status := h.readBody(w, r)
	if status != 0 {
		writeMessage(w, status, msgNoData)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			atomic.AddInt64(&h.metrics.HTTPRequestsRejectedInvalidTotal, 1)
			writeMessage(w, http.StatusBadRequest, msgNoData)
			return
		}
	}
	if req.Scenario == "" {
		req.Scenario = "default"
	}

	sess, err := h.store.CreateSession(r.Context(), req.Scenario)
	if err != nil {
		h.storeFailed(w, err, "create session")
		return
	}
	zlog.Info().Str("session_id", sess.ID).Str("scenario", sess.Scenario).Msg("session created")
	writeJSON(w, http.StatusCreated, map[string]any{"session_id": sess.ID, "round": sess.CurrentRound})
}

func (h *Handler) HandleAdvance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	round, err := h.store.AdvanceRound(r.Context(), id)
	if errors.Is(err, store.ErrSessionNotFound) {
		h.invalidSession(w)
		return
	}
	if err != nil {
		h.storeFailed(w, err, "advance round")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"round": round})
}

// HandleTracking stores one finalized tracking log for the session's
// current round. Bodies may be gzip-encoded. A repeated delivery for the
// same round replaces the earlier one.
func (h *Handler) HandleTracking(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	body, status := h.readBody(w, r)
	if status != 0 {
		writeMessage(w, status, msgNoData)
		return
	}

	var log model.SessionLog
	if len(body) == 0 || json.Unmarshal(body, &log) != nil || isEmptyLog(&log) {
		atomic.AddInt64(&h.metrics.HTTPRequestsRejectedInvalidTotal, 1)
		writeMessage(w, http.StatusBadRequest, msgNoData)
		return
	}

	rec := &model.TrackingRecord{
		SessionID:  sess.ID,
		Round:      sess.CurrentRound,
		Condition:  sess.Condition,
		ReceivedAt: h.now().UTC().Format(time.RFC3339Nano),
		IP:         clientIP(r),
		UserAgent:  r.UserAgent(),
		Log:        log,
	}
	if err := h.store.SaveTracking(r.Context(), rec); err != nil {
		h.storeFailed(w, err, "save tracking log")
		return
	}
	atomic.AddInt64(&h.metrics.TrackingStoredTotal, 1)
	atomic.AddInt64(&h.metrics.TrackingMovementsTotal, int64(len(log.Movements)))

	if h.archive != nil && !h.archive.Enqueue(rec) {
		zlog.Warn().Str("session_id", sess.ID).Int("round", rec.Round).Msg("archive queue full, record kept in store only")
	}

	zlog.Debug().
		Str("session_id", sess.ID).
		Int("round", rec.Round).
		Int("movements", len(log.Movements)).
		Int("regions", len(log.RegionVisits)).
		Int("hovers", len(log.HoverSpans)).
		Msg("tracking log stored")

	writeJSON(w, http.StatusOK, model.Ack{
		Message:      "Tracking data received",
		Movements:    len(log.Movements),
		RegionVisits: len(log.RegionVisits),
		HoverSpans:   len(log.HoverSpans),
	})
}

func isEmptyLog(l *model.SessionLog) bool {
	return l.StartTime == 0 && len(l.Movements) == 0 && len(l.RegionVisits) == 0 && len(l.HoverSpans) == 0
}

// session loads the session named in the path or writes the 400 reply.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*store.Session, bool) {
	sess, err := h.store.Session(r.Context(), chi.URLParam(r, "session_id"))
	if errors.Is(err, store.ErrSessionNotFound) {
		h.invalidSession(w)
		return nil, false
	}
	if err != nil {
		h.storeFailed(w, err, "load session")
		return nil, false
	}
	return sess, true
}

// readBody copies the request body, inflating it when it is gzip-encoded.
// Both the wire size and the inflated size are capped at MaxBodySize. A
// non-zero status means the body was rejected.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, int) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	defer r.Body.Close()

	var src io.Reader = r.Body
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			atomic.AddInt64(&h.metrics.HTTPRequestsRejectedInvalidTotal, 1)
			return nil, http.StatusBadRequest
		}
		defer gz.Close()
		src = gz
	}

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBody(buf, h.cfg.MaxBodySize*2)

	n, err := io.Copy(buf, io.LimitReader(src, h.cfg.MaxBodySize+1))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			atomic.AddInt64(&h.metrics.HTTPRequestsRejectedBodyTooLargeTotal, 1)
			return nil, http.StatusRequestEntityTooLarge
		}
		atomic.AddInt64(&h.metrics.HTTPRequestsRejectedInvalidTotal, 1)
		return nil, http.StatusBadRequest
	}
	if n > h.cfg.MaxBodySize {
		atomic.AddInt64(&h.metrics.HTTPRequestsRejectedBodyTooLargeTotal, 1)
		return nil, http.StatusRequestEntityTooLarge
	}

	return bytes.Clone(buf.Bytes()), 0
}

func (h *Handler) invalidSession(w http.ResponseWriter) {
	atomic.AddInt64(&h.metrics.HTTPRequestsRejectedSessionTotal, 1)
	writeMessage(w, http.StatusBadRequest, msgInvalidSession)
}

func (h *Handler) storeFailed(w http.ResponseWriter, err error, op string) {
	atomic.AddInt64(&h.metrics.StoreErrorsTotal, 1)
	zlog.Error().Err(err).Str("op", op).Msg("store failure")
	writeMessage(w, http.StatusInternalServerError, msgSaveFailed)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Warn().Err(err).Msg("write response")
	}
}
