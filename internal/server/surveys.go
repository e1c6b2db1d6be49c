package server

import (
	"errors"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"studytrace/internal/store"
	"studytrace/internal/survey"

	json "github.com/goccy/go-json"
	zlog "github.com/rs/zerolog/log"
)

func randomCondition(string) string {
	return survey.Conditions[rand.IntN(len(survey.Conditions))]
}

// HandlePreTaskSurvey classifies the participant from the pre-task answers
// and assigns the round-2 condition.
func (h *Handler) HandlePreTaskSurvey(w http.ResponseWriter, r *http.Request) {
	sess, data, ok := h.surveyInput(w, r)
	if !ok {
		return
	}

	res, err := survey.PreTask(data)
	if err != nil {
		h.invalidSurvey(w, err)
		return
	}

	condition := h.assign(res.EmotionRegulationType)
	ctx := r.Context()
	if err := h.store.SetRegulation(ctx, sess.ID, res.EmotionRegulationType, res.SuppScore); err != nil {
		h.storeFailed(w, err, "set regulation")
		return
	}
	if err := h.store.SetCondition(ctx, sess.ID, condition); err != nil {
		h.storeFailed(w, err, "set condition")
		return
	}

	res.Data["assigned_condition"] = condition
	if !h.saveSurvey(w, r, sess.ID, survey.KindPreTask, res.Data) {
		return
	}

	zlog.Info().
		Str("session_id", sess.ID).
		Str("emotion_regulation_type", res.EmotionRegulationType).
		Float64("supp_score", res.SuppScore).
		Str("condition", condition).
		Msg("pre-task survey stored")

	writeJSON(w, http.StatusOK, map[string]any{
		"message":                 "Survey data saved successfully",
		"emotion_regulation_type": res.EmotionRegulationType,
		"supp_score":              res.SuppScore,
		"condition":               condition,
		"redirect_url":            "/index/" + url.PathEscape(sess.ID) + "/",
	})
}

// HandlePostRound1Survey stores the questionnaire between the rounds and
// moves the session to round 2.
func (h *Handler) HandlePostRound1Survey(w http.ResponseWriter, r *http.Request) {
	sess, data, ok := h.surveyInput(w, r)
	if !ok {
		return
	}

	out, err := survey.PostRound1(data)
	if err != nil {
		h.invalidSurvey(w, err)
		return
	}
	if !h.saveSurvey(w, r, sess.ID, survey.KindPostRound1, out) {
		return
	}

	round, err := h.store.AdvanceRound(r.Context(), sess.ID)
	if err != nil {
		h.storeFailed(w, err, "advance round")
		return
	}

	zlog.Info().
		Str("session_id", sess.ID).
		Int("round", round).
		Interface("attention_check", out[survey.AttentionCheckKey]).
		Msg("post-round-1 survey stored")

	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "Survey data saved successfully",
		"round":        round,
		"redirect_url": "/index/" + url.PathEscape(sess.ID) + "/",
	})
}

// HandleAttentionCheckFailed records that the participant failed the
// attention check of the post-round-1 form.
func (h *Handler) HandleAttentionCheckFailed(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if !h.saveSurvey(w, r, sess.ID, survey.KindAttentionCheck, survey.AttentionCheckFailure(sess.ID)) {
		return
	}
	atomic.AddInt64(&h.metrics.AttentionChecksFailedTotal, 1)

	zlog.Warn().Str("session_id", sess.ID).Msg("attention check failed")
	writeMessage(w, http.StatusOK, "Attention check failure recorded")
}

// HandlePostTaskSurvey stores the four-page feedback form.
func (h *Handler) HandlePostTaskSurvey(w http.ResponseWriter, r *http.Request) {
	sess, data, ok := h.surveyInput(w, r)
	if !ok {
		return
	}

	out, err := survey.PostTask(data)
	if err != nil {
		h.invalidSurvey(w, err)
		return
	}
	out["condition"] = sess.Condition
	out["emotion_regulation_type"] = sess.EmotionRegulationType
	out["supp_score"] = sess.SuppScore

	if !h.saveSurvey(w, r, sess.ID, survey.KindPostTask, out) {
		return
	}
	writeMessage(w, http.StatusOK, "Survey data saved successfully")
}

func (h *Handler) HandleDemographicsSurvey(w http.ResponseWriter, r *http.Request) {
	sess, data, ok := h.surveyInput(w, r)
	if !ok {
		return
	}

	out, err := survey.Demographics(data)
	if err != nil {
		h.invalidSurvey(w, err)
		return
	}
	out["condition"] = sess.Condition
	out["emotion_regulation_type"] = sess.EmotionRegulationType

	if !h.saveSurvey(w, r, sess.ID, survey.KindDemographics, out) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":      "Demographics survey saved successfully",
		"redirect_url": "/complete/?session_id=" + url.QueryEscape(sess.ID),
	})
}

// surveyInput resolves the session and decodes a non-empty JSON object.
func (h *Handler) surveyInput(w http.ResponseWriter, r *http.Request) (*store.Session, map[string]any, bool) {
	sess, ok := h.session(w, r)
	if !ok {
		return nil, nil, false
	}

	body, status := h.readBody(w, r)
	if status != 0 {
		writeMessage(w, status, msgNoData)
		return nil, nil, false
	}

	var data map[string]any
	if len(body) == 0 || json.Unmarshal(body, &data) != nil || len(data) == 0 {
		atomic.AddInt64(&h.metrics.HTTPRequestsRejectedInvalidTotal, 1)
		writeMessage(w, http.StatusBadRequest, msgNoData)
		return nil, nil, false
	}
	return sess, data, true
}

func (h *Handler) saveSurvey(w http.ResponseWriter, r *http.Request, sessionID, kind string, data map[string]any) bool {
	at := h.now().UTC()
	data["session_id"] = sessionID
	data["timestamp"] = at.Format(time.RFC3339Nano)

	if err := h.store.SaveSurvey(r.Context(), sessionID, kind, data, at); err != nil {
		h.storeFailed(w, err, "save "+kind)
		return false
	}
	atomic.AddInt64(&h.metrics.SurveysStoredTotal, 1)
	return true
}

func (h *Handler) invalidSurvey(w http.ResponseWriter, err error) {
	atomic.AddInt64(&h.metrics.HTTPRequestsRejectedInvalidTotal, 1)

	var inc *survey.IncompleteError
	if errors.As(err, &inc) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"message": "Please answer all questions",
			"missing": inc.Missing,
		})
		return
	}
	writeMessage(w, http.StatusBadRequest, err.Error())
}
