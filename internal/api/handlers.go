package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"flowpulse/internal/dispatch"
	"flowpulse/internal/schedule"
	"flowpulse/internal/storage"
	logx "flowpulse/pkg/logx"
)

type handlers struct {
	deps Deps
	log  logx.Logger
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":    "ok",
		"signed_in": h.deps.Session != nil && h.deps.Session.Registry() != nil,
		"time":      time.Now().UTC().Format(time.RFC3339),
	}
	if h.deps.Health != nil {
		for k, v := range h.deps.Health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

type signInRequest struct {
	Token string `json:"token"`
}

func (h *handlers) signIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeErr(w, http.StatusBadRequest, "token_required", "token is required")
		return
	}
	if err := h.deps.Session.SignIn(r.Context(), req.Token); err != nil {
		writeErr(w, http.StatusInternalServerError, "sign_in_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.scheduleView())
}

func (h *handlers) signOut(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Session.SignOut(r.Context()); err != nil {
		writeErr(w, http.StatusInternalServerError, "sign_out_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type scheduleList struct {
	SignedIn bool `json:"signed_in"`
	schedule.Snapshot
}

func (h *handlers) scheduleView() scheduleList {
	reg := h.deps.Session.Registry()
	if reg == nil {
		return scheduleList{Snapshot: schedule.Snapshot{Schedules: []schedule.ScheduleInfo{}}}
	}
	return scheduleList{SignedIn: true, Snapshot: reg.Snapshot()}
}

func (h *handlers) listSchedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduleView())
}

func (h *handlers) listDispatches(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Dispatcher.Snapshot())
}

type workflowView struct {
	ID         string             `json:"id"`
	Name       string             `json:"name,omitempty"`
	Schedule   *string            `json:"schedule"`
	Interval   *schedule.Interval `json:"interval,omitempty"`
	Every      string             `json:"every,omitempty"`
	Scheduled  bool               `json:"scheduled"`
	UpdatedAt  time.Time          `json:"updated_at,omitempty"`
	Recognized bool               `json:"recognized"`
}

func (h *handlers) view(wf storage.Workflow) workflowView {
	v := workflowView{ID: wf.ID, Name: wf.Name, Schedule: wf.Schedule, UpdatedAt: wf.UpdatedAt}
	if iv, ok := schedule.Decode(wf.ScheduleExpr()); ok {
		v.Interval = &iv
		v.Every = iv.String()
		v.Recognized = true
	}
	if reg := h.deps.Session.Registry(); reg != nil {
		v.Scheduled = reg.IsScheduled(wf.ID)
	}
	return v
}

func (h *handlers) store(w http.ResponseWriter) (Store, bool) {
	if h.deps.Store == nil {
		writeErr(w, http.StatusServiceUnavailable, "storage_disabled", "no workflow store configured")
		return nil, false
	}
	return h.deps.Store, true
}

// storeErr maps store errors to responses.
func storeErr(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "not_found", "workflow "+id+" not found")
		return
	}
	writeErr(w, http.StatusInternalServerError, "storage_error", err.Error())
}

func (h *handlers) getWorkflow(w http.ResponseWriter, r *http.Request) {
	st, ok := h.store(w)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	wf, err := st.GetWorkflow(r.Context(), id)
	if err != nil {
		storeErr(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(wf))
}

type putWorkflowRequest struct {
	Name string `json:"name"`
}

func (h *handlers) putWorkflow(w http.ResponseWriter, r *http.Request) {
	st, ok := h.store(w)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	var req putWorkflowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	// keep an existing schedule untouched
	wf, err := st.GetWorkflow(r.Context(), id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		storeErr(w, id, err)
		return
	}
	wf.ID = id
	wf.Name = strings.TrimSpace(req.Name)
	wf.UpdatedAt = time.Now()
	if err := st.PutWorkflow(r.Context(), wf); err != nil {
		storeErr(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(wf))
}

type scheduleRequest struct {
	Value int    `json:"value"`
	Unit  string `json:"unit"`
}

func (h *handlers) putSchedule(w http.ResponseWriter, r *http.Request) {
	st, ok := h.store(w)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	var req scheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	unit, err := schedule.ParseUnit(req.Unit)
	if err == nil {
		err = schedule.ValidateInterval(req.Value, unit)
	}
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_interval", err.Error())
		return
	}

	expr := schedule.Encode(req.Value, unit)
	if err := st.SetSchedule(r.Context(), id, &expr); err != nil {
		storeErr(w, id, err)
		return
	}
	if reg := h.deps.Session.Registry(); reg != nil {
		if err := reg.Refresh(r.Context(), id); err != nil {
			if errors.Is(err, schedule.ErrInvalidRecurrence) {
				writeErr(w, http.StatusBadRequest, "invalid_recurrence", err.Error())
				return
			}
			writeErr(w, http.StatusInternalServerError, "refresh_failed", err.Error())
			return
		}
	}
	wf, err := st.GetWorkflow(r.Context(), id)
	if err != nil {
		storeErr(w, id, err)
		return
	}
	h.log.Info("workflow schedule set", logx.String("workflow", id), logx.String("expr", expr))
	writeJSON(w, http.StatusOK, h.view(wf))
}

func (h *handlers) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	st, ok := h.store(w)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := st.SetSchedule(r.Context(), id, nil); err != nil {
		storeErr(w, id, err)
		return
	}
	if reg := h.deps.Session.Registry(); reg != nil {
		reg.Stop(id)
	}
	h.log.Info("workflow schedule cleared", logx.String("workflow", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	reg := h.deps.Session.Registry()
	if reg == nil {
		writeErr(w, http.StatusConflict, "signed_out", "no active session")
		return
	}
	id := chi.URLParam(r, "id")
	if err := reg.Refresh(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, schedule.ErrInvalidRecurrence):
			writeErr(w, http.StatusUnprocessableEntity, "invalid_recurrence", err.Error())
		case errors.Is(err, storage.ErrDisabled):
			writeErr(w, http.StatusServiceUnavailable, "storage_disabled", err.Error())
		default:
			writeErr(w, http.StatusInternalServerError, "refresh_failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow_id": id, "scheduled": reg.IsScheduled(id)})
}

func (h *handlers) run(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.deps.Dispatcher.Dispatch(r.Context(), id, dispatch.TriggerManual)
	switch {
	case err != nil && errors.Is(err, dispatch.ErrFailed):
		writeJSON(w, http.StatusBadGateway, res)
	case err != nil:
		writeErr(w, http.StatusBadRequest, "invalid_request", err.Error())
	case res.Outcome == dispatch.OutcomeSkipped:
		writeJSON(w, http.StatusConflict, res)
	default:
		writeJSON(w, http.StatusAccepted, res)
	}
}
