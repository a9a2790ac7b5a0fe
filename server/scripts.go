package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zral/mongo-crud-api-sub001/types"
)

func (s *Server) listScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.store.ListScripts(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, scripts)
}

func (s *Server) createScript(w http.ResponseWriter, r *http.Request) {
	var sub types.ScriptSubscription
	if err := decode(r, &sub); err != nil {
		s.respond(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if err := s.store.CreateScript(r.Context(), &sub); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, sub)
}

func (s *Server) getScript(w http.ResponseWriter, r *http.Request) {
	sub, err := s.store.GetScript(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, sub)
}

func (s *Server) updateScript(w http.ResponseWriter, r *http.Request) {
	var update types.Document
	if err := decode(r, &update); err != nil {
		s.respond(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	sub, err := s.store.UpdateScript(r.Context(), chi.URLParam(r, "id"), update)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, sub)
}

func (s *Server) deleteScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteScript(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	// A deleted script takes its schedule with it.
	_ = s.sched.Unschedule(r.Context(), id)
	s.respond(w, http.StatusNoContent, nil)
}

// --- Schedules ---

type scheduleRequest struct {
	CronExpression string         `json:"cronExpression"`
	Payload        types.Document `json:"payload,omitempty"`
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	views, err := s.sched.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	for _, v := range views {
		if v.ScriptID == id {
			s.respond(w, http.StatusOK, v)
			return
		}
	}
	s.respond(w, http.StatusNotFound, errorBody{Error: "script is not scheduled"})
}

func (s *Server) putSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		s.respond(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	if req.CronExpression == "" {
		s.respond(w, http.StatusBadRequest, errorBody{Error: "cronExpression is required"})
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.sched.Schedule(r.Context(), id, req.CronExpression, req.Payload); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{
		"scriptId":       id,
		"cronExpression": req.CronExpression,
	})
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Unschedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

func (s *Server) pauseSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) resumeSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.TriggerNow(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]bool{"triggered": true})
}
