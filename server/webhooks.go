package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zral/mongo-crud-api-sub001/types"
	"github.com/zral/mongo-crud-api-sub001/webhook"
)

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.store.ListWebhooks(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, hooks)
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	var sub types.WebhookSubscription
	if err := decode(r, &sub); err != nil {
		s.respond(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if err := s.store.CreateWebhook(r.Context(), &sub); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, sub)
}

func (s *Server) getWebhook(w http.ResponseWriter, r *http.Request) {
	sub, err := s.store.GetWebhook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, sub)
}

func (s *Server) updateWebhook(w http.ResponseWriter, r *http.Request) {
	var update types.Document
	if err := decode(r, &update); err != nil {
		s.respond(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	sub, err := s.store.UpdateWebhook(r.Context(), chi.URLParam(r, "id"), update)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, sub)
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteWebhook(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

func (s *Server) webhookFailures(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetWebhook(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	failures, err := webhook.FailureLog(r.Context(), s.coord, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, failures)
}
