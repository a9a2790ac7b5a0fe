package server

import (
	"net/http"

	"github.com/zral/mongo-crud-api-sub001/types"
)

type eventRequest struct {
	Collection       string         `json:"collection"`
	Event            types.Event    `json:"event"`
	Document         types.Document `json:"document,omitempty"`
	PreviousDocument types.Document `json:"previousDocument,omitempty"`
}

// postEvent hands a document mutation to the dispatcher. Dispatch is
// asynchronous past subscription loading, so a 202 means "accepted", not
// "delivered".
func (s *Server) postEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decode(r, &req); err != nil {
		s.respond(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	if req.Collection == "" || !req.Event.Valid() {
		s.respond(w, http.StatusBadRequest, errorBody{Error: "collection and a valid event are required"})
		return
	}

	if err := s.dispatcher.Mutation(r.Context(), req.Collection, req.Event, req.Document, req.PreviousDocument); err != nil {
		s.respond(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	s.respond(w, http.StatusAccepted, map[string]bool{"accepted": true})
}
