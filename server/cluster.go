package server

import (
	"net/http"
	"time"

	"github.com/zral/mongo-crud-api-sub001/types"
)

type clusterStatus struct {
	InstanceID string      `json:"instanceId"`
	Version    string      `json:"version"`
	Leader     bool        `json:"leader"`
	CronActive bool        `json:"cronActive"`
	Queue      queueStatus `json:"queue"`
	Uptime     string      `json:"uptime"`
}

type queueStatus struct {
	Depth   int64 `json:"depth"`
	Pending int64 `json:"pending"`
}

type healthStatus struct {
	OK                bool `json:"ok"`
	Queue             bool `json:"queue"`
	CoordinationStore bool `json:"coordination_store"`
	DocumentStore     bool `json:"document_store"`
}

var startedAt = time.Now()

func (s *Server) clusterStatus(w http.ResponseWriter, r *http.Request) {
	st := clusterStatus{
		InstanceID: s.cfg.InstanceID,
		Version:    types.Version,
		Leader:     s.elector.IsLeader(),
		CronActive: s.sched.Active(),
		Uptime:     time.Since(startedAt).Round(time.Second).String(),
	}
	if depth, err := s.queue.Depth(r.Context()); err == nil {
		st.Queue.Depth = depth
	}
	if pending, err := s.queue.PendingCount(r.Context()); err == nil {
		st.Queue.Pending = pending
	}
	s.respond(w, http.StatusOK, st)
}

func (s *Server) clusterLeadership(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.elector.Status(r.Context()))
}

func (s *Server) clusterLocks(w http.ResponseWriter, r *http.Request) {
	keys, err := s.locks.Held(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"instanceId": s.cfg.InstanceID,
		"locks":      keys,
	})
}

func (s *Server) clusterHealth(w http.ResponseWriter, r *http.Request) {
	h := healthStatus{
		CoordinationStore: s.coord.Ping(r.Context()) == nil,
		DocumentStore:     s.store.Ping(r.Context()) == nil,
	}
	_, queueErr := s.queue.Depth(r.Context())
	h.Queue = queueErr == nil
	h.OK = h.CoordinationStore && h.DocumentStore && h.Queue

	code := http.StatusOK
	if !h.OK {
		code = http.StatusServiceUnavailable
	}
	s.respond(w, code, h)
}
