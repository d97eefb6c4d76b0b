package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"bindrop/svc/util"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Degraded bool   `json:"degraded"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
	Blobs    string `json:"blobs"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Ready reports per-dependency state. SQLite down means not ready;
// Redis and blob storage are optional fast paths, so their failure
// only marks the instance degraded.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{
		Ready:    true,
		Database: "up",
		Redis:    "up",
		Blobs:    "up",
	}
	dbCtx, dbCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer dbCancel()
	if err := s.db.Ping(dbCtx); err != nil {
		util.Error().Err(err).Msg("database health check failed")
		resp.Database = "down"
		resp.Degraded = true
		resp.Ready = false
	}
	if s.rdb != nil {
		rCtx, rCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer rCancel()
		if err := s.rdb.Ping(rCtx); err != nil {
			util.Error().Err(err).Msg("redis health check failed")
			resp.Redis = "down"
			resp.Degraded = true
		}
	} else {
		resp.Redis = "unavailable"
	}
	if s.blobs != nil {
		bCtx, bCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer bCancel()
		if err := s.blobs.Ping(bCtx); err != nil {
			util.Error().Err(err).Msg("blob storage health check failed")
			resp.Blobs = "down"
			resp.Degraded = true
		}
	} else {
		resp.Blobs = "unavailable"
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
