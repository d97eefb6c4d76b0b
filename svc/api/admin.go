package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"bindrop/pkg/domain"
	"bindrop/svc/db"
	"bindrop/svc/svc"
	"bindrop/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

// AdminHdl backs the operator surface. Every route here sits behind
// AdminAuth.
type AdminHdl struct {
	drops    *svc.Drops
	settings *svc.Settings
	db       *db.SQLite
}

func (h *AdminHdl) DeleteDrop(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.drops.AdminDelete(r.Context(), id); err != nil {
		log.Warn().Err(err).Str("drop_id", id).Msg("admin delete failed")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted", "id": id})
}

func (h *AdminHdl) Sweep(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	stats, err := h.drops.Sweep(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("manual sweep failed")
		writeErr(w, errors.Wrap(err, "sweep"), requestID)
		return
	}
	log.Info().
		Int("expired", stats.Expired).
		Int("purged", stats.Purged).
		Msg("manual sweep completed")
	json.NewEncoder(w).Encode(stats)
}

type BlockReq struct {
	Address string `json:"address"`
	Reason  string `json:"reason,omitempty"`
}

func (h *AdminHdl) ListBlocks(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	blocks, err := h.db.ListBlocked(r.Context())
	if err != nil {
		writeErr(w, errors.Wrap(err, "list blocks"), requestID)
		return
	}
	if blocks == nil {
		blocks = []domain.BlockedAddress{}
	}
	json.NewEncoder(w).Encode(blocks)
}

func (h *AdminHdl) BlockAddress(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req BlockReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	req.Address = strings.TrimSpace(req.Address)
	if net.ParseIP(req.Address) == nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if err := h.db.BlockAddress(r.Context(), req.Address, req.Reason); err != nil {
		writeErr(w, errors.Wrap(err, "block address"), requestID)
		return
	}
	log.Info().Str("address", util.RedactIP(req.Address)).Msg("address blocked")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"status": "blocked"})
}

func (h *AdminHdl) UnblockAddress(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	address := chi.URLParam(r, "address")
	if err := h.db.UnblockAddress(r.Context(), address); err != nil {
		writeErr(w, err, requestID)
		return
	}
	log.Info().Str("address", util.RedactIP(address)).Msg("address unblocked")
	json.NewEncoder(w).Encode(map[string]string{"status": "unblocked"})
}

func (h *AdminHdl) GetSettings(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	all, err := h.settings.All(r.Context())
	if err != nil {
		writeErr(w, errors.Wrap(err, "load settings"), requestID)
		return
	}
	json.NewEncoder(w).Encode(all)
}

func (h *AdminHdl) PutSettings(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var changes map[string]string
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if len(changes) == 0 {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	for key, value := range changes {
		if err := h.settings.Set(r.Context(), key, value); err != nil {
			writeErr(w, err, requestID)
			return
		}
	}
	log.Info().Int("changed", len(changes)).Msg("settings updated")
	json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
}
