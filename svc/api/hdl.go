package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"bindrop/cfg"
	"bindrop/pkg/domain"
	"bindrop/svc/svc"
	"bindrop/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"
)

type Hdl struct {
	drops    *svc.Drops
	settings *svc.Settings
	cfg      *cfg.Cfg
}

type CreateReq struct {
	Content       string `json:"content"`
	Password      string `json:"password,omitempty"`
	Language      string `json:"language,omitempty"`
	Title         string `json:"title,omitempty"`
	Duration      string `json:"duration,omitempty"`
	BurnAfterRead bool   `json:"burn_after_read,omitempty"`
}

type CreateResp struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	ExpiresAt     time.Time `json:"expires_at"`
	BurnAfterRead bool      `json:"burn_after_read"`
}

type ReadResp struct {
	domain.Meta
	Content string `json:"content"`
	Burned  bool   `json:"burned,omitempty"`
}

func (h *Hdl) CreateDrop(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return
	}

	maxText := h.settings.MaxTextSize(r.Context())
	// JSON escaping inflates the body, so the reader limit is looser
	// than the content limit enforced below.
	limit := maxText * 2
	if clHeader := r.Header.Get("Content-Length"); clHeader != "" {
		cl, err := strconv.ParseInt(clHeader, 10, 64)
		if err != nil || cl < 0 {
			log.Warn().Str("content_length", clHeader).Msg("invalid Content-Length")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
		if cl > limit {
			log.Warn().Int64("content_length", cl).Msg("Content-Length exceeds maximum")
			writeErr(w, domain.ErrContentTooLarge, requestID)
			return
		}
	} else {
		log.Warn().Msg("missing Content-Length on POST")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if req.Content == "" {
		writeErr(w, domain.ErrContentRequired, requestID)
		return
	}

	dur, err := parseDuration(req.Duration)
	if err != nil {
		log.Warn().Err(err).Str("duration", req.Duration).Msg("invalid duration")
		writeErr(w, domain.ErrInvalidExpiration, requestID)
		return
	}

	params := domain.CreateParams{
		Content:       []byte(sanitizeContent(req.Content)),
		Kind:          domain.KindText,
		Password:      req.Password,
		Language:      strings.TrimSpace(req.Language),
		Title:         strings.TrimSpace(req.Title),
		Duration:      dur,
		BurnAfterRead: req.BurnAfterRead,
	}
	drop, err := h.drops.Create(r.Context(), params)
	if err != nil {
		log.Warn().Err(err).Msg("failed to create drop")
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("drop_id", drop.ID).
		Str("ttl", dur.String()).
		Bool("password_protected", req.Password != "").
		Msg("drop created")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{
		ID:            drop.ID,
		Kind:          drop.Kind.String(),
		ExpiresAt:     drop.ExpiresAt,
		BurnAfterRead: drop.BurnAfterRead,
	})
}

func (h *Hdl) CreateFileDrop(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	maxFile := h.settings.MaxFileSize(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxFile+64*1024)
	if err := r.ParseMultipartForm(maxFile); err != nil {
		log.Warn().Err(err).Msg("invalid multipart form")
		writeErr(w, domain.ErrContentTooLarge, requestID)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, domain.ErrContentRequired, requestID)
		return
	}
	defer file.Close()
	if header.Size > maxFile {
		writeErr(w, domain.ErrContentTooLarge, requestID)
		return
	}
	content, err := io.ReadAll(io.LimitReader(file, maxFile+1))
	if err != nil {
		log.Warn().Err(err).Msg("failed to read upload")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if int64(len(content)) > maxFile {
		writeErr(w, domain.ErrContentTooLarge, requestID)
		return
	}

	dur, err := parseDuration(r.FormValue("duration"))
	if err != nil {
		writeErr(w, domain.ErrInvalidExpiration, requestID)
		return
	}

	params := domain.CreateParams{
		Content:       content,
		Kind:          domain.KindFile,
		Password:      r.FormValue("password"),
		Title:         strings.TrimSpace(r.FormValue("title")),
		FileName:      header.Filename,
		FileMime:      header.Header.Get("Content-Type"),
		Duration:      dur,
		BurnAfterRead: r.FormValue("burn_after_read") == "true",
	}
	drop, err := h.drops.Create(r.Context(), params)
	if err != nil {
		log.Warn().Err(err).Msg("failed to create file drop")
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("drop_id", drop.ID).
		Int64("size", drop.FileSize).
		Msg("file drop created")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{
		ID:            drop.ID,
		Kind:          drop.Kind.String(),
		ExpiresAt:     drop.ExpiresAt,
		BurnAfterRead: drop.BurnAfterRead,
	})
}

func (h *Hdl) GetDrop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	password := r.URL.Query().Get("password")
	if password == "" {
		password = r.Header.Get("X-Drop-Password")
	}
	h.reveal(w, r, id, password)
}

type UnlockReq struct {
	Password string `json:"password"`
}

func (h *Hdl) UnlockDrop(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, 4*1024)
	var req UnlockReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if req.Password == "" {
		writeErr(w, domain.ErrPasswordRequired, requestID)
		return
	}
	h.reveal(w, r, id, req.Password)
}

func (h *Hdl) reveal(w http.ResponseWriter, r *http.Request, id, password string) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	revealed, err := h.drops.Read(r.Context(), id, password)
	if err != nil {
		if errors.Is(err, domain.ErrIncorrectPassword) || errors.Is(err, domain.ErrPasswordRequired) {
			log.Warn().
				Str("drop_id", id).
				Str("client_ip", util.RedactIP(r.RemoteAddr)).
				Msg("failed password attempt")
		} else {
			log.Warn().Err(err).Str("drop_id", id).Msg("read failed")
		}
		if errors.Is(err, domain.ErrPasswordRequired) {
			// The lock screen still shows what the drop admits about
			// itself, so the 401 carries the password-free metadata.
			if meta, merr := h.drops.Meta(r.Context(), id); merr == nil {
				resp := domain.ToResp(err)
				resp.Error.Meta = meta
				w.WriteHeader(domain.Status(err))
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error":      resp.Error,
					"request_id": requestID,
				})
				return
			}
		}
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("drop_id", id).
		Int("views", revealed.Meta.ViewCount).
		Bool("burned", revealed.Burned).
		Msg("drop retrieved")

	// File drops stream as a download; only text drops render as JSON.
	if revealed.Meta.Kind == "file" {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", revealed.Meta.FileName))
		w.Header().Set("Content-Length", strconv.Itoa(len(revealed.Content)))
		if revealed.Burned {
			w.Header().Set("X-Drop-Burned", "true")
		}
		w.Write(revealed.Content)
		return
	}
	json.NewEncoder(w).Encode(ReadResp{
		Meta:    revealed.Meta,
		Content: string(revealed.Content),
		Burned:  revealed.Burned,
	})
}

// GetDropMeta exposes what a drop admits without its password. Content
// and ciphertext never pass through here, and the view counter does
// not move.
func (h *Hdl) GetDropMeta(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	meta, err := h.drops.Meta(r.Context(), id)
	if err != nil {
		log.Warn().Err(err).Str("drop_id", id).Msg("meta lookup failed")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(meta)
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("duration must be positive")
	}
	return d, nil
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	resp := domain.ToResp(err)
	if statusCode >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":      resp.Error,
		"request_id": requestID,
	})
}

// sanitizeContent normalizes text to NFC and drops control characters
// other than whitespace. It runs before encryption; stored ciphertext
// is never rewritten.
func sanitizeContent(s string) string {
	s = norm.NFC.String(s)
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}
